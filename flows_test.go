package dynamicauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractAuthorizationCode(t *testing.T) {
	tests := []struct {
		name     string
		rawQuery string
		want     string
	}{
		{
			name:     "simple",
			rawQuery: "code=abc123",
			want:     "abc123",
		},
		{
			name:     "between other parameters",
			rawQuery: "nonce=deadbeef&code=abc123&state=xyz",
			want:     "abc123",
		},
		{
			name:     "encoded ampersand elsewhere stays encoded",
			rawQuery: "foo=a%26b&code=abc123&state=xyz",
			want:     "abc123",
		},
		{
			name:     "code itself stays raw",
			rawQuery: "code=a%2Fb%3Dc&state=xyz",
			want:     "a%2Fb%3Dc",
		},
		{
			name:     "leading question mark",
			rawQuery: "?code=abc123",
			want:     "abc123",
		},
		{
			name:     "no code",
			rawQuery: "nonce=deadbeef&state=xyz",
			want:     "",
		},
		{
			name:     "decode trap: encoded code in another value",
			rawQuery: "error=bad%26code%3Dfake&code=real",
			want:     "real",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractAuthorizationCode(tt.rawQuery))
		})
	}
}

// newFlowProvider builds a provider wired to the given token endpoint with
// pre-issued credentials, skipping discovery and registration.
func newFlowProvider(t *testing.T, ui *fakeUI, host *fakeHost, metadata *AuthorizationServerMetadata) *DynamicAuthProvider {
	t.Helper()

	p, err := NewDynamicAuthProvider(context.Background(), Config{
		AuthorizationServer: "https://auth.example.com",
		RedirectURI:         "https://client.example.com/redirect",
		ClientID:            "client-1",
		Metadata:            metadata,
		UI:                  ui,
		Host:                host,
		Logger:              testLogger,
	})
	require.NoError(t, err)
	return p
}

func TestAuthorizationCodeFlow_EndToEnd(t *testing.T) {
	var tokenForm url.Values
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		tokenForm = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(TokenResponse{
			AccessToken: "at-new",
			TokenType:   "Bearer",
			ExpiresIn:   3600,
			Scope:       "openid profile",
		})
	}))
	defer server.Close()

	ui := newFakeUI()
	host := newFakeHost()
	host.rawQuery = "nonce=deadbeef&code=abc123&state=app%3A%2F%2Fstate"

	p := newFlowProvider(t, ui, host, &AuthorizationServerMetadata{
		AuthorizationEndpoint: "https://auth.example.com/authorize",
		TokenEndpoint:         server.URL,
	})

	session, err := p.CreateSession(context.Background(), []string{"profile", "openid"})
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, "at-new", session.AccessToken)
	assert.Equal(t, []string{"openid", "profile"}, session.Scopes)

	// Token exchange wire format.
	assert.Equal(t, "client-1", tokenForm.Get("client_id"))
	assert.Equal(t, "authorization_code", tokenForm.Get("grant_type"))
	assert.Equal(t, "abc123", tokenForm.Get("code"))
	assert.Equal(t, "https://client.example.com/redirect", tokenForm.Get("redirect_uri"))
	assert.NotEmpty(t, tokenForm.Get("code_verifier"))
	assert.Empty(t, tokenForm.Get("client_secret"), "public client must not send a secret")

	// Authorization URL parameters.
	opened, err := url.Parse(ui.lastOpenedURL())
	require.NoError(t, err)
	query := opened.Query()
	assert.Equal(t, "client-1", query.Get("client_id"))
	assert.Equal(t, "code", query.Get("response_type"))
	assert.Equal(t, "S256", query.Get("code_challenge_method"))
	assert.Equal(t, "openid profile", query.Get("scope"))
	assert.Equal(t, "https://client.example.com/redirect", query.Get("redirect_uri"))
	assert.NotEmpty(t, query.Get("state"))

	challenge := query.Get("code_challenge")
	assert.Len(t, challenge, 43)
	assert.NotContains(t, challenge, "+")
	assert.NotContains(t, challenge, "/")
	assert.NotContains(t, challenge, "=")

	// The callback wait was armed with the state before the browser opened.
	require.Len(t, host.waitedStates, 1)
	assert.Equal(t, query.Get("state"), host.waitedStates[0])
}

func TestAuthorizationCodeFlow_MissingEndpointsFailFast(t *testing.T) {
	tests := []struct {
		name     string
		metadata *AuthorizationServerMetadata
		wantMsg  string
	}{
		{
			name:     "no authorization endpoint",
			metadata: &AuthorizationServerMetadata{TokenEndpoint: "https://auth.example.com/token"},
			wantMsg:  "no authorization endpoint",
		},
		{
			name:     "no token endpoint",
			metadata: &AuthorizationServerMetadata{AuthorizationEndpoint: "https://auth.example.com/authorize"},
			wantMsg:  "no token endpoint",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ui := newFakeUI()
			host := newFakeHost()
			p := newFlowProvider(t, ui, host, tt.metadata)

			_, err := p.CreateSession(context.Background(), nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)
			assert.False(t, IsCancellation(err))
			assert.Empty(t, ui.openedURLs, "no UI interaction before metadata validation")
		})
	}
}

func TestAuthorizationCodeFlow_DeclinedBrowserIsCancellation(t *testing.T) {
	ui := newFakeUI()
	ui.openResult = false
	host := newFakeHost()
	host.rawQuery = "code=abc123"

	p := newFlowProvider(t, ui, host, &AuthorizationServerMetadata{
		AuthorizationEndpoint: "https://auth.example.com/authorize",
		TokenEndpoint:         "https://auth.example.com/token",
	})

	_, err := p.CreateSession(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, IsCancellation(err), "declined browser prompt must be a cancellation, got %v", err)
}

func TestAuthorizationCodeFlow_ContextCancellation(t *testing.T) {
	ui := newFakeUI()
	host := newFakeHost()
	// Empty rawQuery makes the callback wait block until cancelled.

	p := newFlowProvider(t, ui, host, &AuthorizationServerMetadata{
		AuthorizationEndpoint: "https://auth.example.com/authorize",
		TokenEndpoint:         "https://auth.example.com/token",
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.CreateSession(ctx, nil)
	require.Error(t, err)
	assert.True(t, IsCancellation(err))
	assert.Empty(t, p.Sessions(), "no partial state after cancellation")
}

func TestAuthorizationCodeFlow_MissingCodeIsProtocolError(t *testing.T) {
	ui := newFakeUI()
	host := newFakeHost()
	host.rawQuery = "nonce=deadbeef&state=xyz"

	p := newFlowProvider(t, ui, host, &AuthorizationServerMetadata{
		AuthorizationEndpoint: "https://auth.example.com/authorize",
		TokenEndpoint:         "https://auth.example.com/token",
	})

	_, err := p.CreateSession(context.Background(), nil)
	require.Error(t, err)
	assert.False(t, IsCancellation(err))
	assert.Contains(t, err.Error(), "no code parameter")
}

func TestAuthorizationCodeFlow_TokenEndpointErrorSurfaced(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(ErrorResponse{
			Error:            ErrorCodeInvalidGrant,
			ErrorDescription: "code expired",
		})
	}))
	defer server.Close()

	ui := newFakeUI()
	host := newFakeHost()
	host.rawQuery = "code=abc123"

	p := newFlowProvider(t, ui, host, &AuthorizationServerMetadata{
		AuthorizationEndpoint: "https://auth.example.com/authorize",
		TokenEndpoint:         server.URL,
	})

	_, err := p.CreateSession(context.Background(), nil)
	require.Error(t, err)

	var flowErr *FlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, http.StatusBadRequest, flowErr.Status)
	assert.Equal(t, ErrorCodeInvalidGrant, flowErr.Code)
	assert.Equal(t, "code expired", flowErr.Description)
	assert.Equal(t, server.URL, flowErr.Endpoint)
}

func TestAuthorizationCodeFlow_InvalidClientRegeneratesCredentials(t *testing.T) {
	var registrations int
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(ErrorResponse{Error: ErrorCodeInvalidClient})
	})
	mux.HandleFunc("/register", func(w http.ResponseWriter, r *http.Request) {
		registrations++
		var req ClientRegistrationRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Contains(t, req.GrantTypes, "refresh_token")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(ClientRegistrationResponse{ClientID: "client-2"})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	ui := newFakeUI()
	host := newFakeHost()
	host.rawQuery = "code=abc123"

	p := newFlowProvider(t, ui, host, &AuthorizationServerMetadata{
		AuthorizationEndpoint: "https://auth.example.com/authorize",
		TokenEndpoint:         server.URL + "/token",
		RegistrationEndpoint:  server.URL + "/register",
	})

	var clientChanges []string
	p.OnDidChangeClient(func(clientID string) {
		clientChanges = append(clientChanges, clientID)
	})

	_, err := p.CreateSession(context.Background(), nil)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrClientInvalidated, "caller must be told to retry")
	assert.False(t, IsCancellation(err))

	assert.Equal(t, 1, registrations, "exactly one re-registration, no silent retry")
	assert.Equal(t, "client-2", p.ClientID())
	assert.Equal(t, []string{"client-2"}, clientChanges)
}

func TestPostTokenRequest_MalformedResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer server.Close()

	p := newFlowProvider(t, newFakeUI(), newFakeHost(), &AuthorizationServerMetadata{
		AuthorizationEndpoint: "https://auth.example.com/authorize",
		TokenEndpoint:         server.URL,
	})

	_, err := p.exchangeCodeForToken(context.Background(), "abc123", strings.Repeat("a", 64))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed token response")
}
