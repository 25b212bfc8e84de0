package dynamicauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/giantswarm/dynamicauth/instrumentation"
	"github.com/giantswarm/dynamicauth/internal/util"
	"github.com/giantswarm/dynamicauth/security"
)

// codePattern extracts the authorization code from the raw, still-encoded
// query string. A generic query parser would percent-decode the code and
// corrupt it, so the code is pulled out with a targeted pattern instead.
var codePattern = regexp.MustCompile(`(?:^|[?&])code=([^&]+)`)

// extractAuthorizationCode returns the raw code parameter from rawQuery, or
// "" when absent.
func extractAuthorizationCode(rawQuery string) string {
	m := codePattern.FindStringSubmatch(rawQuery)
	if m == nil {
		return ""
	}
	return m[1]
}

// flow is one way of obtaining a token for a scope request. Flows are tried
// in order by CreateSession, with a continue prompt between them.
type flow interface {
	// Label names the flow in user-facing prompts and logs.
	Label() string

	// Run executes the flow. Cancellation must be returned as a
	// cancellation (IsCancellation), never as a generic error.
	Run(ctx context.Context, p *DynamicAuthProvider, scopes []string) (*TokenResponse, error)
}

// authorizationCodeFlow implements the authorization-code-with-PKCE flow via
// an external URL handler.
type authorizationCodeFlow struct{}

func (authorizationCodeFlow) Label() string { return "browser authorization" }

func (authorizationCodeFlow) Run(ctx context.Context, p *DynamicAuthProvider, scopes []string) (*TokenResponse, error) {
	// Both endpoints must be known before any network or UI interaction.
	if p.metadata.AuthorizationEndpoint == "" {
		return nil, fmt.Errorf("server metadata for %s has no authorization endpoint", p.config.AuthorizationServer)
	}
	if p.metadata.TokenEndpoint == "" {
		return nil, fmt.Errorf("server metadata for %s has no token endpoint", p.config.AuthorizationServer)
	}

	flowID := uuid.NewString()

	verifier, err := security.GenerateCodeVerifier()
	if err != nil {
		return nil, fmt.Errorf("failed to generate code verifier: %w", err)
	}
	challenge := security.CodeChallenge(verifier)

	nonce, err := security.GenerateNonce()
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	// The callback URI is unique to this provider's authority and carries
	// the nonce; the host converts it into the state value.
	callbackURI := p.callbackURI(nonce)
	state, err := p.config.UI.CreateAppURI(ctx, callbackURI)
	if err != nil {
		return nil, fmt.Errorf("failed to create app URI for %s: %w", callbackURI, err)
	}

	authorizeURL, err := p.buildAuthorizeURL(state, challenge, scopes)
	if err != nil {
		return nil, err
	}

	p.logger.Debug("Starting authorization code flow",
		"provider_id", p.id,
		"flow_id", flowID,
		"scopes", strings.Join(scopes, " "))

	// Attach the callback listener before opening the browser so a fast
	// redirect cannot arrive before anyone is waiting for it.
	waitCtx, cancelWait := context.WithCancel(ctx)
	defer cancelWait()

	type waitResult struct {
		rawQuery string
		err      error
	}
	callback := make(chan waitResult, 1)
	go func() {
		rawQuery, err := p.config.Host.WaitForURIHandler(waitCtx, state)
		callback <- waitResult{rawQuery: rawQuery, err: err}
	}()

	opened, err := p.config.UI.OpenURI(ctx, authorizeURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open authorization URL: %w", err)
	}
	if !opened {
		// The user declined the browser prompt.
		if p.auditor != nil {
			p.auditor.LogFlowCancelled(p.id, "browser authorization")
		}
		return nil, ErrCancelled
	}

	var rawQuery string
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
	case result := <-callback:
		if result.err != nil {
			if isFlowCancellation(ctx, result.err) {
				return nil, result.err
			}
			return nil, fmt.Errorf("waiting for authorization callback failed: %w", result.err)
		}
		rawQuery = result.rawQuery
	}

	code := extractAuthorizationCode(rawQuery)
	if code == "" {
		return nil, &FlowError{
			Endpoint: p.metadata.AuthorizationEndpoint,
			Err:      fmt.Errorf("authorization callback carried no code parameter"),
		}
	}

	response, err := p.exchangeCodeForToken(ctx, code, verifier)
	if err != nil {
		if IsInvalidClient(err) {
			// The server no longer recognizes our client. Obtain fresh
			// credentials, then fail this attempt with a retry
			// instruction rather than silently retrying.
			p.metrics().RecordClientInvalidated(ctx, p.id)
			if p.auditor != nil {
				p.auditor.LogClientInvalidated(p.id, p.currentClientID())
			}
			if regenErr := p.generateNewClient(ctx); regenErr != nil {
				return nil, fmt.Errorf("client invalidated and regeneration failed: %w", regenErr)
			}
			return nil, fmt.Errorf("%w: %w", ErrClientInvalidated, err)
		}
		return nil, err
	}

	p.logger.Debug("Authorization code exchanged",
		"provider_id", p.id,
		"flow_id", flowID)
	return response, nil
}

// callbackURI builds the redirect target for this provider's authority,
// embedding the nonce as a query parameter.
func (p *DynamicAuthProvider) callbackURI(nonce string) string {
	authority := p.config.AuthorizationServer
	if u, err := url.Parse(p.config.AuthorizationServer); err == nil && u.Host != "" {
		authority = u.Host
	}
	return fmt.Sprintf("dynamicauth://%s/authorize?nonce=%s", authority, nonce)
}

// buildAuthorizeURL constructs the authorization endpoint URL. scope and
// resource are included only when non-empty.
func (p *DynamicAuthProvider) buildAuthorizeURL(state, challenge string, scopes []string) (string, error) {
	endpoint, err := url.Parse(p.metadata.AuthorizationEndpoint)
	if err != nil {
		return "", fmt.Errorf("invalid authorization endpoint %q: %w", p.metadata.AuthorizationEndpoint, err)
	}

	query := endpoint.Query()
	query.Set("client_id", p.currentClientID())
	query.Set("response_type", "code")
	query.Set("state", state)
	query.Set("code_challenge", challenge)
	query.Set("code_challenge_method", "S256")
	query.Set("redirect_uri", p.config.RedirectURI)
	if len(scopes) > 0 {
		query.Set("scope", strings.Join(scopes, " "))
	}
	if p.config.Resource != "" {
		query.Set("resource", p.config.Resource)
	}
	endpoint.RawQuery = query.Encode()

	return endpoint.String(), nil
}

// exchangeCodeForToken redeems an authorization code at the token endpoint.
func (p *DynamicAuthProvider) exchangeCodeForToken(ctx context.Context, code, verifier string) (*TokenResponse, error) {
	clientID, clientSecret := p.currentClient()

	form := url.Values{}
	form.Set("client_id", clientID)
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", p.config.RedirectURI)
	form.Set("code_verifier", verifier)
	if clientSecret != "" {
		form.Set("client_secret", clientSecret)
	}

	return p.postTokenRequest(ctx, form)
}

// exchangeRefreshToken runs the refresh-token grant.
func (p *DynamicAuthProvider) exchangeRefreshToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	clientID, clientSecret := p.currentClient()

	form := url.Values{}
	form.Set("client_id", clientID)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	if clientSecret != "" {
		form.Set("client_secret", clientSecret)
	}

	return p.postTokenRequest(ctx, form)
}

// postTokenRequest sends a form-encoded POST to the token endpoint and
// decodes the response. Non-2xx responses are surfaced with status, OAuth
// error code, and body.
func (p *DynamicAuthProvider) postTokenRequest(ctx context.Context, form url.Values) (*TokenResponse, error) {
	endpoint := p.metadata.TokenEndpoint

	ctx, span := p.tracer.Start(ctx, "token_request")
	defer span.End()
	instrumentation.AddFlowAttributes(span, p.id, form.Get("client_id"), form.Get("scope"))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
		}
		flowErr := &FlowError{Endpoint: endpoint, Err: err}
		instrumentation.RecordError(span, flowErr)
		return nil, flowErr
	}
	defer resp.Body.Close()

	instrumentation.AddHTTPAttributes(span, endpoint, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &FlowError{Endpoint: endpoint, Status: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		flowErr := &FlowError{
			Endpoint: endpoint,
			Status:   resp.StatusCode,
			Body:     util.SafeTruncate(string(body), maxErrorBodyLength),
		}
		var oauthErr ErrorResponse
		if json.Unmarshal(body, &oauthErr) == nil && oauthErr.Error != "" {
			flowErr.Code = oauthErr.Error
			flowErr.Description = oauthErr.ErrorDescription
		}
		instrumentation.RecordError(span, flowErr)
		return nil, flowErr
	}

	var token TokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, &FlowError{Endpoint: endpoint, Status: resp.StatusCode, Err: fmt.Errorf("malformed token response: %w", err)}
	}
	if token.AccessToken == "" {
		return nil, &FlowError{Endpoint: endpoint, Status: resp.StatusCode, Err: fmt.Errorf("token response missing access_token")}
	}

	instrumentation.SetSpanSuccess(span)
	return &token, nil
}
