package dynamicauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/giantswarm/dynamicauth/internal/util"
)

// maxErrorBodyLength bounds how much of an error response body is carried in
// errors and logs.
const maxErrorBodyLength = 1024

// registerClient performs an RFC 7591 dynamic client registration request
// against endpoint.
func registerClient(ctx context.Context, client *http.Client, endpoint string, request ClientRegistrationRequest) (*ClientRegistrationResponse, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal registration request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create registration request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, &FlowError{Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &FlowError{Endpoint: endpoint, Status: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		flowErr := &FlowError{
			Endpoint: endpoint,
			Status:   resp.StatusCode,
			Body:     util.SafeTruncate(string(respBody), maxErrorBodyLength),
		}
		var oauthErr ErrorResponse
		if json.Unmarshal(respBody, &oauthErr) == nil && oauthErr.Error != "" {
			flowErr.Code = oauthErr.Error
			flowErr.Description = oauthErr.ErrorDescription
		}
		return nil, flowErr
	}

	var registration ClientRegistrationResponse
	if err := json.Unmarshal(respBody, &registration); err != nil {
		return nil, &FlowError{Endpoint: endpoint, Status: resp.StatusCode, Err: fmt.Errorf("malformed registration response: %w", err)}
	}
	if registration.ClientID == "" {
		return nil, &FlowError{Endpoint: endpoint, Status: resp.StatusCode, Err: fmt.Errorf("registration response missing client_id")}
	}

	return &registration, nil
}

// generateNewClient obtains client credentials, preferring dynamic
// registration and falling back to a host prompt. On success the provider's
// credentials are replaced atomically and the client-changed listeners fire,
// regardless of whether the regeneration was triggered by a failed exchange
// or opportunistically.
func (p *DynamicAuthProvider) generateNewClient(ctx context.Context) error {
	if p.registrationLimiter != nil && !p.registrationLimiter.Allow(p.config.AuthorizationServer) {
		if p.auditor != nil {
			p.auditor.LogRegistrationRateLimited(p.id, p.config.AuthorizationServer)
		}
		return fmt.Errorf("client registration rate limit exceeded for %s", p.config.AuthorizationServer)
	}

	registration, err := p.tryDynamicRegistration(ctx)
	if err == nil {
		p.replaceClient(ctx, registration.ClientID, registration.ClientSecret, "dynamic")
		return nil
	}

	p.logger.Warn("Dynamic client registration failed, prompting for manual credentials",
		"provider_id", p.id,
		"error", err)

	clientID, clientSecret, ok, promptErr := p.config.Host.PromptForClientRegistration(ctx, p.config.AuthorizationServer)
	if promptErr != nil {
		return fmt.Errorf("client registration prompt failed: %w", promptErr)
	}
	if !ok || clientID == "" {
		// Declining here is a hard failure, not a cancellation: without
		// credentials the provider cannot operate at all.
		return fmt.Errorf("client registration declined for %s", p.config.AuthorizationServer)
	}

	p.replaceClient(ctx, clientID, clientSecret, "manual")
	return nil
}

// tryDynamicRegistration runs RFC 7591 registration with the server's
// supported scopes as a hint.
func (p *DynamicAuthProvider) tryDynamicRegistration(ctx context.Context) (*ClientRegistrationResponse, error) {
	endpoint := p.metadata.RegistrationEndpoint
	if endpoint == "" {
		return nil, fmt.Errorf("server does not advertise a registration endpoint")
	}

	request := ClientRegistrationRequest{
		RedirectURIs:            []string{p.config.RedirectURI},
		TokenEndpointAuthMethod: "none",
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		ClientName:              p.config.ClientName,
		ClientURI:               p.config.ClientURI,
	}
	if len(p.metadata.ScopesSupported) > 0 {
		request.Scope = strings.Join(p.metadata.ScopesSupported, " ")
	}

	registration, err := registerClient(ctx, p.httpClient, endpoint, request)
	if err != nil {
		return nil, err
	}

	p.logger.Info("Registered OAuth client dynamically",
		"provider_id", p.id,
		"client_id", registration.ClientID)
	return registration, nil
}

// replaceClient atomically swaps the in-memory credentials and notifies
// dependents so persisted registrations can be resynchronized.
func (p *DynamicAuthProvider) replaceClient(ctx context.Context, clientID, clientSecret, method string) {
	p.clientMu.Lock()
	p.clientID = clientID
	p.clientSecret = clientSecret
	listeners := make([]func(clientID string), 0, len(p.clientListeners))
	for _, fn := range p.clientListeners {
		listeners = append(listeners, fn)
	}
	p.clientMu.Unlock()

	p.tokenStore.SetClientID(clientID)

	if p.auditor != nil {
		p.auditor.LogClientRegistered(p.id, clientID, method)
	}
	p.metrics().RecordClientRegistered(ctx, p.config.AuthorizationServer)

	for _, fn := range listeners {
		fn(clientID)
	}
}

// OnDidChangeClient registers a listener fired whenever the provider's
// client credentials are replaced. Returns an unsubscribe function.
func (p *DynamicAuthProvider) OnDidChangeClient(fn func(clientID string)) (unsubscribe func()) {
	p.clientMu.Lock()
	id := p.nextClientListenerID
	p.nextClientListenerID++
	p.clientListeners[id] = fn
	p.clientMu.Unlock()

	return func() {
		p.clientMu.Lock()
		delete(p.clientListeners, id)
		p.clientMu.Unlock()
	}
}
