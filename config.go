package dynamicauth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/giantswarm/dynamicauth/discovery"
	"github.com/giantswarm/dynamicauth/instrumentation"
	"github.com/giantswarm/dynamicauth/security"
	"github.com/giantswarm/dynamicauth/storage"
)

// URIOpener is the browser-facing collaborator supplied by the host.
type URIOpener interface {
	// OpenURI opens url externally (typically the user's browser).
	// Returning false means the user declined, which is treated as a
	// cancellation, not an error.
	OpenURI(ctx context.Context, url string) (bool, error)

	// CreateAppURI converts the provider's callback URI into the
	// externally visible URI used as the OAuth state value. An error here
	// aborts the flow.
	CreateAppURI(ctx context.Context, callbackURI string) (string, error)
}

// Host is the host-process collaborator for prompts and callback delivery.
type Host interface {
	// WaitForURIHandler blocks until the authorization redirect carrying
	// expectedState arrives and returns its raw, still-encoded query
	// string. Honors ctx cancellation.
	WaitForURIHandler(ctx context.Context, expectedState string) (string, error)

	// ShowContinueNotification asks the user whether to continue with
	// another authentication flow. false means the user declined.
	ShowContinueNotification(ctx context.Context, message string) (bool, error)

	// PromptForClientRegistration asks the user for manually supplied
	// client credentials when dynamic registration is unavailable.
	// ok == false means the user declined.
	PromptForClientRegistration(ctx context.Context, serverURL string) (clientID, clientSecret string, ok bool, err error)
}

// Config holds the configuration for one DynamicAuthProvider.
// Collaborators are supplied once at construction and treated as immutable
// thereafter.
type Config struct {
	// AuthorizationServer is the authorization server URL (required).
	AuthorizationServer string

	// Resource is the optional resource indicator (RFC 8707). Distinct
	// resources on the same authorization server yield distinct providers.
	Resource string

	// Label is the human-readable provider label shown to users.
	// Defaults to the authorization server host.
	Label string

	// ClientName is sent as client_name during dynamic registration.
	ClientName string

	// ClientURI is sent as client_uri during dynamic registration.
	ClientURI string

	// RedirectURI is the fixed redirect URI registered with the server and
	// echoed in the authorization and token requests (required).
	RedirectURI string

	// ClientID and ClientSecret are optional pre-issued credentials. When
	// empty, dynamic client registration runs at construction.
	ClientID     string
	ClientSecret string

	// Metadata is the authorization server metadata. When nil it is
	// discovered via RFC 8414 / OIDC discovery.
	Metadata *AuthorizationServerMetadata

	// UI handles browser interaction (required).
	UI URIOpener

	// Host handles prompts and callback delivery (required).
	Host Host

	// Sink persists the token list. Optional; when nil tokens live only in
	// memory.
	Sink storage.Sink

	// Logger for structured logging (optional, uses slog.Default if not provided)
	Logger *slog.Logger

	// HTTPClient is a custom HTTP client for OAuth requests.
	// Can be used to add timeouts, logging, metrics, etc.
	HTTPClient *http.Client

	// Instrumentation is the optional OTEL wiring.
	Instrumentation *instrumentation.Instrumentation

	// RegistrationLimiter guards repeated dynamic-client-registration
	// attempts per issuer. Optional.
	RegistrationLimiter *security.RegistrationRateLimiter

	// Auditor records security-relevant events. Optional.
	Auditor *security.Auditor
}

// Validate checks that the required fields and collaborators are present.
func (c *Config) Validate() error {
	if c.AuthorizationServer == "" {
		return fmt.Errorf("authorization server is required")
	}
	if _, err := url.Parse(c.AuthorizationServer); err != nil {
		return fmt.Errorf("invalid authorization server URL: %w", err)
	}
	if c.RedirectURI == "" {
		return fmt.Errorf("redirect URI is required")
	}
	if c.UI == nil {
		return fmt.Errorf("UI collaborator is required")
	}
	if c.Host == nil {
		return fmt.Errorf("host collaborator is required")
	}
	return nil
}

// ProviderID derives the stable provider identifier for an authorization
// server and optional resource. Multiple resources on one server yield
// distinct providers.
func ProviderID(authorizationServer, resource string) string {
	if resource == "" {
		return authorizationServer
	}
	return authorizationServer + " " + resource
}

// applyDefaults fills in optional fields.
func (c *Config) applyDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: discovery.DefaultHTTPTimeout}
	}
	if c.Label == "" {
		if u, err := url.Parse(c.AuthorizationServer); err == nil && u.Host != "" {
			c.Label = u.Host
		} else {
			c.Label = c.AuthorizationServer
		}
	}
	if c.ClientName == "" {
		c.ClientName = "dynamicauth"
	}
}
