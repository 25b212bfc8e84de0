// Package discovery fetches OAuth 2.0 Authorization Server Metadata for
// arbitrary, not pre-registered authorization servers.
//
// It tries RFC 8414 (/.well-known/oauth-authorization-server) first and falls
// back to OpenID Connect discovery (/.well-known/openid-configuration).
// Results are cached with a TTL and concurrent fetches for the same issuer
// are deduplicated.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	// DefaultHTTPTimeout is the default timeout for metadata requests.
	DefaultHTTPTimeout = 30 * time.Second

	// DefaultCacheTTL is the default TTL for cached metadata.
	DefaultCacheTTL = 30 * time.Minute
)

// Metadata represents OAuth 2.0 Authorization Server Metadata as defined in
// RFC 8414. OIDC discovery documents decode into the same shape.
type Metadata struct {
	// Issuer is the authorization server's issuer identifier.
	Issuer string `json:"issuer"`

	// AuthorizationEndpoint is the URL of the authorization endpoint.
	AuthorizationEndpoint string `json:"authorization_endpoint"`

	// TokenEndpoint is the URL of the token endpoint.
	TokenEndpoint string `json:"token_endpoint"`

	// RegistrationEndpoint is the URL for dynamic client registration (RFC 7591).
	RegistrationEndpoint string `json:"registration_endpoint,omitempty"`

	// UserinfoEndpoint is the URL of the userinfo endpoint (OIDC).
	UserinfoEndpoint string `json:"userinfo_endpoint,omitempty"`

	// JwksURI is the URL of the JSON Web Key Set.
	JwksURI string `json:"jwks_uri,omitempty"`

	// ScopesSupported lists the OAuth 2.0 scope values supported.
	ScopesSupported []string `json:"scopes_supported,omitempty"`

	// ResponseTypesSupported lists the response_type values supported.
	ResponseTypesSupported []string `json:"response_types_supported,omitempty"`

	// GrantTypesSupported lists the grant types supported.
	GrantTypesSupported []string `json:"grant_types_supported,omitempty"`

	// TokenEndpointAuthMethodsSupported lists the client authentication methods.
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`

	// CodeChallengeMethodsSupported lists the PKCE code challenge methods.
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`
}

// SupportsPKCE returns true if the server supports S256 PKCE.
// If the server does not advertise challenge methods, S256 is assumed
// (OAuth 2.1 requirement).
func (m *Metadata) SupportsPKCE() bool {
	for _, method := range m.CodeChallengeMethodsSupported {
		if method == "S256" {
			return true
		}
	}
	return len(m.CodeChallengeMethodsSupported) == 0
}

// cacheEntry holds cached metadata with its fetch timestamp.
type cacheEntry struct {
	metadata  *Metadata
	fetchedAt time.Time
}

// Observer is notified after each metadata fetch attempt with the elapsed
// time and the outcome error (nil on success). Cache hits are not observed.
type Observer func(ctx context.Context, issuer string, elapsed time.Duration, err error)

// Client fetches and caches authorization server metadata.
// It is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	observer   Observer

	mu    sync.RWMutex
	cache map[string]*cacheEntry
	ttl   time.Duration

	// group deduplicates concurrent fetches for the same issuer
	group singleflight.Group
}

// Option configures the discovery client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithObserver registers a fetch observer, typically backed by a metrics
// instrument.
func WithObserver(fn Observer) Option {
	return func(c *Client) {
		c.observer = fn
	}
}

// WithCacheTTL sets the metadata cache TTL.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Client) {
		c.ttl = ttl
	}
}

// NewClient creates a new discovery client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: DefaultHTTPTimeout},
		logger:     slog.Default(),
		cache:      make(map[string]*cacheEntry),
		ttl:        DefaultCacheTTL,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Discover fetches authorization server metadata for an issuer, trying
// RFC 8414 first and falling back to OIDC discovery. Cached results are
// served until the TTL expires; concurrent calls for the same issuer share
// one fetch.
func (c *Client) Discover(ctx context.Context, issuer string) (*Metadata, error) {
	issuer = strings.TrimSuffix(issuer, "/")

	if metadata := c.cached(issuer); metadata != nil {
		return metadata, nil
	}

	result, err, _ := c.group.Do(issuer, func() (interface{}, error) {
		// Double-check after winning the singleflight slot
		if metadata := c.cached(issuer); metadata != nil {
			return metadata, nil
		}
		return c.doDiscover(ctx, issuer)
	})
	if err != nil {
		return nil, err
	}

	return result.(*Metadata), nil
}

// cached returns fresh cached metadata or nil.
func (c *Client) cached(issuer string) *Metadata {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if entry, ok := c.cache[issuer]; ok {
		if time.Since(entry.fetchedAt) < c.ttl {
			return entry.metadata
		}
	}
	return nil
}

// doDiscover performs the metadata fetches and reports the attempt to the
// observer.
func (c *Client) doDiscover(ctx context.Context, issuer string) (*Metadata, error) {
	start := time.Now()
	metadata, err := c.fetchMetadata(ctx, issuer)
	if c.observer != nil {
		c.observer(ctx, issuer, time.Since(start), err)
	}
	return metadata, err
}

// fetchMetadata performs the actual HTTP fetches for metadata.
func (c *Client) fetchMetadata(ctx context.Context, issuer string) (*Metadata, error) {
	// RFC 8414 first
	metadata, err := c.fetch(ctx, issuer+"/.well-known/oauth-authorization-server")
	if err == nil {
		c.store(issuer, metadata)
		return metadata, nil
	}

	c.logger.Debug("RFC 8414 metadata fetch failed, trying OIDC discovery",
		"issuer", issuer,
		"error", err)

	metadata, err = c.fetch(ctx, issuer+"/.well-known/openid-configuration")
	if err == nil {
		c.store(issuer, metadata)
		return metadata, nil
	}

	return nil, fmt.Errorf("failed to discover authorization server metadata for %s: %w", issuer, err)
}

// fetch retrieves and decodes metadata from a specific URL.
func (c *Client) fetch(ctx context.Context, metadataURL string) (*Metadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metadataURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metadata request failed with status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var metadata Metadata
	if err := json.Unmarshal(body, &metadata); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}

	return &metadata, nil
}

// store caches metadata for an issuer.
func (c *Client) store(issuer string, metadata *Metadata) {
	c.mu.Lock()
	c.cache[issuer] = &cacheEntry{
		metadata:  metadata,
		fetchedAt: time.Now(),
	}
	c.mu.Unlock()

	c.logger.Debug("Cached authorization server metadata",
		"issuer", issuer,
		"authorization_endpoint", metadata.AuthorizationEndpoint,
		"token_endpoint", metadata.TokenEndpoint,
		"registration_endpoint", metadata.RegistrationEndpoint)
}

// ClearCache clears the metadata cache.
// Useful for testing or when metadata needs to be refreshed immediately.
func (c *Client) ClearCache() {
	c.mu.Lock()
	c.cache = make(map[string]*cacheEntry)
	c.mu.Unlock()
}
