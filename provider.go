package dynamicauth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/giantswarm/dynamicauth/discovery"
	"github.com/giantswarm/dynamicauth/instrumentation"
	"github.com/giantswarm/dynamicauth/internal/util"
	"github.com/giantswarm/dynamicauth/security"
	"github.com/giantswarm/dynamicauth/storage"
)

// DynamicAuthProvider authenticates against one authorization server (and
// optional resource) discovered at runtime. It owns the token list for that
// provider identity, refreshes near-expiry tokens on session lookup, and
// runs the authorization-code flow to create new sessions.
//
// The provider itself does not serialize its mutating operations; callers go
// through a Registry, which orders them per provider ID.
type DynamicAuthProvider struct {
	id     string
	config Config

	metadata   *AuthorizationServerMetadata
	httpClient *http.Client
	logger     *slog.Logger
	tracer     trace.Tracer
	inst       *instrumentation.Instrumentation

	auditor             *security.Auditor
	registrationLimiter *security.RegistrationRateLimiter

	tokenStore *storage.TokenStore
	flows      []flow

	clientMu             sync.Mutex
	clientID             string
	clientSecret         string
	clientListeners      map[int]func(clientID string)
	nextClientListenerID int
}

// NewDynamicAuthProvider constructs a provider. When cfg.Metadata is nil the
// server metadata is discovered; when cfg.ClientID is empty, client
// credentials are obtained via dynamic registration (falling back to a host
// prompt).
func NewDynamicAuthProvider(ctx context.Context, cfg Config) (*DynamicAuthProvider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid provider config: %w", err)
	}
	cfg.applyDefaults()

	p := &DynamicAuthProvider{
		id:                  ProviderID(cfg.AuthorizationServer, cfg.Resource),
		config:              cfg,
		httpClient:          cfg.HTTPClient,
		logger:              cfg.Logger,
		inst:                cfg.Instrumentation,
		auditor:             cfg.Auditor,
		registrationLimiter: cfg.RegistrationLimiter,
		flows:               []flow{authorizationCodeFlow{}},
		clientListeners:     make(map[int]func(string)),
	}

	if p.inst != nil {
		p.tracer = p.inst.Tracer("flow")
	} else {
		p.tracer = tracenoop.NewTracerProvider().Tracer("flow")
	}

	p.tokenStore = storage.NewTokenStore(p.id, cfg.Sink, p.logger)

	if cfg.Metadata != nil {
		p.metadata = cfg.Metadata
	} else {
		opts := []discovery.Option{
			discovery.WithHTTPClient(p.httpClient),
			discovery.WithLogger(p.logger),
		}
		if p.inst != nil {
			opts = append(opts, discovery.WithObserver(func(ctx context.Context, _ string, elapsed time.Duration, err error) {
				outcome := instrumentation.OutcomeSuccess
				if err != nil {
					outcome = instrumentation.OutcomeError
				}
				p.inst.Metrics().RecordDiscovery(ctx, outcome, float64(elapsed)/float64(time.Millisecond))
			}))
		}
		client := discovery.NewClient(opts...)
		metadata, err := client.Discover(ctx, cfg.AuthorizationServer)
		if err != nil {
			return nil, fmt.Errorf("failed to discover server metadata for %s: %w", cfg.AuthorizationServer, err)
		}
		p.metadata = metadata
	}

	if cfg.ClientID != "" {
		p.clientID = cfg.ClientID
		p.clientSecret = cfg.ClientSecret
		p.tokenStore.SetClientID(cfg.ClientID)
	} else {
		if err := p.generateNewClient(ctx); err != nil {
			return nil, fmt.Errorf("failed to obtain client credentials: %w", err)
		}
	}

	if p.inst != nil {
		p.tokenStore.OnChange(func(change SessionChange) {
			p.metrics().RecordSessionsChanged(context.Background(), p.id, len(change.Added), len(change.Removed))
		})
		if err := p.inst.RegisterSessionCountCallback(func() int64 {
			return int64(len(p.tokenStore.Sessions()))
		}); err != nil {
			p.logger.Warn("Failed to register session count gauge", "error", err)
		}
	}

	return p, nil
}

// ID returns the provider identifier derived from the authorization server
// and resource.
func (p *DynamicAuthProvider) ID() string { return p.id }

// Label returns the human-readable provider label.
func (p *DynamicAuthProvider) Label() string { return p.config.Label }

// Metadata returns the authorization server metadata in use.
func (p *DynamicAuthProvider) Metadata() *AuthorizationServerMetadata { return p.metadata }

// ClientID returns the current client identifier.
func (p *DynamicAuthProvider) ClientID() string { return p.currentClientID() }

func (p *DynamicAuthProvider) currentClientID() string {
	p.clientMu.Lock()
	defer p.clientMu.Unlock()
	return p.clientID
}

func (p *DynamicAuthProvider) currentClient() (clientID, clientSecret string) {
	p.clientMu.Lock()
	defer p.clientMu.Unlock()
	return p.clientID, p.clientSecret
}

// OnDidChangeSessions registers a listener for session change events.
// Returns an unsubscribe function.
func (p *DynamicAuthProvider) OnDidChangeSessions(fn func(SessionChange)) (unsubscribe func()) {
	return p.tokenStore.OnChange(fn)
}

func (p *DynamicAuthProvider) metrics() *instrumentation.Metrics {
	if p.inst == nil {
		return nil
	}
	return p.inst.Metrics()
}

// GetSessions returns the sessions matching the requested scopes, refreshing
// near-expiry tokens first. With no scopes it returns all current sessions
// unfiltered. Scope matching is exact set equality on sorted scopes, not a
// subset check.
//
// A refresh failure for one token is isolated: it is logged and the
// remaining due tokens are still refreshed. Cancellation is the exception
// and propagates immediately.
func (p *DynamicAuthProvider) GetSessions(ctx context.Context, scopes []string) ([]*Session, error) {
	sorted := util.SortedScopes(scopes)
	requested := strings.Join(sorted, " ")

	matching := p.matchingSessions(sorted)

	now := time.Now()
	var change TokenChange
	for _, session := range matching {
		token := p.tokenStore.TokenByAccessToken(session.AccessToken)
		if token == nil || !token.DueForRefresh(now) {
			continue
		}

		if token.RefreshToken == "" {
			// Nothing to refresh with; the token is about to die anyway.
			p.logger.Warn("Discarding expiring token without refresh token",
				"provider_id", p.id,
				"session_id", session.ID)
			if p.auditor != nil {
				p.auditor.LogTokenDiscarded(p.id, token.AccessToken, "no refresh token")
			}
			change.Removed = append(change.Removed, token)
			continue
		}

		response, err := p.exchangeRefreshToken(ctx, token.RefreshToken)
		if err != nil {
			if isFlowCancellation(ctx, err) {
				return nil, err
			}
			p.metrics().RecordTokenRefreshed(ctx, p.id, instrumentation.OutcomeError)
			p.logger.Warn("Token refresh failed",
				"provider_id", p.id,
				"session_id", session.ID,
				"error", err)
			continue
		}

		refreshed := response.toToken(time.Now().UnixMilli())
		if requested != "" && refreshed.Scope != requested {
			// Caller intent wins over the server-reported scope.
			refreshed.Scope = requested
		}

		p.metrics().RecordTokenRefreshed(ctx, p.id, instrumentation.OutcomeSuccess)
		if p.auditor != nil {
			p.auditor.LogTokenRefreshed(p.id, p.currentClientID(), refreshed.AccessToken)
		}

		change.Added = append(change.Added, refreshed)
		if refreshed.AccessToken != token.AccessToken {
			change.Removed = append(change.Removed, token)
		}
	}

	// One merged update for everything this pass changed.
	if len(change.Added) > 0 || len(change.Removed) > 0 {
		p.tokenStore.Update(ctx, change)
	}

	return p.matchingSessions(sorted), nil
}

// matchingSessions filters the current sessions by exact sorted-scope
// equality. An empty request matches everything.
func (p *DynamicAuthProvider) matchingSessions(sortedScopes []string) []*Session {
	sessions := p.tokenStore.Sessions()
	if len(sortedScopes) == 0 {
		return sessions
	}

	matching := make([]*Session, 0, len(sessions))
	for _, session := range sessions {
		if util.ScopesEqual(util.SortedScopes(session.Scopes), sortedScopes) {
			matching = append(matching, session)
		}
	}
	return matching
}

// CreateSession obtains a new token by trying each configured flow in order
// and returns the session derived from it. Between flows the user is asked
// whether to continue; declining raises a cancellation. Cancellations
// propagate unchanged so callers can tell them apart from failures.
func (p *DynamicAuthProvider) CreateSession(ctx context.Context, scopes []string) (*Session, error) {
	if len(p.flows) == 0 {
		return nil, ErrAllFlowsFailed
	}

	sorted := util.SortedScopes(scopes)

	p.metrics().RecordFlowStarted(ctx, p.id)

	var response *TokenResponse
	for i, f := range p.flows {
		var err error
		response, err = f.Run(ctx, p, sorted)
		if err == nil {
			break
		}

		last := i == len(p.flows)-1
		if last {
			if isFlowCancellation(ctx, err) {
				p.metrics().RecordFlowCompleted(ctx, p.id, instrumentation.OutcomeCancelled)
				return nil, err
			}
			p.metrics().RecordFlowCompleted(ctx, p.id, instrumentation.OutcomeError)
			return nil, fmt.Errorf("%w: %w", ErrAllFlowsFailed, err)
		}

		next := p.flows[i+1]
		var message string
		if isFlowCancellation(ctx, err) {
			message = fmt.Sprintf("You cancelled %s. Would you like to try %s instead?", f.Label(), next.Label())
		} else {
			message = fmt.Sprintf("%s did not work. Would you like to try %s instead?", f.Label(), next.Label())
		}

		cont, promptErr := p.config.Host.ShowContinueNotification(ctx, message)
		if promptErr != nil {
			p.metrics().RecordFlowCompleted(ctx, p.id, instrumentation.OutcomeError)
			return nil, fmt.Errorf("continue prompt failed: %w", promptErr)
		}
		if !cont {
			p.metrics().RecordFlowCompleted(ctx, p.id, instrumentation.OutcomeCancelled)
			return nil, ErrCancelled
		}
	}

	token := response.toToken(time.Now().UnixMilli())
	if requested := strings.Join(sorted, " "); requested != "" && token.Scope != requested {
		token.Scope = requested
	}

	p.tokenStore.Update(ctx, TokenChange{Added: []*Token{token}})

	session := p.tokenStore.SessionByAccessToken(token.AccessToken)
	if session == nil {
		// The token went in but no session came out. That cannot happen
		// unless derivation is broken.
		return nil, &ConsistencyError{Detail: "token stored but no matching session derived"}
	}

	p.metrics().RecordFlowCompleted(ctx, p.id, instrumentation.OutcomeSuccess)
	if p.auditor != nil {
		p.auditor.LogTokenAcquired(p.id, p.currentClientID(), token.AccessToken, token.Scope)
	}

	return session, nil
}

// RemoveSession discards the token behind sessionID. Removing an unknown
// session is a no-op.
func (p *DynamicAuthProvider) RemoveSession(ctx context.Context, sessionID string) error {
	token := p.tokenStore.TokenBySessionID(sessionID)
	if token == nil {
		return nil
	}
	p.tokenStore.Update(ctx, TokenChange{Removed: []*Token{token}})
	return nil
}

// Sessions returns all current sessions.
func (p *DynamicAuthProvider) Sessions() []*Session {
	return p.tokenStore.Sessions()
}

// ReplaceTokens replaces the provider's entire token list and client ID,
// used when another host instance changed the persisted state underneath us.
// Tokens present in both the old and new lists survive without firing
// session events.
func (p *DynamicAuthProvider) ReplaceTokens(ctx context.Context, clientID string, tokens []*Token) {
	if clientID != "" && clientID != p.currentClientID() {
		p.clientMu.Lock()
		p.clientID = clientID
		p.clientMu.Unlock()
		p.tokenStore.SetClientID(clientID)
	}

	// Removals run before upserts inside Update, so listing the current
	// tokens as removed and the new list as added is a wholesale replace.
	p.tokenStore.Update(ctx, TokenChange{
		Added:   tokens,
		Removed: p.tokenStore.Tokens(),
	})
}
