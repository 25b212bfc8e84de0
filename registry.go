package dynamicauth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/giantswarm/dynamicauth/internal/util"
)

// AuthProvider is the provider surface the registry fronts. Implemented by
// DynamicAuthProvider; hosts can register their own static providers too.
type AuthProvider interface {
	GetSessions(ctx context.Context, scopes []string) ([]*Session, error)
	CreateSession(ctx context.Context, scopes []string) (*Session, error)
	RemoveSession(ctx context.Context, sessionID string) error
	OnDidChangeSessions(fn func(SessionChange)) (unsubscribe func())
}

// ErrProviderAlreadyRegistered is returned when a provider ID is registered
// twice. The first registration wins.
var ErrProviderAlreadyRegistered = fmt.Errorf("authentication provider already registered")

// ErrProviderNotRegistered is returned for operations on an unknown provider ID.
var ErrProviderNotRegistered = fmt.Errorf("authentication provider not registered")

// SessionOptions influence session acquisition and participate in the
// request coalescing key.
type SessionOptions struct {
	// CreateIfNone runs the authorization flow when no matching session
	// exists instead of returning nil.
	CreateIfNone bool `json:"createIfNone"`

	// Account is the preferred account label when several sessions match.
	Account string `json:"account,omitempty"`

	// Extra carries host-defined options. Keys are part of the coalescing
	// key in sorted order.
	Extra map[string]string `json:"extra,omitempty"`
}

// registration is one registered provider.
type registration struct {
	id          string
	label       string
	provider    AuthProvider
	seq         int
	unsubscribe func()
}

// Registry is the front door for authentication providers. It keeps exactly
// one provider per ID (first registration wins), totally orders mutating
// operations per provider ID, and coalesces identical concurrent GetSession
// calls into one underlying call.
type Registry struct {
	logger *slog.Logger

	// EnsureProvider, when set, is invoked for a GetSession against an
	// unknown provider ID and may register it on the fly.
	ensureProvider func(ctx context.Context, providerID string) error

	queues sequencer
	group  singleflight.Group

	mu              sync.RWMutex
	providers       map[string]*registration
	registrationSeq int

	listenerMu     sync.Mutex
	listeners      map[int]func(providerID string, change SessionChange)
	nextListenerID int
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the registry logger.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = logger }
}

// WithEnsureProvider sets the hook invoked when a session is requested for
// an unknown provider ID.
func WithEnsureProvider(fn func(ctx context.Context, providerID string) error) RegistryOption {
	return func(r *Registry) { r.ensureProvider = fn }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		logger:    slog.Default(),
		providers: make(map[string]*registration),
		listeners: make(map[int]func(string, SessionChange)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterAuthenticationProvider registers provider under id. If a provider
// with that ID already exists the call is rejected and the existing provider
// is kept.
func (r *Registry) RegisterAuthenticationProvider(ctx context.Context, id, label string, provider AuthProvider) error {
	return r.queues.do(ctx, id, func() error {
		r.mu.Lock()
		if existing, ok := r.providers[id]; ok {
			r.mu.Unlock()
			r.logger.Warn("Rejecting duplicate authentication provider registration",
				"provider_id", id,
				"existing_label", existing.label,
				"rejected_label", label)
			return fmt.Errorf("%w: %s", ErrProviderAlreadyRegistered, id)
		}

		r.registrationSeq++
		reg := &registration{
			id:       id,
			label:    label,
			provider: provider,
			seq:      r.registrationSeq,
		}
		reg.unsubscribe = provider.OnDidChangeSessions(func(change SessionChange) {
			r.notifySessionChange(id, change)
		})
		r.providers[id] = reg
		r.mu.Unlock()

		r.logger.Info("Registered authentication provider",
			"provider_id", id,
			"label", label)
		return nil
	})
}

// UnregisterAuthenticationProvider removes the provider registered under id.
// It runs on the same per-ID queue as registration so register/unregister
// pairs can never interleave.
func (r *Registry) UnregisterAuthenticationProvider(ctx context.Context, id string) error {
	return r.queues.do(ctx, id, func() error {
		r.mu.Lock()
		reg, ok := r.providers[id]
		if ok {
			delete(r.providers, id)
		}
		r.mu.Unlock()

		if !ok {
			return fmt.Errorf("%w: %s", ErrProviderNotRegistered, id)
		}

		reg.unsubscribe()
		r.logger.Info("Unregistered authentication provider", "provider_id", id)
		return nil
	})
}

// Provider returns the provider registered under id.
func (r *Registry) Provider(id string) (AuthProvider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.providers[id]
	if !ok {
		return nil, false
	}
	return reg.provider, true
}

// ProviderLabel returns the label the provider was registered with.
func (r *Registry) ProviderLabel(id string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.providers[id]
	if !ok {
		return "", false
	}
	return reg.label, true
}

// OnDidChangeSessions registers a listener for session changes across all
// registered providers.
func (r *Registry) OnDidChangeSessions(fn func(providerID string, change SessionChange)) (unsubscribe func()) {
	r.listenerMu.Lock()
	id := r.nextListenerID
	r.nextListenerID++
	r.listeners[id] = fn
	r.listenerMu.Unlock()

	return func() {
		r.listenerMu.Lock()
		delete(r.listeners, id)
		r.listenerMu.Unlock()
	}
}

func (r *Registry) notifySessionChange(providerID string, change SessionChange) {
	r.listenerMu.Lock()
	listeners := make([]func(string, SessionChange), 0, len(r.listeners))
	for _, fn := range r.listeners {
		listeners = append(listeners, fn)
	}
	r.listenerMu.Unlock()

	for _, fn := range listeners {
		fn(providerID, change)
	}
}

// GetSession returns a session for (extensionID, providerID, scopes,
// options). Identical concurrent requests share one in-flight call; the
// coalescing entry is dropped as soon as the shared call settles, success or
// failure.
//
// With CreateIfNone the authorization flow runs when no session matches;
// otherwise a nil session is returned.
func (r *Registry) GetSession(ctx context.Context, extensionID, providerID string, scopes []string, options SessionOptions) (*Session, error) {
	key := coalescingKey(extensionID, providerID, scopes, options)

	v, err, _ := r.group.Do(key, func() (any, error) {
		return r.acquireSession(ctx, providerID, scopes, options)
	})
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	return v.(*Session), nil
}

// acquireSession is the underlying (uncoalesced) session acquisition. It
// enters the provider's ordering queue, so it is serialized against
// register/unregister and other session mutations for the same ID.
func (r *Registry) acquireSession(ctx context.Context, providerID string, scopes []string, options SessionOptions) (*Session, error) {
	provider, ok := r.Provider(providerID)
	if !ok && r.ensureProvider != nil {
		if err := r.ensureProvider(ctx, providerID); err != nil {
			return nil, fmt.Errorf("failed to ensure provider %s: %w", providerID, err)
		}
		provider, ok = r.Provider(providerID)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotRegistered, providerID)
	}

	var session *Session
	err := r.queues.do(ctx, providerID, func() error {
		sessions, err := provider.GetSessions(ctx, scopes)
		if err != nil {
			return err
		}

		if len(sessions) > 0 {
			session = pickSession(sessions, options.Account)
			return nil
		}

		if !options.CreateIfNone {
			return nil
		}

		session, err = provider.CreateSession(ctx, scopes)
		return err
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// RemoveSession discards sessionID on providerID's queue.
func (r *Registry) RemoveSession(ctx context.Context, providerID, sessionID string) error {
	provider, ok := r.Provider(providerID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrProviderNotRegistered, providerID)
	}
	return r.queues.do(ctx, providerID, func() error {
		return provider.RemoveSession(ctx, sessionID)
	})
}

// pickSession prefers the session whose account label matches, else the first.
func pickSession(sessions []*Session, account string) *Session {
	if account != "" {
		for _, s := range sessions {
			if s.Account.Label == account {
				return s
			}
		}
	}
	return sessions[0]
}

// coalescingKey builds the single-flight key. Scopes are sorted (scope order
// is not significant) and options are JSON-encoded, which stringifies map
// keys in sorted order.
func coalescingKey(extensionID, providerID string, scopes []string, options SessionOptions) string {
	optionsDigest, err := json.Marshal(options)
	if err != nil {
		optionsDigest = []byte(fmt.Sprintf("%+v", options))
	}
	return strings.Join([]string{
		extensionID,
		providerID,
		strings.Join(util.SortedScopes(scopes), " "),
		string(optionsDigest),
	}, "\x00")
}

// sequencer totally orders operations per key through a chain of done
// channels: each operation waits for its predecessor's channel before
// running. Keys are independent of each other.
type sequencer struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
}

// do runs fn after every previously enqueued operation for key has finished.
// The predecessor wait is not interruptible: ordering is checked before ctx,
// and ctx is consulted right before fn runs.
func (q *sequencer) do(ctx context.Context, key string, fn func() error) error {
	q.mu.Lock()
	if q.tails == nil {
		q.tails = make(map[string]chan struct{})
	}
	prev := q.tails[key]
	done := make(chan struct{})
	q.tails[key] = done
	q.mu.Unlock()

	defer func() {
		close(done)
		q.mu.Lock()
		if q.tails[key] == done {
			delete(q.tails, key)
		}
		q.mu.Unlock()
	}()

	if prev != nil {
		<-prev
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn()
}
