package storage

import (
	"context"
	"log/slog"
	"sync"
)

// TokenChange describes an update to the token list. Removed tokens are
// matched by access token and dropped first; added tokens replace an
// existing token with the same access token or are appended.
type TokenChange struct {
	Added   []*Token
	Removed []*Token
}

// TokenStore owns the current token list for one provider instance. It is
// the only mutation point for that list: every change flows through Update,
// which removes, upserts, re-derives sessions, diffs, notifies and persists
// as one step.
//
// The store performs no locking beyond protecting its own fields; callers
// are expected to serialize mutating operations per provider through the
// registry's ordering queue.
type TokenStore struct {
	mu         sync.Mutex
	providerID string
	clientID   string
	tokens     []*Token
	sessions   []*Session

	sink   Sink
	logger *slog.Logger

	listenerSeq int
	listeners   map[int]func(SessionChange)
}

// NewTokenStore creates a token store for a provider instance. The sink may
// be nil, in which case updates are kept in memory only.
func NewTokenStore(providerID string, sink Sink, logger *slog.Logger) *TokenStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenStore{
		providerID: providerID,
		sink:       sink,
		logger:     logger,
		listeners:  make(map[int]func(SessionChange)),
	}
}

// SetClientID records the client id passed to the sink alongside the token
// list. Called when client credentials are issued or regenerated.
func (s *TokenStore) SetClientID(clientID string) {
	s.mu.Lock()
	s.clientID = clientID
	s.mu.Unlock()
}

// Tokens returns a snapshot of the current token list.
func (s *TokenStore) Tokens() []*Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Token, len(s.tokens))
	copy(out, s.tokens)
	return out
}

// Sessions returns a snapshot of the current derived session list.
func (s *TokenStore) Sessions() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Session, len(s.sessions))
	copy(out, s.sessions)
	return out
}

// SessionByAccessToken returns the session derived from the token with the
// given access token, or nil.
func (s *TokenStore) SessionByAccessToken(accessToken string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, session := range s.sessions {
		if session.AccessToken == accessToken {
			return session
		}
	}
	return nil
}

// TokenBySessionID returns the token backing the session with the given id,
// or nil.
func (s *TokenStore) TokenBySessionID(sessionID string) *Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, token := range s.tokens {
		if SessionID(token.AccessToken) == sessionID {
			return token
		}
	}
	return nil
}

// TokenByAccessToken returns the token with the given access token, or nil.
func (s *TokenStore) TokenByAccessToken(accessToken string) *Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, token := range s.tokens {
		if token.AccessToken == accessToken {
			return token
		}
	}
	return nil
}

// OnChange registers a listener invoked synchronously after every committed
// update whose session diff is non-empty. It returns an unsubscribe
// function; calling it more than once is harmless.
func (s *TokenStore) OnChange(fn func(SessionChange)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.listenerSeq
	s.listenerSeq++
	s.listeners[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

// Update applies a token change: removals first, then upserts. If the token
// list did not actually change, nothing happens: no event, no persistence.
// Otherwise the new list is committed, the session diff is delivered to
// listeners, and the list is persisted via the sink in the background.
func (s *TokenStore) Update(ctx context.Context, change TokenChange) {
	s.mu.Lock()

	tokens := s.tokens
	changed := false

	if len(change.Removed) > 0 {
		removeSet := make(map[string]bool, len(change.Removed))
		for _, token := range change.Removed {
			removeSet[token.AccessToken] = true
		}
		kept := tokens[:0:0]
		for _, token := range tokens {
			if removeSet[token.AccessToken] {
				changed = true
				continue
			}
			kept = append(kept, token)
		}
		tokens = kept
	}

	for _, added := range change.Added {
		replaced := false
		for i, existing := range tokens {
			if existing.AccessToken == added.AccessToken {
				if !existing.Equal(added) {
					// reslice-on-write so the pre-removal slice is never aliased
					updated := make([]*Token, len(tokens))
					copy(updated, tokens)
					updated[i] = added
					tokens = updated
					changed = true
				}
				replaced = true
				break
			}
		}
		if !replaced {
			tokens = append(tokens[:len(tokens):len(tokens)], added)
			changed = true
		}
	}

	if !changed {
		s.mu.Unlock()
		return
	}

	previous := s.sessions
	current := deriveSessions(tokens)
	diff := diffSessions(previous, current)

	s.tokens = tokens
	s.sessions = current

	listeners := make([]func(SessionChange), 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}

	persisted := make([]*Token, len(tokens))
	copy(persisted, tokens)
	providerID, clientID, sink := s.providerID, s.clientID, s.sink

	s.mu.Unlock()

	s.logger.Debug("Token store updated",
		"provider_id", providerID,
		"tokens", len(persisted),
		"sessions_added", len(diff.Added),
		"sessions_removed", len(diff.Removed))

	if len(diff.Added) > 0 || len(diff.Removed) > 0 {
		for _, fn := range listeners {
			fn(diff)
		}
	}

	if sink != nil {
		// Fire and forget: in-memory state and the event above are already
		// observable. The write must survive cancellation of the request
		// that triggered it.
		persistCtx := context.WithoutCancel(ctx)
		go func() {
			if err := sink.SetTokens(persistCtx, providerID, clientID, persisted); err != nil {
				s.logger.Warn("Failed to persist token list",
					"provider_id", providerID,
					"error", err)
			}
		}()
	}
}

// Clear removes all tokens. Equivalent to an Update removing every current
// token: the all-removed transition fires exactly one remove event covering
// every previously known session, and a second Clear on an empty store does
// nothing.
func (s *TokenStore) Clear(ctx context.Context) {
	s.Update(ctx, TokenChange{Removed: s.Tokens()})
}
