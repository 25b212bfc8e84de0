// Package memory provides an in-memory token persistence backend.
// It is suitable for development, testing, and hosts that keep their own
// secret storage elsewhere. Token lists do not survive a process restart.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/giantswarm/dynamicauth/storage"
)

// record is the persisted state for one provider.
type record struct {
	clientID  string
	tokens    []*storage.Token
	updatedAt time.Time
}

// Store is an in-memory implementation of storage.Backend.
type Store struct {
	mu      sync.RWMutex
	records map[string]*record
	logger  *slog.Logger
}

var _ storage.Backend = (*Store)(nil)

// New creates an empty in-memory backend.
func New() *Store {
	return &Store{
		records: make(map[string]*record),
		logger:  slog.Default(),
	}
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// SetTokens replaces the persisted token list for a provider. An empty list
// is stored as-is rather than deleted: "known provider with zero tokens" and
// "unknown provider" are distinct states.
func (s *Store) SetTokens(_ context.Context, providerID, clientID string, tokens []*storage.Token) error {
	copied := make([]*storage.Token, len(tokens))
	copy(copied, tokens)

	s.mu.Lock()
	s.records[providerID] = &record{
		clientID:  clientID,
		tokens:    copied,
		updatedAt: time.Now(),
	}
	s.mu.Unlock()

	s.logger.Debug("Stored token list",
		"provider_id", providerID,
		"tokens", len(copied))
	return nil
}

// GetTokens loads the persisted token list for a provider.
func (s *Store) GetTokens(_ context.Context, providerID string) (string, []*storage.Token, error) {
	s.mu.RLock()
	rec, ok := s.records[providerID]
	s.mu.RUnlock()

	if !ok {
		return "", nil, storage.ErrNotFound
	}

	tokens := make([]*storage.Token, len(rec.tokens))
	copy(tokens, rec.tokens)
	return rec.clientID, tokens, nil
}

// DeleteTokens removes the persisted token list for a provider.
func (s *Store) DeleteTokens(_ context.Context, providerID string) error {
	s.mu.Lock()
	delete(s.records, providerID)
	s.mu.Unlock()
	return nil
}

// Providers returns the IDs of all providers with a persisted record,
// in no particular order.
func (s *Store) Providers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	return ids
}
