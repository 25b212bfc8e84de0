package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by a Backend when no token list is persisted for
// the requested provider.
var ErrNotFound = errors.New("tokens not found")

// Sink persists the authoritative token list for a provider. The host
// typically forwards this to its own secret storage. Sink calls are
// fire-and-forget from the TokenStore's perspective: failures are logged,
// never surfaced to the caller that triggered the update.
type Sink interface {
	// SetTokens replaces the persisted token list for a provider.
	SetTokens(ctx context.Context, providerID, clientID string, tokens []*Token) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, providerID, clientID string, tokens []*Token) error

// SetTokens implements Sink.
func (f SinkFunc) SetTokens(ctx context.Context, providerID, clientID string, tokens []*Token) error {
	return f(ctx, providerID, clientID, tokens)
}

// Backend is a Sink that can also read back and delete what it persisted.
// Used to rehydrate providers across restarts.
type Backend interface {
	Sink

	// GetTokens loads the persisted token list and the client ID it was
	// saved under. Returns ErrNotFound when nothing is stored.
	GetTokens(ctx context.Context, providerID string) (clientID string, tokens []*Token, err error)

	// DeleteTokens removes the persisted token list. Deleting an absent
	// list is not an error.
	DeleteTokens(ctx context.Context, providerID string) error
}
