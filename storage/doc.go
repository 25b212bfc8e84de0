// Package storage owns the authoritative token list for dynamic OAuth
// providers and the sessions derived from it.
//
// The TokenStore is the single mutation point for a provider's tokens. Every
// update recomputes the derived session list, diffs it against the previous
// one by access-token identity, notifies listeners with the precise
// added/removed sets, and persists the new list through an injected Sink.
// Persistence is fire-and-forget: in-memory state and the change event are
// observable before the sink write completes.
//
// Sink implementations live in the memory and valkey subpackages.
package storage
