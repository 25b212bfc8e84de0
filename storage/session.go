package storage

import (
	"crypto/sha256"
	"encoding/hex"
)

// unknownAccount is used when no identity claims can be extracted from a
// token. Sessions still work; they just cannot name their account.
const unknownAccount = "unknown"

// SessionAccount identifies the account a session belongs to.
type SessionAccount struct {
	ID    string
	Label string
}

// Session is a derived, read-only view of a Token. Sessions are never
// persisted; tokens are the source of truth and sessions are recomputed
// whenever the token list changes.
type Session struct {
	// ID is a deterministic hash of the access token. Re-deriving from the
	// same token yields the same id.
	ID string

	// AccessToken is the underlying bearer token.
	AccessToken string

	// Account identifies the signed-in account.
	Account SessionAccount

	// Scopes are the token's granted scopes.
	Scopes []string

	// IDToken is the OIDC ID token, if the underlying token carried one.
	IDToken string
}

// SessionID returns the deterministic session id for an access token.
func SessionID(accessToken string) string {
	sum := sha256.Sum256([]byte(accessToken))
	return hex.EncodeToString(sum[:])
}

// SessionChange describes the precise difference between two derived session
// lists. A session present in both lists appears in neither slice, even when
// its backing object was recreated.
type SessionChange struct {
	Added   []*Session
	Removed []*Session
}

// deriveSession builds the session view of a token.
func deriveSession(token *Token) *Session {
	account := SessionAccount{ID: unknownAccount, Label: unknownAccount}
	if claims := token.ExtractClaims(); claims != nil {
		if claims.Subject != "" {
			account.ID = claims.Subject
		}
		if label := claims.AccountLabel(); label != "" {
			account.Label = label
		}
	}

	return &Session{
		ID:          SessionID(token.AccessToken),
		AccessToken: token.AccessToken,
		Account:     account,
		Scopes:      token.Scopes(),
		IDToken:     token.IDToken,
	}
}

// deriveSessions derives the session list for a token list.
func deriveSessions(tokens []*Token) []*Session {
	sessions := make([]*Session, 0, len(tokens))
	for _, token := range tokens {
		sessions = append(sessions, deriveSession(token))
	}
	return sessions
}

// diffSessions computes added/removed between two session lists by access
// token identity. Structural, not referential: a session whose access token
// appears in both lists is unchanged regardless of object identity.
func diffSessions(previous, current []*Session) SessionChange {
	prevByToken := make(map[string]*Session, len(previous))
	for _, s := range previous {
		prevByToken[s.AccessToken] = s
	}
	currByToken := make(map[string]*Session, len(current))
	for _, s := range current {
		currByToken[s.AccessToken] = s
	}

	var change SessionChange
	for _, s := range current {
		if _, ok := prevByToken[s.AccessToken]; !ok {
			change.Added = append(change.Added, s)
		}
	}
	for _, s := range previous {
		if _, ok := currByToken[s.AccessToken]; !ok {
			change.Removed = append(change.Removed, s)
		}
	}
	return change
}
