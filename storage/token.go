package storage

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// RefreshThreshold is the duration before token expiry when tokens are
// proactively refreshed. Tokens due within this threshold are refreshed on
// the next session lookup if a refresh token is available, and discarded
// otherwise.
const RefreshThreshold = 5 * time.Minute

// Token represents an OAuth token as returned by a token endpoint, plus the
// acquisition timestamp. Tokens are identified by their access_token value
// and are replaced, never mutated, on refresh.
type Token struct {
	// AccessToken is the bearer token. It is the identity key of a Token.
	AccessToken string `json:"access_token"`

	// TokenType is typically "Bearer".
	TokenType string `json:"token_type,omitempty"`

	// RefreshToken is used to obtain new access tokens (optional).
	RefreshToken string `json:"refresh_token,omitempty"`

	// IDToken is the OIDC ID token (optional).
	IDToken string `json:"id_token,omitempty"`

	// Scope is the granted scope(s), space-separated.
	Scope string `json:"scope,omitempty"`

	// ExpiresIn is the token lifetime in seconds from the token response.
	// Zero means the token does not expire.
	ExpiresIn int64 `json:"expires_in,omitempty"`

	// CreatedAt is when the token was acquired, in epoch milliseconds.
	CreatedAt int64 `json:"created_at"`
}

// Scopes returns the scope string as a slice of individual scopes.
func (t *Token) Scopes() []string {
	if t.Scope == "" {
		return nil
	}
	return strings.Fields(t.Scope)
}

// ExpiresAt returns the token's expiry time, or the zero time if the token
// does not expire.
func (t *Token) ExpiresAt() time.Time {
	if t.ExpiresIn <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(t.CreatedAt).Add(time.Duration(t.ExpiresIn) * time.Second)
}

// DueForRefresh reports whether the token is within RefreshThreshold of its
// expiry at the given time. Tokens without an expiry are never due.
func (t *Token) DueForRefresh(now time.Time) bool {
	if t.ExpiresIn <= 0 {
		return false
	}
	return now.UnixMilli() > t.CreatedAt+t.ExpiresIn*1000-RefreshThreshold.Milliseconds()
}

// ToOAuth2Token converts the Token to an oauth2.Token for interoperability
// with golang.org/x/oauth2. The ID token travels in the extra data.
func (t *Token) ToOAuth2Token() *oauth2.Token {
	token := &oauth2.Token{
		AccessToken:  t.AccessToken,
		TokenType:    t.TokenType,
		RefreshToken: t.RefreshToken,
		Expiry:       t.ExpiresAt(),
	}

	if t.IDToken != "" {
		token = token.WithExtra(map[string]interface{}{
			"id_token": t.IDToken,
		})
	}

	return token
}

// Equal reports whether two tokens carry identical values. Used to detect
// no-op updates so they neither fire events nor trigger persistence.
func (t *Token) Equal(o *Token) bool {
	if t == nil || o == nil {
		return t == o
	}
	return *t == *o
}

// Claims holds the identity claims extracted from a JWT for session account
// derivation. Extraction is best effort and unverified: the token is used
// against the issuer that minted it, not trusted locally.
type Claims struct {
	Subject           string
	Name              string
	PreferredUsername string
	Email             string
}

// AccountLabel returns the best human-readable label for the claims.
func (c *Claims) AccountLabel() string {
	switch {
	case c.PreferredUsername != "":
		return c.PreferredUsername
	case c.Name != "":
		return c.Name
	case c.Email != "":
		return c.Email
	default:
		return c.Subject
	}
}

// jwtParser parses without verification; claim extraction must never fail a
// session derivation.
var jwtParser = jwt.NewParser()

// ExtractClaims extracts identity claims from the token, preferring the ID
// token and falling back to the access token. Returns nil if neither parses
// as a JWT; parse failures are swallowed, never fatal.
func (t *Token) ExtractClaims() *Claims {
	if t.IDToken != "" {
		if c := parseClaims(t.IDToken); c != nil {
			return c
		}
	}
	return parseClaims(t.AccessToken)
}

func parseClaims(raw string) *Claims {
	claims := jwt.MapClaims{}
	if _, _, err := jwtParser.ParseUnverified(raw, claims); err != nil {
		return nil
	}

	c := &Claims{
		Subject:           stringClaim(claims, "sub"),
		Name:              stringClaim(claims, "name"),
		PreferredUsername: stringClaim(claims, "preferred_username"),
		Email:             stringClaim(claims, "email"),
	}
	if c.Subject == "" && c.Name == "" && c.PreferredUsername == "" && c.Email == "" {
		return nil
	}
	return c
}

func stringClaim(claims jwt.MapClaims, key string) string {
	if v, ok := claims[key].(string); ok {
		return v
	}
	return ""
}
