package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

const (
	// codeVerifierBytes is the number of random bytes for the PKCE code
	// verifier. Hex encoding doubles the length, producing the fixed
	// 64-character verifier the token endpoint contract expects.
	codeVerifierBytes = 32

	// nonceBytes is the number of random bytes for the callback nonce.
	// Hex encoding produces a 32-character nonce.
	nonceBytes = 16
)

// GenerateCodeVerifier generates a new PKCE code verifier: 32 random bytes,
// hex-encoded to a fixed length of 64 characters. The verifier is kept secret
// and only sent to the token endpoint during code exchange.
func GenerateCodeVerifier() (string, error) {
	buf := make([]byte, codeVerifierBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate PKCE code verifier: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// CodeChallenge derives the S256 code challenge for a verifier:
// base64url(SHA-256(verifier)) with padding stripped. The output never
// contains '+', '/' or '=' characters.
func CodeChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// GenerateNonce generates the opaque nonce embedded in the provider's
// callback URI: 16 random bytes, hex-encoded to 32 characters.
func GenerateNonce() (string, error) {
	buf := make([]byte, nonceBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
