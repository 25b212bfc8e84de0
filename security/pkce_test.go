package security

import (
	"crypto/sha256"
	"encoding/base64"
	"regexp"
	"strings"
	"testing"
)

var hexPattern = regexp.MustCompile(`^[0-9a-f]+$`)

func TestGenerateCodeVerifier(t *testing.T) {
	verifier, err := GenerateCodeVerifier()
	if err != nil {
		t.Fatalf("GenerateCodeVerifier() error = %v", err)
	}

	if len(verifier) != 64 {
		t.Errorf("verifier length = %d, want 64", len(verifier))
	}

	if !hexPattern.MatchString(verifier) {
		t.Errorf("verifier %q contains non-hex characters", verifier)
	}
}

func TestGenerateCodeVerifier_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		verifier, err := GenerateCodeVerifier()
		if err != nil {
			t.Fatalf("GenerateCodeVerifier() error = %v", err)
		}
		if seen[verifier] {
			t.Fatalf("duplicate verifier generated: %q", verifier)
		}
		seen[verifier] = true
	}
}

func TestCodeChallenge_Deterministic(t *testing.T) {
	verifier := "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

	c1 := CodeChallenge(verifier)
	c2 := CodeChallenge(verifier)

	if c1 != c2 {
		t.Errorf("CodeChallenge not deterministic: %q != %q", c1, c2)
	}

	// Verify against a straightforward reimplementation
	sum := sha256.Sum256([]byte(verifier))
	want := base64.RawURLEncoding.EncodeToString(sum[:])
	if c1 != want {
		t.Errorf("CodeChallenge = %q, want %q", c1, want)
	}
}

func TestCodeChallenge_URLSafe(t *testing.T) {
	// The challenge must be usable in a URL without escaping: no '+', '/'
	// or '=' for any verifier.
	for i := 0; i < 200; i++ {
		verifier, err := GenerateCodeVerifier()
		if err != nil {
			t.Fatalf("GenerateCodeVerifier() error = %v", err)
		}

		challenge := CodeChallenge(verifier)

		if strings.ContainsAny(challenge, "+/=") {
			t.Fatalf("challenge %q contains reserved characters", challenge)
		}
		// SHA-256 is 32 bytes; unpadded base64url is always 43 chars
		if len(challenge) != 43 {
			t.Fatalf("challenge length = %d, want 43", len(challenge))
		}
	}
}

func TestGenerateNonce(t *testing.T) {
	nonce, err := GenerateNonce()
	if err != nil {
		t.Fatalf("GenerateNonce() error = %v", err)
	}

	if len(nonce) != 32 {
		t.Errorf("nonce length = %d, want 32", len(nonce))
	}

	if !hexPattern.MatchString(nonce) {
		t.Errorf("nonce %q contains non-hex characters", nonce)
	}

	other, err := GenerateNonce()
	if err != nil {
		t.Fatalf("GenerateNonce() error = %v", err)
	}
	if nonce == other {
		t.Error("two nonces should not be equal")
	}
}
