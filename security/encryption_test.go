package security

import (
	"strings"
	"testing"
)

func TestNewEncryptor_Disabled(t *testing.T) {
	enc, err := NewEncryptor(nil)
	if err != nil {
		t.Fatalf("NewEncryptor(nil) error = %v", err)
	}
	if enc.IsEnabled() {
		t.Error("encryptor with nil key should be disabled")
	}

	// Disabled encryptor passes values through unchanged
	got, err := enc.Encrypt("refresh-token-value")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if got != "refresh-token-value" {
		t.Errorf("disabled Encrypt() = %q, want passthrough", got)
	}
}

func TestNewEncryptor_InvalidKeySize(t *testing.T) {
	_, err := NewEncryptor([]byte("too-short"))
	if err == nil {
		t.Error("NewEncryptor() with short key should return error")
	}
}

func TestEncryptor_RoundTrip(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}

	enc, err := NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}

	plaintext := "eyJhbGciOiJSUzI1NiJ9.refresh-token-payload"

	ciphertext, err := enc.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if ciphertext == plaintext {
		t.Error("ciphertext should differ from plaintext")
	}

	got, err := enc.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if got != plaintext {
		t.Errorf("Decrypt() = %q, want %q", got, plaintext)
	}
}

func TestEncryptor_DecryptWrongKey(t *testing.T) {
	key1, _ := GenerateKey()
	key2, _ := GenerateKey()

	enc1, _ := NewEncryptor(key1)
	enc2, _ := NewEncryptor(key2)

	ciphertext, err := enc1.Encrypt("secret")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	if _, err := enc2.Decrypt(ciphertext); err == nil {
		t.Error("Decrypt() with wrong key should fail")
	}
}

func TestEncryptor_NonDeterministic(t *testing.T) {
	key, _ := GenerateKey()
	enc, _ := NewEncryptor(key)

	c1, _ := enc.Encrypt("same-input")
	c2, _ := enc.Encrypt("same-input")

	if c1 == c2 {
		t.Error("GCM encryption with random nonce should not repeat ciphertexts")
	}
}

func TestDeriveKey(t *testing.T) {
	secret := []byte("host-machine-secret")
	salt := []byte("installation-salt")

	k1, err := DeriveKey(secret, salt)
	if err != nil {
		t.Fatalf("DeriveKey() error = %v", err)
	}
	if len(k1) != 32 {
		t.Fatalf("derived key length = %d, want 32", len(k1))
	}

	// Deterministic for the same inputs
	k2, err := DeriveKey(secret, salt)
	if err != nil {
		t.Fatalf("DeriveKey() error = %v", err)
	}
	if string(k1) != string(k2) {
		t.Error("DeriveKey should be deterministic for the same secret and salt")
	}

	// Different secret produces a different key
	k3, err := DeriveKey([]byte("other-secret"), salt)
	if err != nil {
		t.Fatalf("DeriveKey() error = %v", err)
	}
	if string(k1) == string(k3) {
		t.Error("different secrets should derive different keys")
	}

	// Derived key is directly usable
	if _, err := NewEncryptor(k1); err != nil {
		t.Errorf("NewEncryptor(derived key) error = %v", err)
	}
}

func TestDeriveKey_EmptySecret(t *testing.T) {
	if _, err := DeriveKey(nil, nil); err == nil {
		t.Error("DeriveKey() with empty secret should return error")
	}
}

func TestKeyBase64RoundTrip(t *testing.T) {
	key, _ := GenerateKey()

	encoded := KeyToBase64(key)
	decoded, err := KeyFromBase64(encoded)
	if err != nil {
		t.Fatalf("KeyFromBase64() error = %v", err)
	}

	if string(decoded) != string(key) {
		t.Error("base64 round trip should preserve the key")
	}
}

func TestKeyFromBase64_Invalid(t *testing.T) {
	if _, err := KeyFromBase64("not-base64!!!"); err == nil {
		t.Error("KeyFromBase64() with invalid input should return error")
	}

	short := KeyToBase64([]byte(strings.Repeat("x", 16)))
	if _, err := KeyFromBase64(short); err == nil {
		t.Error("KeyFromBase64() with wrong-size key should return error")
	}
}
