// Package valkey provides a Valkey-backed token persistence backend for
// multi-instance deployments. Refresh tokens and ID tokens can be encrypted
// at rest via an optional Encryptor.
package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/dynamicauth/security"
	"github.com/giantswarm/dynamicauth/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "dynamicauth:"

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// MaxRecordSize is the maximum size of a serialized token list (64KB).
	// This prevents memory exhaustion from oversized payloads.
	MaxRecordSize = 64 * 1024
)

var errRecordTooLarge = fmt.Errorf("serialized token list exceeds maximum allowed size")

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "dynamicauth:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed implementation of storage.Backend.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger

	// encryptor provides optional encryption at rest for refresh and ID
	// tokens. Access must be synchronized via encryptorMu.
	encryptor   *security.Encryptor
	encryptorMu sync.RWMutex
}

var _ storage.Backend = (*Store)(nil)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetEncryptor sets the encryptor for encryption at rest. When set, refresh
// tokens and ID tokens are encrypted before storing and decrypted on read.
// Access tokens are not stored encrypted: they are short-lived and needed
// verbatim for session identity.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.encryptorMu.Lock()
	defer s.encryptorMu.Unlock()
	s.encryptor = enc
	if enc != nil && enc.IsEnabled() {
		s.logger.Info("Token encryption at rest enabled for Valkey storage")
	}
}

func (s *Store) getEncryptor() *security.Encryptor {
	s.encryptorMu.RLock()
	defer s.encryptorMu.RUnlock()
	return s.encryptor
}

func (s *Store) tokensKey(providerID string) string {
	return s.prefix + "tokens:" + providerID
}

// tokenRecord is the JSON shape persisted per provider.
type tokenRecord struct {
	ClientID  string           `json:"client_id"`
	Tokens    []*storage.Token `json:"tokens"`
	Encrypted bool             `json:"encrypted,omitempty"`
	UpdatedAt int64            `json:"updated_at"`
}

// SetTokens replaces the persisted token list for a provider.
func (s *Store) SetTokens(ctx context.Context, providerID, clientID string, tokens []*storage.Token) error {
	rec := &tokenRecord{
		ClientID:  clientID,
		Tokens:    tokens,
		UpdatedAt: time.Now().UnixMilli(),
	}

	enc := s.getEncryptor()
	if enc != nil && enc.IsEnabled() {
		sealed, err := sealTokens(enc, tokens)
		if err != nil {
			return fmt.Errorf("failed to encrypt token list: %w", err)
		}
		rec.Tokens = sealed
		rec.Encrypted = true
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal token list: %w", err)
	}
	if len(data) > MaxRecordSize {
		return errRecordTooLarge
	}

	key := s.tokensKey(providerID)
	if err := s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to save token list: %w", err)
	}

	s.logger.Debug("Saved token list",
		"provider_id", providerID,
		"tokens", len(tokens))
	return nil
}

// GetTokens loads the persisted token list for a provider.
func (s *Store) GetTokens(ctx context.Context, providerID string) (string, []*storage.Token, error) {
	key := s.tokensKey(providerID)

	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return "", nil, storage.ErrNotFound
		}
		return "", nil, fmt.Errorf("failed to get token list: %w", err)
	}

	var rec tokenRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return "", nil, fmt.Errorf("failed to unmarshal token list: %w", err)
	}

	tokens := rec.Tokens
	if rec.Encrypted {
		enc := s.getEncryptor()
		if enc == nil || !enc.IsEnabled() {
			return "", nil, fmt.Errorf("token list is encrypted but no encryptor is configured")
		}
		tokens, err = openTokens(enc, tokens)
		if err != nil {
			return "", nil, fmt.Errorf("failed to decrypt token list: %w", err)
		}
	}

	return rec.ClientID, tokens, nil
}

// DeleteTokens removes the persisted token list for a provider.
func (s *Store) DeleteTokens(ctx context.Context, providerID string) error {
	key := s.tokensKey(providerID)
	if err := s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete token list: %w", err)
	}
	return nil
}

// sealTokens encrypts the sensitive fields of each token, leaving the
// originals untouched.
func sealTokens(enc *security.Encryptor, tokens []*storage.Token) ([]*storage.Token, error) {
	sealed := make([]*storage.Token, len(tokens))
	for i, token := range tokens {
		c := *token
		if c.RefreshToken != "" {
			v, err := enc.Encrypt(c.RefreshToken)
			if err != nil {
				return nil, err
			}
			c.RefreshToken = v
		}
		if c.IDToken != "" {
			v, err := enc.Encrypt(c.IDToken)
			if err != nil {
				return nil, err
			}
			c.IDToken = v
		}
		sealed[i] = &c
	}
	return sealed, nil
}

// openTokens reverses sealTokens.
func openTokens(enc *security.Encryptor, tokens []*storage.Token) ([]*storage.Token, error) {
	opened := make([]*storage.Token, len(tokens))
	for i, token := range tokens {
		c := *token
		if c.RefreshToken != "" {
			v, err := enc.Decrypt(c.RefreshToken)
			if err != nil {
				return nil, err
			}
			c.RefreshToken = v
		}
		if c.IDToken != "" {
			v, err := enc.Decrypt(c.IDToken)
			if err != nil {
				return nil, err
			}
			c.IDToken = v
		}
		opened[i] = &c
	}
	return opened, nil
}

// isNilError checks if the error indicates a nil/not-found result from Valkey.
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}
