// Package security provides security-related functionality for the dynamic
// OAuth client, including PKCE material generation, token encryption at rest,
// dynamic-client-registration rate limiting, and audit logging.
//
// # PKCE
//
// GenerateCodeVerifier produces the RFC 7636 code verifier used in the
// authorization-code flow; CodeChallenge derives the S256 challenge from it.
// GenerateNonce produces the opaque nonce embedded in callback URIs.
//
// # Encryption
//
// The Encryptor protects sensitive token fields (refresh_token, id_token) in
// persisted token lists using AES-256-GCM. The key can be supplied directly
// or derived from a host secret with DeriveKey (HKDF-SHA256).
//
// # Rate Limiting
//
// The RegistrationRateLimiter bounds how often dynamic client registration is
// attempted against a single authorization server, so a misbehaving server or
// a retry loop cannot hammer the registration endpoint.
//
// # Audit Logging
//
// The Auditor records security-relevant client events (token refreshed, token
// discarded, client registered, flow cancelled) with sensitive values hashed
// before they reach the log.
package security
