package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Event type constants for security audit logging.
// These constants ensure consistency across the codebase and prevent typos
// when logging security-relevant events.
const (
	// EventTokenAcquired is logged when a new token is obtained through an
	// authorization flow
	EventTokenAcquired = "token_acquired"

	// EventTokenRefreshed is logged when a token is refreshed using a refresh token
	EventTokenRefreshed = "token_refreshed"

	// EventTokenDiscarded is logged when an expiring token without a refresh
	// token is dropped from the store
	EventTokenDiscarded = "token_discarded"

	// EventClientRegistered is logged when client credentials are obtained,
	// either via dynamic registration or a manual prompt
	EventClientRegistered = "client_registered"

	// EventClientInvalidated is logged when the authorization server rejects
	// the current client credentials
	EventClientInvalidated = "client_invalidated"

	// EventFlowCancelled is logged when the user cancels an authorization flow
	EventFlowCancelled = "flow_cancelled"

	// EventRegistrationRateLimited is logged when dynamic client registration
	// is suppressed by the rate limiter
	EventRegistrationRateLimited = "registration_rate_limited"
)

// Auditor handles security event logging with PII protection.
// Access tokens and account identifiers are hashed before logging.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// Event represents a security audit event
type Event struct {
	Type        string
	ProviderID  string
	ClientID    string
	AccessToken string // hashed before logging
	Details     map[string]any
	Timestamp   time.Time
}

// LogEvent logs a security event with hashed sensitive values
func (a *Auditor) LogEvent(event Event) {
	if !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"provider_id", event.ProviderID,
		"client_id", event.ClientID,
		"access_token_hash", hashForLogging(event.AccessToken),
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogTokenAcquired logs when a token is obtained through an authorization flow
func (a *Auditor) LogTokenAcquired(providerID, clientID, accessToken, scope string) {
	a.LogEvent(Event{
		Type:        EventTokenAcquired,
		ProviderID:  providerID,
		ClientID:    clientID,
		AccessToken: accessToken,
		Details: map[string]any{
			"scope": scope,
		},
	})
}

// LogTokenRefreshed logs when a token is refreshed
func (a *Auditor) LogTokenRefreshed(providerID, clientID, accessToken string) {
	a.LogEvent(Event{
		Type:        EventTokenRefreshed,
		ProviderID:  providerID,
		ClientID:    clientID,
		AccessToken: accessToken,
	})
}

// LogTokenDiscarded logs when an expiring token without a refresh token is dropped
func (a *Auditor) LogTokenDiscarded(providerID, accessToken, reason string) {
	a.LogEvent(Event{
		Type:        EventTokenDiscarded,
		ProviderID:  providerID,
		AccessToken: accessToken,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogClientRegistered logs when client credentials are obtained
func (a *Auditor) LogClientRegistered(providerID, clientID, method string) {
	a.LogEvent(Event{
		Type:       EventClientRegistered,
		ProviderID: providerID,
		ClientID:   clientID,
		Details: map[string]any{
			"method": method, // "dynamic" or "manual"
		},
	})
}

// LogClientInvalidated logs when the server rejects the current client credentials
func (a *Auditor) LogClientInvalidated(providerID, clientID string) {
	a.LogEvent(Event{
		Type:       EventClientInvalidated,
		ProviderID: providerID,
		ClientID:   clientID,
	})
}

// LogFlowCancelled logs when the user cancels an authorization flow
func (a *Auditor) LogFlowCancelled(providerID, flowLabel string) {
	a.LogEvent(Event{
		Type:       EventFlowCancelled,
		ProviderID: providerID,
		Details: map[string]any{
			"flow": flowLabel,
		},
	})
}

// LogRegistrationRateLimited logs when registration is suppressed by the rate limiter
func (a *Auditor) LogRegistrationRateLimited(providerID, issuer string) {
	a.LogEvent(Event{
		Type:       EventRegistrationRateLimited,
		ProviderID: providerID,
		Details: map[string]any{
			"issuer": issuer,
		},
	})
}

// hashForLogging produces a short, stable hash of a sensitive value so that
// related audit events can be correlated without exposing the value itself.
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(sum[:8])
}
