package security

import (
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestRegistrationRateLimiter_Burst(t *testing.T) {
	// Effectively no refill during the test
	rl := NewRegistrationRateLimiterWithConfig(rate.Limit(0.001), 2, nil)
	defer rl.Stop()

	if !rl.Allow("https://auth.example.com") {
		t.Error("first attempt should be allowed")
	}
	if !rl.Allow("https://auth.example.com") {
		t.Error("second attempt within burst should be allowed")
	}
	if rl.Allow("https://auth.example.com") {
		t.Error("attempt beyond burst should be denied")
	}
}

func TestRegistrationRateLimiter_IndependentIssuers(t *testing.T) {
	rl := NewRegistrationRateLimiterWithConfig(rate.Limit(0.001), 1, nil)
	defer rl.Stop()

	if !rl.Allow("https://a.example.com") {
		t.Error("issuer a should be allowed")
	}
	if rl.Allow("https://a.example.com") {
		t.Error("issuer a should now be denied")
	}
	if !rl.Allow("https://b.example.com") {
		t.Error("issuer b should be unaffected by issuer a")
	}
}

func TestRegistrationRateLimiter_Cleanup(t *testing.T) {
	rl := NewRegistrationRateLimiterWithConfig(rate.Limit(1), 1, nil)
	defer rl.Stop()

	rl.Allow("https://a.example.com")
	rl.Allow("https://b.example.com")

	if got := rl.Len(); got != 2 {
		t.Fatalf("Len() = %d, want 2", got)
	}

	// Backdate the entries so cleanup considers them idle
	rl.mu.Lock()
	for _, entry := range rl.entries {
		entry.lastAccess = time.Now().Add(-registrationEntryIdleTimeout - time.Minute)
	}
	rl.mu.Unlock()

	rl.Cleanup()

	if got := rl.Len(); got != 0 {
		t.Errorf("Len() after cleanup = %d, want 0", got)
	}
}
