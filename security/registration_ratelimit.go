package security

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// defaultRegistrationRate is the sustained rate of dynamic client
	// registration attempts allowed per authorization server, per second.
	// Registration normally happens once per provider lifetime, so the
	// sustained rate is deliberately low.
	defaultRegistrationRate = rate.Limit(0.1) // one attempt per 10s

	// defaultRegistrationBurst allows the initial registration plus an
	// immediate retry after an invalid_client recovery.
	defaultRegistrationBurst = 3

	// registrationEntryIdleTimeout is how long an issuer entry may sit
	// unused before cleanup removes it.
	registrationEntryIdleTimeout = 30 * time.Minute

	// registrationCleanupInterval is how often idle entries are swept.
	registrationCleanupInterval = 5 * time.Minute
)

// registrationEntry tracks a limiter and its last access time.
type registrationEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RegistrationRateLimiter bounds dynamic-client-registration attempts per
// authorization server using a token bucket per issuer. A retry loop around
// invalid_client recovery must not hammer the registration endpoint.
type RegistrationRateLimiter struct {
	mu      sync.Mutex
	entries map[string]*registrationEntry

	limit rate.Limit
	burst int

	logger      *slog.Logger
	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// NewRegistrationRateLimiter creates a rate limiter with default settings.
func NewRegistrationRateLimiter(logger *slog.Logger) *RegistrationRateLimiter {
	return NewRegistrationRateLimiterWithConfig(defaultRegistrationRate, defaultRegistrationBurst, logger)
}

// NewRegistrationRateLimiterWithConfig creates a rate limiter with a custom
// sustained rate and burst.
func NewRegistrationRateLimiterWithConfig(limit rate.Limit, burst int, logger *slog.Logger) *RegistrationRateLimiter {
	if logger == nil {
		logger = slog.Default()
	}

	rl := &RegistrationRateLimiter{
		entries:     make(map[string]*registrationEntry),
		limit:       limit,
		burst:       burst,
		logger:      logger,
		stopCleanup: make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Allow reports whether a registration attempt against the given issuer is
// permitted right now.
func (rl *RegistrationRateLimiter) Allow(issuer string) bool {
	rl.mu.Lock()
	entry, ok := rl.entries[issuer]
	if !ok {
		entry = &registrationEntry{
			limiter: rate.NewLimiter(rl.limit, rl.burst),
		}
		rl.entries[issuer] = entry
	}
	entry.lastAccess = time.Now()
	rl.mu.Unlock()

	allowed := entry.limiter.Allow()
	if !allowed {
		rl.logger.Warn("Dynamic client registration rate limited",
			"issuer", issuer)
	}
	return allowed
}

// cleanupLoop periodically removes idle issuer entries.
func (rl *RegistrationRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(registrationCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup()
		case <-rl.stopCleanup:
			return
		}
	}
}

// Cleanup removes entries that have been idle longer than the idle timeout.
func (rl *RegistrationRateLimiter) Cleanup() {
	cutoff := time.Now().Add(-registrationEntryIdleTimeout)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	for issuer, entry := range rl.entries {
		if entry.lastAccess.Before(cutoff) {
			delete(rl.entries, issuer)
		}
	}
}

// Stop terminates the background cleanup goroutine.
func (rl *RegistrationRateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.stopCleanup)
	})
}

// Len returns the number of tracked issuers. Exposed for tests and metrics.
func (rl *RegistrationRateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.entries)
}
