// Package breaker implements the gateway's circuit breakers (C3): a
// per-provider failure-window breaker for the primary provider, and a
// process-wide request-burst breaker guarding against DoS patterns.
package breaker

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const tripCooldown = 60 * time.Second

// ProviderBreaker trips when more than maxErrors failures are recorded
// within errorWindow. The moderation path has no breaker of its own —
// it is considered unavailable whenever this breaker (the primary's)
// is tripped, per spec.md §4.2's policy of not spending moderation
// budget when the primary can't serve anyway.
type ProviderBreaker struct {
	mu sync.Mutex

	maxErrors   int
	errorWindow time.Duration

	failureCount    int
	lastFailureTime time.Time
	tripped         bool
	resetTime       time.Time

	logger *log.Logger
	name   string
}

// NewProviderBreaker builds a breaker tripping after maxErrors failures
// within errorWindow.
func NewProviderBreaker(name string, maxErrors int, errorWindow time.Duration, logger *log.Logger) *ProviderBreaker {
	return &ProviderBreaker{
		name:        name,
		maxErrors:   maxErrors,
		errorWindow: errorWindow,
		logger:      logger,
	}
}

// RecordFailure registers one upstream failure and trips the breaker
// if the threshold is exceeded within the window.
func (b *ProviderBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if !b.lastFailureTime.IsZero() && now.Sub(b.lastFailureTime) > b.errorWindow {
		b.failureCount = 0
	}
	b.failureCount++
	b.lastFailureTime = now

	if b.failureCount > b.maxErrors {
		b.tripped = true
		b.resetTime = now.Add(tripCooldown)
		b.failureCount = 0
		if b.logger != nil {
			b.logger.WithFields(log.Fields{
				"provider":   b.name,
				"event":      "circuit_breaker_tripped",
				"reset_time": b.resetTime,
			}).Warn("circuit breaker tripped")
		}
	}
}

// Allow reports whether a request may proceed to the provider,
// lazily clearing an expired trip.
func (b *ProviderBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.allowLocked(time.Now())
}

func (b *ProviderBreaker) allowLocked(now time.Time) bool {
	if b.tripped {
		if now.Before(b.resetTime) {
			return false
		}
		b.tripped = false
		b.failureCount = 0
	}
	return true
}

// Tick performs the background lazy-clear spec.md §4.2 describes:
// expire a stale trip, and reset failureCount once the window has
// passed with no new failures. Call on a 10s ticker.
func (b *ProviderBreaker) Tick() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.allowLocked(now)
	if !b.lastFailureTime.IsZero() && now.Sub(b.lastFailureTime) > b.errorWindow {
		b.failureCount = 0
	}
}

// Tripped reports the current trip state without mutating it.
func (b *ProviderBreaker) Tripped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tripped && time.Now().Before(b.resetTime)
}

// StartTicker launches the 10s background tick and returns a stop function.
func (b *ProviderBreaker) StartTicker() (stop func()) {
	ticker := time.NewTicker(10 * time.Second)
	done := make(chan struct{})
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				b.Tick()
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

// GlobalBurstBreaker trips when more than threshold requests are seen
// within a single second, a blunt defense against request-burst DoS
// patterns, independent of the per-provider breakers.
type GlobalBurstBreaker struct {
	mu sync.Mutex

	threshold int
	count     int
	startTime time.Time
	tripped   bool
	resetTime time.Time

	logger *log.Logger
}

// NewGlobalBurstBreaker builds a breaker tripping above threshold
// requests/second, per spec.md §3's threshold=500/s default.
func NewGlobalBurstBreaker(threshold int, logger *log.Logger) *GlobalBurstBreaker {
	return &GlobalBurstBreaker{threshold: threshold, logger: logger}
}

// Tripped reports the current trip state without mutating the counter,
// for use by liveness probes.
func (b *GlobalBurstBreaker) Tripped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tripped && time.Now().Before(b.resetTime)
}

// Allow increments the per-second counter and reports whether the
// request may proceed; it trips the breaker for 60s once the
// threshold is exceeded.
func (b *GlobalBurstBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if b.tripped {
		if now.Before(b.resetTime) {
			return false
		}
		b.tripped = false
		b.count = 0
		b.startTime = now
	}

	if b.startTime.IsZero() || now.Sub(b.startTime) > time.Second {
		b.count = 0
		b.startTime = now
	}
	b.count++

	if b.count > b.threshold {
		b.tripped = true
		b.resetTime = now.Add(tripCooldown)
		if b.logger != nil {
			b.logger.WithFields(log.Fields{
				"event":      "global_circuit_breaker_tripped",
				"count":      b.count,
				"reset_time": b.resetTime,
			}).Warn("global burst breaker tripped")
		}
		return false
	}
	return true
}
