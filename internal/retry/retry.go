// Package retry implements C4: bounded retry with exponential
// backoff wrapping only the primary-provider call, honoring
// non-retryable markers and the enable-flag.
package retry

import (
	"context"
	"time"

	"github.com/AliZeynalov/langdock-moderation-gateway/internal/apierr"
)

const (
	backoffFactor = 1.5
	maxBackoff    = 10 * time.Second
)

// Config carries the retry-engine's tuning knobs, mirroring
// config.Timeouts.
type Config struct {
	Enabled       bool
	RetryDelay    time.Duration
	MaxRetryTime  time.Duration
	MaxRetryCount int
}

// Attempt is invoked once per try. It must return either a value or a
// non-nil *apierr.APIError; Retryable on that error governs whether
// Do tries again.
type Attempt[T any] func(ctx context.Context, attemptNumber int) (T, *apierr.APIError)

// Do runs fn, retrying per Config until it succeeds, exhausts the
// retry budget, or hits a non-retryable error. The last error's
// response envelope is always preserved verbatim — Do never
// synthesizes a substitute error that would overwrite it.
func Do[T any](ctx context.Context, cfg Config, fn Attempt[T]) (T, *apierr.APIError) {
	start := time.Now()
	var lastErr *apierr.APIError
	var zero T

	for attempt := 1; ; attempt++ {
		result, err := fn(ctx, attempt)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !cfg.Enabled || !err.Retryable {
			return zero, err
		}
		if attempt >= cfg.MaxRetryCount {
			return zero, lastErr
		}

		elapsed := time.Since(start)
		if elapsed+cfg.RetryDelay >= cfg.MaxRetryTime {
			return zero, lastErr
		}

		delay := backoffDelay(cfg.RetryDelay, attempt)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, lastErr
		case <-timer.C:
		}
	}
}

// backoffDelay computes min(retryDelay * 1.5^(attempt-1), maxBackoff).
func backoffDelay(base time.Duration, attempt int) time.Duration {
	d := float64(base)
	for i := 1; i < attempt; i++ {
		d *= backoffFactor
	}
	if time.Duration(d) > maxBackoff {
		return maxBackoff
	}
	return time.Duration(d)
}
