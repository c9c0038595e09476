// Package resilience provides the retry and circuit-breaker primitives
// shared by every outbound call the core makes: publishing to the bus,
// calling the payment processor, and inter-service lookups.
package resilience

import (
	"context"
	"math/rand"
	"time"
)

// RetryPolicy is exponential backoff with +/-20% jitter, capped at Max.
type RetryPolicy struct {
	Base       time.Duration
	Max        time.Duration
	MaxAttempts int
}

// NewRetryPolicy builds a policy from the base/cap seconds the core is
// configured with.
func NewRetryPolicy(base, max time.Duration, maxAttempts int) RetryPolicy {
	return RetryPolicy{Base: base, Max: max, MaxAttempts: maxAttempts}
}

// Backoff returns the delay before attempt (1-indexed).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.Base << uint(attempt-1)
	if d > p.Max || d <= 0 {
		d = p.Max
	}
	jitter := time.Duration(rand.Int63n(2*int64(d)/5+1)) - d/5
	d += jitter
	if d < 0 {
		d = 0
	}
	return d
}

// Do calls fn until it succeeds, returns a non-retryable error (per
// isRetryable), or MaxAttempts is exhausted.
func (p RetryPolicy) Do(ctx context.Context, isRetryable func(error) bool, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if isRetryable != nil && !isRetryable(err) {
			return err
		}
		if attempt == p.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.Backoff(attempt)):
		}
	}
	return lastErr
}
