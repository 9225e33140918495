// Package backoff provides jittered exponential backoff for retry logic.
package backoff

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// ErrAttemptsExhausted is returned when all retry attempts failed.
var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// Initial is the backoff before the second attempt.
	Initial time.Duration
	// Max caps the computed backoff.
	Max time.Duration
	// Factor is the exponential factor applied per attempt.
	Factor float64
	// Jitter is the randomization factor (0.0 to 1.0).
	Jitter float64
}

// DefaultPolicy suits provider calls: 100ms initial, 30s cap, doubling.
func DefaultPolicy() Policy {
	return Policy{Initial: 100 * time.Millisecond, Max: 30 * time.Second, Factor: 2, Jitter: 0.1}
}

// TelemetryPolicy suits exporter writes, which must resolve quickly so
// the write queue stays short: 50ms initial, 2s cap.
func TelemetryPolicy() Policy {
	return Policy{Initial: 50 * time.Millisecond, Max: 2 * time.Second, Factor: 2, Jitter: 0.1}
}

// Compute calculates the backoff for a given attempt number (1-indexed):
// base = Initial * Factor^(attempt-1), plus up to Jitter*base of noise,
// clamped to Max.
func Compute(policy Policy, attempt int) time.Duration {
	return computeWithRand(policy, attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

func computeWithRand(policy Policy, attempt int, random float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(policy.Initial) * math.Pow(policy.Factor, exp)
	total := base + base*policy.Jitter*random
	if capped := float64(policy.Max); policy.Max > 0 && total > capped {
		total = capped
	}
	return time.Duration(total)
}

// Sleep sleeps for the duration, respecting context cancellation.
func Sleep(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Retry executes fn up to maxAttempts times, sleeping per the policy
// between failures. It returns the number of attempts made and the last
// error (wrapped in ErrAttemptsExhausted when every attempt failed).
// Context cancellation is checked before each attempt.
func Retry(ctx context.Context, policy Policy, maxAttempts int, fn func(attempt int) error) (int, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}
		if lastErr = fn(attempt); lastErr == nil {
			return attempt, nil
		}
		if attempt < maxAttempts {
			if err := Sleep(ctx, Compute(policy, attempt)); err != nil {
				return attempt, err
			}
		}
	}
	return maxAttempts, errors.Join(ErrAttemptsExhausted, lastErr)
}
