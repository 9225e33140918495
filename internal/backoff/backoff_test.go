package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestComputeGrowsExponentially(t *testing.T) {
	policy := Policy{Initial: 100 * time.Millisecond, Max: 10 * time.Second, Factor: 2, Jitter: 0}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
	}
	for _, tc := range cases {
		if got := Compute(policy, tc.attempt); got != tc.want {
			t.Errorf("attempt %d: got %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestComputeClampsToMax(t *testing.T) {
	policy := Policy{Initial: time.Second, Max: 2 * time.Second, Factor: 10, Jitter: 0}
	if got := Compute(policy, 5); got != 2*time.Second {
		t.Fatalf("got %v, want clamp at 2s", got)
	}
}

func TestComputeJitterBounded(t *testing.T) {
	policy := Policy{Initial: 100 * time.Millisecond, Max: time.Minute, Factor: 2, Jitter: 0.5}
	for r := 0.0; r < 1.0; r += 0.25 {
		got := computeWithRand(policy, 1, r)
		if got < 100*time.Millisecond || got > 150*time.Millisecond {
			t.Errorf("jittered backoff out of bounds: %v (rand %v)", got, r)
		}
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	attempts, err := Retry(context.Background(), Policy{Initial: time.Millisecond, Factor: 1}, 5, func(int) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 3 || calls != 3 {
		t.Fatalf("attempts = %d, calls = %d, want 3", attempts, calls)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	boom := errors.New("boom")
	attempts, err := Retry(context.Background(), Policy{Initial: time.Millisecond, Factor: 1}, 3, func(int) error {
		return boom
	})
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
	if !errors.Is(err, ErrAttemptsExhausted) || !errors.Is(err, boom) {
		t.Fatalf("error should wrap both: %v", err)
	}
}

func TestRetryRespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Retry(ctx, DefaultPolicy(), 3, func(int) error { return errors.New("never") })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestSleepReturnsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	err := Sleep(ctx, 5*time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("sleep did not return promptly on cancel")
	}
}
