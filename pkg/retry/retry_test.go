package retry

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"
)

func noJitter(time.Duration) time.Duration { return 0 }

func TestPolicyDoSucceedsAfterTransientFailures(t *testing.T) {
	t.Parallel()

	policy := New(WithBaseDelay(time.Microsecond), withJitter(noJitter))

	calls := 0
	err := policy.Do(func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestPolicyDoExhaustsAttempts(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		delays []time.Duration
	)
	policy := New(
		WithBaseDelay(time.Microsecond),
		withJitter(noJitter),
		WithOnRetry(func(_ int, _ error, delay time.Duration) {
			mu.Lock()
			delays = append(delays, delay)
			mu.Unlock()
		}),
	)

	lastErr := errors.New("store unavailable")
	calls := 0
	err := policy.Do(func() error {
		calls++
		return lastErr
	})
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("error = %v, want ErrExhausted", err)
	}
	if !errors.Is(err, lastErr) {
		t.Fatalf("error = %v, want wrapped last error", err)
	}
	if calls != DefaultMaxAttempts {
		t.Fatalf("calls = %d, want %d", calls, DefaultMaxAttempts)
	}

	want := []time.Duration{
		time.Microsecond,
		2 * time.Microsecond,
		4 * time.Microsecond,
		8 * time.Microsecond,
	}
	mu.Lock()
	defer mu.Unlock()
	if !slices.Equal(delays, want) {
		t.Fatalf("delays = %v, want %v", delays, want)
	}
}

func TestPolicyScaleMultipliesDelays(t *testing.T) {
	t.Parallel()

	var delays []time.Duration
	policy := New(
		WithMaxAttempts(3),
		WithBaseDelay(time.Microsecond),
		WithScale(3),
		withJitter(noJitter),
		WithOnRetry(func(_ int, _ error, delay time.Duration) {
			delays = append(delays, delay)
		}),
	)

	_ = policy.Do(func() error { return errors.New("boom") })

	want := []time.Duration{3 * time.Microsecond, 6 * time.Microsecond}
	if !slices.Equal(delays, want) {
		t.Fatalf("delays = %v, want %v", delays, want)
	}
}

func TestPolicyJitterStaysWithinQuarter(t *testing.T) {
	t.Parallel()

	for range 100 {
		delay := 40 * time.Millisecond
		jitter := quarterJitter(delay)
		if jitter < 0 || jitter >= delay/4 {
			t.Fatalf("jitter = %v, want [0, %v)", jitter, delay/4)
		}
	}
	if quarterJitter(2) != 0 {
		t.Fatal("tiny delays should not be jittered")
	}
}

func TestPolicyPermanentErrorStops(t *testing.T) {
	t.Parallel()

	policy := New(WithBaseDelay(time.Microsecond))
	fatal := errors.New("forbidden")

	calls := 0
	err := policy.Do(func() error {
		calls++
		return Permanent(fatal)
	})
	if !errors.Is(err, fatal) {
		t.Fatalf("error = %v, want %v", err, fatal)
	}
	if errors.Is(err, ErrExhausted) {
		t.Fatal("permanent failure should not be reported as exhausted")
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestPolicyDoContextCancellation(t *testing.T) {
	t.Parallel()

	policy := New(WithBaseDelay(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- policy.DoContext(ctx, func(context.Context) error {
			calls++
			cancel()
			return errors.New("transient")
		})
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("error = %v, want context.Canceled", err)
		}
		if errors.Is(err, ErrExhausted) {
			t.Fatal("canceled retry should not be reported as exhausted")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("DoContext did not stop after cancellation")
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestPolicyRejectsNilOperation(t *testing.T) {
	t.Parallel()

	policy := New()
	if err := policy.Do(nil); err == nil {
		t.Fatal("expected error for nil operation")
	}
	if err := policy.DoContext(context.Background(), nil); err == nil {
		t.Fatal("expected error for nil operation")
	}
}
