// Package retry runs fallible operations under a bounded exponential backoff
// schedule with additive jitter.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// DefaultMaxAttempts is the total number of attempts including the first call.
	DefaultMaxAttempts = 5
	// DefaultBaseDelay is the wait before the second attempt at scale 1.
	DefaultBaseDelay = 2 * time.Millisecond

	backoffMultiplier = 2.0
	maxInterval       = time.Minute
)

// ErrExhausted reports that every attempt failed. The last attempt error is
// wrapped alongside it.
var ErrExhausted = errors.New("retry: attempts exhausted")

// Option mutates a retry policy.
type Option func(*Policy)

// WithMaxAttempts sets the total attempt budget.
func WithMaxAttempts(attempts int) Option {
	return func(policy *Policy) {
		if attempts > 0 {
			policy.maxAttempts = attempts
		}
	}
}

// WithBaseDelay sets the first backoff delay before scaling.
func WithBaseDelay(delay time.Duration) Option {
	return func(policy *Policy) {
		if delay > 0 {
			policy.baseDelay = delay
		}
	}
}

// WithScale multiplies every delay by factor.
func WithScale(factor float64) Option {
	return func(policy *Policy) {
		if factor > 0 {
			policy.scale = factor
		}
	}
}

// WithOnRetry registers a callback invoked before each wait.
// attempt is the number of the attempt that just failed.
func WithOnRetry(fn func(attempt int, err error, delay time.Duration)) Option {
	return func(policy *Policy) {
		policy.onRetry = fn
	}
}

// withJitter replaces the jitter source; tests use it for deterministic delays.
func withJitter(fn func(time.Duration) time.Duration) Option {
	return func(policy *Policy) {
		if fn != nil {
			policy.jitter = fn
		}
	}
}

// Policy is an immutable retry schedule safe for concurrent use.
type Policy struct {
	maxAttempts int
	baseDelay   time.Duration
	scale       float64
	onRetry     func(attempt int, err error, delay time.Duration)
	jitter      func(time.Duration) time.Duration
}

// New builds a policy: 5 attempts, delays of 2, 4, 8 and 16ms, each plus up
// to 25% random jitter.
func New(options ...Option) *Policy {
	policy := &Policy{
		maxAttempts: DefaultMaxAttempts,
		baseDelay:   DefaultBaseDelay,
		scale:       1,
		jitter:      quarterJitter,
	}
	for _, option := range options {
		option(policy)
	}

	return policy
}

// Permanent marks err as non-retryable; the policy returns it unchanged.
func Permanent(err error) error {
	if err == nil {
		return nil
	}

	return backoff.Permanent(err)
}

// Do runs op until it succeeds, returns a permanent error, or the attempt
// budget runs out. The calling goroutine sleeps between attempts.
func (p *Policy) Do(op func() error) error {
	if op == nil {
		return fmt.Errorf("retry do: nil operation")
	}

	return p.run(context.Background(), false, func(context.Context) error {
		return op()
	})
}

// DoContext is Do with waits that end early when ctx is canceled. op receives
// ctx so it can abort in-flight work too.
func (p *Policy) DoContext(ctx context.Context, op func(ctx context.Context) error) error {
	if op == nil {
		return fmt.Errorf("retry do: nil operation")
	}

	return p.run(ctx, true, op)
}

func (p *Policy) run(ctx context.Context, cancellable bool, op func(context.Context) error) error {
	var schedule backoff.BackOff = p.newBackOff()
	if cancellable {
		schedule = backoff.WithContext(schedule, ctx)
	}

	attempts := 0
	permanent := false
	err := backoff.RetryNotify(
		func() error {
			attempts++
			opErr := op(ctx)
			var permanentErr *backoff.PermanentError
			if errors.As(opErr, &permanentErr) {
				permanent = true
			}
			return opErr
		},
		schedule,
		func(opErr error, delay time.Duration) {
			if p.onRetry != nil {
				p.onRetry(attempts, opErr, delay)
			}
		},
	)
	switch {
	case err == nil:
		return nil
	case permanent:
		return err
	case cancellable && ctx.Err() != nil:
		return fmt.Errorf("retry canceled after %d attempts: %w", attempts, err)
	default:
		return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, err)
	}
}

func (p *Policy) newBackOff() backoff.BackOff {
	exponential := backoff.NewExponentialBackOff()
	exponential.InitialInterval = time.Duration(float64(p.baseDelay) * p.scale)
	exponential.Multiplier = backoffMultiplier
	exponential.RandomizationFactor = 0
	exponential.MaxInterval = maxInterval
	exponential.MaxElapsedTime = 0
	exponential.Reset()

	retries := p.maxAttempts - 1
	if retries < 0 {
		retries = 0
	}

	return backoff.WithMaxRetries(&jitteredBackOff{BackOff: exponential, jitter: p.jitter}, uint64(retries))
}

// jitteredBackOff adds a random non-negative offset to every delay.
type jitteredBackOff struct {
	backoff.BackOff
	jitter func(time.Duration) time.Duration
}

func (b *jitteredBackOff) NextBackOff() time.Duration {
	next := b.BackOff.NextBackOff()
	if next == backoff.Stop || b.jitter == nil {
		return next
	}

	return next + b.jitter(next)
}

func quarterJitter(delay time.Duration) time.Duration {
	if delay < 4 {
		return 0
	}

	// #nosec G404 -- jitter is non-cryptographic timing variance.
	return time.Duration(rand.Int64N(int64(delay / 4)))
}
