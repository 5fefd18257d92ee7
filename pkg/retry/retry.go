// Package retry implements a small explicit retry policy for idempotent
// operations: bounded attempts with capped exponential backoff and a
// caller-supplied retryable-error predicate.
package retry

import (
	"context"
	"time"
)

// Policy describes how an idempotent operation is retried.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// InitialBackoff is the delay before the second attempt.
	InitialBackoff time.Duration

	// MaxBackoff caps the delay between attempts.
	MaxBackoff time.Duration

	// Multiplier scales the delay after each attempt. Values below 1
	// are treated as 2.
	Multiplier float64

	// AttemptTimeout bounds each individual attempt. Zero means the
	// attempt only observes the caller's context deadline.
	AttemptTimeout time.Duration
}

// Do runs op up to MaxAttempts times, sleeping between attempts. It stops
// early when op succeeds, when retryable returns false for the error, or
// when ctx is cancelled. The last error is returned unwrapped so callers
// can inspect it with errors.Is/As.
func (p Policy) Do(
	ctx context.Context,
	op func(ctx context.Context) error,
	retryable func(error) bool,
) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 2
	}

	backoff := p.InitialBackoff

	var err error

	for attempt := 1; attempt <= attempts; attempt++ {
		if err = ctx.Err(); err != nil {
			return err
		}

		err = p.attempt(ctx, op)
		if err == nil {
			return nil
		}

		if retryable != nil && !retryable(err) {
			return err
		}

		if attempt == attempts {
			break
		}

		if sleepErr := sleep(ctx, backoff); sleepErr != nil {
			return sleepErr
		}

		backoff = time.Duration(float64(backoff) * multiplier)
		if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
			backoff = p.MaxBackoff
		}
	}

	return err
}

// attempt runs op once, under the per-attempt deadline when one is set.
func (p Policy) attempt(ctx context.Context, op func(ctx context.Context) error) error {
	if p.AttemptTimeout <= 0 {
		return op(ctx)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, p.AttemptTimeout)
	defer cancel()

	return op(attemptCtx)
}

// sleep waits for d or until ctx is cancelled, whichever comes first.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
