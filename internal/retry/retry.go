// Package retry implements bounded retry with exponential backoff.
//
// A Policy is passed explicitly into each retrying call site so that
// tests can substitute a zero-delay policy.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// RateLimited marks an error as caused by an upstream rate limit.
// Attempts failing with a rate-limited error wait RateLimitFactor times
// longer before the next try.
type RateLimited interface {
	RateLimited() bool
}

// Policy bounds a retry loop.
type Policy struct {
	// MaxAttempts is the total number of attempts including the first.
	// Values below 1 behave like 1.
	MaxAttempts int
	// BaseDelay is the wait before the second attempt. Each subsequent
	// wait doubles. Zero disables waiting.
	BaseDelay time.Duration
	// MaxDelay caps a single wait. Zero means no cap.
	MaxDelay time.Duration
	// Jitter adds or subtracts up to 50% of the wait when set.
	Jitter bool
	// RateLimitFactor multiplies the wait after a rate-limited failure.
	// Values below 1 behave like 1.
	RateLimitFactor int
}

func (p Policy) maxAttempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// WaitDuration returns the wait after the given failed attempt.
// The first attempt is 0. It grows exponentially from BaseDelay and is
// capped at MaxDelay before jitter is applied.
func (p Policy) WaitDuration(attempt int, rateLimited bool) time.Duration {
	d := p.BaseDelay
	if d <= 0 {
		return 0
	}
	for i := 0; i < attempt && (p.MaxDelay <= 0 || d < p.MaxDelay); i++ {
		d *= 2
	}
	if rateLimited && p.RateLimitFactor > 1 {
		d *= time.Duration(p.RateLimitFactor)
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter {
		// add or subtract up to 50%
		d += time.Duration(rand.Int64N(int64(d))) - d/2
	}
	return d
}

// Do runs f up to MaxAttempts times, waiting between attempts, and
// returns the first success or the last attempt's error. The attempt
// number passed to f starts at 1. Context cancellation during a wait
// stops the loop with the context error joined to the attempt's error.
func Do[T any](ctx context.Context, p Policy, f func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 1; attempt <= p.maxAttempts(); attempt++ {
		v, err := f(ctx, attempt)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if attempt == p.maxAttempts() {
			break
		}
		if err := sleep(ctx, p.WaitDuration(attempt-1, isRateLimited(err))); err != nil {
			return zero, errors.Join(lastErr, err)
		}
	}
	return zero, lastErr
}

func isRateLimited(err error) bool {
	var rl RateLimited
	return errors.As(err, &rl) && rl.RateLimited()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		// still observe cancellation between attempts
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
