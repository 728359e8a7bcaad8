// Package retry repeats an operation with exponential backoff and jitter.
// Used when dialing the progress store at startup.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns the unwrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Policy describes how often and how patiently to retry.
type Policy struct {
	// Attempts counts the first call. Values below 1 mean a single call.
	Attempts int
	// Initial is the delay after the first failure.
	Initial time.Duration
	// Max caps every delay.
	Max time.Duration
	// Multiplier grows the delay per attempt.
	Multiplier float64
	// Jitter spreads each delay by ±Jitter of its value.
	Jitter float64
	// RetryIf filters errors. Nil retries everything except Permanent.
	RetryIf func(error) bool
	// OnRetry is called before sleeping.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// Startup is the policy for backing stores at boot: six attempts, giving up
// after roughly half a minute.
func Startup(onRetry func(attempt int, err error, delay time.Duration)) Policy {
	return Policy{
		Attempts:   6,
		Initial:    500 * time.Millisecond,
		Max:        10 * time.Second,
		Multiplier: 2,
		Jitter:     0.2,
		OnRetry:    onRetry,
	}
}

// Do calls op until it succeeds, the attempts run out, the error is not
// retryable or ctx is done. The last error from op is returned.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := max(p.Attempts, 1)

	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		err := op(ctx)
		if err == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		lastErr = err
		if attempt >= attempts || (p.RetryIf != nil && !p.RetryIf(err)) {
			return err
		}

		delay := p.Delay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}
	}
}

// Delay returns the pause after the given failed attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.Initial) * math.Pow(mult, float64(attempt-1))
	if p.Max > 0 && d > float64(p.Max) {
		d = float64(p.Max)
	}
	if p.Jitter > 0 {
		d += d * p.Jitter * (rand.Float64()*2 - 1)
	}
	if d < 0 {
		return 0
	}
	return time.Duration(d)
}

// Value is Do for operations that produce a result.
func Value[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := p.Do(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
