// Package retry runs bounded retries with exponential backoff and jitter.
//
// Callers always pass an attempt budget. Errors wrapped with Permanent stop
// the loop at once.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// PermanentError marks an error as not worth retrying.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do returns it without retrying. A nil err
// stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Do calls fn with the zero-based attempt number until it succeeds, returns
// a permanent error, maxAttempts is spent or ctx ends while backing off.
// The wait starts at baseDelay and doubles, each wait jittered by ±25%.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func(attempt int) error) error {
	maxAttempts = max(maxAttempts, 1)

	var err error
	for attempt := range maxAttempts {
		if err = fn(attempt); err == nil {
			return nil
		}
		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if attempt == maxAttempts-1 {
			break
		}
		if werr := wait(ctx, backoff(baseDelay, attempt)); werr != nil {
			return werr
		}
	}
	return err
}

func backoff(base time.Duration, attempt int) time.Duration {
	d := base << attempt
	if d <= 0 {
		return 0
	}
	spread := d / 2
	return d - spread/2 + rand.N(spread+1)
}

func wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
