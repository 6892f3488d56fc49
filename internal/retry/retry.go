// Package retry runs an operation a bounded number of times.
package retry

import (
	"context"
	"time"

	"github.com/MimeLyc/contentpipe/internal/apperr"
)

// Policy bounds how an operation is retried.
//
// Attempts is the total number of tries (values below 1 mean one try).
// Timeout, when set, is applied to each attempt separately.
// Backoff is the base delay; attempt n waits n*Backoff before running.
// Retryable decides which errors are worth another try and defaults to
// apperr.IsRetryable.
type Policy struct {
	Attempts  int
	Timeout   time.Duration
	Backoff   time.Duration
	Retryable func(error) bool
	OnRetry   func(attempt int, err error)
}

// Do calls fn until it succeeds, returns a non-retryable error, the attempts
// are exhausted, or ctx is done. The last error is returned.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = apperr.IsRetryable
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if p.OnRetry != nil {
				p.OnRetry(attempt, err)
			}
			if werr := wait(ctx, time.Duration(attempt-1)*p.Backoff); werr != nil {
				return err
			}
		}
		if cerr := ctx.Err(); cerr != nil {
			if err != nil {
				return err
			}
			return cerr
		}

		err = runAttempt(ctx, p.Timeout, fn)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !retryable(err) {
			return err
		}
	}
	return err
}

func runAttempt(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := fn(attemptCtx)
	if err != nil && attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil && !apperr.IsRetryable(err) {
		// the per-attempt deadline fired: a timeout is transient
		return apperr.Transient(err, "attempt timed out")
	}
	return err
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
