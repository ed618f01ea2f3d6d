// Package backoff runs an operation under a bounded retry policy.
package backoff

import (
	"context"
	"errors"
	"time"
)

// ErrStop wraps an error that must not be retried.
var ErrStop = errors.New("permanent failure")

// Permanent marks err as not retryable.
func Permanent(err error) error {
	return &permanentError{err: err}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string        { return e.err.Error() }
func (e *permanentError) Unwrap() error        { return e.err }
func (e *permanentError) Is(target error) bool { return target == ErrStop }

// Policy is an explicit retry policy: one initial attempt plus up to
// MaxRetries retries, waiting Delay(retry) before retry number `retry` (1-based).
type Policy struct {
	MaxRetries int
	Delay      func(retry int) time.Duration
	// Sleep waits for d or returns ctx.Err(). Defaults to a timer-based sleep.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnRetry, when set, is called before each retry's wait.
	OnRetry func(retry int, delay time.Duration, err error)
}

// Linear returns a delay function growing by step per retry: step, 2*step, ...
func Linear(step time.Duration) func(int) time.Duration {
	return func(retry int) time.Duration {
		return step * time.Duration(retry)
	}
}

// Attempt describes the try currently running.
type Attempt struct {
	// Number is 1 for the initial try, 2 for the first retry, and so on.
	Number int
}

// Retry reports whether this attempt is a retry.
func (a Attempt) Retry() bool { return a.Number > 1 }

// Result describes a finished Do.
type Result struct {
	Attempts int
	Err      error
}

// Do runs fn until it succeeds, returns a Permanent error, the retries are
// exhausted, or ctx is cancelled. The returned Result carries the number of
// attempts made and the last error.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, a Attempt) error) Result {
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepWithContext
	}
	delay := p.Delay
	if delay == nil {
		delay = func(int) time.Duration { return 0 }
	}

	var err error
	attempt := 0
	for {
		attempt++
		if err = ctx.Err(); err != nil {
			return Result{Attempts: attempt - 1, Err: err}
		}
		err = fn(ctx, Attempt{Number: attempt})
		if err == nil {
			return Result{Attempts: attempt}
		}
		if errors.Is(err, ErrStop) {
			return Result{Attempts: attempt, Err: err}
		}
		retry := attempt
		if retry > p.MaxRetries {
			return Result{Attempts: attempt, Err: err}
		}
		d := delay(retry)
		if p.OnRetry != nil {
			p.OnRetry(retry, d, err)
		}
		if serr := sleep(ctx, d); serr != nil {
			return Result{Attempts: attempt, Err: err}
		}
	}
}

// sleepWithContext waits for the duration or returns early on context cancellation.
func sleepWithContext(ctx context.Context, d time.Duration) error {
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
