package backoff

import (
	"context"
	"errors"
	"time"
)

// ErrAttemptsExhausted is returned when every attempt failed with a
// retryable error.
var ErrAttemptsExhausted = errors.New("backoff: retry attempts exhausted")

// WaitInfo describes an upcoming backoff sleep, reported to the caller
// before the sleep begins so it can be surfaced as a pace event.
type WaitInfo struct {
	// Attempt is the 1-indexed attempt that just failed.
	Attempt int
	// Delay is the sleep about to be taken.
	Delay time.Duration
	// Err is the failure that triggered the wait.
	Err error
}

// Retry runs fn until it succeeds, fails permanently, or the policy's
// attempt budget is spent.
//
// retryable classifies errors; a false return surfaces the error
// immediately. hint extracts a provider-reported wait (e.g. Retry-After)
// from an error; when larger than the computed backoff it wins. onWait,
// when non-nil, is called before each sleep. Context cancellation is
// observed before each attempt and during sleeps.
func Retry(
	ctx context.Context,
	policy Policy,
	fn func(attempt int) error,
	retryable func(error) bool,
	hint func(error) time.Duration,
	onWait func(WaitInfo),
) error {
	var lastErr error

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(attempt)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		lastErr = err

		if attempt == policy.MaxAttempts {
			break
		}

		delay := policy.Delay(attempt)
		if hint != nil {
			if h := hint(err); h > delay {
				delay = h
			}
		}
		if onWait != nil {
			onWait(WaitInfo{Attempt: attempt, Delay: delay, Err: err})
		}
		if err := Sleep(ctx, delay); err != nil {
			return err
		}
	}

	return errors.Join(ErrAttemptsExhausted, lastErr)
}

// Sleep waits for the duration, returning early with ctx.Err() on
// cancellation.
func Sleep(ctx context.Context, d time.Duration) error {
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
