package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastPolicy() Policy {
	return Policy{
		Initial:     time.Millisecond,
		Max:         10 * time.Millisecond,
		Factor:      2,
		Jitter:      0,
		MaxAttempts: 5,
	}
}

func TestDelayGrowthAndCap(t *testing.T) {
	p := Policy{Initial: time.Second, Max: 60 * time.Second, Factor: 2, Jitter: 0, MaxAttempts: 5}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{7, 60 * time.Second}, // capped
	}
	for _, tc := range cases {
		if got := p.delayWithRand(tc.attempt, 0); got != tc.want {
			t.Errorf("Delay(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestDelayJitterBounded(t *testing.T) {
	p := Policy{Initial: time.Second, Max: 60 * time.Second, Factor: 2, Jitter: 0.1, MaxAttempts: 5}
	got := p.delayWithRand(1, 0.999)
	if got < time.Second || got > time.Second+100*time.Millisecond {
		t.Errorf("jittered delay %v outside [1s, 1.1s]", got)
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	transient := errors.New("server_error")
	calls := 0

	err := Retry(context.Background(), fastPolicy(),
		func(attempt int) error {
			calls++
			if calls < 3 {
				return transient
			}
			return nil
		},
		func(error) bool { return true },
		nil, nil,
	)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("authentication")
	calls := 0

	err := Retry(context.Background(), fastPolicy(),
		func(attempt int) error { calls++; return permanent },
		func(error) bool { return false },
		nil, nil,
	)
	if !errors.Is(err, permanent) {
		t.Fatalf("err = %v, want %v", err, permanent)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	waits := 0

	err := Retry(context.Background(), fastPolicy(),
		func(attempt int) error { calls++; return errors.New("overloaded") },
		func(error) bool { return true },
		nil,
		func(WaitInfo) { waits++ },
	)
	if !errors.Is(err, ErrAttemptsExhausted) {
		t.Fatalf("err = %v, want ErrAttemptsExhausted", err)
	}
	if calls != 5 {
		t.Errorf("calls = %d, want 5", calls)
	}
	if waits != 4 {
		t.Errorf("waits = %d, want 4 (no sleep after final attempt)", waits)
	}
}

func TestRetryHonorsLargerHint(t *testing.T) {
	var seen time.Duration
	hint := 25 * time.Millisecond

	_ = Retry(context.Background(), fastPolicy(),
		func(attempt int) error {
			if attempt == 1 {
				return errors.New("rate limited")
			}
			return nil
		},
		func(error) bool { return true },
		func(error) time.Duration { return hint },
		func(w WaitInfo) { seen = w.Delay },
	)
	if seen != hint {
		t.Errorf("wait = %v, want retry-after hint %v", seen, hint)
	}
}

func TestRetryObservesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	err := Retry(ctx, fastPolicy(),
		func(attempt int) error {
			cancel()
			return errors.New("timeout")
		},
		func(error) bool { return true },
		nil, nil,
	)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestSleepCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Minute); !errors.Is(err, context.Canceled) {
		t.Fatalf("Sleep = %v, want context.Canceled", err)
	}
}
