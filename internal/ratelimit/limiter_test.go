package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestDisabledLimiterAdmitsInstantly(t *testing.T) {
	l := NewLimiter("test", Config{Enabled: false})

	start := time.Now()
	for i := 0; i < 100; i++ {
		if err := l.Acquire(context.Background(), 1000, nil); err != nil {
			t.Fatalf("Acquire: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("disabled limiter slept %v", elapsed)
	}
}

func TestAcquireWithinBurstDoesNotSleep(t *testing.T) {
	l := NewLimiter("anthropic", Config{RequestsPerMinute: 600, Enabled: true})

	start := time.Now()
	if err := l.Acquire(context.Background(), 0, nil); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("in-burst acquire slept %v", elapsed)
	}
}

func TestAcquirePacesWhenExhausted(t *testing.T) {
	// 600 rpm = 10 rps, burst 100. Drain the burst, then expect pacing.
	l := NewLimiter("openai", Config{RequestsPerMinute: 600, Enabled: true})
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		if err := l.Acquire(ctx, 0, nil); err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
	}

	start := time.Now()
	if err := l.Acquire(ctx, 0, nil); err != nil {
		t.Fatalf("Acquire after burst: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("expected pacing sleep, got %v", elapsed)
	}
}

func TestAcquireCancelledWhileWaiting(t *testing.T) {
	l := NewLimiter("openai", Config{RequestsPerMinute: 6, Enabled: true}) // 0.1 rps
	ctx := context.Background()

	// Drain the single-permit burst.
	if err := l.Acquire(ctx, 0, nil); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := l.Acquire(cctx, 0, nil); err == nil {
		t.Fatal("expected cancellation error")
	}
}

func TestPaceCallbackFiresForLongWaits(t *testing.T) {
	l := NewLimiter("anthropic", Config{RequestsPerMinute: 60, Enabled: true}) // 1 rps, burst 10
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if err := l.Acquire(ctx, 0, nil); err != nil {
			t.Fatalf("Acquire: %v", err)
		}
	}

	var mu sync.Mutex
	var paced []time.Duration
	err := l.Acquire(ctx, 0, func(provider string, wait time.Duration) {
		if provider != "anthropic" {
			t.Errorf("provider = %s", provider)
		}
		mu.Lock()
		paced = append(paced, wait)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(paced) == 0 {
		t.Error("expected a pace callback for a ~1s wait")
	}
	for _, w := range paced {
		if w < PaceThreshold {
			t.Errorf("pace callback for wait %v below threshold", w)
		}
	}
}

func TestApplyHintDelaysAdmission(t *testing.T) {
	l := NewLimiter("openai", Config{RequestsPerMinute: 6000, Enabled: true})
	l.ApplyHint(150 * time.Millisecond)

	start := time.Now()
	if err := l.Acquire(context.Background(), 0, nil); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("hinted acquire returned after %v, want >= ~150ms", elapsed)
	}
}

func TestRecordSettlesActualUsage(t *testing.T) {
	l := NewLimiter("anthropic", Config{TokensPerMinute: 60000, Enabled: true})

	if err := l.Acquire(context.Background(), 100, nil); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	l.Record(100, 500)

	_, tokens := l.Served()
	if tokens != 500 {
		t.Errorf("tokens served = %d, want 500", tokens)
	}
}

func TestFIFOAdmissionOrder(t *testing.T) {
	// 1 rps after burst: three waiters must be admitted in arrival order.
	l := NewLimiter("openai", Config{RequestsPerMinute: 60, Enabled: true})
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if err := l.Acquire(ctx, 0, nil); err != nil {
			t.Fatalf("drain: %v", err)
		}
	}

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		id := i
		go func() {
			defer wg.Done()
			if err := l.Acquire(ctx, 0, nil); err != nil {
				t.Errorf("Acquire %d: %v", id, err)
				return
			}
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
		}()
		time.Sleep(20 * time.Millisecond) // establish arrival order
	}
	wg.Wait()

	for i, id := range order {
		if id != i {
			t.Fatalf("admission order = %v, want [0 1 2]", order)
		}
	}
}

func TestRegistrySharesLimiterPerProvider(t *testing.T) {
	r := NewRegistry(nil)
	a := r.For("anthropic")
	b := r.For("anthropic")
	if a != b {
		t.Error("registry returned distinct limiters for one provider")
	}
	if r.For("openai") == a {
		t.Error("distinct providers share a limiter")
	}
}
