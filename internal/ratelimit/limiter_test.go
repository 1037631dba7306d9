package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nvelloso/apigate/internal/store/memory"
)

func TestAllow_WindowBoundary(t *testing.T) {
	counters := memory.New()
	limiter := New(counters, 100, time.Hour)
	ctx := context.Background()

	for i := 1; i <= 100; i++ {
		decision, err := limiter.Allow(ctx, "k1")
		if err != nil {
			t.Fatalf("Allow() error on request %d: %v", i, err)
		}
		if !decision.Allowed {
			t.Fatalf("request %d denied, want allowed", i)
		}
		if decision.Remaining != 100-i {
			t.Errorf("request %d remaining = %d, want %d", i, decision.Remaining, 100-i)
		}
	}

	decision, err := limiter.Allow(ctx, "k1")
	if err != nil {
		t.Fatalf("Allow() error on request 101: %v", err)
	}
	if decision.Allowed {
		t.Error("request 101 allowed, want denied")
	}
	if decision.Remaining != 0 {
		t.Errorf("request 101 remaining = %d, want 0", decision.Remaining)
	}
}

func TestAllow_IndependentCredentials(t *testing.T) {
	counters := memory.New()
	limiter := New(counters, 1, time.Hour)
	ctx := context.Background()

	if d, _ := limiter.Allow(ctx, "k1"); !d.Allowed {
		t.Error("first request for k1 denied")
	}
	if d, _ := limiter.Allow(ctx, "k1"); d.Allowed {
		t.Error("second request for k1 allowed, want denied")
	}
	if d, _ := limiter.Allow(ctx, "k2"); !d.Allowed {
		t.Error("first request for k2 denied; budgets must be per credential")
	}
}

func TestAllow_WindowReset(t *testing.T) {
	counters := memory.New()

	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	limiter := New(counters, 2, time.Hour, WithClock(clock))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if d, _ := limiter.Allow(ctx, "k1"); !d.Allowed {
			t.Fatalf("request %d denied in first window", i+1)
		}
	}
	if d, _ := limiter.Allow(ctx, "k1"); d.Allowed {
		t.Fatal("over-budget request allowed in first window")
	}

	// Cross the window boundary: the counter restarts immediately.
	mu.Lock()
	now = now.Add(time.Hour)
	mu.Unlock()

	d, err := limiter.Allow(ctx, "k1")
	if err != nil {
		t.Fatalf("Allow() error after window reset: %v", err)
	}
	if !d.Allowed {
		t.Error("first request of new window denied, want allowed")
	}
	if d.Remaining != 1 {
		t.Errorf("remaining after reset = %d, want 1", d.Remaining)
	}
}

func TestAllow_DecisionReset(t *testing.T) {
	counters := memory.New()

	now := time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)
	limiter := New(counters, 10, time.Hour, WithClock(func() time.Time { return now }))

	d, err := limiter.Allow(context.Background(), "k1")
	if err != nil {
		t.Fatalf("Allow() error: %v", err)
	}

	wantReset := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	if !d.Reset.Equal(wantReset) {
		t.Errorf("Reset = %v, want %v", d.Reset, wantReset)
	}
	if got := d.RetryAfter(now); got != 30*60+1 {
		t.Errorf("RetryAfter = %d, want %d", got, 30*60+1)
	}
}

func TestAllow_ConcurrentNoDrift(t *testing.T) {
	counters := memory.New()
	limiter := New(counters, 100, time.Hour)
	ctx := context.Background()

	const calls = 500
	var allowed, denied int64
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			d, err := limiter.Allow(ctx, "k1")
			if err != nil {
				t.Errorf("Allow() error: %v", err)
				return
			}
			if d.Allowed {
				atomic.AddInt64(&allowed, 1)
			} else {
				atomic.AddInt64(&denied, 1)
			}
		}()
	}

	close(start)
	wg.Wait()

	if allowed != 100 {
		t.Errorf("allowed = %d, want exactly 100", allowed)
	}
	if denied != calls-100 {
		t.Errorf("denied = %d, want %d", denied, calls-100)
	}
}
