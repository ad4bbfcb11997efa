package health_test

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/sms-dispatch/internal/health"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func countingProbe(count *atomic.Int32, res health.Result) health.ProbeFunc {
	return func(context.Context) health.Result {
		count.Add(1)
		return res
	}
}

func TestCheckCachesHealthyResult(t *testing.T) {
	clock := newFakeClock()
	cache := health.NewCache(120*time.Second, zerolog.New(io.Discard), health.WithCacheClock(clock.Now))

	var probes atomic.Int32
	probe := countingProbe(&probes, health.Healthy("ok"))

	for i := 0; i < 3; i++ {
		res, err := cache.Check(context.Background(), "sms", probe)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.Status != health.StatusHealthy {
			t.Fatalf("unexpected status: %v", res.Status)
		}
	}
	if got := probes.Load(); got != 1 {
		t.Fatalf("expected 1 probe, got %d", got)
	}

	// Still inside the base validity window.
	clock.Advance(119 * time.Second)
	if _, err := cache.Check(context.Background(), "sms", probe); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := probes.Load(); got != 1 {
		t.Fatalf("expected cached result before expiry, got %d probes", got)
	}

	// Past base validity plus the maximum expiry jitter.
	clock.Advance(7 * time.Second)
	if _, err := cache.Check(context.Background(), "sms", probe); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := probes.Load(); got != 2 {
		t.Fatalf("expected re-probe after expiry, got %d probes", got)
	}
}

// Unhealthy verdicts are cached for half the base duration but never less
// than the floor.
func TestCheckFailureExpiry(t *testing.T) {
	t.Run("half base", func(t *testing.T) {
		clock := newFakeClock()
		cache := health.NewCache(200*time.Second, zerolog.New(io.Discard), health.WithCacheClock(clock.Now))

		var probes atomic.Int32
		probe := countingProbe(&probes, health.Unhealthy("down", nil))

		if _, err := cache.Check(context.Background(), "sms", probe); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		clock.Advance(99 * time.Second)
		if _, err := cache.Check(context.Background(), "sms", probe); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := probes.Load(); got != 1 {
			t.Fatalf("expected cached failure before half-base expiry, got %d probes", got)
		}
		clock.Advance(7 * time.Second)
		if _, err := cache.Check(context.Background(), "sms", probe); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := probes.Load(); got != 2 {
			t.Fatalf("expected re-probe after failure expiry, got %d probes", got)
		}
	})

	t.Run("floor", func(t *testing.T) {
		clock := newFakeClock()
		cache := health.NewCache(40*time.Second, zerolog.New(io.Discard), health.WithCacheClock(clock.Now))

		var probes atomic.Int32
		probe := countingProbe(&probes, health.Degraded("slow", nil))

		if _, err := cache.Check(context.Background(), "sms", probe); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		// Half of 40s would be 20s, but the floor keeps the entry for 35s.
		clock.Advance(34 * time.Second)
		if _, err := cache.Check(context.Background(), "sms", probe); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := probes.Load(); got != 1 {
			t.Fatalf("expected floor to hold the entry, got %d probes", got)
		}
		clock.Advance(7 * time.Second)
		if _, err := cache.Check(context.Background(), "sms", probe); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := probes.Load(); got != 2 {
			t.Fatalf("expected re-probe past the floor, got %d probes", got)
		}
	})
}

func TestCheckSingleFlight(t *testing.T) {
	cache := health.NewCache(time.Minute, zerolog.New(io.Discard))

	var probes atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})
	probe := func(context.Context) health.Result {
		probes.Add(1)
		close(entered)
		<-release
		return health.Healthy("ok")
	}

	results := make(chan health.Result, 2)
	for i := 0; i < 2; i++ {
		go func() {
			res, err := cache.Check(context.Background(), "sms", probe)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			results <- res
		}()
	}

	<-entered
	// Give the second caller time to block on the gate, then let the probe
	// finish.
	time.Sleep(10 * time.Millisecond)
	close(release)

	for i := 0; i < 2; i++ {
		select {
		case res := <-results:
			if res.Status != health.StatusHealthy {
				t.Fatalf("unexpected status: %v", res.Status)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("caller %d did not return", i)
		}
	}
	if got := probes.Load(); got != 1 {
		t.Fatalf("concurrent callers must share one probe, got %d", got)
	}
}

func TestCheckGateCancellation(t *testing.T) {
	cache := health.NewCache(time.Minute, zerolog.New(io.Discard))

	entered := make(chan struct{})
	release := make(chan struct{})
	probe := func(context.Context) health.Result {
		close(entered)
		<-release
		return health.Healthy("ok")
	}
	defer close(release)

	go func() {
		_, _ = cache.Check(context.Background(), "sms", probe)
	}()
	<-entered

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := cache.Check(ctx, "sms", probe); err == nil {
		t.Fatalf("expected error when cancelled while waiting on the gate")
	}
}

func TestCheckDisabledCache(t *testing.T) {
	cache := health.NewCache(0, zerolog.New(io.Discard))

	var probes atomic.Int32
	probe := countingProbe(&probes, health.Healthy("ok"))

	for i := 0; i < 3; i++ {
		if _, err := cache.Check(context.Background(), "sms", probe); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if got := probes.Load(); got != 3 {
		t.Fatalf("disabled cache must probe every call, got %d", got)
	}
}

func TestCheckKeyIsCaseInsensitive(t *testing.T) {
	cache := health.NewCache(time.Minute, zerolog.New(io.Discard))

	var probes atomic.Int32
	probe := countingProbe(&probes, health.Healthy("ok"))

	for _, instance := range []string{"SMS", "sms", "  Sms "} {
		if _, err := cache.Check(context.Background(), instance, probe); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if got := probes.Load(); got != 1 {
		t.Fatalf("instance names must share one entry, got %d probes", got)
	}
}
