package health_test

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/sms-dispatch/internal/health"
)

func TestMonitorRunRefreshesAndLogsTransitions(t *testing.T) {
	// Disabled cache so every tick reaches the probe.
	cache := health.NewCache(0, zerolog.New(io.Discard))

	var probes atomic.Int32
	probe := func(context.Context) health.Result {
		n := probes.Add(1)
		if n <= 2 {
			return health.Healthy("ok")
		}
		return health.Unhealthy("down", nil)
	}

	var buf bytes.Buffer
	monitor := health.NewMonitor(cache, probe, "sms", 5*time.Millisecond, zerolog.New(&buf))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		monitor.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for probes.Load() < 5 {
		select {
		case <-deadline:
			t.Fatalf("monitor did not keep probing, got %d probes", probes.Load())
		case <-time.After(time.Millisecond):
		}
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("monitor did not stop on cancellation")
	}

	// One entry for the first observation, one for the healthy -> unhealthy
	// transition; steady-state ticks stay quiet.
	logged := strings.Count(buf.String(), `"message":"health status"`)
	if logged != 2 {
		t.Fatalf("expected 2 status log entries, got %d: %s", logged, buf.String())
	}
	if !strings.Contains(buf.String(), `"status":"unhealthy"`) {
		t.Fatalf("expected the transition to be logged: %s", buf.String())
	}
}

func TestMonitorRunDisabled(t *testing.T) {
	cache := health.NewCache(time.Minute, zerolog.New(io.Discard))

	var probes atomic.Int32
	probe := countingProbe(&probes, health.Healthy("ok"))

	monitor := health.NewMonitor(cache, probe, "sms", 0, zerolog.New(io.Discard))

	done := make(chan struct{})
	go func() {
		monitor.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("a zero interval must disable the monitor")
	}
	if probes.Load() != 0 {
		t.Fatalf("disabled monitor must not probe, got %d", probes.Load())
	}
}
