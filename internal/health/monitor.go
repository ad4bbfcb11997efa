package health

import (
	"context"
	"reflect"
	"time"

	"github.com/rs/zerolog"
)

// Monitor periodically refreshes the cached verdict for one instance and
// logs transitions. It exists so an unhealthy provider is noticed without
// waiting for an external health request to arrive.
type Monitor struct {
	logger   zerolog.Logger
	cache    *Cache
	probe    ProbeFunc
	instance string
	interval time.Duration
}

// NewMonitor builds a monitor. An interval of zero or less disables it;
// Run returns immediately in that case.
func NewMonitor(cache *Cache, probe ProbeFunc, instance string, interval time.Duration, logger zerolog.Logger) *Monitor {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &Monitor{
		logger:   logger,
		cache:    cache,
		probe:    probe,
		instance: instance,
		interval: interval,
	}
}

// Run blocks until the context is cancelled, checking on every tick.
func (m *Monitor) Run(ctx context.Context) {
	if m.interval <= 0 || m.cache == nil || m.probe == nil {
		return
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	last := StatusHealthy
	seen := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := m.cache.Check(ctx, m.instance, m.probe)
			if err != nil {
				return
			}
			if !seen || res.Status != last {
				m.logger.Info().
					Str("instance", m.instance).
					Stringer("status", res.Status).
					Str("description", res.Description).
					Msg("health status")
			}
			last = res.Status
			seen = true
		}
	}
}
