package health

import (
	"context"
	"math/rand"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

const (
	// minFailureTTL is the floor for re-checking a failing instance, so an
	// outage is never hammered with probes.
	minFailureTTL = 35 * time.Second
	// expiryJitterSpan spreads entry expiry by up to this much to avoid
	// synchronized re-probes across instances.
	expiryJitterSpan = 5 * time.Second
)

// ProbeFunc produces a fresh health verdict. Probes may be expensive and may
// send real messages, which is why the cache coalesces concurrent callers.
type ProbeFunc func(ctx context.Context) Result

// CacheOption customises the cache.
type CacheOption func(*Cache)

// WithCacheClock overrides the clock used for expiry decisions.
func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithCacheRand overrides the jitter source.
func WithCacheRand(rnd *rand.Rand) CacheOption {
	return func(c *Cache) {
		if rnd != nil {
			c.rnd = rnd
		}
	}
}

// Cache stores health verdicts per instance name (case-insensitive) with
// outcome-dependent expiry. On a miss at most one probe per instance runs at
// a time; concurrent callers wait on the same gate and re-check the cache
// after acquiring it, so a sibling's fresh result is reused instead of
// probing again.
type Cache struct {
	logger zerolog.Logger
	ttl    time.Duration
	now    func() time.Time

	randMu sync.Mutex
	rnd    *rand.Rand

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	gate *semaphore.Weighted

	// Guarded by Cache.mu.
	result  Result
	valid   bool
	expires time.Time
}

// NewCache builds a cache with the given base validity duration. A duration
// of zero or less disables caching: every Check runs the probe fresh.
func NewCache(ttl time.Duration, logger zerolog.Logger, opts ...CacheOption) *Cache {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	c := &Cache{
		logger:  logger,
		ttl:     ttl,
		now:     time.Now,
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404 -- jitter only.
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Check returns the cached verdict for the instance, running the probe only
// when no valid entry exists. The error is non-nil only when the context is
// cancelled while waiting on the single-flight gate; probe outcomes are
// always expressed through the Result.
func (c *Cache) Check(ctx context.Context, instance string, probe ProbeFunc) (Result, error) {
	if c.ttl <= 0 {
		return probe(ctx), nil
	}

	key := strings.ToLower(strings.TrimSpace(instance))
	e := c.entryFor(key)

	if res, ok := c.lookup(e); ok {
		return res, nil
	}

	if err := e.gate.Acquire(ctx, 1); err != nil {
		return Result{}, err
	}
	defer e.gate.Release(1)

	// A sibling may have populated the entry while we waited on the gate.
	if res, ok := c.lookup(e); ok {
		return res, nil
	}

	res := probe(ctx)
	c.store(key, e, res)
	return res, nil
}

func (c *Cache) entryFor(key string) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		e = &entry{gate: semaphore.NewWeighted(1)}
		c.entries[key] = e
	}
	return e
}

func (c *Cache) lookup(e *entry) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e.valid && c.now().Before(e.expires) {
		return e.result, true
	}
	return Result{}, false
}

func (c *Cache) store(key string, e *entry, res Result) {
	ttl := c.ttl
	if res.Status != StatusHealthy {
		// Failing instances are re-checked sooner, but never faster than the
		// floor.
		ttl = c.ttl / 2
		if ttl < minFailureTTL {
			ttl = minFailureTTL
		}
	}
	ttl += c.jitter()

	c.mu.Lock()
	e.result = res
	e.valid = true
	e.expires = c.now().Add(ttl)
	c.mu.Unlock()

	c.logger.Debug().
		Str("instance", key).
		Stringer("status", res.Status).
		Dur("ttl", ttl).
		Msg("health verdict cached")
}

func (c *Cache) jitter() time.Duration {
	c.randMu.Lock()
	defer c.randMu.Unlock()
	return time.Duration(c.rnd.Int63n(int64(expiryJitterSpan)))
}
