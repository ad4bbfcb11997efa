// Package retry wraps a single-attempt provider call with bounded retry for
// rate-limit failures. Every other failure class is terminal on the first
// occurrence.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/sms-dispatch/internal/provider"
)

const (
	// maxBackoffBase caps the exponential base delay.
	maxBackoffBase = 64 * time.Second
	// jitterFloor and jitterSpan bound the uniform jitter added to every
	// backoff wait: [250ms, 1s).
	jitterFloor = 250 * time.Millisecond
	jitterSpan  = 750 * time.Millisecond
)

// ErrRetriesExhausted is returned when the provider stays rate limited after
// all allowed attempts. It is distinct from the raw provider error so
// callers can tell exhaustion from a fresh rate limit.
var ErrRetriesExhausted = errors.New("rate limit retries exhausted")

// WaitFunc blocks for the given duration and reports false when the context
// was cancelled before the wait elapsed.
type WaitFunc func(ctx context.Context, d time.Duration) bool

// Option customises a Policy.
type Option func(*Policy)

// WithWait overrides the wait implementation. Tests use it to record delays
// instead of sleeping.
func WithWait(fn WaitFunc) Option {
	return func(p *Policy) {
		if fn != nil {
			p.wait = fn
		}
	}
}

// WithRand overrides the jitter source.
func WithRand(rnd *rand.Rand) Option {
	return func(p *Policy) {
		if rnd != nil {
			p.rnd = rnd
		}
	}
}

// Policy retries rate-limited provider calls with exponential backoff and
// jitter. The zero value is not usable; construct with NewPolicy.
type Policy struct {
	maxRetries int
	logger     zerolog.Logger
	wait       WaitFunc

	randMu sync.Mutex
	rnd    *rand.Rand
}

// NewPolicy builds a policy allowing maxRetries additional attempts after the
// first. A negative maxRetries is treated as zero.
func NewPolicy(maxRetries int, logger zerolog.Logger, opts ...Option) *Policy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	p := &Policy{
		maxRetries: maxRetries,
		logger:     logger,
		rnd:        rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404 -- jitter only.
	}
	p.wait = p.sleep
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Do runs op, retrying while the provider reports rate limiting. Attempts
// within one call are strictly sequential. Context cancellation aborts both
// waits and in-flight attempts and is returned unretried.
func (p *Policy) Do(ctx context.Context, op func(context.Context) (*provider.Receipt, error)) (*provider.Receipt, error) {
	var lastErr error
	var lastReceipt *provider.Receipt

	for attempt := 0; ; attempt++ {
		receipt, err := op(ctx)
		if err == nil {
			return receipt, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return receipt, err
		}
		if !errors.Is(err, provider.ErrRateLimited) {
			return receipt, err
		}

		lastErr = err
		lastReceipt = receipt

		if attempt >= p.maxRetries {
			break
		}

		delay := p.backoff(attempt)
		p.logger.Debug().
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("rate limited; scheduling retry")
		if !p.wait(ctx, delay) {
			return lastReceipt, ctx.Err()
		}
	}

	return lastReceipt, fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, p.maxRetries+1, lastErr)
}

// backoff returns the delay before retrying attempt k (0-indexed): the capped
// exponential base plus uniform jitter to decorrelate concurrent senders.
func (p *Policy) backoff(attempt int) time.Duration {
	base := maxBackoffBase
	if attempt < 6 {
		base = time.Duration(1<<uint(attempt)) * time.Second
	}
	return base + p.jitter()
}

func (p *Policy) jitter() time.Duration {
	p.randMu.Lock()
	defer p.randMu.Unlock()
	return jitterFloor + time.Duration(p.rnd.Int63n(int64(jitterSpan)))
}

func (p *Policy) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
