package provider

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Scenario enumerates the behaviours the mock gateway can simulate.
type Scenario string

const (
	ScenarioSuccess      Scenario = "success"
	ScenarioRateLimited  Scenario = "rate_limited"
	ScenarioTerminal     Scenario = "terminal"
	ScenarioConnectivity Scenario = "connectivity"
	ScenarioTimeout      Scenario = "timeout"
)

// MockOption customises the mock gateway.
type MockOption func(*MockGateway)

// WithScenario sets the default scenario applied to every recipient.
func WithScenario(s Scenario) MockOption {
	return func(g *MockGateway) {
		g.defaultScenario = s
	}
}

// WithScenarioFor pins a scenario to one recipient number.
func WithScenarioFor(to string, s Scenario) MockOption {
	return func(g *MockGateway) {
		g.overrides[strings.TrimSpace(to)] = s
	}
}

// WithLatency configures the artificial latency injected before answering.
func WithLatency(d time.Duration) MockOption {
	return func(g *MockGateway) {
		if d < 0 {
			d = 0
		}
		g.latency = d
	}
}

// WithMockClock overrides the clock used to timestamp receipts.
func WithMockClock(now func() time.Time) MockOption {
	return func(g *MockGateway) {
		if now != nil {
			g.now = now
		}
	}
}

// MockGateway is a deterministic gateway for local runs and tests.
type MockGateway struct {
	logger          zerolog.Logger
	defaultScenario Scenario
	overrides       map[string]Scenario
	latency         time.Duration
	now             func() time.Time

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewMockGateway constructs a mock gateway.
func NewMockGateway(logger zerolog.Logger, opts ...MockOption) *MockGateway {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	g := &MockGateway{
		logger:          logger,
		defaultScenario: ScenarioSuccess,
		overrides:       make(map[string]Scenario),
		latency:         5 * time.Millisecond,
		now:             time.Now,
		rnd:             rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404 -- test tool.
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// CreateMessage simulates a provider call according to the configured
// scenario for the recipient.
func (g *MockGateway) CreateMessage(ctx context.Context, msg *Message) (*Receipt, error) {
	if msg == nil {
		return nil, errors.New("mock gateway: message is required")
	}
	if strings.TrimSpace(msg.To) == "" {
		return nil, errors.New("mock gateway: recipient is required")
	}

	if g.latency > 0 {
		timer := time.NewTimer(g.latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	scenario := g.defaultScenario
	if s, ok := g.overrides[strings.TrimSpace(msg.To)]; ok {
		scenario = s
	}

	switch scenario {
	case ScenarioSuccess:
		return &Receipt{
			SID:       g.generateSID(),
			Status:    "queued",
			Body:      `{"status":"queued"}`,
			Timestamp: g.now(),
		}, nil
	case ScenarioRateLimited:
		receipt := &Receipt{Status: "failed", ErrorCode: rateLimitErrorCode, Timestamp: g.now()}
		return receipt, &APIError{HTTPStatus: 429, Code: rateLimitErrorCode, Message: "too many requests"}
	case ScenarioTerminal:
		receipt := &Receipt{Status: "failed", ErrorCode: 21211, Timestamp: g.now()}
		return receipt, &APIError{HTTPStatus: 400, Code: 21211, Message: "invalid 'To' phone number"}
	case ScenarioConnectivity:
		return nil, WrapConnectivity(&net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")})
	case ScenarioTimeout:
		<-ctx.Done()
		return nil, ctx.Err()
	default:
		return nil, fmt.Errorf("mock gateway: unknown scenario %q", scenario)
	}
}

func (g *MockGateway) generateSID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return fmt.Sprintf("SM%030x", g.rnd.Int63())
}
