package health

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/rs/zerolog"

	"github.com/example/sms-dispatch/internal/config"
	"github.com/example/sms-dispatch/internal/provider"
	"github.com/example/sms-dispatch/internal/sms"
)

const probeBody = "health check"

// Checker runs the actual health probe: a zero-cost validation pass and,
// when enabled, a live test send down every configured sending path. It
// never panics or returns an error; every failure mode maps onto one of the
// three verdicts.
type Checker struct {
	logger  zerolog.Logger
	service *sms.Service

	instance      string
	testNumber    string
	countryCode   string
	testSending   bool
	production    bool
	failureStatus Status

	serviceSID string
	fromNumber string
}

// NewChecker builds a probe from the shared settings.
func NewChecker(svc *sms.Service, cfg *config.Settings, logger zerolog.Logger) (*Checker, error) {
	if svc == nil {
		return nil, errors.New("health checker: sms service dependency is required")
	}
	if cfg == nil {
		return nil, errors.New("health checker: settings are required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	failure := StatusUnhealthy
	if strings.EqualFold(strings.TrimSpace(cfg.Health.FailureStatus), "degraded") {
		failure = StatusDegraded
	}

	return &Checker{
		logger:        logger,
		service:       svc,
		instance:      cfg.Health.InstanceName,
		testNumber:    strings.TrimSpace(cfg.Health.TestPhoneNumber),
		countryCode:   cfg.Send.DefaultCountryCode,
		testSending:   cfg.Health.TestSending,
		production:    strings.EqualFold(strings.TrimSpace(cfg.App.Env), "production"),
		failureStatus: failure,
		serviceSID:    strings.TrimSpace(cfg.Twilio.MessagingServiceSID),
		fromNumber:    strings.TrimSpace(cfg.Twilio.FromNumber),
	}, nil
}

// Instance returns the configured instance name used as the cache key.
func (c *Checker) Instance() string {
	return c.instance
}

// Probe produces a fresh verdict.
func (c *Checker) Probe(ctx context.Context) Result {
	if c.testNumber == "" {
		return c.failed("no health check test phone number is configured", nil)
	}

	// The validation pipeline is exercised on every probe at zero provider
	// cost.
	resp, err := c.service.SendBulk(ctx, &sms.BulkRequest{
		Body:         probeBody,
		Recipients:   []string{c.testNumber},
		CountryCode:  c.countryCode,
		ValidateOnly: true,
	})
	if err != nil {
		return c.failed("messaging configuration is invalid", err)
	}
	if resp.Failed > 0 {
		r := resp.Results[0]
		return c.failed(fmt.Sprintf("test phone number failed validation: %s", r.ErrorMessage), r.Err)
	}

	if !c.testSending {
		return Healthy("message validation succeeded")
	}

	return c.probeLiveSending(ctx)
}

// probeLiveSending sends a real test message down every configured path and
// aggregates per-path failures.
func (c *Checker) probeLiveSending(ctx context.Context) Result {
	type pathResult struct {
		name   string
		result sms.Result
	}

	var attempts []pathResult
	if c.serviceSID != "" {
		attempts = append(attempts, pathResult{
			name:   "messaging service",
			result: c.service.SendViaService(ctx, c.serviceSID, c.testNumber, probeBody, nil),
		})
	}
	if c.fromNumber != "" {
		attempts = append(attempts, pathResult{
			name:   "fixed sender",
			result: c.service.SendFrom(ctx, c.fromNumber, c.testNumber, probeBody, nil),
		})
	}
	if len(attempts) == 0 {
		return c.failed("neither a from number nor a messaging service SID is configured", nil)
	}

	var failing []string
	var firstErr error
	connectivityOnly := true
	for _, a := range attempts {
		if a.result.Success {
			continue
		}
		failing = append(failing, fmt.Sprintf("%s: %s", a.name, a.result.ErrorMessage))
		if firstErr == nil {
			firstErr = a.result.Err
		}
		if !errors.Is(a.result.Err, provider.ErrConnectivity) {
			connectivityOnly = false
		}
	}

	if len(failing) == 0 {
		if c.production {
			return Healthy("sms sending is operational")
		}
		return Healthy("validated live sending on all configured paths")
	}

	desc := fmt.Sprintf("test send failed on %d of %d paths: %s",
		len(failing), len(attempts), strings.Join(failing, "; "))
	if connectivityOnly {
		return Degraded(desc, firstErr)
	}
	return c.failed(desc, firstErr)
}

// failed maps a terminal probe failure onto the configured failure status.
func (c *Checker) failed(description string, err error) Result {
	c.logger.Warn().Err(err).Str("instance", c.instance).Msg(description)
	if c.failureStatus == StatusDegraded {
		return Degraded(description, err)
	}
	return Unhealthy(description, err)
}
