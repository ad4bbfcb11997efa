// Package sms orchestrates single and bulk message sends against the
// provider gateway: phone normalization, option validation, bounded-parallel
// fan-out and rate-limit retries.
package sms

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/example/sms-dispatch/internal/config"
	"github.com/example/sms-dispatch/internal/phone"
	"github.com/example/sms-dispatch/internal/provider"
	"github.com/example/sms-dispatch/internal/retry"
)

// Option customises the service.
type Option func(*Service)

// WithClock overrides the clock used for option validation.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithRetryPolicy overrides the retry policy. Tests use it to avoid real
// backoff waits.
func WithRetryPolicy(p *retry.Policy) Option {
	return func(s *Service) {
		if p != nil {
			s.retry = p
		}
	}
}

// Service sends messages through the provider gateway. It is safe for
// concurrent use; all configuration is read-only after construction.
type Service struct {
	logger  zerolog.Logger
	gateway provider.Gateway
	retry   *retry.Policy
	now     func() time.Time

	defaultFrom    string
	defaultService string
	defaultCountry string
	concurrency    int64
}

// New constructs the service from the shared settings.
func New(gw provider.Gateway, cfg *config.Settings, logger zerolog.Logger, opts ...Option) (*Service, error) {
	if gw == nil {
		return nil, errors.New("sms service: gateway dependency is required")
	}
	if cfg == nil {
		return nil, errors.New("sms service: settings are required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	concurrency := cfg.Send.BulkConcurrency
	if concurrency < 1 {
		concurrency = 1
	}

	s := &Service{
		logger:         logger,
		gateway:        gw,
		retry:          retry.NewPolicy(cfg.Send.MaxRetries, logger),
		now:            time.Now,
		defaultFrom:    strings.TrimSpace(cfg.Twilio.FromNumber),
		defaultService: strings.TrimSpace(cfg.Twilio.MessagingServiceSID),
		defaultCountry: strings.TrimSpace(cfg.Send.DefaultCountryCode),
		concurrency:    int64(concurrency),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// SendFrom sends one message from a fixed sender number. All failure is
// reported through the result; this method never returns an error.
func (s *Service) SendFrom(ctx context.Context, from, to, body string, opts *Options) Result {
	if err := requireNonBlank(map[string]string{"from": from, "to": to, "body": body}); err != nil {
		return failureResult(to, err)
	}
	return s.sendOne(ctx, &provider.Message{From: strings.TrimSpace(from), To: strings.TrimSpace(to), Body: body}, opts)
}

// SendViaService sends one message routed through a named messaging service
// instead of a fixed sender. Same contract as SendFrom.
func (s *Service) SendViaService(ctx context.Context, serviceSID, to, body string, opts *Options) Result {
	if err := requireNonBlank(map[string]string{"service sid": serviceSID, "to": to, "body": body}); err != nil {
		return failureResult(to, err)
	}
	return s.sendOne(ctx, &provider.Message{MessagingServiceSID: strings.TrimSpace(serviceSID), To: strings.TrimSpace(to), Body: body}, opts)
}

// sendOne validates options, applies them and performs exactly one provider
// call.
func (s *Service) sendOne(ctx context.Context, msg *provider.Message, opts *Options) Result {
	if err := opts.Validate(s.now()); err != nil {
		return failureResult(msg.To, err)
	}
	applyOptions(msg, opts)

	receipt, err := s.gateway.CreateMessage(ctx, msg)
	if err != nil {
		s.logger.Warn().Str("to", msg.To).Err(err).Msg("send failed")
		return failureResult(msg.To, err)
	}
	return successResult(msg.To, receipt.SID)
}

// SendBulk fans one message out to every recipient with bounded parallelism.
// Preflight failures (blank message, no recipients, unresolved sender,
// invalid options) abort the whole call with ErrInvalidArgument; everything
// after preflight is reported per recipient and never interrupts siblings.
func (s *Service) SendBulk(ctx context.Context, req *BulkRequest) (*Response, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: request is required", ErrInvalidArgument)
	}
	if strings.TrimSpace(req.Body) == "" {
		return nil, fmt.Errorf("%w: message body cannot be blank", ErrInvalidArgument)
	}
	if len(req.Recipients) == 0 {
		return nil, fmt.Errorf("%w: at least one recipient is required", ErrInvalidArgument)
	}

	serviceSID, from, err := s.resolveSender(req)
	if err != nil {
		return nil, err
	}
	if err := req.Options.Validate(s.now()); err != nil {
		return nil, err
	}

	country := strings.TrimSpace(req.CountryCode)
	if country == "" {
		country = s.defaultCountry
	}

	results := make([]Result, len(req.Recipients))
	sem := semaphore.NewWeighted(s.concurrency)
	var wg sync.WaitGroup

	for i, raw := range req.Recipients {
		if err := sem.Acquire(ctx, 1); err != nil {
			// Recipients not yet started when the context is cancelled still
			// get a terminal result so counts stay aligned with input.
			results[i] = failureResult(raw, fmt.Errorf("send aborted: %w", err))
			continue
		}

		wg.Add(1)
		go func(idx int, recipient string) {
			defer wg.Done()
			defer sem.Release(1)
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error().Interface("panic", r).Str("to", recipient).Msg("recipient send panicked")
					results[idx] = failureResult(recipient, fmt.Errorf("internal error: %v", r))
				}
			}()
			results[idx] = s.sendRecipient(ctx, recipient, country, req, serviceSID, from)
		}(i, raw)
	}
	wg.Wait()

	resp := &Response{Results: results}
	for _, r := range results {
		if r.Success {
			resp.Sent++
		} else {
			resp.Failed++
		}
	}

	s.logger.Info().
		Int("recipients", len(req.Recipients)).
		Int("sent", resp.Sent).
		Int("failed", resp.Failed).
		Bool("validate_only", req.ValidateOnly).
		Msg("bulk send completed")
	return resp, nil
}

func (s *Service) sendRecipient(ctx context.Context, recipient, country string, req *BulkRequest, serviceSID, from string) Result {
	normalized, err := phone.Normalize(recipient, country)
	if err != nil {
		return failureResult(recipient, err)
	}

	if req.ValidateOnly {
		return successResult(normalized, "")
	}

	msg := &provider.Message{
		To:                  normalized,
		From:                from,
		MessagingServiceSID: serviceSID,
		Body:                req.Body,
	}
	applyOptions(msg, req.Options)

	receipt, err := s.retry.Do(ctx, func(ctx context.Context) (*provider.Receipt, error) {
		return s.gateway.CreateMessage(ctx, msg)
	})
	if err != nil {
		return failureResult(normalized, err)
	}
	return successResult(normalized, receipt.SID)
}

// resolveSender picks the effective routing: an explicit request value wins,
// then instance configuration; a messaging service takes precedence over a
// fixed sender.
func (s *Service) resolveSender(req *BulkRequest) (serviceSID, from string, err error) {
	serviceSID = strings.TrimSpace(req.ServiceSID)
	from = strings.TrimSpace(req.From)
	if serviceSID == "" && from == "" {
		serviceSID = s.defaultService
		from = s.defaultFrom
	}
	if serviceSID == "" && from == "" {
		return "", "", fmt.Errorf("%w: neither a from number nor a messaging service SID is configured", ErrInvalidArgument)
	}
	if serviceSID != "" {
		return serviceSID, "", nil
	}
	return "", from, nil
}

func applyOptions(msg *provider.Message, opts *Options) {
	if opts == nil {
		return
	}
	msg.SendAt = opts.SendAt
	msg.MediaURLs = append([]string(nil), opts.MediaURLs...)
	msg.StatusCallback = opts.StatusCallback
	if opts.ValidityPeriod != 0 {
		msg.ValiditySeconds = validitySeconds(opts.ValidityPeriod)
	}
}

func requireNonBlank(fields map[string]string) error {
	for name, value := range fields {
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("%w: %s cannot be blank", ErrInvalidArgument, name)
		}
	}
	return nil
}
