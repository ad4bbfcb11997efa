package sms_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/sms-dispatch/internal/config"
	"github.com/example/sms-dispatch/internal/provider"
	"github.com/example/sms-dispatch/internal/retry"
	"github.com/example/sms-dispatch/internal/sms"
)

type gatewayStub struct {
	mu      sync.Mutex
	calls   []*provider.Message
	respond func(call int, msg *provider.Message) (*provider.Receipt, error)
}

func (g *gatewayStub) CreateMessage(_ context.Context, msg *provider.Message) (*provider.Receipt, error) {
	g.mu.Lock()
	copied := *msg
	g.calls = append(g.calls, &copied)
	call := len(g.calls)
	g.mu.Unlock()

	if g.respond != nil {
		return g.respond(call, msg)
	}
	return &provider.Receipt{SID: "SM1", Status: "queued"}, nil
}

func (g *gatewayStub) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func testSettings() *config.Settings {
	return &config.Settings{
		Twilio: config.TwilioSettings{FromNumber: "+15005550006"},
		Send:   config.SendSettings{MaxRetries: 2, BulkConcurrency: 4, DefaultCountryCode: "US"},
	}
}

func newService(t *testing.T, gw provider.Gateway, cfg *config.Settings) *sms.Service {
	t.Helper()
	policy := retry.NewPolicy(cfg.Send.MaxRetries, zerolog.New(io.Discard),
		retry.WithWait(func(context.Context, time.Duration) bool { return true }))
	svc, err := sms.New(gw, cfg, zerolog.New(io.Discard), sms.WithRetryPolicy(policy))
	if err != nil {
		t.Fatalf("unexpected service error: %v", err)
	}
	return svc
}

func TestSendBulkAllSuccess(t *testing.T) {
	gw := &gatewayStub{}
	svc := newService(t, gw, testSettings())

	resp, err := svc.SendBulk(context.Background(), &sms.BulkRequest{
		Body:       "hello",
		Recipients: []string{"5551234567", "(555) 123-9999"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Sent != 2 || resp.Failed != 0 {
		t.Fatalf("unexpected counts: sent=%d failed=%d", resp.Sent, resp.Failed)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(resp.Results))
	}
	if resp.Results[0].Target != "+15551234567" {
		t.Fatalf("first result target = %q", resp.Results[0].Target)
	}
	if resp.Results[1].Target != "+15551239999" {
		t.Fatalf("second result target = %q", resp.Results[1].Target)
	}
	if gw.callCount() != 2 {
		t.Fatalf("expected 2 gateway calls, got %d", gw.callCount())
	}
}

func TestSendBulkValidateOnlySkipsGateway(t *testing.T) {
	gw := &gatewayStub{}
	svc := newService(t, gw, testSettings())

	resp, err := svc.SendBulk(context.Background(), &sms.BulkRequest{
		Body:         "hello",
		Recipients:   []string{"5551234567", "bogus!"},
		ValidateOnly: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gw.callCount() != 0 {
		t.Fatalf("validate-only must not contact the provider, got %d calls", gw.callCount())
	}
	if resp.Sent != 1 || resp.Failed != 1 {
		t.Fatalf("unexpected counts: sent=%d failed=%d", resp.Sent, resp.Failed)
	}
	if resp.Results[0].MessageSID != "" {
		t.Fatalf("validate-only success must not carry a message SID")
	}
}

func TestSendBulkMixedResults(t *testing.T) {
	gw := &gatewayStub{}
	svc := newService(t, gw, testSettings())

	resp, err := svc.SendBulk(context.Background(), &sms.BulkRequest{
		Body:       "hello",
		Recipients: []string{"5551234567", "not-a-number!"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Sent != 1 || resp.Failed != 1 {
		t.Fatalf("unexpected counts: sent=%d failed=%d", resp.Sent, resp.Failed)
	}
	// The invalid recipient keeps its raw input as the target.
	if resp.Results[1].Target != "not-a-number!" {
		t.Fatalf("failed result target = %q", resp.Results[1].Target)
	}
	if resp.Results[1].ErrorMessage == "" {
		t.Fatalf("failed result must carry an error message")
	}
	if gw.callCount() != 1 {
		t.Fatalf("only the valid recipient should reach the provider, got %d calls", gw.callCount())
	}
}

func TestSendBulkDuplicatesPreserved(t *testing.T) {
	gw := &gatewayStub{}
	svc := newService(t, gw, testSettings())

	resp, err := svc.SendBulk(context.Background(), &sms.BulkRequest{
		Body:       "hello",
		Recipients: []string{"+15551234567", "+15551234567"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Results) != 2 || resp.Sent != 2 {
		t.Fatalf("duplicates must each get a result: %+v", resp)
	}
	if gw.callCount() != 2 {
		t.Fatalf("expected one call per duplicate, got %d", gw.callCount())
	}
}

func TestSendBulkPreflightFailures(t *testing.T) {
	cases := []struct {
		name string
		cfg  *config.Settings
		req  *sms.BulkRequest
	}{
		{name: "nil request", cfg: testSettings(), req: nil},
		{name: "blank body", cfg: testSettings(), req: &sms.BulkRequest{Body: "  ", Recipients: []string{"+15551234567"}}},
		{name: "no recipients", cfg: testSettings(), req: &sms.BulkRequest{Body: "hello"}},
		{
			name: "no sender configured",
			cfg: &config.Settings{
				Send: config.SendSettings{MaxRetries: 1, BulkConcurrency: 2, DefaultCountryCode: "US"},
			},
			req: &sms.BulkRequest{Body: "hello", Recipients: []string{"+15551234567"}},
		},
		{
			name: "invalid options",
			cfg:  testSettings(),
			req: &sms.BulkRequest{
				Body:       "hello",
				Recipients: []string{"+15551234567"},
				Options:    &sms.Options{ValidityPeriod: time.Second},
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gw := &gatewayStub{}
			svc := newService(t, gw, tc.cfg)

			_, err := svc.SendBulk(context.Background(), tc.req)
			if !errors.Is(err, sms.ErrInvalidArgument) {
				t.Fatalf("expected ErrInvalidArgument, got %v", err)
			}
			if gw.callCount() != 0 {
				t.Fatalf("preflight failure must not contact the provider")
			}
		})
	}
}

func TestSendBulkRetriesRateLimit(t *testing.T) {
	gw := &gatewayStub{
		respond: func(call int, _ *provider.Message) (*provider.Receipt, error) {
			if call <= 2 {
				return nil, &provider.APIError{HTTPStatus: 429, Code: 20429, Message: "too many requests"}
			}
			return &provider.Receipt{SID: "SM9", Status: "queued"}, nil
		},
	}
	svc := newService(t, gw, testSettings())

	resp, err := svc.SendBulk(context.Background(), &sms.BulkRequest{
		Body:       "hello",
		Recipients: []string{"+15551234567"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Sent != 1 {
		t.Fatalf("expected success after retries: %+v", resp.Results[0])
	}
	if gw.callCount() != 3 {
		t.Fatalf("expected 3 attempts, got %d", gw.callCount())
	}
}

func TestSendBulkRateLimitExhaustion(t *testing.T) {
	gw := &gatewayStub{
		respond: func(int, *provider.Message) (*provider.Receipt, error) {
			return nil, &provider.APIError{HTTPStatus: 429, Code: 20429, Message: "too many requests"}
		},
	}
	svc := newService(t, gw, testSettings())

	resp, err := svc.SendBulk(context.Background(), &sms.BulkRequest{
		Body:       "hello",
		Recipients: []string{"+15551234567"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Failed != 1 {
		t.Fatalf("expected failure after exhaustion: %+v", resp)
	}
	if !errors.Is(resp.Results[0].Err, retry.ErrRetriesExhausted) {
		t.Fatalf("expected ErrRetriesExhausted, got %v", resp.Results[0].Err)
	}
	// MaxRetries=2 means three attempts total.
	if gw.callCount() != 3 {
		t.Fatalf("expected 3 attempts, got %d", gw.callCount())
	}
}

func TestSendBulkTerminalErrorDoesNotInterruptSiblings(t *testing.T) {
	gw := &gatewayStub{
		respond: func(_ int, msg *provider.Message) (*provider.Receipt, error) {
			if msg.To == "+15550000001" {
				return nil, &provider.APIError{HTTPStatus: 400, Code: 21211, Message: "invalid 'To' phone number"}
			}
			return &provider.Receipt{SID: "SM3", Status: "queued"}, nil
		},
	}
	svc := newService(t, gw, testSettings())

	resp, err := svc.SendBulk(context.Background(), &sms.BulkRequest{
		Body:       "hello",
		Recipients: []string{"+15550000001", "+15550000002", "+15550000003"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Sent != 2 || resp.Failed != 1 {
		t.Fatalf("unexpected counts: sent=%d failed=%d", resp.Sent, resp.Failed)
	}
	if resp.Results[0].Success {
		t.Fatalf("first recipient should have failed")
	}
}

func TestSendBulkSenderResolution(t *testing.T) {
	gw := &gatewayStub{}
	cfg := testSettings()
	cfg.Twilio.FromNumber = ""
	cfg.Twilio.MessagingServiceSID = "MG123"
	svc := newService(t, gw, cfg)

	// Explicit request values win over instance defaults; a messaging service
	// takes precedence over a fixed sender.
	_, err := svc.SendBulk(context.Background(), &sms.BulkRequest{
		Body:       "hello",
		Recipients: []string{"+15551234567"},
		From:       "+15005550009",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gw.calls[0].From != "+15005550009" || gw.calls[0].MessagingServiceSID != "" {
		t.Fatalf("explicit from must win: %+v", gw.calls[0])
	}

	_, err = svc.SendBulk(context.Background(), &sms.BulkRequest{
		Body:       "hello",
		Recipients: []string{"+15551234567"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gw.calls[1].MessagingServiceSID != "MG123" || gw.calls[1].From != "" {
		t.Fatalf("default messaging service must apply: %+v", gw.calls[1])
	}
}

func TestSendBulkAppliesOptions(t *testing.T) {
	gw := &gatewayStub{}
	svc := newService(t, gw, testSettings())

	sendAt := time.Now().Add(time.Hour).UTC()
	_, err := svc.SendBulk(context.Background(), &sms.BulkRequest{
		Body:       "hello",
		Recipients: []string{"+15551234567"},
		Options: &sms.Options{
			SendAt:         sendAt,
			MediaURLs:      []string{"https://cdn.example.com/a.png"},
			StatusCallback: "https://hooks.example.com/sms",
			ValidityPeriod: 90 * time.Second,
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msg := gw.calls[0]
	if !msg.SendAt.Equal(sendAt) {
		t.Fatalf("send at not applied: %v", msg.SendAt)
	}
	if len(msg.MediaURLs) != 1 || msg.MediaURLs[0] != "https://cdn.example.com/a.png" {
		t.Fatalf("media urls not applied: %v", msg.MediaURLs)
	}
	if msg.StatusCallback != "https://hooks.example.com/sms" {
		t.Fatalf("status callback not applied: %q", msg.StatusCallback)
	}
	if msg.ValiditySeconds != 90 {
		t.Fatalf("validity seconds = %d, want 90", msg.ValiditySeconds)
	}
}

func TestSendFrom(t *testing.T) {
	gw := &gatewayStub{}
	svc := newService(t, gw, testSettings())

	res := svc.SendFrom(context.Background(), "+15005550006", "+15551234567", "hello", nil)
	if !res.Success {
		t.Fatalf("expected success: %+v", res)
	}
	if gw.calls[0].From != "+15005550006" || gw.calls[0].MessagingServiceSID != "" {
		t.Fatalf("unexpected routing: %+v", gw.calls[0])
	}

	res = svc.SendFrom(context.Background(), "  ", "+15551234567", "hello", nil)
	if res.Success || !errors.Is(res.Err, sms.ErrInvalidArgument) {
		t.Fatalf("blank from must fail with ErrInvalidArgument: %+v", res)
	}
}

func TestSendViaService(t *testing.T) {
	gw := &gatewayStub{}
	svc := newService(t, gw, testSettings())

	res := svc.SendViaService(context.Background(), "MG123", "+15551234567", "hello", nil)
	if !res.Success {
		t.Fatalf("expected success: %+v", res)
	}
	if gw.calls[0].MessagingServiceSID != "MG123" || gw.calls[0].From != "" {
		t.Fatalf("unexpected routing: %+v", gw.calls[0])
	}
}

// The single-send primitives perform exactly one provider call: rate limits
// are reported, not retried.
func TestSingleSendDoesNotRetry(t *testing.T) {
	gw := &gatewayStub{
		respond: func(int, *provider.Message) (*provider.Receipt, error) {
			return nil, &provider.APIError{HTTPStatus: 429, Code: 20429, Message: "too many requests"}
		},
	}
	svc := newService(t, gw, testSettings())

	res := svc.SendFrom(context.Background(), "+15005550006", "+15551234567", "hello", nil)
	if res.Success {
		t.Fatalf("expected failure: %+v", res)
	}
	if !errors.Is(res.Err, provider.ErrRateLimited) {
		t.Fatalf("expected rate-limit class, got %v", res.Err)
	}
	if gw.callCount() != 1 {
		t.Fatalf("single send must call the provider exactly once, got %d", gw.callCount())
	}
}
