package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/sms-dispatch/internal/config"
)

const defaultBodyLimit = 16 * 1024

// HTTPClient abstracts the http.Client Do method for easier testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// TwilioOption customises the Twilio gateway.
type TwilioOption func(*TwilioGateway)

// WithHTTPClient overrides the HTTP client used to talk to the API.
func WithHTTPClient(client HTTPClient) TwilioOption {
	return func(g *TwilioGateway) {
		if client != nil {
			g.httpClient = client
		}
	}
}

// WithBaseURL sets the API base URL explicitly, bypassing region and edge
// resolution. Useful for tests.
func WithBaseURL(baseURL string) TwilioOption {
	return func(g *TwilioGateway) {
		g.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithClock overrides the clock used for receipt timestamps.
func WithClock(now func() time.Time) TwilioOption {
	return func(g *TwilioGateway) {
		if now != nil {
			g.now = now
		}
	}
}

// WithBodyLimit adjusts how many bytes are retained from the response body.
func WithBodyLimit(limit int64) TwilioOption {
	return func(g *TwilioGateway) {
		if limit > 0 {
			g.maxBodyBytes = limit
		}
	}
}

// TwilioGateway implements Gateway against the Twilio Messages API.
type TwilioGateway struct {
	logger       zerolog.Logger
	accountSID   string
	authToken    string
	baseURL      string
	httpClient   HTTPClient
	now          func() time.Time
	maxBodyBytes int64
}

// NewTwilioGateway constructs a gateway bound to one account. Region and edge
// routing hints from the settings pick the API host.
func NewTwilioGateway(cfg config.TwilioSettings, logger zerolog.Logger, opts ...TwilioOption) (*TwilioGateway, error) {
	if strings.TrimSpace(cfg.AccountSID) == "" {
		return nil, errors.New("twilio gateway: account SID is required")
	}
	if strings.TrimSpace(cfg.AuthToken) == "" {
		return nil, errors.New("twilio gateway: auth token is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	g := &TwilioGateway{
		logger:       logger,
		accountSID:   strings.TrimSpace(cfg.AccountSID),
		authToken:    strings.TrimSpace(cfg.AuthToken),
		baseURL:      apiHost(cfg.Region, cfg.Edge),
		httpClient:   &http.Client{Timeout: timeout},
		now:          time.Now,
		maxBodyBytes: defaultBodyLimit,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g, nil
}

// CreateMessage posts one message to the provider. Transport failures come
// back wrapped in ErrConnectivity; non-2xx answers come back as *APIError
// alongside the parsed receipt.
func (g *TwilioGateway) CreateMessage(ctx context.Context, msg *Message) (*Receipt, error) {
	if msg == nil {
		return nil, errors.New("twilio gateway: message is required")
	}

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", g.baseURL, url.PathEscape(g.accountSID))
	params, err := encodeParams(msg)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, fmt.Errorf("twilio gateway: new request: %w", err)
	}
	req.SetBasicAuth(g.accountSID, g.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, WrapConnectivity(err)
	}
	defer resp.Body.Close()

	body, err := g.readBody(resp.Body)
	if err != nil {
		return nil, WrapConnectivity(err)
	}

	parsed := parseBody(body)
	receipt := &Receipt{
		SID:       parsed.SID,
		Status:    parsed.Status,
		ErrorCode: parsed.Code,
		Body:      body,
		Timestamp: g.now(),
	}
	if receipt.Status == "" {
		receipt.Status = http.StatusText(resp.StatusCode)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		g.logger.Debug().
			Str("sid", receipt.SID).
			Str("status", receipt.Status).
			Msg("message accepted by provider")
		return receipt, nil
	}

	message := parsed.Message
	if message == "" {
		message = strings.TrimSpace(body)
	}
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}

	apiErr := &APIError{HTTPStatus: resp.StatusCode, Code: parsed.Code, Message: message}
	g.logger.Warn().
		Int("http_status", apiErr.HTTPStatus).
		Int("error_code", apiErr.Code).
		Msg("provider rejected message")
	return receipt, apiErr
}

func encodeParams(msg *Message) (url.Values, error) {
	params := url.Values{}
	params.Set("To", msg.To)
	switch {
	case msg.MessagingServiceSID != "":
		params.Set("MessagingServiceSid", msg.MessagingServiceSID)
	case msg.From != "":
		params.Set("From", msg.From)
	default:
		return nil, errors.New("twilio gateway: either from number or messaging service SID is required")
	}
	if msg.Body != "" {
		params.Set("Body", msg.Body)
	}
	if !msg.SendAt.IsZero() {
		params.Set("SendAt", msg.SendAt.UTC().Format(time.RFC3339))
		params.Set("ScheduleType", "fixed")
	}
	for _, u := range msg.MediaURLs {
		params.Add("MediaUrl", u)
	}
	if msg.StatusCallback != "" {
		params.Set("StatusCallback", msg.StatusCallback)
	}
	if msg.ValiditySeconds > 0 {
		params.Set("ValidityPeriod", strconv.Itoa(msg.ValiditySeconds))
	}
	return params, nil
}

func (g *TwilioGateway) readBody(rc io.ReadCloser) (string, error) {
	if rc == nil {
		return "", nil
	}
	limit := g.maxBodyBytes
	if limit <= 0 {
		limit = defaultBodyLimit
	}
	data, err := io.ReadAll(io.LimitReader(rc, limit))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	return string(data), nil
}

type apiBody struct {
	SID     string `json:"sid"`
	Status  string `json:"status"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func parseBody(body string) apiBody {
	if strings.TrimSpace(body) == "" {
		return apiBody{}
	}
	var parsed apiBody
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		return apiBody{}
	}
	return parsed
}

// apiHost resolves the API hostname from optional region and edge routing
// hints, e.g. region "ie1" -> api.ie1.twilio.com, edge "dublin" + region
// "ie1" -> api.dublin.ie1.twilio.com.
func apiHost(region, edge string) string {
	region = strings.ToLower(strings.TrimSpace(region))
	edge = strings.ToLower(strings.TrimSpace(edge))
	switch {
	case region != "" && edge != "":
		return fmt.Sprintf("https://api.%s.%s.twilio.com", edge, region)
	case region != "":
		return fmt.Sprintf("https://api.%s.twilio.com", region)
	default:
		return "https://api.twilio.com"
	}
}
