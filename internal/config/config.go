package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Settings captures all runtime configuration for the dispatch service. It is
// loaded once at startup and shared read-only afterwards.
type Settings struct {
	App    AppSettings    `json:"app"`
	Twilio TwilioSettings `json:"twilio"`
	Send   SendSettings   `json:"send"`
	Health HealthSettings `json:"health"`
	Kafka  KafkaSettings  `json:"kafka"`
}

// AppSettings contains generic application level settings.
type AppSettings struct {
	Env      string `json:"env"`
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

// TwilioSettings stores provider credentials and routing hints.
type TwilioSettings struct {
	Backend             string `json:"backend"`
	AccountSID          string `json:"account_sid"`
	AuthToken           string `json:"auth_token"`
	MessagingServiceSID string `json:"messaging_service_sid"`
	FromNumber          string `json:"from_number"`
	Region              string `json:"region"`
	Edge                string `json:"edge"`
	TimeoutSeconds      int    `json:"timeout_seconds"`
}

// SendSettings controls bulk fan-out and retry behaviour.
type SendSettings struct {
	MaxRetries         int    `json:"max_retries"`
	BulkConcurrency    int    `json:"bulk_concurrency"`
	DefaultCountryCode string `json:"default_country_code"`
}

// HealthSettings controls the health probe and its result cache.
type HealthSettings struct {
	InstanceName        string `json:"instance_name"`
	TestPhoneNumber     string `json:"test_phone_number"`
	TestSending         bool   `json:"test_sending"`
	CacheSeconds        int    `json:"cache_seconds"`
	FailureStatus       string `json:"failure_status"`
	PollIntervalSeconds int    `json:"poll_interval_seconds"`
}

// KafkaSettings describes the optional ingestion surface. When no brokers are
// configured the worker is not started and the service is HTTP-only.
type KafkaSettings struct {
	Brokers             []string `json:"brokers"`
	RequestTopic        string   `json:"request_topic"`
	ReportTopic         string   `json:"report_topic"`
	ConsumerGroup       string   `json:"consumer_group"`
	CommitOnSuccessOnly bool     `json:"commit_on_success_only"`
	MsgMaxBytes         int      `json:"msg_max_bytes"`
}

// Load reads environment variables, applies defaults, validates required
// values and returns a populated Settings instance.
func Load() (*Settings, error) {
	_ = godotenv.Load()

	ldr := &envLoader{}
	cfg := defaults()

	cfg.App.Env = ldr.getString("APP_ENV", cfg.App.Env, false)
	cfg.App.Port = ldr.getInt("APP_PORT", cfg.App.Port, false)
	cfg.App.LogLevel = ldr.getString("LOG_LEVEL", cfg.App.LogLevel, false)

	cfg.Twilio.Backend = ldr.getString("SMS_BACKEND", cfg.Twilio.Backend, false)
	cfg.Twilio.AccountSID = ldr.getString("TWILIO_ACCOUNT_SID", "", false)
	cfg.Twilio.AuthToken = ldr.getString("TWILIO_AUTH_TOKEN", "", false)
	cfg.Twilio.MessagingServiceSID = ldr.getString("TWILIO_MESSAGING_SERVICE_SID", "", false)
	cfg.Twilio.FromNumber = ldr.getString("TWILIO_FROM_NUMBER", "", false)
	cfg.Twilio.Region = ldr.getString("TWILIO_REGION", "", false)
	cfg.Twilio.Edge = ldr.getString("TWILIO_EDGE", "", false)
	cfg.Twilio.TimeoutSeconds = ldr.getInt("TWILIO_TIMEOUT_SECONDS", cfg.Twilio.TimeoutSeconds, false)

	cfg.Send.MaxRetries = ldr.getInt("SEND_MAX_RETRIES", cfg.Send.MaxRetries, false)
	cfg.Send.BulkConcurrency = ldr.getInt("SEND_BULK_CONCURRENCY", cfg.Send.BulkConcurrency, false)
	cfg.Send.DefaultCountryCode = ldr.getString("SEND_DEFAULT_COUNTRY_CODE", cfg.Send.DefaultCountryCode, false)

	cfg.Health.InstanceName = ldr.getString("HEALTH_INSTANCE_NAME", cfg.Health.InstanceName, false)
	cfg.Health.TestPhoneNumber = ldr.getString("HEALTH_TEST_PHONE_NUMBER", "", false)
	cfg.Health.TestSending = ldr.getBool("HEALTH_TEST_SENDING", false, false)
	cfg.Health.CacheSeconds = ldr.getInt("HEALTH_CACHE_SECONDS", cfg.Health.CacheSeconds, false)
	cfg.Health.FailureStatus = ldr.getString("HEALTH_FAILURE_STATUS", cfg.Health.FailureStatus, false)
	cfg.Health.PollIntervalSeconds = ldr.getInt("HEALTH_POLL_INTERVAL_SECONDS", cfg.Health.PollIntervalSeconds, false)

	cfg.Kafka.Brokers = ldr.getStringSlice("KAFKA_BROKERS", false)
	cfg.Kafka.RequestTopic = ldr.getString("KAFKA_REQUEST_TOPIC", cfg.Kafka.RequestTopic, false)
	cfg.Kafka.ReportTopic = ldr.getString("KAFKA_REPORT_TOPIC", cfg.Kafka.ReportTopic, false)
	cfg.Kafka.ConsumerGroup = ldr.getString("KAFKA_CONSUMER_GROUP", cfg.Kafka.ConsumerGroup, false)
	cfg.Kafka.CommitOnSuccessOnly = ldr.getBool("KAFKA_COMMIT_ON_SUCCESS_ONLY", true, false)
	cfg.Kafka.MsgMaxBytes = ldr.getInt("KAFKA_MSG_MAX_BYTES", cfg.Kafka.MsgMaxBytes, false)

	if err := ldr.validate(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// FromJSON binds a JSON settings blob on top of the defaults and validates the
// result. It exists for hosts that carry configuration as a single document
// rather than discrete environment variables.
func FromJSON(data []byte) (*Settings, error) {
	cfg := defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse settings blob: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints that the loader cannot express.
func (s *Settings) Validate() error {
	var errs []string

	hasService := strings.TrimSpace(s.Twilio.MessagingServiceSID) != ""
	hasFrom := strings.TrimSpace(s.Twilio.FromNumber) != ""
	switch {
	case !hasService && !hasFrom:
		errs = append(errs, "one of TWILIO_MESSAGING_SERVICE_SID or TWILIO_FROM_NUMBER must be set")
	case hasService && hasFrom:
		errs = append(errs, "TWILIO_MESSAGING_SERVICE_SID and TWILIO_FROM_NUMBER are mutually exclusive")
	}

	if strings.EqualFold(strings.TrimSpace(s.Twilio.Backend), "twilio") {
		if strings.TrimSpace(s.Twilio.AccountSID) == "" {
			errs = append(errs, "TWILIO_ACCOUNT_SID is required for the twilio backend")
		}
		if strings.TrimSpace(s.Twilio.AuthToken) == "" {
			errs = append(errs, "TWILIO_AUTH_TOKEN is required for the twilio backend")
		}
	}

	switch strings.ToLower(strings.TrimSpace(s.Health.FailureStatus)) {
	case "", "unhealthy", "degraded":
	default:
		errs = append(errs, "HEALTH_FAILURE_STATUS must be unhealthy or degraded")
	}

	if s.Send.MaxRetries < 0 {
		errs = append(errs, "SEND_MAX_RETRIES cannot be negative")
	}
	if s.Send.BulkConcurrency < 1 {
		errs = append(errs, "SEND_BULK_CONCURRENCY must be >= 1")
	}

	if len(s.Kafka.Brokers) > 0 {
		if s.Kafka.RequestTopic == "" {
			errs = append(errs, "KAFKA_REQUEST_TOPIC is required when brokers are set")
		}
		if s.Kafka.ReportTopic == "" {
			errs = append(errs, "KAFKA_REPORT_TOPIC is required when brokers are set")
		}
		if s.Kafka.ConsumerGroup == "" {
			errs = append(errs, "KAFKA_CONSUMER_GROUP is required when brokers are set")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// IngestionEnabled reports whether the Kafka surface should be started.
func (s *Settings) IngestionEnabled() bool {
	return len(s.Kafka.Brokers) > 0
}

func defaults() *Settings {
	return &Settings{
		App: AppSettings{
			Env:      "development",
			Port:     8080,
			LogLevel: "info",
		},
		Twilio: TwilioSettings{
			Backend:        "twilio",
			TimeoutSeconds: 30,
		},
		Send: SendSettings{
			MaxRetries:         3,
			BulkConcurrency:    10,
			DefaultCountryCode: "US",
		},
		Health: HealthSettings{
			InstanceName:        "sms",
			CacheSeconds:        120,
			FailureStatus:       "unhealthy",
			PollIntervalSeconds: 0,
		},
		Kafka: KafkaSettings{
			RequestTopic:        "sms.bulk.requests",
			ReportTopic:         "sms.delivery.reports",
			ConsumerGroup:       "sms-dispatch",
			CommitOnSuccessOnly: true,
			MsgMaxBytes:         200000,
		},
	}
}

type envLoader struct {
	errs []string
}

func (l *envLoader) validate() error {
	if len(l.errs) == 0 {
		return nil
	}
	return fmt.Errorf("config validation failed: %s", strings.Join(l.errs, "; "))
}

func (l *envLoader) getString(key, def string, required bool) string {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val == "" {
			if required {
				l.addError(fmt.Sprintf("%s is required", key))
			}
			return def
		}
		return val
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return def
}

func (l *envLoader) getInt(key string, def int, required bool) int {
	raw := l.getString(key, "", required)
	if raw == "" {
		return def
	}
	i, err := strconv.Atoi(raw)
	if err != nil {
		l.addError(fmt.Sprintf("%s must be a valid integer", key))
		return def
	}
	return i
}

func (l *envLoader) getBool(key string, def bool, required bool) bool {
	raw := l.getString(key, "", required)
	if raw == "" {
		return def
	}
	parsed, err := strconv.ParseBool(raw)
	if err != nil {
		l.addError(fmt.Sprintf("%s must be a valid boolean", key))
		return def
	}
	return parsed
}

func (l *envLoader) getStringSlice(key string, required bool) []string {
	raw := l.getString(key, "", required)
	if raw == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if required && len(out) == 0 {
		l.addError(fmt.Sprintf("%s must contain at least one entry", key))
	}
	return out
}

func (l *envLoader) addError(msg string) {
	l.errs = append(l.errs, msg)
}
