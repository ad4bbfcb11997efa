// Command sendsms performs a one-shot send against the configured provider.
// It exists for smoke-testing credentials and routing without starting the
// full service.
package main

import (
	"context"
	"flag"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/sms-dispatch/internal/config"
	"github.com/example/sms-dispatch/internal/provider"
	"github.com/example/sms-dispatch/internal/sms"
)

func main() {
	var (
		to           = flag.String("to", "", "recipient phone number (required)")
		body         = flag.String("body", "smoke test", "message body")
		country      = flag.String("country", "", "default region for normalization, e.g. US")
		validateOnly = flag.Bool("validate-only", false, "normalize and validate without sending")
		timeout      = flag.Duration("timeout", 30*time.Second, "overall send timeout")
	)
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()

	if strings.TrimSpace(*to) == "" {
		logger.Fatal().Msg("-to is required")
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	var gateway provider.Gateway
	if strings.EqualFold(strings.TrimSpace(cfg.Twilio.Backend), "mock") {
		gateway = provider.NewMockGateway(logger)
	} else {
		gateway, err = provider.NewTwilioGateway(cfg.Twilio, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to initialise twilio gateway")
		}
	}

	service, err := sms.New(gateway, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise sms service")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	resp, err := service.SendBulk(ctx, &sms.BulkRequest{
		Body:         *body,
		Recipients:   []string{*to},
		CountryCode:  *country,
		ValidateOnly: *validateOnly,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("send rejected")
	}

	result := resp.Results[0]
	if !result.Success {
		logger.Fatal().
			Str("to", result.Target).
			Str("error", result.ErrorMessage).
			Msg("send failed")
	}

	logger.Info().
		Str("to", result.Target).
		Str("sid", result.MessageSID).
		Bool("validate_only", *validateOnly).
		Msg("send succeeded")
}
