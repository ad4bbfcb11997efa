package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/sms-dispatch/internal/api"
	"github.com/example/sms-dispatch/internal/config"
	"github.com/example/sms-dispatch/internal/health"
	"github.com/example/sms-dispatch/internal/kafka/consumer"
	"github.com/example/sms-dispatch/internal/kafka/producer"
	kafkapublisher "github.com/example/sms-dispatch/internal/kafka/publisher"
	"github.com/example/sms-dispatch/internal/logger"
	"github.com/example/sms-dispatch/internal/provider"
	"github.com/example/sms-dispatch/internal/sms"
	"github.com/example/sms-dispatch/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fail("config load", err)
	}

	baseLogger, err := logger.New(cfg.App.Env, cfg.App.LogLevel)
	if err != nil {
		fail("logger init", err)
	}
	log := baseLogger.With().Str("service", "sms-dispatch").Logger()

	gateway, err := buildGateway(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise provider gateway")
	}

	service, err := sms.New(gateway, cfg, log.With().Str("component", "sms-service").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise sms service")
	}

	checker, err := health.NewChecker(service, cfg, log.With().Str("component", "health-checker").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise health checker")
	}
	cache := health.NewCache(
		time.Duration(cfg.Health.CacheSeconds)*time.Second,
		log.With().Str("component", "health-cache").Logger(),
	)

	if interval := time.Duration(cfg.Health.PollIntervalSeconds) * time.Second; interval > 0 {
		monitor := health.NewMonitor(cache, checker.Probe, checker.Instance(), interval, log.With().Str("component", "health-monitor").Logger())
		go monitor.Run(ctx)
	}

	server, err := api.NewServer(service, cache, checker, log.With().Str("component", "api").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise http server")
	}

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.App.Port),
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info().Str("addr", httpSrv.Addr).Msg("http server started")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var closeKafka func()
	if cfg.IngestionEnabled() {
		closeKafka, err = startIngestion(ctx, cfg, service, log, errCh)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to start kafka ingestion")
		}
		defer closeKafka()
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime failure")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown failed")
	}
}

// buildGateway selects the provider backend. Anything other than "mock" uses
// the real Twilio REST gateway.
func buildGateway(cfg *config.Settings, log zerolog.Logger) (provider.Gateway, error) {
	backend := strings.ToLower(strings.TrimSpace(cfg.Twilio.Backend))
	gwLogger := log.With().Str("component", "provider").Str("backend", backend).Logger()
	if backend == "mock" {
		return provider.NewMockGateway(gwLogger), nil
	}
	return provider.NewTwilioGateway(cfg.Twilio, gwLogger)
}

func startIngestion(ctx context.Context, cfg *config.Settings, service *sms.Service, log zerolog.Logger, errCh chan<- error) (func(), error) {
	prod, err := producer.New(cfg.Kafka.Brokers, log.With().Str("component", "kafka-producer").Logger())
	if err != nil {
		return nil, err
	}

	cons, err := consumer.New(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, log.With().Str("component", "kafka-consumer").Logger(), cfg.Kafka.CommitOnSuccessOnly)
	if err != nil {
		_ = prod.Close()
		return nil, err
	}

	reporter := kafkapublisher.NewReportPublisher(prod, cfg.Kafka.ReportTopic, log.With().Str("component", "report-publisher").Logger())
	if reporter == nil {
		_ = cons.Close()
		_ = prod.Close()
		return nil, errors.New("failed to create report publisher")
	}

	wrk, err := worker.New(worker.Config{
		MsgMaxBytes: cfg.Kafka.MsgMaxBytes,
		Concurrency: cfg.Send.BulkConcurrency,
	}, worker.Dependencies{
		Sender:   service,
		Reporter: reporter,
		Commit:   cons.Commit,
		Logger:   log,
		Now:      time.Now,
	})
	if err != nil {
		_ = cons.Close()
		_ = prod.Close()
		return nil, err
	}

	go func() {
		if err := cons.Consume(ctx, []string{cfg.Kafka.RequestTopic}, wrk.Handler()); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()
	log.Info().Str("request_topic", cfg.Kafka.RequestTopic).Msg("kafka ingestion started")

	closeOnce := func() {
		if err := cons.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close kafka consumer")
		}
		if err := prod.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close kafka producer")
		}
	}
	return closeOnce, nil
}

func fail(stage string, err error) {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	logger.Fatal().Err(err).Str("stage", stage).Msg("sms dispatch init failed")
}
