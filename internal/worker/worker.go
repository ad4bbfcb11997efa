// Package worker bridges the Kafka ingestion surface to the send service:
// it validates inbound bulk requests, runs them through the dispatcher and
// publishes one delivery report per recipient.
package worker

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/example/sms-dispatch/internal/kafka/consumer"
	"github.com/example/sms-dispatch/internal/models"
	"github.com/example/sms-dispatch/internal/sms"
)

// Config contains the runtime settings for the worker.
type Config struct {
	// MsgMaxBytes discards oversized records before parsing. Zero disables
	// the guard.
	MsgMaxBytes int
	// Concurrency bounds how many records are processed at once.
	Concurrency int
}

// Sender is the bulk-send operation the worker drives.
type Sender interface {
	SendBulk(ctx context.Context, req *sms.BulkRequest) (*sms.Response, error)
}

// Reporter publishes delivery reports for processed requests.
type Reporter interface {
	PublishReports(ctx context.Context, reports []models.DeliveryReport) error
}

// CommitFunc commits a record's offset after terminal processing.
type CommitFunc func(ctx context.Context, record *consumer.Record) error

// Dependencies collects the collaborators required by the worker.
type Dependencies struct {
	Sender   Sender
	Reporter Reporter
	Commit   CommitFunc
	Logger   zerolog.Logger
	Now      func() time.Time
}

// Worker consumes bulk-send records and turns them into provider traffic.
type Worker struct {
	cfg      Config
	sender   Sender
	reporter Reporter
	commit   CommitFunc
	logger   zerolog.Logger
	now      func() time.Time

	sem *semaphore.Weighted
}

// New validates the configuration and collaborators and builds a worker.
func New(cfg Config, deps Dependencies) (*Worker, error) {
	if cfg.Concurrency < 1 {
		return nil, errors.New("worker: concurrency must be >= 1")
	}
	if cfg.MsgMaxBytes < 0 {
		return nil, errors.New("worker: msg max bytes cannot be negative")
	}
	if deps.Sender == nil {
		return nil, errors.New("worker: sender dependency is required")
	}
	if deps.Reporter == nil {
		return nil, errors.New("worker: reporter dependency is required")
	}
	if deps.Commit == nil {
		return nil, errors.New("worker: commit dependency is required")
	}

	logger := deps.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	return &Worker{
		cfg:      cfg,
		sender:   deps.Sender,
		reporter: deps.Reporter,
		commit:   deps.Commit,
		logger:   logger.With().Str("component", "worker").Logger(),
		now:      now,
		sem:      semaphore.NewWeighted(int64(cfg.Concurrency)),
	}, nil
}

// Handler adapts the worker to the consumer callback shape.
func (w *Worker) Handler() consumer.Handler {
	return func(ctx context.Context, record *consumer.Record) error {
		return w.HandleRecord(ctx, record)
	}
}

// HandleRecord guards and parses the record, then processes it with bounded
// concurrency. Broken records are reported and committed so they are not
// redelivered forever; a cancelled context leaves the offset uncommitted for
// reprocessing.
func (w *Worker) HandleRecord(ctx context.Context, record *consumer.Record) error {
	if record == nil {
		return nil
	}

	if w.cfg.MsgMaxBytes > 0 && len(record.Value) > w.cfg.MsgMaxBytes {
		err := fmt.Errorf("payload exceeds maximum size: got %d bytes, limit %d", len(record.Value), w.cfg.MsgMaxBytes)
		w.logger.Warn().Str("key", string(record.Key)).Err(err).Msg("record discarded")
		w.reportRejection(ctx, string(record.Key), err)
		w.commitRecord(ctx, record)
		return nil
	}

	req, err := models.ParseBulkSendRequest(record.Value)
	if err != nil {
		w.logger.Warn().Str("key", string(record.Key)).Err(err).Msg("record failed validation")
		id := string(record.Key)
		if req != nil && req.MessageID != "" {
			id = req.MessageID
		}
		w.reportRejection(ctx, id, err)
		w.commitRecord(ctx, record)
		return nil
	}

	if err := w.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	go w.process(ctx, record, req)
	return nil
}

func (w *Worker) process(ctx context.Context, record *consumer.Record, req *models.BulkSendRequest) {
	defer w.sem.Release(1)

	resp, err := w.sender.SendBulk(ctx, req.ToBulkRequest())
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			w.logger.Warn().Str("message_id", req.MessageID).Msg("context cancelled during send; deferring commit")
			return
		}
		// Invalid-argument failures are terminal for the whole request.
		w.logger.Warn().Str("message_id", req.MessageID).Err(err).Msg("bulk request rejected")
		w.reportRejection(ctx, req.MessageID, err)
		w.commitRecord(ctx, record)
		return
	}

	// The sender reports cancellation through per-recipient results, not the
	// error return. Those failures are not terminal outcomes, so the offset
	// stays uncommitted and the record is redelivered.
	if ctx.Err() != nil {
		w.logger.Warn().Str("message_id", req.MessageID).Msg("context cancelled during send; deferring commit")
		return
	}

	reports := models.ReportsFromResponse(req.MessageID, resp, w.now())
	if err := w.reporter.PublishReports(ctx, reports); err != nil {
		w.logger.Error().Str("message_id", req.MessageID).Err(err).Msg("failed to publish delivery reports")
	}

	w.logger.Info().
		Str("message_id", req.MessageID).
		Int("sent", resp.Sent).
		Int("failed", resp.Failed).
		Msg("bulk request processed")
	w.commitRecord(ctx, record)
}

func (w *Worker) reportRejection(ctx context.Context, messageID string, cause error) {
	if messageID == "" {
		return
	}
	report := models.DeliveryReport{
		MessageID: messageID,
		Error:     cause.Error(),
		Timestamp: w.now(),
	}
	if err := w.reporter.PublishReports(ctx, []models.DeliveryReport{report}); err != nil {
		w.logger.Error().Str("message_id", messageID).Err(err).Msg("failed to publish rejection report")
	}
}

func (w *Worker) commitRecord(ctx context.Context, record *consumer.Record) {
	if err := w.commit(ctx, record); err != nil {
		w.logger.Error().
			Str("topic", record.Topic).
			Int32("partition", record.Partition).
			Int64("offset", record.Offset).
			Err(err).
			Msg("failed to commit record offset")
	}
}
