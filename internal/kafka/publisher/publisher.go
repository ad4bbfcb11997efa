// Package publisher emits delivery reports to the report topic.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/rs/zerolog"

	"github.com/example/sms-dispatch/internal/models"
)

// ErrProducerNotInitialised is returned when the publisher was built without
// a usable producer.
var ErrProducerNotInitialised = errors.New("kafka publisher: producer not initialised")

// SyncProducer is the subset of producer behaviour the publisher needs.
type SyncProducer interface {
	Publish(topic string, key []byte, headers map[string][]byte, payload []byte) error
}

// ReportPublisher writes per-recipient delivery reports to Kafka, keyed by
// the originating message id so all reports for one request share a
// partition.
type ReportPublisher struct {
	producer SyncProducer
	topic    string
	logger   zerolog.Logger
}

// NewReportPublisher constructs a ReportPublisher.
func NewReportPublisher(prod SyncProducer, topic string, logger zerolog.Logger) *ReportPublisher {
	if prod == nil {
		return nil
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &ReportPublisher{producer: prod, topic: topic, logger: logger}
}

// PublishReports writes every report synchronously, stopping at the first
// broker failure so the caller can decide whether to re-deliver.
func (p *ReportPublisher) PublishReports(_ context.Context, reports []models.DeliveryReport) error {
	if p == nil || p.producer == nil {
		return ErrProducerNotInitialised
	}

	headers := map[string][]byte{"content-type": []byte("application/json")}
	for i := range reports {
		payload, err := json.Marshal(&reports[i])
		if err != nil {
			return fmt.Errorf("kafka publisher: marshal delivery report: %w", err)
		}
		if err := p.producer.Publish(p.topic, []byte(reports[i].MessageID), headers, payload); err != nil {
			return fmt.Errorf("kafka publisher: publish delivery report: %w", err)
		}
	}
	return nil
}
