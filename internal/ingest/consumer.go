package ingest

import (
	"context"
	"errors"
	"log/slog"

	"github.com/pulsegrid/pulsegrid/pkg/config"
	apperrors "github.com/pulsegrid/pulsegrid/pkg/errors"
	"github.com/pulsegrid/pulsegrid/pkg/kafka"
	"github.com/pulsegrid/pulsegrid/pkg/metrics"
)

// Consumer feeds metric documents from the Kafka topic into the store,
// the second ingestion path next to the HTTP endpoint.
type Consumer struct {
	consumer *kafka.Consumer
	logger   *slog.Logger
}

// NewConsumer wires the Kafka document topic to a Submitter.
func NewConsumer(cfg config.KafkaConfig, sub Submitter, m *metrics.Metrics) *Consumer {
	log := slog.Default().With("component", "ingest-consumer")
	handler := func(ctx context.Context, key, value []byte) error {
		doc, err := kafka.DecodeJSON[MetricDocument](value)
		if err != nil {
			// Malformed payloads are logged and committed; redelivery
			// cannot fix them.
			if m != nil {
				m.DocumentsRejected.WithLabelValues("decode").Inc()
			}
			log.Error("dropping undecodable document", "key", string(key), "error", err)
			return nil
		}
		if _, err := sub.Submit(ctx, doc); err != nil {
			switch {
			case errors.Is(err, apperrors.ErrValidation):
				if m != nil {
					m.DocumentsRejected.WithLabelValues("validation").Inc()
				}
				log.Warn("dropping invalid document", "source_id", doc.SourceID, "error", err)
				return nil
			case errors.Is(err, apperrors.ErrStaleDocument):
				if m != nil {
					m.DocumentsRejected.WithLabelValues("stale").Inc()
				}
				log.Debug("dropping stale document", "source_id", doc.SourceID)
				return nil
			default:
				// Storage errors are retryable; leave the message
				// uncommitted.
				return err
			}
		}
		if m != nil {
			m.DocumentsTotal.WithLabelValues(doc.SourceID).Inc()
		}
		return nil
	}
	return &Consumer{
		consumer: kafka.NewConsumer(cfg, cfg.Topics.MetricDocuments, handler),
		logger:   log,
	}
}

// Start runs the consume loop until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	return c.consumer.Start(ctx)
}

// Close closes the underlying Kafka reader.
func (c *Consumer) Close() error {
	return c.consumer.Close()
}
