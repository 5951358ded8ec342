package notify

import (
	"context"

	"github.com/pulsegrid/pulsegrid/internal/alert"
	"github.com/pulsegrid/pulsegrid/pkg/config"
	"github.com/pulsegrid/pulsegrid/pkg/kafka"
)

// KafkaChannel publishes alerts to the alerts topic so downstream
// consumers (dashboards, pagers) can subscribe independently.
type KafkaChannel struct {
	producer *kafka.Producer
}

// NewKafkaChannel creates the Kafka channel.
func NewKafkaChannel(cfg config.KafkaConfig) *KafkaChannel {
	return &KafkaChannel{
		producer: kafka.NewProducer(cfg, cfg.Topics.Alerts),
	}
}

func (c *KafkaChannel) Name() string { return "kafka" }

func (c *KafkaChannel) Deliver(ctx context.Context, a alert.Alert) error {
	return c.producer.Publish(ctx, kafka.Event{Key: a.ID, Value: a})
}

// Close flushes and closes the underlying producer.
func (c *KafkaChannel) Close() error {
	return c.producer.Close()
}
