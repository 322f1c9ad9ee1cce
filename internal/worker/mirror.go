package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/testlens-io/sidecar/internal/config"
	"github.com/testlens-io/sidecar/internal/ingestion"
)

// KafkaMirror republishes persisted events to a Kafka topic so downstream
// analytics can consume the stream without touching the database. The mirror
// is strictly best-effort: publish failures are logged and counted, never
// retried, and never block persistence.
type KafkaMirror struct {
	writer *kafka.Writer
	logger *slog.Logger
}

// NewKafkaMirror creates a mirror for the configured brokers and topic.
func NewKafkaMirror(cfg config.KafkaConfig, logger *slog.Logger) *KafkaMirror {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		WriteTimeout: cfg.WriteTimeout(),
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		BatchSize:    100,
	}

	return &KafkaMirror{writer: writer, logger: logger}
}

// Publish writes one message per event, keyed by run_id so events from the
// same session land in the same partition.
func (m *KafkaMirror) Publish(ctx context.Context, events []*ingestion.Event) error {
	if len(events) == 0 {
		return nil
	}

	messages := make([]kafka.Message, 0, len(events))

	for _, ev := range events {
		value, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal event for mirror: %w", err)
		}

		messages = append(messages, kafka.Message{
			Key:   []byte(ev.RunID),
			Value: value,
		})
	}

	if err := m.writer.WriteMessages(ctx, messages...); err != nil {
		return fmt.Errorf("mirror publish: %w", err)
	}

	return nil
}

// Close flushes and releases the underlying writer.
func (m *KafkaMirror) Close() error {
	return m.writer.Close()
}
