package worker

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"strconv"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	kafkacontainer "github.com/testcontainers/testcontainers-go/modules/kafka"

	"github.com/testlens-io/sidecar/internal/config"
	"github.com/testlens-io/sidecar/internal/ingestion"
)

const mirrorTestTopic = "sidecar.events.test"

// TestKafkaMirror_PublishRoundTrip tests that persisted events are mirrored
// to Kafka keyed by run_id and can be consumed downstream.
func TestKafkaMirror_PublishRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	container, err := kafkacontainer.Run(ctx,
		"confluentinc/confluent-local:7.5.0",
		kafkacontainer.WithClusterID("sidecar-test"),
	)
	require.NoError(t, err, "Failed to start kafka container")

	t.Cleanup(func() {
		_ = testcontainers.TerminateContainer(container)
	})

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err, "Failed to resolve broker addresses")
	require.NotEmpty(t, brokers)

	createTopic(t, brokers[0], mirrorTestTopic)

	cfg := config.KafkaConfig{
		Enabled:        true,
		Brokers:        brokers,
		Topic:          mirrorTestTopic,
		WriteTimeoutMs: 10000,
	}

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	mirror := NewKafkaMirror(cfg, logger)

	t.Cleanup(func() {
		_ = mirror.Close()
	})

	events := []*ingestion.Event{
		{
			Type:      ingestion.EventTestEnd,
			Framework: "pytest",
			Timestamp: time.Now().UTC(),
			RunID:     "run-1",
			TestID:    "t-1",
			Data:      map[string]any{"test_name": "login works", "status": "PASS"},
		},
		{
			Type:      ingestion.EventTestEnd,
			Framework: "pytest",
			Timestamp: time.Now().UTC(),
			RunID:     "run-1",
			TestID:    "t-2",
			Data:      map[string]any{"test_name": "logout works", "status": "FAIL"},
		},
	}

	require.NoError(t, mirror.Publish(ctx, events))

	reader := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:     brokers,
		Topic:       mirrorTestTopic,
		Partition:   0,
		StartOffset: kafkago.FirstOffset,
	})

	t.Cleanup(func() {
		_ = reader.Close()
	})

	readCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	for i := 0; i < len(events); i++ {
		msg, err := reader.ReadMessage(readCtx)
		require.NoError(t, err, "Failed to read mirrored message %d", i)

		assert.Equal(t, "run-1", string(msg.Key), "messages should be keyed by run_id")

		var got ingestion.Event

		require.NoError(t, json.Unmarshal(msg.Value, &got))
		assert.Equal(t, ingestion.EventTestEnd, got.Type)
		assert.Equal(t, events[i].TestID, got.TestID)
	}
}

// TestKafkaMirror_EmptyBatchIsNoOp tests the short-circuit without a broker.
func TestKafkaMirror_EmptyBatchIsNoOp(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	mirror := NewKafkaMirror(config.KafkaConfig{
		Brokers:        []string{"localhost:1"},
		Topic:          "unused",
		WriteTimeoutMs: 100,
	}, logger)

	t.Cleanup(func() {
		_ = mirror.Close()
	})

	// No broker connection is attempted for an empty batch.
	if err := mirror.Publish(context.Background(), nil); err != nil {
		t.Errorf("Publish(nil) = %v, want nil", err)
	}
}

func createTopic(t *testing.T, broker, topic string) {
	t.Helper()

	conn, err := kafkago.Dial("tcp", broker)
	require.NoError(t, err, "Failed to dial broker")

	defer func() {
		_ = conn.Close()
	}()

	controller, err := conn.Controller()
	require.NoError(t, err, "Failed to resolve controller")

	controllerConn, err := kafkago.Dial("tcp",
		net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	require.NoError(t, err, "Failed to dial controller")

	defer func() {
		_ = controllerConn.Close()
	}()

	require.NoError(t, controllerConn.CreateTopics(kafkago.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	}))
}
