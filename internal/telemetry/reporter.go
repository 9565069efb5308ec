// Package telemetry publishes application lifecycle and usage events to
// Kafka for fleet analytics.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	defaultBatchSize    = 100
	defaultBatchTimeout = 500 * time.Millisecond
	defaultMaxAttempts  = 3
)

// Event is the wire format for one telemetry record.
//
// Example JSON:
//
//	{
//	  "kind":      "app_registered",
//	  "timestamp": "2024-01-15T10:30:00Z",
//	  "fields":    { "hmi_app_id": 12345, "device": "AA:BB:CC" }
//	}
type Event struct {
	Kind      string         `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Reporter is the consumer-facing interface; the application manager holds
// one and never sees Kafka.
type Reporter interface {
	Report(kind string, fields map[string]any)
	Close() error
}

// KafkaReporter writes events to a Kafka topic with batching.
type KafkaReporter struct {
	writer *kafka.Writer

	reported atomic.Uint64
	errors   atomic.Uint64
}

// NewKafkaReporter creates a reporter for the given brokers and topic.
func NewKafkaReporter(brokers []string, topic string) (*KafkaReporter, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("brokers is required")
	}
	if topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    defaultBatchSize,
		BatchTimeout: defaultBatchTimeout,
		MaxAttempts:  defaultMaxAttempts,
		Async:        true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				slog.Warn("telemetry delivery failed", "error", err, "count", len(messages))
			}
		},
	}
	return &KafkaReporter{writer: writer}, nil
}

// Report implements Reporter. Events are fire-and-forget; a failed encode
// or enqueue is logged and counted, never surfaced to the caller.
func (r *KafkaReporter) Report(kind string, fields map[string]any) {
	event := Event{
		Kind:      kind,
		Timestamp: time.Now().UTC(),
		Fields:    fields,
	}
	value, err := json.Marshal(event)
	if err != nil {
		r.errors.Add(1)
		slog.Warn("telemetry event encode failed", "kind", kind, "error", err)
		return
	}
	err = r.writer.WriteMessages(context.Background(), kafka.Message{
		Key:   []byte(kind),
		Value: value,
	})
	if err != nil {
		r.errors.Add(1)
		slog.Warn("telemetry enqueue failed", "kind", kind, "error", err)
		return
	}
	r.reported.Add(1)
}

// Close flushes and closes the writer.
func (r *KafkaReporter) Close() error {
	return r.writer.Close()
}

// Stats returns reported and failed event counts.
func (r *KafkaReporter) Stats() (reported, errors uint64) {
	return r.reported.Load(), r.errors.Load()
}

// NopReporter drops every event. Used when telemetry is disabled.
type NopReporter struct{}

// Report implements Reporter.
func (NopReporter) Report(string, map[string]any) {}

// Close implements Reporter.
func (NopReporter) Close() error { return nil }
