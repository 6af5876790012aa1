// Package telemetry publishes queue-depth samples to Kafka so dashboards
// and autoscalers can watch backlog without querying the dispatcher's
// database.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/gradeflow/xqueue/internal/domain"
)

// TopicQueueDepth is the Kafka topic queue-length samples land on.
const TopicQueueDepth = "xqueue-queue-depth"

// Sample is one per-queue measurement.
type Sample struct {
	QueueName  string    `json:"queue_name"`
	Count      int64     `json:"count"`
	MeasuredAt time.Time `json:"measured_at"`
}

// KafkaSink produces samples to TopicQueueDepth, keyed by queue name so
// consumers see each queue's samples in order.
type KafkaSink struct {
	client *kgo.Client
}

// NewKafkaSink constructs a sink for the given seed brokers.
func NewKafkaSink(brokers []string) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1000000),
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("op=telemetry.kafka.new: %w", err)
	}
	return &KafkaSink{client: client}, nil
}

// Publish sends one sample per queue count and waits for acknowledgement.
func (s *KafkaSink) Publish(ctx context.Context, counts []domain.QueueCount) error {
	now := time.Now().UTC()
	records := make([]*kgo.Record, 0, len(counts))
	for _, qc := range counts {
		raw, err := json.Marshal(Sample{QueueName: qc.QueueName, Count: qc.Count, MeasuredAt: now})
		if err != nil {
			return fmt.Errorf("op=telemetry.kafka.publish: %w", err)
		}
		records = append(records, &kgo.Record{
			Topic: TopicQueueDepth,
			Key:   []byte(qc.QueueName),
			Value: raw,
		})
	}
	if err := s.client.ProduceSync(ctx, records...).FirstErr(); err != nil {
		return fmt.Errorf("op=telemetry.kafka.publish: %w", err)
	}
	slog.Info("queue depth samples published", slog.Int("queues", len(records)))
	return nil
}

// Close flushes and releases the client.
func (s *KafkaSink) Close() {
	s.client.Close()
}
