package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier publishes messages as JSON, keyed by Message.Key so events
// for one escrow stay ordered within a partition.
type KafkaNotifier struct {
	writer messageWriter
}

// NewKafkaNotifier builds a notifier writing to topic on the given brokers.
func NewKafkaNotifier(brokers []string, topic string) *KafkaNotifier {
	return &KafkaNotifier{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

// Send publishes the message.
func (n *KafkaNotifier) Send(ctx context.Context, message Message) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	return n.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(message.Key),
		Value: data,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(message.Kind)},
			{Key: "tenant_id", Value: []byte(message.TenantID)},
		},
	})
}

// Close flushes pending writes.
func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}
