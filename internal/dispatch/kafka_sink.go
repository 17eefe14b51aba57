package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/campus-rideshare/internal/models"
)

const DefaultTopic = "ride-events"

// MessageWriter is the part of *kafka.Writer the sink needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes every effect to a topic keyed by its recipient so a
// user's events stay ordered within a partition.
type KafkaSink struct {
	writer  MessageWriter
	timeout time.Duration
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	if topic == "" {
		topic = DefaultTopic
	}
	w := &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: topic, Balancer: &kafka.Hash{}, RequiredAcks: kafka.RequireAll}
	return &KafkaSink{writer: w, timeout: 5 * time.Second}
}

// NewKafkaSinkWithWriter wraps an existing writer.
func NewKafkaSinkWithWriter(w MessageWriter) *KafkaSink {
	return &KafkaSink{writer: w, timeout: 5 * time.Second}
}

func (k *KafkaSink) Deliver(ctx context.Context, ef models.Effect) error {
	b, err := json.Marshal(ef)
	if err != nil {
		return err
	}
	key := ef.UserID
	if ef.Kind == models.EffectChatThread {
		key = ef.BookingID
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: b,
		Headers: []kafka.Header{
			{Key: "effect-id", Value: []byte(ef.ID)},
			{Key: "kind", Value: []byte(ef.Kind)},
		},
	})
}

func (k *KafkaSink) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
