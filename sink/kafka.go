package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// messageWriter *kafka.Writer 的子集。
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink 以市场 id 为 key 写入，同一市场的快照保持分区内有序。
type KafkaSink struct {
	writer messageWriter
	topic  string
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return newKafkaSink(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchTimeout: 10 * time.Millisecond,
	}, topic)
}

func newKafkaSink(w messageWriter, topic string) *KafkaSink {
	return &KafkaSink{writer: w, topic: topic}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Write(ctx context.Context, env Envelope) error {
	payload, err := env.Encode()
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(env.Market),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(env.Type)},
			{Key: "id", Value: []byte(env.ID)},
		},
		Time: env.TS,
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write to %s: %w", s.topic, err)
	}
	return nil
}

func (s *KafkaSink) Close() error { return s.writer.Close() }
