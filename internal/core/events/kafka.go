package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// MessageWriter is the subset of *kafka.Writer used by the sink.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type partitioned interface {
	PartitionKey() string
}

// KafkaSink forwards bus events to a Kafka topic.
type KafkaSink struct {
	writer MessageWriter
	logger *slog.Logger
}

func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
}

func NewKafkaSink(writer MessageWriter, logger *slog.Logger) *KafkaSink {
	return &KafkaSink{writer: writer, logger: logger}
}

// Attach subscribes the sink to every event on the bus.
func (s *KafkaSink) Attach(bus *EventBus) {
	bus.Subscribe(AllEvents, s.Handle)
}

func (s *KafkaSink) Handle(ctx context.Context, event Event) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event.EventID(), err)
	}

	msg := kafka.Message{
		Value: value,
		Time:  event.OccurredAt(),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType())},
			{Key: "event_id", Value: []byte(event.EventID())},
		},
	}
	if p, ok := event.(partitioned); ok {
		msg.Key = []byte(p.PartitionKey())
	}

	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write event %s to kafka: %w", event.EventID(), err)
	}

	s.logger.Debug("event forwarded to kafka",
		"event_type", event.EventType(),
		"event_id", event.EventID())
	return nil
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
