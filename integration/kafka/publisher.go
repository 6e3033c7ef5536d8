package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/dmitrymomot/heromessaging/core/outbox"
)

// ErrPublisherClosed is returned after Close.
var ErrPublisherClosed = errors.New("kafka publisher is closed")

// Config contains Kafka publisher settings.
type Config struct {
	Brokers      []string      `env:"KAFKA_BROKERS,required" envSeparator:","`
	BatchSize    int           `env:"KAFKA_BATCH_SIZE" envDefault:"100"`
	BatchTimeout time.Duration `env:"KAFKA_BATCH_TIMEOUT" envDefault:"50ms"`
	WriteTimeout time.Duration `env:"KAFKA_WRITE_TIMEOUT" envDefault:"10s"`
	RequiredAcks int           `env:"KAFKA_REQUIRED_ACKS" envDefault:"-1"`
	MaxAttempts  int           `env:"KAFKA_MAX_ATTEMPTS" envDefault:"3"`
}

// Publisher delivers outbox entries to Kafka. The entry destination names
// the topic and the message ID is the partition key, so redeliveries of
// the same message land on the same partition and stay ordered.
type Publisher struct {
	writer *kafka.Writer
	closed atomic.Bool
}

// NewPublisher creates a Kafka publisher over the configured brokers.
func NewPublisher(cfg Config) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers cannot be empty")
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxAttempts:  cfg.MaxAttempts,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
	}
	return &Publisher{writer: writer}, nil
}

// Publish writes the entry's message to the topic named by its destination.
func (p *Publisher) Publish(ctx context.Context, entry *outbox.Entry) error {
	if p.closed.Load() {
		return ErrPublisherClosed
	}

	body, err := json.Marshal(entry.Message)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	msg := kafka.Message{
		Topic: entry.Options.Destination,
		Key:   []byte(entry.Message.ID),
		Value: body,
		Time:  entry.Message.CreatedAt,
		Headers: []kafka.Header{
			{Key: "message_name", Value: []byte(entry.Message.Name)},
			{Key: "message_kind", Value: []byte(entry.Message.Kind)},
			{Key: "correlation_id", Value: []byte(entry.Message.CorrelationID)},
		},
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write to topic %q: %w", entry.Options.Destination, err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (p *Publisher) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("close kafka writer: %w", err)
	}
	return nil
}
