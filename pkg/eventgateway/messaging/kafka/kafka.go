// Package kafka provides the Kafka transport. The Source reads engine event
// batches from a consumer group and commits each message once it has been
// handled; the Sender writes one record per document keyed by routing key.
package kafka

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/randalmurphal/eventgateway/pkg/eventgateway/messaging"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/notification"
)

const (
	minBytes = 1          // deliver single small batches without waiting
	maxBytes = 10_000_000 // 10MB
)

// Config holds broker and topic settings.
type Config struct {
	Brokers []string

	// Topic is the inbound topic. Default: engine-events.
	Topic   string
	GroupID string

	// OutputTopic receives notification documents.
	OutputTopic string
}

// DefaultConfig returns the transport defaults.
func DefaultConfig() Config {
	return Config{
		Brokers: []string{"localhost:9092"},
		Topic:   messaging.DefaultSubject,
		GroupID: "eventgateway",
	}
}

// Reader is the part of *kafka.Reader the Source uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Writer is the part of *kafka.Writer the Sender uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewReader creates a consumer group reader on cfg.Topic.
func NewReader(cfg Config) *kafka.Reader {
	topic := cfg.Topic
	if topic == "" {
		topic = messaging.DefaultSubject
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:         cfg.Brokers,
		GroupID:         cfg.GroupID,
		Topic:           topic,
		MinBytes:        minBytes,
		MaxBytes:        maxBytes,
		MaxWait:         250 * time.Millisecond,
		ReadLagInterval: -1,
	})
}

// NewWriter creates a synchronous writer on topic. Records with the same
// key land on the same partition.
func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 5 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
}

// Sender writes documents as JSON records.
type Sender struct {
	writer Writer
}

// NewSender creates a Sender on w.
func NewSender(w Writer) *Sender {
	return &Sender{writer: w}
}

// Send writes doc with key = routingKey and a routingKey header.
func (s *Sender) Send(ctx context.Context, doc *notification.Document, routingKey string) error {
	body, err := messaging.Encode(doc)
	if err != nil {
		return err
	}
	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(routingKey),
		Value: body,
		Headers: []kafka.Header{
			{Key: messaging.RoutingKeyHeader, Value: []byte(routingKey)},
		},
	})
}

// Close closes the writer.
func (s *Sender) Close() error {
	return s.writer.Close()
}
