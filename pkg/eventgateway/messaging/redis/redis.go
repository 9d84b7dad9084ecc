// Package redis provides the Redis pub/sub transport. The Source
// pattern-subscribes to inbound channels; the Sender publishes each
// document on the channel named by its routing key.
package redis

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/randalmurphal/eventgateway/pkg/eventgateway/messaging"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/notification"
)

// Config holds connection and channel settings.
type Config struct {
	Addr     string
	Password string
	DB       int

	// Patterns are the inbound channel patterns. Default: engine-events.
	Patterns []string

	// ChannelPrefix is prepended to the routing key on outbound channels.
	ChannelPrefix string
}

// DefaultConfig returns the connection defaults.
func DefaultConfig() Config {
	return Config{
		Addr:     "localhost:6379",
		Patterns: []string{messaging.DefaultSubject},
	}
}

// NewClient creates a client for cfg.
func NewClient(cfg Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// Channel builds the outbound channel for a routing key.
func Channel(prefix, routingKey string) string {
	if prefix == "" {
		return routingKey
	}
	return prefix + "." + routingKey
}

// Sender publishes documents as JSON.
type Sender struct {
	client redis.UniversalClient
	prefix string
}

// NewSender creates a Sender. prefix may be empty.
func NewSender(client redis.UniversalClient, prefix string) *Sender {
	return &Sender{client: client, prefix: prefix}
}

// Send publishes doc on Channel(prefix, routingKey).
func (s *Sender) Send(ctx context.Context, doc *notification.Document, routingKey string) error {
	body, err := messaging.Encode(doc)
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, Channel(s.prefix, routingKey), body).Err()
}

// Option configures a Source.
type Option func(*Source)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Source) {
		if logger != nil {
			s.dispatch.Logger = logger
		}
	}
}

// WithReject receives payloads that are not a JSON event array.
func WithReject(fn messaging.RejectFunc) Option {
	return func(s *Source) {
		s.dispatch.Reject = fn
	}
}

// WithBuffer sets the size of the go-redis message channel.
func WithBuffer(n int) Option {
	return func(s *Source) {
		if n > 0 {
			s.buffer = n
		}
	}
}

// Source consumes batches from channels matching its patterns. Redis
// carries no headers, so the channel name is the batch routing key.
type Source struct {
	client   redis.UniversalClient
	patterns []string
	buffer   int
	dispatch messaging.Dispatcher
}

// NewSource creates a Source. No patterns means engine-events.
func NewSource(client redis.UniversalClient, patterns []string, opts ...Option) *Source {
	if len(patterns) == 0 {
		patterns = []string{messaging.DefaultSubject}
	}
	s := &Source{
		client:   client,
		patterns: append([]string(nil), patterns...),
		buffer:   100,
		dispatch: messaging.Dispatcher{Transport: "redis", Logger: slog.Default()},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Patterns returns the subscribed channel patterns.
func (s *Source) Patterns() []string {
	return append([]string(nil), s.patterns...)
}

// Run subscribes and delivers messages to handle until ctx is done.
func (s *Source) Run(ctx context.Context, handle messaging.Handler) error {
	sub := s.client.PSubscribe(ctx, s.patterns...)
	defer sub.Close()

	// Wait for the subscription confirmation so that errors surface here.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("psubscribe %v: %w", s.patterns, err)
	}
	s.dispatch.Logger.Info("redis source started", slog.Any("patterns", s.patterns))

	ch := sub.Channel(redis.WithChannelSize(s.buffer))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("redis subscription closed")
			}
			_ = s.dispatch.Deliver(ctx, handle, []byte(msg.Payload), msg.Channel)
		}
	}
}
