package nats

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/randalmurphal/eventgateway/pkg/eventgateway/messaging"
)

const defaultBuffer = 256

// Option configures a Source.
type Option func(*Source)

// WithQueue joins a queue group.
func WithQueue(queue string) Option {
	return func(s *Source) {
		s.queue = queue
	}
}

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

// WithBuffer sets the inbound message channel size.
func WithBuffer(n int) Option {
	return func(s *Source) {
		if n > 0 {
			s.buffer = n
		}
	}
}

// Source consumes engine event batches from a subject. The routing key is
// read from the routingKey header.
type Source struct {
	conn     Conn
	subject  string
	queue    string
	buffer   int
	dispatch messaging.Dispatcher
}

// NewSource creates a Source on subject. An empty subject means
// engine-events.
func NewSource(conn Conn, subject string, opts ...Option) *Source {
	if subject == "" {
		subject = messaging.DefaultSubject
	}
	s := &Source{
		conn:     conn,
		subject:  subject,
		buffer:   defaultBuffer,
		dispatch: messaging.Dispatcher{Transport: "nats", Logger: slog.Default()},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subject returns the inbound subject.
func (s *Source) Subject() string { return s.subject }

// Run subscribes and delivers messages to handle until ctx is done.
// Handler errors are logged by the handler's owner and do not stop Run.
func (s *Source) Run(ctx context.Context, handle messaging.Handler) error {
	ch := make(chan *nats.Msg, s.buffer)

	var (
		sub *nats.Subscription
		err error
	)
	if s.queue != "" {
		sub, err = s.conn.ChanQueueSubscribe(s.subject, s.queue, ch)
	} else {
		sub, err = s.conn.ChanSubscribe(s.subject, ch)
	}
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", s.subject, err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	s.dispatch.Logger.Info("nats source started",
		slog.String("subject", s.subject),
		slog.String("queue", s.queue),
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-ch:
			_ = s.dispatch.Deliver(ctx, handle, msg.Data, routingKey(msg))
		}
	}
}

func routingKey(msg *nats.Msg) string {
	if msg.Header == nil {
		return ""
	}
	return msg.Header.Get(messaging.RoutingKeyHeader)
}
