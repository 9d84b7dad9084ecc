package kafka

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	gwerrors "github.com/randalmurphal/eventgateway/pkg/eventgateway/errors"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/messaging"
)

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

// WithRetry sets the backoff between failed fetches.
func WithRetry(cfg gwerrors.RetryConfig) Option {
	return func(s *Source) {
		s.retry = cfg
	}
}

// WithCommitRetry sets the retry policy for offset commits.
func WithCommitRetry(cfg gwerrors.RetryConfig) Option {
	return func(s *Source) {
		s.commitRetry = cfg
	}
}

// defaultCommitRetry retries every commit failure except cancellation.
var defaultCommitRetry = gwerrors.NewRetryConfig(
	gwerrors.WithMaxAttempts(3),
	gwerrors.WithInitialBackoff(100*time.Millisecond),
	gwerrors.WithMaxBackoff(time.Second),
	gwerrors.WithRetryableFunc(func(err error) bool {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}),
)

// Source consumes batches from a Kafka reader.
//
// A message is committed after its handler returns, whether or not the
// batch was accepted: rejected batches are quarantined by the consumer and
// would fail the same way on redelivery. A message whose handling was cut
// short by ctx is left uncommitted.
type Source struct {
	reader      Reader
	retry       gwerrors.RetryConfig
	commitRetry gwerrors.RetryConfig
	dispatch    messaging.Dispatcher
}

// NewSource creates a Source on r.
func NewSource(r Reader, opts ...Option) *Source {
	s := &Source{
		reader:      r,
		retry:       gwerrors.ReconnectRetry,
		commitRetry: defaultCommitRetry,
		dispatch:    messaging.Dispatcher{Transport: "kafka", Logger: slog.Default()},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run fetches and handles messages until ctx is done. Fetch errors are
// retried with backoff.
func (s *Source) Run(ctx context.Context, handle messaging.Handler) error {
	backoff := gwerrors.NewBackoff(s.retry)
	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.dispatch.Logger.Warn("kafka fetch failed", slog.String("error", err.Error()))
			if err := backoff.Sleep(ctx); err != nil {
				return err
			}
			continue
		}
		backoff.Reset()

		err = s.dispatch.Deliver(ctx, handle, msg.Value, routingKey(msg))
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return ctx.Err()
		}
		res := gwerrors.WithRetryContext(ctx, s.commitRetry, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, s.reader.CommitMessages(ctx, msg)
		})
		if res.Err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// The message will be redelivered after a rebalance.
			s.dispatch.Logger.Error("kafka commit failed",
				slog.String("topic", msg.Topic),
				slog.Int("partition", msg.Partition),
				slog.Int64("offset", msg.Offset),
				slog.Int("attempts", res.Attempts),
				slog.String("error", res.Err.Error()),
			)
		}
	}
}

// Close closes the reader.
func (s *Source) Close() error {
	return s.reader.Close()
}

func routingKey(msg kafka.Message) string {
	for _, h := range msg.Headers {
		if h.Key == messaging.RoutingKeyHeader {
			return string(h.Value)
		}
	}
	return ""
}
