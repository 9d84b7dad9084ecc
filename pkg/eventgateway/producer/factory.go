package producer

import (
	"context"
	"log/slog"

	"github.com/randalmurphal/eventgateway/pkg/eventgateway/destination"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/hub"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/notification"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/routing"
)

// SubscriptionRequest names a subscription field and its arguments.
type SubscriptionRequest = destination.Request

// FactoryOption configures a PublisherFactory.
type FactoryOption func(*PublisherFactory)

// WithDestinations sets the resolver used by OpenRequest.
// Default: destination.NewAntPathResolver().
func WithDestinations(r destination.Resolver) FactoryOption {
	return func(f *PublisherFactory) {
		if r != nil {
			f.destinations = r
		}
	}
}

// WithMatcher sets the pattern matcher. Default: "." separated.
func WithMatcher(m *destination.Matcher) FactoryOption {
	return func(f *PublisherFactory) {
		if m != nil {
			f.matcher = m
		}
	}
}

// WithStreamBuffer sets the per-stream buffer. Default: the hub's.
func WithStreamBuffer(n int) FactoryOption {
	return func(f *PublisherFactory) {
		f.buffer = n
	}
}

// WithFactoryLogger sets the logger.
func WithFactoryLogger(logger *slog.Logger) FactoryOption {
	return func(f *PublisherFactory) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// PublisherFactory opens filtered hub streams for subscription clients.
type PublisherFactory struct {
	hub          *hub.Hub[*notification.Document]
	keys         routing.KeyResolver
	destinations destination.Resolver
	matcher      *destination.Matcher
	buffer       int
	logger       *slog.Logger
}

// NewPublisherFactory creates a factory over h. keys computes the routing
// key each stream filter is matched against.
func NewPublisherFactory(h *hub.Hub[*notification.Document], keys routing.KeyResolver, opts ...FactoryOption) *PublisherFactory {
	f := &PublisherFactory{
		hub:          h,
		keys:         keys,
		destinations: destination.NewAntPathResolver(),
		matcher:      destination.NewMatcher(""),
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Destinations returns the resolver used by OpenRequest.
func (f *PublisherFactory) Destinations() destination.Resolver { return f.destinations }

// Open returns a live stream of the documents whose routing key matches any
// of patterns. The stream ends when ctx is done or Cancel is called.
func (f *PublisherFactory) Open(ctx context.Context, patterns []string) (*Stream, error) {
	filter := destination.NewFilter(patterns...).WithMatcher(f.matcher)

	opts := []hub.SubscribeOption[*notification.Document]{
		hub.WithFilter(func(doc *notification.Document) bool {
			return filter.Matches(f.keys.Resolve(doc))
		}),
	}
	if f.buffer > 0 {
		opts = append(opts, hub.WithBuffer[*notification.Document](f.buffer))
	}

	sub, err := f.hub.Subscribe("stream", opts...)
	if err != nil {
		return nil, err
	}

	s := &Stream{sub: sub, patterns: filter.Patterns}
	go func() {
		select {
		case <-ctx.Done():
			sub.Cancel()
		case <-sub.Done():
		}
	}()

	f.logger.Debug("stream opened",
		slog.String("subscription_id", sub.ID()),
		slog.Any("patterns", filter.Patterns),
	)
	return s, nil
}

// OpenRequest derives the destination patterns from req and opens a stream.
func (f *PublisherFactory) OpenRequest(ctx context.Context, req SubscriptionRequest) (*Stream, error) {
	return f.Open(ctx, f.destinations.Resolve(req))
}

// Stream is one client's view of the hub.
type Stream struct {
	sub      *hub.Subscription[*notification.Document]
	patterns []string
}

// C delivers matching documents. It is closed when the stream ends.
func (s *Stream) C() <-chan *notification.Document { return s.sub.C() }

// Done is closed when the stream ends.
func (s *Stream) Done() <-chan struct{} { return s.sub.Done() }

// Patterns returns the destination patterns of the stream.
func (s *Stream) Patterns() []string { return s.patterns }

// Dropped returns the documents lost because the client fell behind.
func (s *Stream) Dropped() int64 { return s.sub.Dropped() }

// Cancel releases the hub subscription before returning. It is idempotent.
func (s *Stream) Cancel() { s.sub.Cancel() }
