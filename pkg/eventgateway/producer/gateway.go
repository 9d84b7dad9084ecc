// Package producer delivers hub notifications to their consumers: external
// messaging gateways (Gateway) and in-process subscription streams
// (PublisherFactory).
package producer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	gwerrors "github.com/randalmurphal/eventgateway/pkg/eventgateway/errors"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/hub"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/notification"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/observability"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/routing"
)

// Sender hands one document to an external messaging gateway.
// Returning an error wrapping errors.ErrSinkClosed marks the sink unusable.
type Sender interface {
	Send(ctx context.Context, doc *notification.Document, routingKey string) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, doc *notification.Document, routingKey string) error

// Send implements Sender.
func (f SenderFunc) Send(ctx context.Context, doc *notification.Document, routingKey string) error {
	return f(ctx, doc, routingKey)
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithName names the sink in logs, metrics and spans. Default: "gateway".
func WithName(name string) GatewayOption {
	return func(g *Gateway) {
		if name != "" {
			g.name = name
		}
	}
}

// WithGatewayLogger sets the logger. Default: slog.Default().
func WithGatewayLogger(logger *slog.Logger) GatewayOption {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithGatewayMetrics sets the metrics recorder.
func WithGatewayMetrics(m observability.MetricsRecorder) GatewayOption {
	return func(g *Gateway) {
		if m != nil {
			g.metrics = m
		}
	}
}

// WithGatewaySpans sets the span manager.
func WithGatewaySpans(s observability.SpanManager) GatewayOption {
	return func(g *Gateway) {
		if s != nil {
			g.spans = s
		}
	}
}

// WithGatewayBuffer sets the hub subscription buffer. Default: the hub's.
func WithGatewayBuffer(n int) GatewayOption {
	return func(g *Gateway) {
		g.buffer = n
	}
}

// Gateway forwards every notification to a Sender under its routing key.
type Gateway struct {
	name     string
	resolver routing.KeyResolver
	sender   Sender
	logger   *slog.Logger
	metrics  observability.MetricsRecorder
	spans    observability.SpanManager
	buffer   int

	// sub outlives Detach so Done and Err still report the ended subscription.
	sub      *hub.Subscription[*notification.Document]
	attached bool
}

// NewGateway creates a gateway. Call Attach to start receiving.
func NewGateway(resolver routing.KeyResolver, sender Sender, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		name:     "gateway",
		resolver: resolver,
		sender:   sender,
		logger:   slog.Default(),
		metrics:  observability.NoopMetrics{},
		spans:    observability.NoopSpanManager{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Name returns the sink name.
func (g *Gateway) Name() string { return g.name }

// Attach subscribes the gateway to h without a filter.
func (g *Gateway) Attach(h *hub.Hub[*notification.Document]) error {
	if g.attached {
		return fmt.Errorf("gateway %s already attached", g.name)
	}
	var opts []hub.SubscribeOption[*notification.Document]
	if g.buffer > 0 {
		opts = append(opts, hub.WithBuffer[*notification.Document](g.buffer))
	}
	sub, err := h.SubscribeFunc(g.name, g.deliver, opts...)
	if err != nil {
		return fmt.Errorf("attach gateway %s: %w", g.name, err)
	}
	g.sub = sub
	g.attached = true
	return nil
}

// Detach cancels the hub subscription. The gateway may be attached again.
func (g *Gateway) Detach() {
	if g.attached {
		g.sub.Cancel()
		g.attached = false
	}
}

// Done is closed when the subscription ends. It is nil before Attach.
func (g *Gateway) Done() <-chan struct{} {
	if g.sub == nil {
		return nil
	}
	return g.sub.Done()
}

// Err reports the permanent send failure that ended the subscription.
func (g *Gateway) Err() error {
	if g.sub == nil {
		return nil
	}
	return g.sub.Err()
}

// Handle resolves the routing key of doc and sends it.
// Send failures are returned as *errors.ExternalSinkError.
func (g *Gateway) Handle(ctx context.Context, doc *notification.Document) error {
	key := g.resolver.Resolve(doc)

	ctx, span := g.spans.StartDeliverySpan(ctx, g.name, key)
	defer span.End()

	start := time.Now()
	err := g.sender.Send(ctx, doc, key)
	g.metrics.RecordDelivery(ctx, g.name, time.Since(start), err)
	if err != nil {
		sinkErr := &gwerrors.ExternalSinkError{Sink: g.name, RoutingKey: key, Err: err}
		g.spans.EndSpanWithError(span, sinkErr)
		observability.LogDeliveryError(g.logger, g.name, key, sinkErr)
		return sinkErr
	}
	observability.LogRouting(g.logger, g.name, key)
	return nil
}

// deliver is the hub handler: transient failures were logged by Handle and
// are skipped, permanent ones end the subscription.
func (g *Gateway) deliver(ctx context.Context, doc *notification.Document) error {
	err := g.Handle(ctx, doc)
	if err == nil || !gwerrors.IsPermanent(err) {
		return nil
	}
	return fmt.Errorf("%w: %w", hub.ErrStopSubscription, err)
}
