package eventgateway

import (
	"log/slog"

	"github.com/randalmurphal/eventgateway/pkg/eventgateway/consumer"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/deadletter"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/observability"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/producer"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/stomprelay"
)

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger shared by every component.
// Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder shared by every component.
// Default: no-op.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(p *Pipeline) {
		if m != nil {
			p.metrics = m
		}
	}
}

// WithSpans sets the span manager. Default: no-op.
func WithSpans(s observability.SpanManager) Option {
	return func(p *Pipeline) {
		if s != nil {
			p.spans = s
		}
	}
}

// WithDeadLetter quarantines rejected batches in store. The caller owns
// the store and closes it after Stop.
func WithDeadLetter(store deadletter.Store) Option {
	return func(p *Pipeline) {
		p.deadLetter = store
	}
}

// WithSender forwards every document to s through a gateway subscription
// named name. Gateways attach on Start.
//
// Example:
//
//	p, err := eventgateway.New(settings,
//	    eventgateway.WithSender("nats", natsClient.Sender()),
//	)
func WithSender(name string, s producer.Sender) Option {
	return func(p *Pipeline) {
		if s != nil {
			p.senders = append(p.senders, namedSender{name: name, sender: s})
		}
	}
}

// WithStompBridge publishes every document to the STOMP broker reached
// through d, regardless of the stomp.bridge setting.
func WithStompBridge(d stomprelay.Dialer) Option {
	return func(p *Pipeline) {
		p.bridgeDialer = d
	}
}

// WithStompRelay serves subscriptions from broker destinations reached
// through d, regardless of the stomp.relay setting.
func WithStompRelay(d stomprelay.Dialer) Option {
	return func(p *Pipeline) {
		p.relayDialer = d
	}
}

// WithSource adds inbound transports. Start runs them until Stop.
func WithSource(sources ...consumer.Source) Option {
	return func(p *Pipeline) {
		p.sources = append(p.sources, sources...)
	}
}

// WithAvailability is told when the pipeline can serve subscriptions:
// true once the hub runs, false after Stop, and the STOMP connection
// state in between when a broker is configured.
//
// graphqlws.Handler.SetBrokerAvailable fits here.
func WithAvailability(fn func(available bool)) Option {
	return func(p *Pipeline) {
		p.availability = fn
	}
}
