package eventgateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/randalmurphal/eventgateway/pkg/eventgateway/config"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/consumer"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/deadletter"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/destination"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/graphqlws"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/hub"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/notification"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/observability"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/producer"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/routing"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/stomprelay"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/transform"
)

type state int

const (
	stateCreated state = iota
	stateRunning
	stateStopped
)

type namedSender struct {
	name   string
	sender producer.Sender
}

// Pipeline wires the consumer, the hub and the producer adapters built from
// one Settings value.
//
// Pipeline is safe for concurrent use. Handle may be called from any number
// of transports once Start has returned.
type Pipeline struct {
	settings config.Settings

	logger       *slog.Logger
	metrics      observability.MetricsRecorder
	spans        observability.SpanManager
	deadLetter   deadletter.Store
	senders      []namedSender
	sources      []consumer.Source
	bridgeDialer stomprelay.Dialer
	relayDialer  stomprelay.Dialer
	availability func(bool)

	transformer *transform.Transformer
	resolver    *routing.Resolver
	hub         *hub.Hub[*notification.Document]
	consumer    *consumer.Adapter
	publishers  *producer.PublisherFactory
	relay       *stomprelay.PublisherFactory
	executor    *graphqlws.SubscriptionExecutor
	bridge      *stomprelay.Bridge
	gateways    []*producer.Gateway

	mu            sync.Mutex
	state         state
	cancelSources context.CancelFunc
	sourcesDone   chan struct{}
}

// New validates settings and builds every component. Nothing runs until
// Start.
func New(settings config.Settings, opts ...Option) (*Pipeline, error) {
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}

	p := &Pipeline{
		settings: settings,
		logger:   slog.Default(),
		metrics:  observability.NoopMetrics{},
		spans:    observability.NoopSpanManager{},
	}
	for _, opt := range opts {
		opt(p)
	}

	if err := p.build(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Pipeline) build() error {
	s := p.settings

	// Validate has accepted these already.
	payload, _ := transform.ParsePayloadMode(s.Transform.Payload)
	nulls, _ := transform.ParseNullPolicy(s.Transform.NullPolicy)
	overflow, _ := hub.ParseOverflow(s.Hub.Overflow)

	p.transformer = transform.New(
		transform.WithAttributeKeys(s.Transform.AttributeKeys),
		transform.WithTypeKey(s.Transform.TypeKey),
		transform.WithPayloadMode(payload),
		transform.WithEntityKey(s.Transform.EntityKey),
		transform.WithNullPolicy(nulls),
		transform.WithLogger(p.logger),
	)

	resolver, err := routing.NewResolver(routing.WithTemplate(s.Routing.Template))
	if err != nil {
		return fmt.Errorf("routing template: %w", err)
	}
	p.resolver = resolver

	p.hub = hub.New(hub.Config[*notification.Document]{
		Capacity:         s.Hub.Capacity,
		SubscriberBuffer: s.Hub.SubscriberBuffer,
		Overflow:         overflow,
		ShutdownTimeout:  s.Hub.ShutdownTimeout,
		Logger:           p.logger,
		Metrics:          p.metrics,
	})

	consumerOpts := []consumer.Option{
		consumer.WithLogger(p.logger),
		consumer.WithMetrics(p.metrics),
		consumer.WithSpans(p.spans),
		consumer.WithKeyResolver(p.resolver),
	}
	if p.deadLetter != nil {
		consumerOpts = append(consumerOpts, consumer.WithDeadLetter(p.deadLetter))
	}
	p.consumer = consumer.New(p.transformer, p.hub, consumerOpts...)

	destinations := destination.NewAntPathResolver(s.Subscription.Arguments...)
	p.publishers = producer.NewPublisherFactory(p.hub, p.resolver,
		producer.WithDestinations(destinations),
		producer.WithFactoryLogger(p.logger),
	)

	opener := graphqlws.HubOpener(p.publishers)
	if p.relayDialer == nil && s.Stomp.Relay {
		p.relayDialer = p.stompDialer()
	}
	if p.relayDialer != nil {
		p.relay = stomprelay.NewPublisherFactory(p.relayDialer, p.stompOptions()...)
		opener = graphqlws.RelayOpener(p.relay, destination.NewStompResolver(destinations))
	}
	p.executor = graphqlws.NewSubscriptionExecutor(opener,
		graphqlws.WithFieldName(s.Subscription.FieldName),
	)

	if p.bridgeDialer == nil && s.Stomp.Bridge {
		p.bridgeDialer = p.stompDialer()
	}
	if p.bridgeDialer != nil {
		p.bridge = stomprelay.NewBridge(p.bridgeDialer, p.resolver, p.stompOptions()...)
	}

	for _, ns := range p.senders {
		p.gateways = append(p.gateways, producer.NewGateway(p.resolver, ns.sender,
			producer.WithName(ns.name),
			producer.WithGatewayLogger(p.logger),
			producer.WithGatewayMetrics(p.metrics),
			producer.WithGatewaySpans(p.spans),
		))
	}
	return nil
}

func (p *Pipeline) stompDialer() *stomprelay.StompDialer {
	st := p.settings.Stomp
	d := stomprelay.NewStompDialer(st.Host, st.Port, st.Login, st.Passcode)
	d.VirtualHost = st.VirtualHost
	return d
}

func (p *Pipeline) stompOptions() []stomprelay.Option {
	st := p.settings.Stomp
	return []stomprelay.Option{
		stomprelay.WithMaxBackoff(st.MaxBackoff),
		stomprelay.WithMaxRetries(st.MaxRetries),
		stomprelay.WithLogger(p.logger),
		stomprelay.WithMetrics(p.metrics),
		stomprelay.WithAvailability(p.notify),
	}
}

func (p *Pipeline) notify(available bool) {
	if p.availability != nil {
		p.availability(available)
	}
}

// Start attaches the gateways and the STOMP bridge, starts the hub and
// runs the sources in the background until Stop.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case stateRunning:
		return ErrAlreadyStarted
	case stateStopped:
		return ErrStopped
	}

	for _, gw := range p.gateways {
		if err := gw.Attach(p.hub); err != nil {
			p.detachLocked()
			return fmt.Errorf("attach %s: %w", gw.Name(), err)
		}
	}
	if p.bridge != nil {
		if err := p.bridge.Attach(p.hub); err != nil {
			p.detachLocked()
			return fmt.Errorf("attach %s: %w", stomprelay.SinkName, err)
		}
	}
	if err := p.hub.Start(); err != nil {
		p.detachLocked()
		return err
	}
	p.state = stateRunning
	p.notify(true)

	srcCtx, cancel := context.WithCancel(ctx)
	p.cancelSources = cancel
	p.sourcesDone = make(chan struct{})
	go func() {
		defer close(p.sourcesDone)
		p.consumer.Run(srcCtx, p.sources...)
	}()

	p.logger.Info("pipeline started",
		slog.Int("gateways", len(p.gateways)),
		slog.Int("sources", len(p.sources)),
		slog.Bool("stomp_bridge", p.bridge != nil),
		slog.Bool("stomp_relay", p.relay != nil),
	)
	return nil
}

func (p *Pipeline) detachLocked() {
	for _, gw := range p.gateways {
		gw.Detach()
	}
	if p.bridge != nil {
		p.bridge.Detach()
	}
}

// Stop ends the sources, drains the hub and closes the STOMP bridge.
// Gateway subscriptions end with the hub. Stop is idempotent once started.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case stateCreated:
		return ErrNotStarted
	case stateStopped:
		return nil
	}
	p.state = stateStopped

	p.cancelSources()
	<-p.sourcesDone

	err := p.hub.Stop()
	if p.bridge != nil {
		_ = p.bridge.Close()
	}
	p.notify(false)

	stats := p.hub.Stats()
	p.logger.Info("pipeline stopped",
		slog.Int64("published", stats.Published),
		slog.Int64("dropped", stats.Dropped),
	)
	return err
}

// Running reports whether Start has succeeded and Stop has not been called.
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == stateRunning
}

// Handle transforms batch and publishes the documents.
func (p *Pipeline) Handle(ctx context.Context, batch notification.EventBatch) (consumer.Result, error) {
	return p.consumer.Handle(ctx, batch)
}

// HandleJSON decodes a JSON event array and handles it.
func (p *Pipeline) HandleJSON(ctx context.Context, data []byte, routingKey string) (consumer.Result, error) {
	return p.consumer.HandleJSON(ctx, data, routingKey)
}

// Reject quarantines an undecodable transport payload. It fits
// messaging.RejectFunc.
func (p *Pipeline) Reject(ctx context.Context, data []byte, routingKey string) {
	_, _ = p.consumer.HandleJSON(ctx, data, routingKey)
}

// Settings returns the settings the pipeline was built from.
func (p *Pipeline) Settings() config.Settings { return p.settings }

// Hub returns the broadcast hub.
func (p *Pipeline) Hub() *hub.Hub[*notification.Document] { return p.hub }

// Resolver returns the routing key resolver.
func (p *Pipeline) Resolver() *routing.Resolver { return p.resolver }

// Transformer returns the engine events transformer.
func (p *Pipeline) Transformer() *transform.Transformer { return p.transformer }

// Consumer returns the consumer adapter.
func (p *Pipeline) Consumer() *consumer.Adapter { return p.consumer }

// Publishers returns the subscription stream factory backed by the hub.
func (p *Pipeline) Publishers() *producer.PublisherFactory { return p.publishers }

// Executor returns the GraphQL subscription executor. It opens hub
// streams, or broker streams when a STOMP relay is configured.
func (p *Pipeline) Executor() *graphqlws.SubscriptionExecutor { return p.executor }

// DeadLetter returns the quarantine store, or nil.
func (p *Pipeline) DeadLetter() deadletter.Store { return p.deadLetter }
