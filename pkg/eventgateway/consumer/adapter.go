// Package consumer turns inbound engine event batches into notification
// documents and publishes them to the hub.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/randalmurphal/eventgateway/pkg/eventgateway/deadletter"
	gwerrors "github.com/randalmurphal/eventgateway/pkg/eventgateway/errors"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/notification"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/observability"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/routing"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/transform"
)

// Publisher accepts documents for broadcast.
// *hub.Hub[*notification.Document] satisfies it.
type Publisher interface {
	Publish(ctx context.Context, doc *notification.Document) error
}

// Handler processes one inbound batch. Transports call it once per message.
type Handler func(ctx context.Context, batch notification.EventBatch) error

// Source delivers batches from a transport until ctx is done.
type Source interface {
	Run(ctx context.Context, handle Handler) error
}

// Result summarizes one handled batch.
type Result struct {
	CorrelationID string `json:"correlationId"`
	Events        int    `json:"events"`
	Documents     int    `json:"documents"`
	Published     int    `json:"published"`
	Failed        int    `json:"failed"`
}

// Adapter is the consumer side of the pipeline. It holds no mutable state and
// is safe for concurrent use.
type Adapter struct {
	transformer *transform.Transformer
	publisher   Publisher
	keys        routing.KeyResolver
	deadLetter  deadletter.Store
	logger      *slog.Logger
	metrics     observability.MetricsRecorder
	spans       observability.SpanManager
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(a *Adapter) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder. Default: no-op.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(a *Adapter) {
		if m != nil {
			a.metrics = m
		}
	}
}

// WithSpans sets the span manager. Default: no-op.
func WithSpans(s observability.SpanManager) Option {
	return func(a *Adapter) {
		if s != nil {
			a.spans = s
		}
	}
}

// WithDeadLetter quarantines rejected batches in store.
func WithDeadLetter(store deadletter.Store) Option {
	return func(a *Adapter) {
		a.deadLetter = store
	}
}

// WithKeyResolver adds the outbound routing key to publish error logs.
func WithKeyResolver(r routing.KeyResolver) Option {
	return func(a *Adapter) {
		a.keys = r
	}
}

// New creates an Adapter.
func New(transformer *transform.Transformer, publisher Publisher, opts ...Option) *Adapter {
	a := &Adapter{
		transformer: transformer,
		publisher:   publisher,
		logger:      slog.Default(),
		metrics:     observability.NoopMetrics{},
		spans:       observability.NoopSpanManager{},
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.transformer == nil {
		a.transformer = transform.New()
	}
	return a
}

// Handle transforms batch and publishes the resulting documents in order.
//
// A malformed batch returns *errors.TransformError and nothing is published.
// Publish failures are logged and counted in Result.Failed; they are never
// returned.
func (a *Adapter) Handle(ctx context.Context, batch notification.EventBatch) (Result, error) {
	return a.handle(ctx, batch, nil)
}

// HandleJSON decodes a JSON array of events and handles it as one batch.
// Undecodable input is rejected like any malformed batch.
func (a *Adapter) HandleJSON(ctx context.Context, data []byte, routingKey string) (Result, error) {
	batch := notification.EventBatch{RoutingKey: routingKey}
	events, err := transform.Decode(data)
	if err != nil {
		batch.CorrelationID = uuid.NewString()
		return a.reject(ctx, batch, len(events), data, err, time.Now())
	}
	batch.Events = events
	return a.handle(ctx, batch, data)
}

// Handler returns Handle as a transport callback.
func (a *Adapter) Handler() Handler {
	return func(ctx context.Context, batch notification.EventBatch) error {
		_, err := a.Handle(ctx, batch)
		return err
	}
}

func (a *Adapter) handle(ctx context.Context, batch notification.EventBatch, raw []byte) (Result, error) {
	start := time.Now()
	if batch.CorrelationID == "" {
		batch.CorrelationID = uuid.NewString()
	}
	res := Result{CorrelationID: batch.CorrelationID, Events: len(batch.Events)}

	observability.LogBatchReceived(a.logger, batch.CorrelationID, batch.RoutingKey, len(batch.Events))

	ctx, span := a.spans.StartBatchSpan(ctx, batch.CorrelationID, batch.RoutingKey, len(batch.Events))
	defer span.End()

	done := observability.TimedOperation()
	docs, stats, err := a.transformer.TransformWithStats(batch.Events)
	if err != nil {
		a.spans.EndSpanWithError(span, err)
		return a.reject(ctx, batch, len(batch.Events), raw, err, start)
	}
	observability.LogBatchTransformed(a.logger, batch.CorrelationID, len(docs), stats.Dropped, done())
	a.spans.AddSpanEvent(ctx, "batch.transformed",
		attribute.Int("documents", len(docs)),
		attribute.Int("dropped", stats.Dropped),
	)

	res.Documents = len(docs)
	for _, doc := range docs {
		if err := a.publisher.Publish(ctx, doc); err != nil {
			res.Failed++
			observability.LogPublishError(a.logger, batch.CorrelationID, a.routingKey(doc), err)
			continue
		}
		res.Published++
	}

	a.metrics.RecordBatch(ctx, len(batch.Events), len(docs), stats.Dropped, time.Since(start), nil)
	return res, nil
}

func (a *Adapter) reject(ctx context.Context, batch notification.EventBatch, events int, raw []byte, err error, start time.Time) (Result, error) {
	res := Result{CorrelationID: batch.CorrelationID, Events: events}
	observability.LogBatchRejected(a.logger, batch.CorrelationID, batch.RoutingKey, err)
	a.metrics.RecordBatch(ctx, events, 0, 0, time.Since(start), err)

	var te *gwerrors.TransformError
	if a.deadLetter == nil || !errors.As(err, &te) {
		return res, err
	}

	if raw == nil {
		var mErr error
		if raw, mErr = json.Marshal(batch.Events); mErr != nil {
			raw = []byte{}
		}
	}
	if _, dlErr := a.deadLetter.Put(ctx, deadletter.Entry{
		CorrelationID: batch.CorrelationID,
		RoutingKey:    batch.RoutingKey,
		Reason:        te.Error(),
		Payload:       raw,
	}); dlErr != nil {
		observability.EnrichLogger(a.logger, batch.CorrelationID, batch.RoutingKey).
			Error("dead-letter write failed", slog.String("error", dlErr.Error()))
		return res, err
	}
	a.spans.AddSpanEvent(ctx, "batch.quarantined", attribute.String("reason", te.Reason))
	a.metrics.RecordDeadLetter(ctx, te.Reason)
	return res, err
}

func (a *Adapter) routingKey(doc *notification.Document) string {
	if a.keys == nil {
		return ""
	}
	return a.keys.Resolve(doc)
}

// Run drives every source with the adapter until ctx is done. Source errors
// are logged; Run returns once all sources have returned.
func (a *Adapter) Run(ctx context.Context, sources ...Source) {
	handle := a.Handler()
	var wg sync.WaitGroup
	for _, src := range sources {
		if src == nil {
			continue
		}
		wg.Add(1)
		go func(src Source) {
			defer wg.Done()
			if err := src.Run(ctx, handle); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("event source stopped",
					slog.String("error", err.Error()),
				)
			}
		}(src)
	}
	wg.Wait()
}
