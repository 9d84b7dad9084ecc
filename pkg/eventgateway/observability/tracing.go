package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracer is the gateway tracer instance.
// Uses the global OTel tracer provider.
var tracer = otel.Tracer("eventgateway")

// SpanManager handles trace span lifecycle.
// Use NewSpanManager() for OTel tracing or NoopSpanManager{} when disabled.
type SpanManager interface {
	// StartBatchSpan starts a span covering one inbound batch.
	StartBatchSpan(ctx context.Context, correlationID, routingKey string, events int) (context.Context, trace.Span)

	// StartDeliverySpan starts a span for one send to an external sink.
	// It is a child of whatever span ctx carries.
	StartDeliverySpan(ctx context.Context, sink, routingKey string) (context.Context, trace.Span)

	// EndSpanWithError completes a span, optionally recording an error.
	EndSpanWithError(span trace.Span, err error)

	// AddSpanEvent adds an event to the current span in context.
	AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue)
}

// otelSpanManager implements SpanManager using OpenTelemetry.
type otelSpanManager struct{}

// NewSpanManager returns a SpanManager that uses OpenTelemetry.
//
// The span manager uses the global OTel tracer provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetTracerProvider(yourProvider)
func NewSpanManager() SpanManager {
	return &otelSpanManager{}
}

// StartBatchSpan starts a span for one inbound batch.
func (m *otelSpanManager) StartBatchSpan(ctx context.Context, correlationID, routingKey string, events int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "eventgateway.batch",
		trace.WithAttributes(
			attribute.String("correlation.id", correlationID),
			attribute.String("routing.key", routingKey),
			attribute.Int("batch.events", events),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
}

// StartDeliverySpan starts a span for a send to an external sink.
func (m *otelSpanManager) StartDeliverySpan(ctx context.Context, sink, routingKey string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "eventgateway.deliver."+sink,
		trace.WithAttributes(
			attribute.String("sink", sink),
			attribute.String("routing.key", routingKey),
		),
		trace.WithSpanKind(trace.SpanKindProducer),
	)
}

// EndSpanWithError completes a span, optionally recording an error.
func (m *otelSpanManager) EndSpanWithError(span trace.Span, err error) {
	EndSpanWithError(span, err)
}

// AddSpanEvent adds an event to the current span.
func (m *otelSpanManager) AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	AddSpanEvent(ctx, name, attrs...)
}

// EndSpanWithError completes a span, optionally recording an error.
func EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// AddSpanEvent adds an event to the current span in context.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span == nil || !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}
