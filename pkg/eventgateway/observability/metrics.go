package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Publish outcomes reported by the hub.
const (
	PublishAccepted = "accepted"
	PublishOverflow = "overflow"
	PublishEvicted  = "evicted"
	PublishRejected = "rejected"
)

// MetricsRecorder records gateway metrics.
// Use NewMetricsRecorder() for OTel metrics, NewPrometheusMetrics() for a
// Prometheus registry, or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordBatch records one inbound batch. err is the transform error, if any.
	RecordBatch(ctx context.Context, events, documents, dropped int, duration time.Duration, err error)

	// RecordPublish records the outcome of a hub publish.
	RecordPublish(ctx context.Context, outcome string)

	// RecordSubscriberDrop records an item dropped for one subscriber.
	RecordSubscriberDrop(ctx context.Context, subscriber string)

	// RecordSubscribers adjusts the active subscription count by delta.
	RecordSubscribers(ctx context.Context, delta int64)

	// RecordDelivery records one send to an external sink.
	RecordDelivery(ctx context.Context, sink string, duration time.Duration, err error)

	// RecordDeadLetter records a batch moved to the dead-letter store.
	RecordDeadLetter(ctx context.Context, reason string)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	batches         metric.Int64Counter
	batchEvents     metric.Int64Counter
	batchDropped    metric.Int64Counter
	batchErrors     metric.Int64Counter
	batchLatency    metric.Float64Histogram
	documents       metric.Int64Counter
	publishes       metric.Int64Counter
	subscriberDrops metric.Int64Counter
	subscribers     metric.Int64UpDownCounter
	deliveries      metric.Int64Counter
	deliveryErrors  metric.Int64Counter
	deliveryLatency metric.Float64Histogram
	deadLetters     metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics returns the default OTel metrics instance.
// Lazily initializes the metrics on first call.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

// newOtelMetrics creates a new OTel metrics instance.
func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("eventgateway")
	m := &otelMetrics{}
	var err error

	if m.batches, err = meter.Int64Counter("eventgateway.batch.count",
		metric.WithDescription("Number of inbound batches"),
	); err != nil {
		return nil, err
	}
	if m.batchEvents, err = meter.Int64Counter("eventgateway.batch.events",
		metric.WithDescription("Number of raw events received"),
	); err != nil {
		return nil, err
	}
	if m.batchDropped, err = meter.Int64Counter("eventgateway.batch.dropped_events",
		metric.WithDescription("Events excluded for missing identity or type attributes"),
	); err != nil {
		return nil, err
	}
	if m.batchErrors, err = meter.Int64Counter("eventgateway.batch.errors",
		metric.WithDescription("Number of rejected batches"),
	); err != nil {
		return nil, err
	}
	if m.batchLatency, err = meter.Float64Histogram("eventgateway.batch.latency_ms",
		metric.WithDescription("Batch handling latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.documents, err = meter.Int64Counter("eventgateway.notification.count",
		metric.WithDescription("Number of notifications produced"),
	); err != nil {
		return nil, err
	}
	if m.publishes, err = meter.Int64Counter("eventgateway.hub.publishes",
		metric.WithDescription("Hub publishes by outcome"),
	); err != nil {
		return nil, err
	}
	if m.subscriberDrops, err = meter.Int64Counter("eventgateway.hub.subscriber_drops",
		metric.WithDescription("Items dropped for slow subscribers"),
	); err != nil {
		return nil, err
	}
	if m.subscribers, err = meter.Int64UpDownCounter("eventgateway.hub.subscribers",
		metric.WithDescription("Active hub subscriptions"),
	); err != nil {
		return nil, err
	}
	if m.deliveries, err = meter.Int64Counter("eventgateway.delivery.count",
		metric.WithDescription("Sends to external sinks"),
	); err != nil {
		return nil, err
	}
	if m.deliveryErrors, err = meter.Int64Counter("eventgateway.delivery.errors",
		metric.WithDescription("Failed sends to external sinks"),
	); err != nil {
		return nil, err
	}
	if m.deliveryLatency, err = meter.Float64Histogram("eventgateway.delivery.latency_ms",
		metric.WithDescription("Send latency in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.deadLetters, err = meter.Int64Counter("eventgateway.deadletter.count",
		metric.WithDescription("Batches stored in the dead-letter store"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// RecordBatch records one inbound batch.
func (m *otelMetrics) RecordBatch(ctx context.Context, events, documents, dropped int, duration time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.Bool("success", err == nil))

	m.batches.Add(ctx, 1, attrs)
	m.batchEvents.Add(ctx, int64(events))
	m.batchLatency.Record(ctx, float64(duration.Microseconds())/1000, attrs)
	if err != nil {
		m.batchErrors.Add(ctx, 1)
		return
	}
	m.documents.Add(ctx, int64(documents))
	if dropped > 0 {
		m.batchDropped.Add(ctx, int64(dropped))
	}
}

// RecordPublish records a hub publish outcome.
func (m *otelMetrics) RecordPublish(ctx context.Context, outcome string) {
	m.publishes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordSubscriberDrop records a per-subscriber drop.
func (m *otelMetrics) RecordSubscriberDrop(ctx context.Context, subscriber string) {
	m.subscriberDrops.Add(ctx, 1, metric.WithAttributes(attribute.String("subscriber", subscriber)))
}

// RecordSubscribers adjusts the active subscription gauge.
func (m *otelMetrics) RecordSubscribers(ctx context.Context, delta int64) {
	m.subscribers.Add(ctx, delta)
}

// RecordDelivery records a send to an external sink.
func (m *otelMetrics) RecordDelivery(ctx context.Context, sink string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("sink", sink),
	}

	m.deliveries.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.deliveryLatency.Record(ctx, float64(duration.Microseconds())/1000, metric.WithAttributes(attrs...))

	if err != nil {
		m.deliveryErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordDeadLetter records a quarantined batch.
func (m *otelMetrics) RecordDeadLetter(ctx context.Context, reason string) {
	m.deadLetters.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
