package observability

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics implements MetricsRecorder with client_golang collectors.
// Serve the registry with promhttp.HandlerFor.
type PrometheusMetrics struct {
	batches         *prometheus.CounterVec
	events          prometheus.Counter
	dropped         prometheus.Counter
	documents       prometheus.Counter
	batchDuration   prometheus.Histogram
	publishes       *prometheus.CounterVec
	subscriberDrops *prometheus.CounterVec
	subscribers     prometheus.Gauge
	deliveries      *prometheus.CounterVec
	deliveryLatency *prometheus.HistogramVec
	deadLetters     *prometheus.CounterVec
}

var _ MetricsRecorder = (*PrometheusMetrics)(nil)

// NewPrometheusMetrics registers the gateway collectors with reg.
// Registering twice on the same registry panics, as with promauto.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	f := promauto.With(reg)
	return &PrometheusMetrics{
		batches: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventgateway_batches_total",
				Help: "Total number of inbound batches",
			},
			[]string{"status"},
		),
		events: f.NewCounter(
			prometheus.CounterOpts{
				Name: "eventgateway_events_total",
				Help: "Total number of raw events received",
			},
		),
		dropped: f.NewCounter(
			prometheus.CounterOpts{
				Name: "eventgateway_events_dropped_total",
				Help: "Events excluded for missing identity or type attributes",
			},
		),
		documents: f.NewCounter(
			prometheus.CounterOpts{
				Name: "eventgateway_notifications_total",
				Help: "Total number of notifications produced",
			},
		),
		batchDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "eventgateway_batch_duration_seconds",
				Help:    "Duration of batch handling in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		publishes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventgateway_hub_publishes_total",
				Help: "Hub publishes by outcome",
			},
			[]string{"outcome"},
		),
		subscriberDrops: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventgateway_hub_subscriber_drops_total",
				Help: "Items dropped for slow subscribers",
			},
			[]string{"subscriber"},
		),
		subscribers: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "eventgateway_hub_subscribers",
				Help: "Current number of hub subscriptions",
			},
		),
		deliveries: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventgateway_deliveries_total",
				Help: "Sends to external sinks",
			},
			[]string{"sink", "status"},
		),
		deliveryLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "eventgateway_delivery_duration_seconds",
				Help:    "Duration of sends to external sinks in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"sink"},
		),
		deadLetters: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventgateway_deadletter_total",
				Help: "Batches stored in the dead-letter store",
			},
			[]string{"reason"},
		),
	}
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordBatch records one inbound batch.
func (p *PrometheusMetrics) RecordBatch(_ context.Context, events, documents, dropped int, duration time.Duration, err error) {
	p.batches.WithLabelValues(status(err)).Inc()
	p.events.Add(float64(events))
	p.batchDuration.Observe(duration.Seconds())
	if err != nil {
		return
	}
	p.documents.Add(float64(documents))
	p.dropped.Add(float64(dropped))
}

// RecordPublish records a hub publish outcome.
func (p *PrometheusMetrics) RecordPublish(_ context.Context, outcome string) {
	p.publishes.WithLabelValues(outcome).Inc()
}

// RecordSubscriberDrop records a per-subscriber drop.
func (p *PrometheusMetrics) RecordSubscriberDrop(_ context.Context, subscriber string) {
	p.subscriberDrops.WithLabelValues(subscriber).Inc()
}

// RecordSubscribers adjusts the subscription gauge.
func (p *PrometheusMetrics) RecordSubscribers(_ context.Context, delta int64) {
	p.subscribers.Add(float64(delta))
}

// RecordDelivery records a send to an external sink.
func (p *PrometheusMetrics) RecordDelivery(_ context.Context, sink string, duration time.Duration, err error) {
	p.deliveries.WithLabelValues(sink, status(err)).Inc()
	p.deliveryLatency.WithLabelValues(sink).Observe(duration.Seconds())
}

// RecordDeadLetter records a quarantined batch.
func (p *PrometheusMetrics) RecordDeadLetter(_ context.Context, reason string) {
	p.deadLetters.WithLabelValues(reason).Inc()
}
