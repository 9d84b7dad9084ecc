package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gathered returns the summed counter or gauge value of a family, filtered
// by one label when label is non-empty.
func gathered(t *testing.T, reg *prometheus.Registry, name, label, value string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if label != "" {
				match := false
				for _, lp := range m.GetLabel() {
					if lp.GetName() == label && lp.GetValue() == value {
						match = true
					}
				}
				if !match {
					continue
				}
			}
			total += m.GetCounter().GetValue() + m.GetGauge().GetValue()
		}
	}
	return total
}

func TestPrometheusMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheusMetrics(reg)
	ctx := context.Background()

	p.RecordBatch(ctx, 4, 2, 1, time.Millisecond, nil)
	p.RecordBatch(ctx, 2, 0, 0, time.Millisecond, errors.New("bad"))
	p.RecordPublish(ctx, PublishAccepted)
	p.RecordPublish(ctx, PublishEvicted)
	p.RecordSubscriberDrop(ctx, "graphql")
	p.RecordSubscribers(ctx, 3)
	p.RecordSubscribers(ctx, -1)
	p.RecordDelivery(ctx, "redis", time.Millisecond, nil)
	p.RecordDelivery(ctx, "redis", time.Millisecond, errors.New("closed"))
	p.RecordDeadLetter(ctx, "transform")

	assert.Equal(t, 1.0, gathered(t, reg, "eventgateway_batches_total", "status", "ok"))
	assert.Equal(t, 1.0, gathered(t, reg, "eventgateway_batches_total", "status", "error"))
	assert.Equal(t, 6.0, gathered(t, reg, "eventgateway_events_total", "", ""))
	assert.Equal(t, 2.0, gathered(t, reg, "eventgateway_notifications_total", "", ""))
	assert.Equal(t, 1.0, gathered(t, reg, "eventgateway_events_dropped_total", "", ""))
	assert.Equal(t, 1.0, gathered(t, reg, "eventgateway_hub_publishes_total", "outcome", PublishEvicted))
	assert.Equal(t, 1.0, gathered(t, reg, "eventgateway_hub_subscriber_drops_total", "subscriber", "graphql"))
	assert.Equal(t, 2.0, gathered(t, reg, "eventgateway_hub_subscribers", "", ""))
	assert.Equal(t, 1.0, gathered(t, reg, "eventgateway_deliveries_total", "status", "error"))
	assert.Equal(t, 1.0, gathered(t, reg, "eventgateway_deadletter_total", "reason", "transform"))
}

func TestNewPrometheusMetrics_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewPrometheusMetrics(reg)
	assert.Panics(t, func() { NewPrometheusMetrics(reg) })
}
