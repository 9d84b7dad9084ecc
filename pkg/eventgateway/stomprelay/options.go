package stomprelay

import (
	"log/slog"
	"time"

	gwerrors "github.com/randalmurphal/eventgateway/pkg/eventgateway/errors"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/observability"
)

// Option configures a PublisherFactory or a Bridge.
type Option func(*options)

type options struct {
	retry        gwerrors.RetryConfig
	buffer       int
	logger       *slog.Logger
	metrics      observability.MetricsRecorder
	availability func(bool)
}

func defaultOptions() options {
	return options{
		retry:   gwerrors.ReconnectRetry,
		buffer:  256,
		logger:  slog.Default(),
		metrics: observability.NoopMetrics{},
	}
}

func applyOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithRetry replaces the reconnect schedule.
// Default: errors.ReconnectRetry (1s initial, factor 2, 30s cap, unbounded).
func WithRetry(cfg gwerrors.RetryConfig) Option {
	return func(o *options) {
		o.retry = cfg
	}
}

// WithMaxBackoff caps the reconnect delay.
func WithMaxBackoff(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.retry.MaxBackoff = d
		}
	}
}

// WithMaxRetries bounds consecutive failed reconnects. 0 retries forever.
func WithMaxRetries(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.retry.MaxAttempts = n
		}
	}
}

// WithBuffer sets the stream channel size. Default: 256.
func WithBuffer(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.buffer = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithAvailability is called with true when a broker session is up and
// false when it is lost.
func WithAvailability(fn func(available bool)) Option {
	return func(o *options) {
		o.availability = fn
	}
}

func (o *options) setAvailable(v bool) {
	if o.availability != nil {
		o.availability(v)
	}
}
