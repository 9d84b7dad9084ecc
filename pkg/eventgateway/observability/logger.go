// Package observability provides structured logging, metrics and tracing
// for the event gateway.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry or Prometheus
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
)

// NewLogger builds a slog logger writing to w.
// level is one of debug, info, warn, error; format is json or text.
func NewLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(format) {
	case "", "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

// ParseLevel converts a level name to a slog.Level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
	}
}

// EnrichLogger adds delivery context to a logger.
// Returns a new logger with correlation_id and routing_key fields.
//
// Example:
//
//	enriched := EnrichLogger(logger, "c0ffee", "engineEvents.rb.app")
//	enriched.Info("transforming") // includes correlation_id, routing_key
func EnrichLogger(logger *slog.Logger, correlationID, routingKey string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("correlation_id", correlationID),
		slog.String("routing_key", routingKey),
	)
}

// LogBatchReceived logs an inbound batch and its routingKey header.
func LogBatchReceived(logger *slog.Logger, correlationID, routingKey string, events int) {
	if logger == nil {
		return
	}
	logger.Debug("batch received",
		slog.String("correlation_id", correlationID),
		slog.String("routing_key", routingKey),
		slog.Int("events", events),
	)
}

// LogBatchTransformed logs a transformed batch.
func LogBatchTransformed(logger *slog.Logger, correlationID string, documents, dropped int, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("batch transformed",
		slog.String("correlation_id", correlationID),
		slog.Int("documents", documents),
		slog.Int("dropped", dropped),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogBatchRejected logs a batch that failed to transform.
func LogBatchRejected(logger *slog.Logger, correlationID, routingKey string, err error) {
	if logger == nil {
		return
	}
	logger.Error("batch rejected",
		slog.String("correlation_id", correlationID),
		slog.String("routing_key", routingKey),
		slog.String("error", err.Error()),
	)
}

// LogPublishError logs a notification the hub did not accept (non-fatal).
func LogPublishError(logger *slog.Logger, correlationID, routingKey string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("publish failed",
		slog.String("correlation_id", correlationID),
		slog.String("routing_key", routingKey),
		slog.String("error", err.Error()),
	)
}

// LogRouting logs a notification handed to a sink.
func LogRouting(logger *slog.Logger, sink, routingKey string) {
	if logger == nil {
		return
	}
	logger.Debug("routing notification",
		slog.String("sink", sink),
		slog.String("routing_key", routingKey),
	)
}

// LogDeliveryError logs a failed send to an external sink.
func LogDeliveryError(logger *slog.Logger, sink, routingKey string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("delivery failed",
		slog.String("sink", sink),
		slog.String("routing_key", routingKey),
		slog.String("error", err.Error()),
	)
}

// LogSubscriberDrop logs an item dropped for one subscriber.
func LogSubscriberDrop(logger *slog.Logger, subscriber, reason string) {
	if logger == nil {
		return
	}
	logger.Warn("notification dropped",
		slog.String("subscriber", subscriber),
		slog.String("reason", reason),
	)
}

// LogSubscriptionEnded logs the end of a subscription. err may be nil.
func LogSubscriptionEnded(logger *slog.Logger, subscriber string, err error) {
	if logger == nil {
		return
	}
	if err != nil {
		logger.Warn("subscription ended",
			slog.String("subscriber", subscriber),
			slog.String("error", err.Error()),
		)
		return
	}
	logger.Debug("subscription ended",
		slog.String("subscriber", subscriber),
	)
}

// LogReconnect logs a scheduled reconnect attempt.
func LogReconnect(logger *slog.Logger, target string, attempt int, delay time.Duration, err error) {
	if logger == nil {
		return
	}
	attrs := []any{
		slog.String("target", target),
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	logger.Warn("reconnecting", attrs...)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in milliseconds.
//
// Example:
//
//	done := TimedOperation()
//	// ... do work ...
//	durationMs := done()
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Microseconds()) / 1000
	}
}
