package errors

import (
	"errors"
	"fmt"
)

// ErrSinkClosed indicates an external sink can no longer accept sends.
var ErrSinkClosed = errors.New("sink closed")

// TransformError indicates a malformed inbound batch.
// The whole batch is rejected; no partial aggregation is returned.
type TransformError struct {
	// Index is the position of the offending event, or -1 for the batch itself.
	Index int

	Reason string

	// Err is the decode error, if any.
	Err error
}

// Error implements the error interface.
func (e *TransformError) Error() string {
	msg := "transform: " + e.Reason
	if e.Index >= 0 {
		msg = fmt.Sprintf("transform: event %d: %s", e.Index, e.Reason)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying decode error.
func (e *TransformError) Unwrap() error {
	return e.Err
}

// RoutingResolutionError indicates a routing key template that cannot be
// compiled. It is raised at construction, never per notification.
type RoutingResolutionError struct {
	Template string
	Offset   int
	Reason   string
}

// Error implements the error interface.
func (e *RoutingResolutionError) Error() string {
	if e.Offset >= 0 {
		return fmt.Sprintf("routing template %q at offset %d: %s", e.Template, e.Offset, e.Reason)
	}
	return fmt.Sprintf("routing template %q: %s", e.Template, e.Reason)
}

// PublishOverflowError indicates an item was dropped because the bounded
// buffer was full.
type PublishOverflowError struct {
	Capacity int
	Policy   string

	// Subscriber is set when a single subscriber's buffer overflowed.
	Subscriber string
}

// Error implements the error interface.
func (e *PublishOverflowError) Error() string {
	if e.Subscriber != "" {
		return fmt.Sprintf("subscriber %s buffer full (capacity %d, policy %s): item dropped",
			e.Subscriber, e.Capacity, e.Policy)
	}
	return fmt.Sprintf("hub buffer full (capacity %d, policy %s): item dropped", e.Capacity, e.Policy)
}

// ExternalSinkError wraps a failed downstream call of a producer adapter.
type ExternalSinkError struct {
	Sink       string
	RoutingKey string
	Err        error
}

// Error implements the error interface.
func (e *ExternalSinkError) Error() string {
	if e.RoutingKey != "" {
		return fmt.Sprintf("sink %s (routing key %s): %v", e.Sink, e.RoutingKey, e.Err)
	}
	return fmt.Sprintf("sink %s: %v", e.Sink, e.Err)
}

// Unwrap returns the underlying error.
func (e *ExternalSinkError) Unwrap() error {
	return e.Err
}

// TimeoutError indicates an operation timed out.
type TimeoutError struct {
	Operation string
	Duration  string
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout after %s: %s", e.Duration, e.Operation)
}
