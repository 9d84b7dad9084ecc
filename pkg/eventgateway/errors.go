package eventgateway

import "errors"

// Sentinel errors for the pipeline lifecycle.
var (
	// ErrAlreadyStarted indicates Start was called on a running pipeline.
	ErrAlreadyStarted = errors.New("pipeline already started")

	// ErrNotStarted indicates Stop was called before Start.
	ErrNotStarted = errors.New("pipeline not started")

	// ErrStopped indicates Start was called after Stop. A pipeline cannot
	// be restarted.
	ErrStopped = errors.New("pipeline stopped")
)
