// Package registry provides a generic thread-safe registry of live handles
// (sessions, subscriptions) indexed by key.
//
// Handles are added when a client attaches and removed exactly once when it
// detaches. Remove and Drain hand the removed values back so the caller can
// release them outside the lock:
//
//	ops := registry.New[string, *operation]()
//	if !ops.Add(id, op) {
//	    return errDuplicateID
//	}
//	...
//	if op, ok := ops.Remove(id); ok {
//	    op.cancel()
//	}
//
// # Thread Safety
//
// All Registry methods are safe for concurrent use. Range iterates over a
// snapshot, so the callback may add or remove entries.
package registry
