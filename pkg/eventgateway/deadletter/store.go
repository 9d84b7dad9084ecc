// Package deadletter quarantines event batches the transformer rejected so
// operators can inspect them. It keeps rejected payloads only; accepted
// events are never stored.
package deadletter

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Store holds rejected batches.
// Implementations must be safe for concurrent use.
type Store interface {
	// Put stores an entry. A missing ID or Timestamp is filled in, and the
	// stored ID is returned.
	Put(ctx context.Context, entry Entry) (string, error)

	// Get returns one entry or ErrNotFound.
	Get(ctx context.Context, id string) (Entry, error)

	// List returns up to limit entries, newest first. limit <= 0 returns all.
	List(ctx context.Context, limit int) ([]Entry, error)

	// Delete removes an entry. Deleting a missing entry is not an error.
	Delete(ctx context.Context, id string) error

	// Len returns the number of stored entries.
	Len(ctx context.Context) (int, error)

	// Close releases any resources (connections, files).
	Close() error
}

// Entry is one quarantined batch.
type Entry struct {
	ID            string    `json:"id"`
	CorrelationID string    `json:"correlationId"`
	RoutingKey    string    `json:"routingKey,omitempty"`
	Reason        string    `json:"reason"`
	Payload       []byte    `json:"payload"`
	Timestamp     time.Time `json:"timestamp"`
}

// Sentinel errors for dead-letter operations.
var (
	// ErrNotFound indicates an entry doesn't exist.
	ErrNotFound = errors.New("dead-letter entry not found")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("dead-letter store closed")
)

// prepare fills in defaults and copies the payload so the store never
// retains the caller's slice.
func prepare(e Entry) Entry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	e.Payload = append([]byte{}, e.Payload...)
	return e
}

// Open returns a SQLiteStore for path, or a MemoryStore when path is empty
// or ":memory:".
func Open(path string, maxSize int) (Store, error) {
	if path == "" || path == ":memory:" {
		return NewMemoryStore(maxSize), nil
	}
	return NewSQLiteStore(path)
}
