package deadletter

import (
	"context"
	"sync"
)

// DefaultMaxSize bounds a MemoryStore created with maxSize <= 0.
const DefaultMaxSize = 10000

// MemoryStore is a bounded in-memory store. When full, the oldest entry is
// evicted. Data is lost when the process exits.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry // oldest first
	maxSize int
	closed  bool
}

// NewMemoryStore creates a store holding at most maxSize entries.
func NewMemoryStore(maxSize int) *MemoryStore {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &MemoryStore{maxSize: maxSize}
}

// MaxSize returns the capacity.
func (m *MemoryStore) MaxSize() int { return m.maxSize }

// Put implements Store.
func (m *MemoryStore) Put(_ context.Context, entry Entry) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return "", ErrStoreClosed
	}

	entry = prepare(entry)
	for i := range m.entries {
		if m.entries[i].ID == entry.ID {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			break
		}
	}
	if len(m.entries) >= m.maxSize {
		m.entries = m.entries[len(m.entries)-m.maxSize+1:]
	}
	m.entries = append(m.entries, entry)
	return entry.ID, nil
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, id string) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return Entry{}, ErrStoreClosed
	}
	for _, e := range m.entries {
		if e.ID == id {
			return clone(e), nil
		}
	}
	return Entry{}, ErrNotFound
}

// List implements Store.
func (m *MemoryStore) List(_ context.Context, limit int) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	n := len(m.entries)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Entry, 0, n)
	for i := len(m.entries) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, clone(m.entries[i]))
	}
	return out, nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	for i := range m.entries {
		if m.entries[i].ID == id {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			return nil
		}
	}
	return nil
}

// Len implements Store.
func (m *MemoryStore) Len(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, ErrStoreClosed
	}
	return len(m.entries), nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.entries = nil
	return nil
}

func clone(e Entry) Entry {
	e.Payload = append([]byte(nil), e.Payload...)
	return e
}
