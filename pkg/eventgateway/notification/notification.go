// Package notification defines the data carried through the pipeline:
// raw engine events, inbound batches and aggregated notification documents.
package notification

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// RawEvent is one engine-emitted event record.
// The pipeline never mutates a RawEvent.
type RawEvent = map[string]any

// EventBatch is an ordered sequence of events delivered together.
type EventBatch struct {
	// Events normally holds RawEvent values. Any other element makes the
	// batch malformed.
	Events []any

	// RoutingKey is the delivery header. It records provenance and is
	// never used for output routing.
	RoutingKey string

	// CorrelationID ties log lines of one delivery together.
	CorrelationID string
}

// NewBatch wraps raw events in a batch.
func NewBatch(routingKey string, events ...RawEvent) EventBatch {
	items := make([]any, len(events))
	for i, e := range events {
		items[i] = e
	}
	return EventBatch{Events: items, RoutingKey: routingKey}
}

// Document is an insertion-ordered string-keyed map.
// Identity attributes come first, followed by type buckets.
//
// A Document is not safe for concurrent mutation. Documents leaving the
// transformer are treated as read-only by every subscriber.
type Document struct {
	keys   []string
	values map[string]any
}

// NewDocument creates an empty document.
func NewDocument() *Document {
	return &Document{values: make(map[string]any)}
}

// Set stores value under key. A new key is appended to the iteration order;
// an existing key keeps its position.
func (d *Document) Set(key string, value any) {
	if d.values == nil {
		d.values = make(map[string]any)
	}
	if _, ok := d.values[key]; !ok {
		d.keys = append(d.keys, key)
	}
	d.values[key] = value
}

// Get returns the value for key and whether it is present.
func (d *Document) Get(key string) (any, bool) {
	if d == nil {
		return nil, false
	}
	v, ok := d.values[key]
	return v, ok
}

// Has reports whether key is present.
func (d *Document) Has(key string) bool {
	_, ok := d.Get(key)
	return ok
}

// Keys returns the keys in insertion order.
func (d *Document) Keys() []string {
	if d == nil {
		return nil
	}
	out := make([]string, len(d.keys))
	copy(out, d.keys)
	return out
}

// Len returns the number of keys.
func (d *Document) Len() int {
	if d == nil {
		return 0
	}
	return len(d.keys)
}

// Map returns an unordered copy of the document.
func (d *Document) Map() map[string]any {
	out := make(map[string]any, d.Len())
	if d == nil {
		return out
	}
	for k, v := range d.values {
		out[k] = v
	}
	return out
}

// Bucket returns the payload list stored under a type key.
func (d *Document) Bucket(eventType string) []any {
	v, ok := d.Get(eventType)
	if !ok {
		return nil
	}
	list, _ := v.([]any)
	return list
}

// MarshalJSON writes the document as a JSON object in insertion order.
func (d *Document) MarshalJSON() ([]byte, error) {
	if d == nil {
		return []byte("null"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range d.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(d.values[k])
		if err != nil {
			return nil, fmt.Errorf("marshal %q: %w", k, err)
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a JSON object, keeping the source key order.
// Nested values decode as generic maps with json.Number numbers.
func (d *Document) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("notification document: expected object, got %v", tok)
	}

	d.keys = nil
	d.values = make(map[string]any)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("notification document: expected key, got %v", tok)
		}
		var value any
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("notification document: value of %q: %w", key, err)
		}
		d.Set(key, value)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	return nil
}

// String renders the document as JSON for logging.
func (d *Document) String() string {
	b, err := d.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("<document: %v>", err)
	}
	return string(b)
}
