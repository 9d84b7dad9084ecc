// Package transform aggregates raw engine events into notification documents.
package transform

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	gwerrors "github.com/randalmurphal/eventgateway/pkg/eventgateway/errors"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/notification"
)

// DefaultAttributeKeys are the identity attributes events are grouped by.
var DefaultAttributeKeys = []string{
	"serviceName",
	"appName",
	"processDefinitionKey",
	"processInstanceId",
	"businessKey",
}

const (
	// DefaultTypeKey names the event attribute holding the event type.
	DefaultTypeKey = "eventType"

	// DefaultEntityKey names the event attribute holding the entity payload.
	DefaultEntityKey = "entity"
)

// PayloadMode selects what is appended to a type bucket.
type PayloadMode int

const (
	// PayloadFullEvent appends the whole event.
	PayloadFullEvent PayloadMode = iota

	// PayloadEntity appends only the entity sub-map.
	PayloadEntity
)

// String returns the configuration name of the mode.
func (m PayloadMode) String() string {
	if m == PayloadEntity {
		return "entity"
	}
	return "event"
}

// ParsePayloadMode converts "event" or "entity" to a PayloadMode.
func ParsePayloadMode(s string) (PayloadMode, error) {
	switch strings.ToLower(s) {
	case "", "event":
		return PayloadFullEvent, nil
	case "entity":
		return PayloadEntity, nil
	default:
		return PayloadFullEvent, fmt.Errorf("unknown payload mode %q", s)
	}
}

// NullPolicy controls events whose identity attribute is present but null.
type NullPolicy int

const (
	// NullGroup groups null values together as their own identity value.
	NullGroup NullPolicy = iota

	// NullDrop excludes such events, like a missing attribute.
	NullDrop
)

// String returns the configuration name of the policy.
func (p NullPolicy) String() string {
	if p == NullDrop {
		return "drop"
	}
	return "group"
}

// ParseNullPolicy converts "group" or "drop" to a NullPolicy.
func ParseNullPolicy(s string) (NullPolicy, error) {
	switch strings.ToLower(s) {
	case "", "group":
		return NullGroup, nil
	case "drop":
		return NullDrop, nil
	default:
		return NullGroup, fmt.Errorf("unknown null policy %q", s)
	}
}

// Stats summarizes one transform call.
type Stats struct {
	// Transformed is the number of events aggregated into documents.
	Transformed int

	// Dropped is the number of events excluded for a missing identity
	// attribute or an unusable type. A type naming an identity attribute
	// is unusable.
	Dropped int

	// Documents is the number of documents produced.
	Documents int
}

// Transformer groups events by their identity attributes and buckets their
// payloads by event type. It is immutable after construction and safe for
// concurrent use.
type Transformer struct {
	attributeKeys []string
	typeKey       string
	entityKey     string
	payload       PayloadMode
	nulls         NullPolicy
	logger        *slog.Logger
}

// Option configures a Transformer.
type Option func(*Transformer)

// WithAttributeKeys sets the identity attributes in document order.
func WithAttributeKeys(keys []string) Option {
	return func(t *Transformer) {
		if len(keys) > 0 {
			t.attributeKeys = append([]string(nil), keys...)
		}
	}
}

// WithAttributeKeyList sets the identity attributes from a comma-separated list.
func WithAttributeKeyList(list string) Option {
	return WithAttributeKeys(SplitKeyList(list))
}

// WithTypeKey sets the event type attribute.
func WithTypeKey(key string) Option {
	return func(t *Transformer) {
		if key != "" {
			t.typeKey = key
		}
	}
}

// WithPayloadMode selects full-event or entity payloads.
func WithPayloadMode(mode PayloadMode) Option {
	return func(t *Transformer) {
		t.payload = mode
	}
}

// WithEntityKey sets the attribute read in entity payload mode.
func WithEntityKey(key string) Option {
	return func(t *Transformer) {
		if key != "" {
			t.entityKey = key
		}
	}
}

// WithNullPolicy sets how null identity values are treated.
func WithNullPolicy(p NullPolicy) Option {
	return func(t *Transformer) {
		t.nulls = p
	}
}

// WithLogger sets the logger used for dropped-event diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transformer) {
		t.logger = logger
	}
}

// New creates a Transformer.
func New(opts ...Option) *Transformer {
	t := &Transformer{
		attributeKeys: append([]string(nil), DefaultAttributeKeys...),
		typeKey:       DefaultTypeKey,
		entityKey:     DefaultEntityKey,
		payload:       PayloadFullEvent,
		nulls:         NullGroup,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// AttributeKeys returns the identity attributes.
func (t *Transformer) AttributeKeys() []string {
	return append([]string(nil), t.attributeKeys...)
}

// TypeKey returns the event type attribute.
func (t *Transformer) TypeKey() string {
	return t.typeKey
}

// SplitKeyList splits a comma-separated list, trimming blanks.
func SplitKeyList(list string) []string {
	var keys []string
	for _, k := range strings.Split(list, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// Transform aggregates events into documents, one per distinct identity
// tuple, in first-occurrence order. A malformed element fails the whole
// call with *errors.TransformError.
func (t *Transformer) Transform(events []any) ([]*notification.Document, error) {
	docs, _, err := t.TransformWithStats(events)
	return docs, err
}

// TransformBatch transforms the events of batch.
func (t *Transformer) TransformBatch(batch notification.EventBatch) ([]*notification.Document, error) {
	return t.Transform(batch.Events)
}

type group struct {
	doc *notification.Document
}

// TransformWithStats is Transform that also reports how many events were
// aggregated and dropped.
func (t *Transformer) TransformWithStats(events []any) ([]*notification.Document, Stats, error) {
	var stats Stats
	groups := make(map[string]*group)
	docs := make([]*notification.Document, 0)

	for i, item := range events {
		event, ok := item.(map[string]any)
		if !ok {
			return nil, Stats{}, &gwerrors.TransformError{
				Index:  i,
				Reason: fmt.Sprintf("expected object, got %T", item),
			}
		}

		identity, ok := t.identity(event)
		if !ok {
			stats.Dropped++
			t.logger.Debug("event dropped", slog.Int("index", i), slog.String("reason", "identity"))
			continue
		}

		eventType, ok := event[t.typeKey].(string)
		if !ok || slices.Contains(t.attributeKeys, eventType) {
			stats.Dropped++
			t.logger.Debug("event dropped", slog.Int("index", i), slog.String("reason", "type"))
			continue
		}

		payload, err := t.payloadOf(event)
		if err != nil {
			return nil, Stats{}, &gwerrors.TransformError{Index: i, Reason: err.Error()}
		}

		key := groupKey(identity)
		g, exists := groups[key]
		if !exists {
			doc := notification.NewDocument()
			for j, attr := range t.attributeKeys {
				doc.Set(attr, identity[j])
			}
			g = &group{doc: doc}
			groups[key] = g
			docs = append(docs, doc)
		}

		bucket := g.doc.Bucket(eventType)
		g.doc.Set(eventType, append(bucket, payload))
		stats.Transformed++
	}

	stats.Documents = len(docs)
	return docs, stats, nil
}

// identity returns the identity values of event in configured order.
// It reports false when an attribute is absent, or null under NullDrop.
func (t *Transformer) identity(event map[string]any) ([]any, bool) {
	values := make([]any, len(t.attributeKeys))
	for i, attr := range t.attributeKeys {
		v, ok := event[attr]
		if !ok {
			return nil, false
		}
		if v == nil && t.nulls == NullDrop {
			return nil, false
		}
		values[i] = v
	}
	return values, true
}

func (t *Transformer) payloadOf(event map[string]any) (any, error) {
	if t.payload == PayloadFullEvent {
		return event, nil
	}
	entity, ok := event[t.entityKey]
	if !ok || entity == nil {
		return nil, nil
	}
	if _, isMap := entity.(map[string]any); !isMap {
		return nil, fmt.Errorf("%s: expected object, got %T", t.entityKey, entity)
	}
	return entity, nil
}

// groupKey encodes identity values so that equal values, including nil and
// numbers with the same JSON text, produce equal keys.
func groupKey(values []any) string {
	b, err := json.Marshal(values)
	if err != nil {
		return fmt.Sprintf("%#v", values)
	}
	return string(b)
}

// Decode parses a JSON array of events. Numbers decode as json.Number so
// identifiers survive unchanged.
func Decode(data []byte) ([]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var events []any
	if err := dec.Decode(&events); err != nil {
		return nil, &gwerrors.TransformError{Index: -1, Reason: "decode batch", Err: err}
	}
	if dec.More() {
		return nil, &gwerrors.TransformError{Index: -1, Reason: "trailing data after batch"}
	}
	if events == nil {
		events = []any{}
	}
	return events, nil
}
