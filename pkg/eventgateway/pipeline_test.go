package eventgateway_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventgateway/pkg/eventgateway"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/config"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/consumer"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/deadletter"
	gwerrors "github.com/randalmurphal/eventgateway/pkg/eventgateway/errors"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/notification"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/producer"
)

const batchJSON = `[
	{"eventType":"START","serviceName":"rb","appName":"app","processDefinitionKey":"Simple","processInstanceId":"12","businessKey":"","id":"e1"},
	{"eventType":"END","serviceName":"rb","appName":"app","processDefinitionKey":"Simple","processInstanceId":"12","businessKey":"","id":"e2"},
	{"eventType":"START","serviceName":"other","appName":"app","processDefinitionKey":"Simple","processInstanceId":"13","businessKey":"bk","id":"e3"}
]`

type sent struct {
	key string
	doc *notification.Document
}

type recordingSender struct {
	mu   sync.Mutex
	sent []sent
}

func (s *recordingSender) Send(_ context.Context, doc *notification.Document, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sent{key: key, doc: doc})
	return nil
}

func (s *recordingSender) keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, len(s.sent))
	for i, x := range s.sent {
		keys[i] = x.key
	}
	return keys
}

func newPipeline(t *testing.T, opts ...eventgateway.Option) *eventgateway.Pipeline {
	t.Helper()
	p, err := eventgateway.New(config.DefaultSettings(), opts...)
	require.NoError(t, err)
	return p
}

func TestNew_InvalidSettings(t *testing.T) {
	s := config.DefaultSettings()
	s.Hub.Capacity = 0
	s.Routing.Template = "engineEvents.${"

	_, err := eventgateway.New(s)
	require.Error(t, err)
	assert.ErrorContains(t, err, "hub.capacity")
	assert.ErrorContains(t, err, "routing.template")
}

func TestPipeline_Lifecycle(t *testing.T) {
	var (
		mu        sync.Mutex
		available []bool
	)
	p := newPipeline(t, eventgateway.WithAvailability(func(v bool) {
		mu.Lock()
		available = append(available, v)
		mu.Unlock()
	}))
	ctx := context.Background()

	assert.ErrorIs(t, p.Stop(), eventgateway.ErrNotStarted)
	assert.False(t, p.Running())

	require.NoError(t, p.Start(ctx))
	assert.True(t, p.Running())
	assert.True(t, p.Hub().Running())
	assert.ErrorIs(t, p.Start(ctx), eventgateway.ErrAlreadyStarted)

	require.NoError(t, p.Stop())
	assert.False(t, p.Running())
	assert.False(t, p.Hub().Running())
	assert.NoError(t, p.Stop())
	assert.ErrorIs(t, p.Start(ctx), eventgateway.ErrStopped)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false}, available)
}

func TestPipeline_EndToEnd(t *testing.T) {
	sender := &recordingSender{}
	p := newPipeline(t, eventgateway.WithSender("test", sender))
	ctx := context.Background()
	require.NoError(t, p.Start(ctx))
	defer p.Stop()

	stream, err := p.Publishers().Open(ctx, []string{"engineEvents.rb.**"})
	require.NoError(t, err)
	defer stream.Cancel()

	res, err := p.HandleJSON(ctx, []byte(batchJSON), "engine-events")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Events)
	assert.Equal(t, 2, res.Documents)
	assert.Equal(t, 2, res.Published)
	assert.NotEmpty(t, res.CorrelationID)

	select {
	case doc := <-stream.C():
		assert.Equal(t, "engineEvents.rb.app.Simple.12._", p.Resolver().Resolve(doc))
		assert.Len(t, doc.Bucket("START"), 1)
		assert.Len(t, doc.Bucket("END"), 1)
	case <-time.After(time.Second):
		t.Fatal("stream received nothing")
	}

	assert.Eventually(t, func() bool { return len(sender.keys()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{
		"engineEvents.rb.app.Simple.12._",
		"engineEvents.other.app.Simple.13.bk",
	}, sender.keys())

	select {
	case doc := <-stream.C():
		t.Fatalf("unexpected document for another service: %v", doc)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestPipeline_PermanentSenderFailureEndsOnlyThatGateway(t *testing.T) {
	healthy := &recordingSender{}
	broken := producer.SenderFunc(func(context.Context, *notification.Document, string) error {
		return gwerrors.ErrSinkClosed
	})
	p := newPipeline(t,
		eventgateway.WithSender("broken", broken),
		eventgateway.WithSender("healthy", healthy),
	)
	ctx := context.Background()
	require.NoError(t, p.Start(ctx))
	defer p.Stop()

	_, err := p.HandleJSON(ctx, []byte(batchJSON), "")
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return len(healthy.keys()) == 2 }, time.Second, 5*time.Millisecond)

	_, err = p.HandleJSON(ctx, []byte(batchJSON), "")
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return len(healthy.keys()) == 4 }, time.Second, 5*time.Millisecond)
}

func TestPipeline_DeadLetter(t *testing.T) {
	store := deadletter.NewMemoryStore(10)
	defer store.Close()

	p := newPipeline(t, eventgateway.WithDeadLetter(store))
	ctx := context.Background()
	require.NoError(t, p.Start(ctx))
	defer p.Stop()

	_, err := p.HandleJSON(ctx, []byte(`[{"eventType":"START"}, 42]`), "rk")
	var te *gwerrors.TransformError
	require.ErrorAs(t, err, &te)

	p.Reject(ctx, []byte(`not json`), "rk.raw")

	entries, err := store.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "rk.raw", entries[0].RoutingKey)
	assert.Equal(t, []byte(`not json`), entries[0].Payload)
	assert.Equal(t, "rk", entries[1].RoutingKey)
	assert.Same(t, store, p.DeadLetter())
}

type chanSource struct {
	batches chan notification.EventBatch
}

func (s *chanSource) Run(ctx context.Context, handle consumer.Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case b := <-s.batches:
			_ = handle(ctx, b)
		}
	}
}

func TestPipeline_Sources(t *testing.T) {
	src := &chanSource{batches: make(chan notification.EventBatch, 1)}
	sender := &recordingSender{}
	p := newPipeline(t, eventgateway.WithSource(src), eventgateway.WithSender("test", sender))
	require.NoError(t, p.Start(context.Background()))

	src.batches <- notification.NewBatch("engine-events", map[string]any{
		"eventType": "START", "serviceName": "rb", "appName": "a",
		"processDefinitionKey": "P", "processInstanceId": "1", "businessKey": "b",
	})
	assert.Eventually(t, func() bool { return len(sender.keys()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"engineEvents.rb.a.P.1.b"}, sender.keys())

	// Stop waits for the source to return.
	require.NoError(t, p.Stop())
}

func TestPipeline_Accessors(t *testing.T) {
	s := config.DefaultSettings()
	s.Subscription.FieldName = "orderEvents"
	p, err := eventgateway.New(s)
	require.NoError(t, err)

	assert.Equal(t, "orderEvents", p.Executor().FieldName())
	assert.Equal(t, s.Transform.AttributeKeys, p.Transformer().AttributeKeys())
	assert.NotNil(t, p.Consumer())
	assert.Nil(t, p.DeadLetter())
	assert.Equal(t, "orderEvents", p.Settings().Subscription.FieldName)
}
