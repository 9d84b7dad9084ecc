package producer_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	gwerrors "github.com/randalmurphal/eventgateway/pkg/eventgateway/errors"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/hub"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/notification"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/producer"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/routing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func doc(service, app string) *notification.Document {
	d := notification.NewDocument()
	d.Set("serviceName", service)
	d.Set("appName", app)
	d.Set("processDefinitionKey", "Simple")
	d.Set("processInstanceId", "12")
	d.Set("businessKey", "")
	return d
}

func startHub(t *testing.T) *hub.Hub[*notification.Document] {
	t.Helper()
	h := hub.New(hub.Config[*notification.Document]{Capacity: 64})
	require.NoError(t, h.Start())
	t.Cleanup(func() { _ = h.Stop() })
	return h
}

type recordingSender struct {
	mu   sync.Mutex
	keys []string
	err  func(n int) error
	n    int
}

func (s *recordingSender) Send(_ context.Context, _ *notification.Document, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.n
	s.n++
	if s.err != nil {
		if err := s.err(n); err != nil {
			return err
		}
	}
	s.keys = append(s.keys, key)
	return nil
}

func (s *recordingSender) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.keys...)
}

func TestGateway_Handle(t *testing.T) {
	sender := &recordingSender{}
	g := producer.NewGateway(routing.MustNewResolver(), sender, producer.WithName("nats"))
	assert.Equal(t, "nats", g.Name())

	require.NoError(t, g.Handle(context.Background(), doc("my-rb", "app")))
	assert.Equal(t, []string{"engineEvents.my-rb.app.Simple.12._"}, sender.sent())
}

func TestGateway_HandleWrapsSendErrors(t *testing.T) {
	boom := errors.New("broker unreachable")
	g := producer.NewGateway(routing.MustNewResolver(), producer.SenderFunc(
		func(context.Context, *notification.Document, string) error { return boom },
	), producer.WithName("kafka"))

	err := g.Handle(context.Background(), doc("rb", "app"))
	var sinkErr *gwerrors.ExternalSinkError
	require.True(t, errors.As(err, &sinkErr))
	assert.Equal(t, "kafka", sinkErr.Sink)
	assert.Equal(t, "engineEvents.rb.app.Simple.12._", sinkErr.RoutingKey)
	assert.ErrorIs(t, err, boom)
	assert.True(t, gwerrors.IsRetryable(err))
}

func TestGateway_TransientErrorsContinue(t *testing.T) {
	h := startHub(t)
	sender := &recordingSender{err: func(n int) error {
		if n == 0 {
			return errors.New("temporary")
		}
		return nil
	}}
	g := producer.NewGateway(routing.MustNewResolver(), sender)
	require.NoError(t, g.Attach(h))
	assert.Error(t, g.Attach(h), "attach twice")

	ctx := context.Background()
	require.NoError(t, h.Publish(ctx, doc("a", "x")))
	require.NoError(t, h.Publish(ctx, doc("b", "x")))

	require.Eventually(t, func() bool { return len(sender.sent()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "engineEvents.b.x.Simple.12._", sender.sent()[0])
	assert.NoError(t, g.Err())
}

func TestGateway_PermanentErrorEndsOnlyThatSubscriber(t *testing.T) {
	h := startHub(t)

	closed := producer.NewGateway(routing.MustNewResolver(), producer.SenderFunc(
		func(context.Context, *notification.Document, string) error {
			return fmt.Errorf("connection: %w", gwerrors.ErrSinkClosed)
		},
	), producer.WithName("closed"))
	healthy := &recordingSender{}
	other := producer.NewGateway(routing.MustNewResolver(), healthy, producer.WithName("healthy"))

	require.NoError(t, closed.Attach(h))
	require.NoError(t, other.Attach(h))

	ctx := context.Background()
	require.NoError(t, h.Publish(ctx, doc("a", "x")))

	select {
	case <-closed.Done():
	case <-time.After(time.Second):
		t.Fatal("closed gateway still attached")
	}
	assert.ErrorIs(t, closed.Err(), gwerrors.ErrSinkClosed)
	assert.ErrorIs(t, closed.Err(), hub.ErrStopSubscription)

	require.NoError(t, h.Publish(ctx, doc("b", "x")))
	require.Eventually(t, func() bool { return len(healthy.sent()) == 2 }, time.Second, 5*time.Millisecond)
	assert.True(t, h.Running())
	assert.Equal(t, 1, h.Subscribers())
}

func TestGateway_Detach(t *testing.T) {
	h := startHub(t)
	g := producer.NewGateway(routing.MustNewResolver(), &recordingSender{})
	assert.Nil(t, g.Done())
	assert.NoError(t, g.Err())

	require.NoError(t, g.Attach(h))
	assert.Error(t, g.Attach(h))
	g.Detach()
	<-g.Done()
	assert.Zero(t, h.Subscribers())

	// a detached gateway can be attached again, as after a failed start
	require.NoError(t, g.Attach(h))
	assert.Equal(t, 1, h.Subscribers())
	g.Detach()
	<-g.Done()
	assert.Zero(t, h.Subscribers())
}

func receive(t *testing.T, s *producer.Stream) *notification.Document {
	t.Helper()
	select {
	case d, ok := <-s.C():
		require.True(t, ok, "stream closed")
		return d
	case <-time.After(time.Second):
		t.Fatal("timed out")
		return nil
	}
}

func TestPublisherFactory_Open(t *testing.T) {
	h := startHub(t)
	f := producer.NewPublisherFactory(h, routing.MustNewResolver())
	ctx := context.Background()

	narrow, err := f.Open(ctx, []string{"engineEvents.rb.*.**"})
	require.NoError(t, err)
	defer narrow.Cancel()
	wide, err := f.Open(ctx, []string{"engineEvents.**"})
	require.NoError(t, err)
	defer wide.Cancel()
	assert.Equal(t, []string{"engineEvents.rb.*.**"}, narrow.Patterns())

	require.NoError(t, h.Publish(ctx, doc("rb", "app")))
	require.NoError(t, h.Publish(ctx, doc("rb1", "app")))

	got := receive(t, narrow)
	v, _ := got.Get("serviceName")
	assert.Equal(t, "rb", v)

	for _, want := range []string{"rb", "rb1"} {
		v, _ := receive(t, wide).Get("serviceName")
		assert.Equal(t, want, v)
	}

	select {
	case d := <-narrow.C():
		t.Fatalf("unexpected document %v", d)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublisherFactory_OpenRequest(t *testing.T) {
	h := startHub(t)
	f := producer.NewPublisherFactory(h, routing.MustNewResolver())
	ctx := context.Background()

	s, err := f.OpenRequest(ctx, producer.SubscriptionRequest{
		FieldName: "engineEvents",
		Arguments: map[string]any{"appName": "billing"},
	})
	require.NoError(t, err)
	defer s.Cancel()
	assert.Equal(t, []string{"engineEvents.*.billing.**"}, s.Patterns())

	require.NoError(t, h.Publish(ctx, doc("rb", "orders")))
	require.NoError(t, h.Publish(ctx, doc("rb", "billing")))

	v, _ := receive(t, s).Get("appName")
	assert.Equal(t, "billing", v)
}

func TestStream_EndsWithContext(t *testing.T) {
	h := startHub(t)
	f := producer.NewPublisherFactory(h, routing.MustNewResolver())

	ctx, cancel := context.WithCancel(context.Background())
	s, err := f.Open(ctx, []string{"**"})
	require.NoError(t, err)
	assert.Equal(t, 1, h.Subscribers())

	cancel()
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("stream did not end")
	}
	_, ok := <-s.C()
	assert.False(t, ok)
	assert.Zero(t, h.Subscribers())
}

func TestStream_CancelIsSynchronous(t *testing.T) {
	h := startHub(t)
	f := producer.NewPublisherFactory(h, routing.MustNewResolver())

	s, err := f.Open(context.Background(), []string{"**"})
	require.NoError(t, err)
	s.Cancel()
	assert.Zero(t, h.Subscribers())
	s.Cancel()
}

func TestPublisherFactory_StoppedHub(t *testing.T) {
	h := hub.New(hub.Config[*notification.Document]{})
	require.NoError(t, h.Start())
	require.NoError(t, h.Stop())

	f := producer.NewPublisherFactory(h, routing.MustNewResolver())
	_, err := f.Open(context.Background(), []string{"**"})
	assert.ErrorIs(t, err, hub.ErrHubStopped)
}
