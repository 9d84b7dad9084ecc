package nats

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventgateway/pkg/eventgateway/messaging"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/notification"
)

type fakeConn struct {
	mu        sync.Mutex
	subject   string
	queue     string
	ch        chan *nats.Msg
	published []*nats.Msg
	subErr    error
	pubErr    error
	ready     chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{ready: make(chan struct{})}
}

func (f *fakeConn) ChanSubscribe(subject string, ch chan *nats.Msg) (*nats.Subscription, error) {
	return f.ChanQueueSubscribe(subject, "", ch)
}

func (f *fakeConn) ChanQueueSubscribe(subject, queue string, ch chan *nats.Msg) (*nats.Subscription, error) {
	if f.subErr != nil {
		return nil, f.subErr
	}
	f.mu.Lock()
	f.subject, f.queue, f.ch = subject, queue, ch
	f.mu.Unlock()
	close(f.ready)
	return &nats.Subscription{}, nil
}

func (f *fakeConn) PublishMsg(msg *nats.Msg) error {
	if f.pubErr != nil {
		return f.pubErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeConn) push(data, routingKey string) {
	msg := nats.NewMsg(f.subject)
	msg.Data = []byte(data)
	if routingKey != "" {
		msg.Header.Set(messaging.RoutingKeyHeader, routingKey)
	}
	f.ch <- msg
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "engineEvents.rb.app.P.1._", Subject("", "engineEvents.rb.app.P.1._"))
	assert.Equal(t, "notify.engineEvents.rb", Subject("notify", "engineEvents.rb"))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, nats.DefaultURL, cfg.URL)
	assert.Equal(t, "engine-events", cfg.Subject)
	assert.Equal(t, -1, cfg.MaxReconnects)
}

func TestSender_Send(t *testing.T) {
	conn := newFakeConn()
	s := NewSender(conn, "gw")

	doc := notification.NewDocument()
	doc.Set("serviceName", "rb")
	doc.Set("START", []any{"e1"})

	require.NoError(t, s.Send(context.Background(), doc, "engineEvents.rb.app.P.1._"))
	require.Len(t, conn.published, 1)

	msg := conn.published[0]
	assert.Equal(t, "gw.engineEvents.rb.app.P.1._", msg.Subject)
	assert.Equal(t, "engineEvents.rb.app.P.1._", msg.Header.Get(messaging.RoutingKeyHeader))
	assert.JSONEq(t, `{"serviceName":"rb","START":["e1"]}`, string(msg.Data))
}

func TestSender_Errors(t *testing.T) {
	conn := newFakeConn()
	conn.pubErr = nats.ErrConnectionClosed
	s := NewSender(conn, "")

	err := s.Send(context.Background(), notification.NewDocument(), "k")
	assert.ErrorIs(t, err, nats.ErrConnectionClosed)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Send(ctx, notification.NewDocument(), "k"), context.Canceled)
}

func TestSource_Run(t *testing.T) {
	conn := newFakeConn()

	var (
		mu       sync.Mutex
		batches  []notification.EventBatch
		rejected []string
	)
	src := NewSource(conn, "", WithQueue("gateways"), WithReject(func(_ context.Context, data []byte, key string) {
		mu.Lock()
		rejected = append(rejected, key+":"+string(data))
		mu.Unlock()
	}))
	assert.Equal(t, "engine-events", src.Subject())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- src.Run(ctx, func(_ context.Context, b notification.EventBatch) error {
			mu.Lock()
			batches = append(batches, b)
			mu.Unlock()
			return errors.New("handler errors do not stop the source")
		})
	}()

	select {
	case <-conn.ready:
	case <-time.After(time.Second):
		t.Fatal("source did not subscribe")
	}
	assert.Equal(t, "engine-events", conn.subject)
	assert.Equal(t, "gateways", conn.queue)

	conn.push(`[{"eventType":"START","serviceName":"rb"}]`, "rk.1")
	conn.push(`not json`, "rk.2")
	conn.push(`[]`, "")

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(batches) == 2 && len(rejected) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "rk.1", batches[0].RoutingKey)
	require.Len(t, batches[0].Events, 1)
	ev, ok := batches[0].Events[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "START", ev["eventType"])
	assert.Empty(t, batches[1].RoutingKey)
	assert.Empty(t, batches[1].Events)
	assert.Equal(t, []string{"rk.2:not json"}, rejected)
}

func TestSource_SubscribeError(t *testing.T) {
	conn := newFakeConn()
	conn.subErr = nats.ErrBadSubject
	err := NewSource(conn, "x").Run(context.Background(), func(context.Context, notification.EventBatch) error { return nil })
	assert.ErrorIs(t, err, nats.ErrBadSubject)
}
