package stomprelay_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	gwerrors "github.com/randalmurphal/eventgateway/pkg/eventgateway/errors"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/hub"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/notification"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/routing"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/stomprelay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func engineDoc(service string) *notification.Document {
	d := notification.NewDocument()
	d.Set("serviceName", service)
	d.Set("appName", "app")
	d.Set("processDefinitionKey", "Simple")
	d.Set("processInstanceId", "12")
	d.Set("businessKey", "")
	return d
}

func TestBridge_Send(t *testing.T) {
	broker := newFakeBroker()
	var available atomic.Bool
	b := stomprelay.NewBridge(broker, routing.MustNewResolver(),
		stomprelay.WithAvailability(func(v bool) { available.Store(v) }))

	require.NoError(t, b.Send(context.Background(), engineDoc("my-rb"), "engineEvents.my-rb.app.Simple.12._"))
	assert.True(t, b.Connected())
	assert.True(t, available.Load())

	sess := waitSession(t, broker)
	frames := sess.sentFrames()
	require.Len(t, frames, 1)
	assert.Equal(t, "/topic/engineEvents.my-rb.app.Simple.12._", frames[0].destination)
	assert.JSONEq(t,
		`{"serviceName":"my-rb","appName":"app","processDefinitionKey":"Simple","processInstanceId":"12","businessKey":""}`,
		frames[0].body)
}

func TestBridge_SendFailureBreaksSession(t *testing.T) {
	broker := newFakeBroker()
	b := stomprelay.NewBridge(broker, routing.MustNewResolver(), stomprelay.WithRetry(fastRetry))
	ctx := context.Background()

	require.NoError(t, b.Send(ctx, engineDoc("a"), "k1"))
	first := waitSession(t, broker)

	broker.mu.Lock()
	broker.sendErr = errors.New("broken pipe")
	broker.mu.Unlock()

	err := b.Send(ctx, engineDoc("a"), "k2")
	require.Error(t, err)
	assert.True(t, gwerrors.IsRetryable(err))
	assert.False(t, b.Connected())
	assert.True(t, first.isDisconnected())

	broker.mu.Lock()
	broker.sendErr = nil
	broker.mu.Unlock()

	require.NoError(t, b.Send(ctx, engineDoc("a"), "k3"))
	second := waitSession(t, broker)
	require.Len(t, second.sentFrames(), 1)
	assert.Equal(t, "/topic/k3", second.sentFrames()[0].destination)
}

func TestBridge_ReconnectBackoff(t *testing.T) {
	broker := newFakeBroker()
	broker.dialErrs = []error{errors.New("refused")}
	b := stomprelay.NewBridge(broker, routing.MustNewResolver(), stomprelay.WithRetry(gwerrors.RetryConfig{
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     time.Second,
		BackoffFactor:  2,
	}))
	ctx := context.Background()

	err := b.Send(ctx, engineDoc("a"), "k")
	require.Error(t, err)
	assert.True(t, gwerrors.IsRetryable(err))

	// within the backoff window no dial is attempted
	err = b.Send(ctx, engineDoc("a"), "k")
	require.Error(t, err)
	assert.Equal(t, 1, broker.dialCount())

	time.Sleep(60 * time.Millisecond)
	require.NoError(t, b.Send(ctx, engineDoc("a"), "k"))
	assert.Equal(t, 2, broker.dialCount())
}

func TestBridge_GivesUpAfterMaxRetries(t *testing.T) {
	broker := newFakeBroker()
	broker.dialErrs = []error{errors.New("refused"), errors.New("refused")}
	b := stomprelay.NewBridge(broker, routing.MustNewResolver(), stomprelay.WithRetry(gwerrors.RetryConfig{
		MaxAttempts:    1,
		InitialBackoff: time.Nanosecond,
		BackoffFactor:  1,
	}))
	ctx := context.Background()

	require.Error(t, b.Send(ctx, engineDoc("a"), "k"))
	time.Sleep(time.Millisecond)
	err := b.Send(ctx, engineDoc("a"), "k")
	assert.ErrorIs(t, err, gwerrors.ErrSinkClosed)
	assert.True(t, gwerrors.IsPermanent(err))
	assert.ErrorIs(t, b.Send(ctx, engineDoc("a"), "k"), gwerrors.ErrSinkClosed)
}

func TestBridge_Attach(t *testing.T) {
	h := hub.New(hub.Config[*notification.Document]{Capacity: 16})
	require.NoError(t, h.Start())
	defer h.Stop()

	broker := newFakeBroker()
	b := stomprelay.NewBridge(broker, routing.MustNewResolver())
	assert.Nil(t, b.Done())
	require.NoError(t, b.Attach(h))

	require.NoError(t, h.Publish(context.Background(), engineDoc("rb")))
	sess := waitSession(t, broker)
	require.Eventually(t, func() bool { return len(sess.sentFrames()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, "/topic/engineEvents.rb.app.Simple.12._", sess.sentFrames()[0].destination)

	require.NoError(t, b.Close())
	<-b.Done()
	assert.True(t, sess.isDisconnected())
	assert.Zero(t, h.Subscribers())
	assert.NoError(t, b.Err())
}
