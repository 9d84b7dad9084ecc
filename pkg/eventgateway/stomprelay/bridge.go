package stomprelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	gwerrors "github.com/randalmurphal/eventgateway/pkg/eventgateway/errors"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/hub"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/notification"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/observability"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/producer"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/routing"
)

// SinkName identifies the bridge in logs and metrics.
const SinkName = "stomp"

var errReconnectPending = errors.New("stomp reconnect pending")

// Bridge forwards hub notifications to the broker at /topic/<routingKey>.
// It implements producer.Sender; a failed send breaks the session and the
// next send reconnects on the backoff schedule.
type Bridge struct {
	dialer   Dialer
	resolver routing.KeyResolver
	opts     options

	mu       sync.Mutex
	session  Session
	backoff  *gwerrors.Backoff
	failures int
	retryAt  time.Time
	closed   bool

	gateway *producer.Gateway
}

// NewBridge creates a bridge. Call Attach to start forwarding.
func NewBridge(dialer Dialer, resolver routing.KeyResolver, opts ...Option) *Bridge {
	o := applyOptions(opts)
	return &Bridge{
		dialer:   dialer,
		resolver: resolver,
		opts:     o,
		backoff:  gwerrors.NewBackoff(o.retry),
	}
}

// Attach subscribes the bridge to h.
func (b *Bridge) Attach(h *hub.Hub[*notification.Document]) error {
	b.gateway = producer.NewGateway(b.resolver, b,
		producer.WithName(SinkName),
		producer.WithGatewayLogger(b.opts.logger),
		producer.WithGatewayMetrics(b.opts.metrics),
	)
	return b.gateway.Attach(h)
}

// Detach ends the hub subscription without closing the bridge, so it can
// be attached again.
func (b *Bridge) Detach() {
	if b.gateway != nil {
		b.gateway.Detach()
	}
}

// Done is closed when the hub subscription ends. It is nil before Attach.
func (b *Bridge) Done() <-chan struct{} {
	if b.gateway == nil {
		return nil
	}
	return b.gateway.Done()
}

// Err reports the permanent failure that ended the bridge.
func (b *Bridge) Err() error {
	if b.gateway == nil {
		return nil
	}
	return b.gateway.Err()
}

// Connected reports whether a broker session is up.
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.session != nil
}

// Send implements producer.Sender.
func (b *Bridge) Send(ctx context.Context, doc *notification.Document, routingKey string) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return gwerrors.Transient(err, "encode notification")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return gwerrors.ErrSinkClosed
	}
	sess, err := b.connectLocked(ctx)
	if err != nil {
		return err
	}
	if err := sess.Send(Destination(routingKey), "application/json", body); err != nil {
		b.breakLocked()
		return gwerrors.Transient(err, "stomp send")
	}
	return nil
}

func (b *Bridge) connectLocked(ctx context.Context) (Session, error) {
	if b.session != nil {
		return b.session, nil
	}
	if time.Now().Before(b.retryAt) {
		return nil, gwerrors.Transient(errReconnectPending, "stomp connect")
	}

	sess, err := b.dialer.Dial(ctx)
	if err != nil {
		b.failures++
		if limit := b.opts.retry.MaxAttempts; limit > 0 && b.failures > limit {
			b.closed = true
			return nil, fmt.Errorf("%w: gave up after %d reconnect attempts: %w", gwerrors.ErrSinkClosed, b.failures-1, err)
		}
		delay := b.backoff.Next()
		b.retryAt = time.Now().Add(delay)
		observability.LogReconnect(b.opts.logger, SinkName, b.failures, delay, err)
		return nil, gwerrors.Transient(err, "stomp connect")
	}

	b.failures = 0
	b.backoff.Reset()
	b.retryAt = time.Time{}
	b.session = sess
	b.opts.setAvailable(true)
	return sess, nil
}

func (b *Bridge) breakLocked() {
	if b.session == nil {
		return
	}
	_ = b.session.Disconnect()
	b.session = nil
	b.opts.setAvailable(false)
}

// Close detaches from the hub and disconnects.
func (b *Bridge) Close() error {
	b.Detach()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.breakLocked()
	return nil
}
