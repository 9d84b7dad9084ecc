package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	gwerrors "github.com/randalmurphal/eventgateway/pkg/eventgateway/errors"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/observability"
)

// Sentinel errors.
var (
	// ErrHubNotRunning is returned by Publish before Start.
	ErrHubNotRunning = errors.New("hub not running")

	// ErrHubStopped is returned by Publish, Subscribe and Start after Stop.
	ErrHubStopped = errors.New("hub stopped")

	// ErrStopSubscription, returned (or wrapped) by a SubscribeFunc handler,
	// ends that subscription only.
	ErrStopSubscription = errors.New("stop subscription")
)

// Overflow selects what Publish does when the ingress buffer is full.
type Overflow int

const (
	// DropNewest rejects the item being published.
	DropNewest Overflow = iota

	// DropOldest evicts the oldest buffered item to make room.
	DropOldest

	// Block waits for room until the context is done or the hub stops.
	// It governs the ingress buffer only; a full subscription buffer still
	// drops the newest item for that subscriber.
	Block
)

// String returns the configuration name of the policy.
func (o Overflow) String() string {
	switch o {
	case DropOldest:
		return "drop_oldest"
	case Block:
		return "block"
	default:
		return "drop_newest"
	}
}

// ParseOverflow converts a configuration name to an Overflow policy.
func ParseOverflow(s string) (Overflow, error) {
	switch strings.ToLower(strings.ReplaceAll(s, "-", "_")) {
	case "", "drop_newest":
		return DropNewest, nil
	case "drop_oldest":
		return DropOldest, nil
	case "block":
		return Block, nil
	default:
		return DropNewest, fmt.Errorf("unknown overflow policy %q", s)
	}
}

// Defaults.
const (
	DefaultCapacity        = 1024
	DefaultShutdownTimeout = 5 * time.Second
	MinShutdownTimeout     = 1 * time.Second
	MaxShutdownTimeout     = 5 * time.Second
)

// Drop reasons passed to OnDrop.
const (
	ReasonOverflow       = "overflow"
	ReasonEvicted        = "evicted"
	ReasonSubscriberFull = "subscriber buffer full"
)

// Config configures a Hub.
type Config[T any] struct {
	// Capacity is the ingress buffer size.
	// Default: 1024
	Capacity int

	// SubscriberBuffer is the per-subscription channel size.
	// Default: Capacity
	SubscriberBuffer int

	// Overflow applies when the ingress buffer is full.
	// Default: DropNewest
	Overflow Overflow

	// ShutdownTimeout bounds Stop. Values outside [1s, 5s] are clamped.
	// Default: 5s
	ShutdownTimeout time.Duration

	Logger  *slog.Logger
	Metrics observability.MetricsRecorder

	// OnDrop is called for every item that does not reach a subscriber.
	// subscriber is empty for hub-level drops.
	OnDrop func(item T, subscriber string, reason string)
}

func (c Config[T]) withDefaults() Config[T] {
	if c.Capacity <= 0 {
		c.Capacity = DefaultCapacity
	}
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = c.Capacity
	}
	switch {
	case c.ShutdownTimeout == 0:
		c.ShutdownTimeout = DefaultShutdownTimeout
	case c.ShutdownTimeout < MinShutdownTimeout:
		c.ShutdownTimeout = MinShutdownTimeout
	case c.ShutdownTimeout > MaxShutdownTimeout:
		c.ShutdownTimeout = MaxShutdownTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = observability.NoopMetrics{}
	}
	return c
}

const (
	stateCreated int32 = iota
	stateRunning
	stateStopped
)

type envelope[T any] struct {
	seq  uint64
	item T
}

// Stats is a point-in-time snapshot of hub counters.
type Stats struct {
	Published   int64
	Dropped     int64
	Subscribers int
}

// Hub is a bounded, live-only broadcast of items to any number of
// subscribers. A single dispatcher goroutine moves items from the ingress
// buffer to per-subscriber channels, so a slow subscriber only ever loses
// its own items.
type Hub[T any] struct {
	cfg     Config[T]
	logger  *slog.Logger
	metrics observability.MetricsRecorder

	// pubMu serializes Publish and guards seq.
	pubMu   sync.Mutex
	seq     uint64
	ingress chan envelope[T]

	mu   sync.RWMutex
	subs map[string]*Subscription[T]

	state        atomic.Int32
	stopCh       chan struct{}
	dispatchDone chan struct{}
	stopOnce     sync.Once
	stopErr      error

	// baseCtx parents every handler context and is cancelled last in Stop.
	baseCtx    context.Context
	baseCancel context.CancelFunc
	handlers   sync.WaitGroup

	published atomic.Int64
	dropped   atomic.Int64
}

// New creates a stopped hub. Call Start before publishing.
func New[T any](cfg Config[T]) *Hub[T] {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub[T]{
		cfg:          cfg,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		ingress:      make(chan envelope[T], cfg.Capacity),
		subs:         make(map[string]*Subscription[T]),
		stopCh:       make(chan struct{}),
		dispatchDone: make(chan struct{}),
		baseCtx:      ctx,
		baseCancel:   cancel,
	}
}

// Config returns the effective configuration.
func (h *Hub[T]) Config() Config[T] {
	return h.cfg
}

// Start launches the dispatcher. Subscriptions made before Start are kept.
// Start is idempotent while running and fails after Stop.
func (h *Hub[T]) Start() error {
	if h.state.CompareAndSwap(stateCreated, stateRunning) {
		go h.dispatch()
		h.logger.Debug("hub started",
			slog.Int("capacity", h.cfg.Capacity),
			slog.String("overflow", h.cfg.Overflow.String()),
		)
		return nil
	}
	if h.state.Load() == stateStopped {
		return ErrHubStopped
	}
	return nil
}

// Running reports whether the hub accepts publishes.
func (h *Hub[T]) Running() bool {
	return h.state.Load() == stateRunning
}

// Publish offers item to every current subscriber.
func (h *Hub[T]) Publish(ctx context.Context, item T) error {
	h.pubMu.Lock()
	defer h.pubMu.Unlock()

	switch h.state.Load() {
	case stateCreated:
		h.metrics.RecordPublish(ctx, observability.PublishRejected)
		return ErrHubNotRunning
	case stateStopped:
		h.metrics.RecordPublish(ctx, observability.PublishRejected)
		return ErrHubStopped
	}

	h.seq++
	env := envelope[T]{seq: h.seq, item: item}

	select {
	case h.ingress <- env:
		h.accepted(ctx)
		return nil
	default:
	}

	switch h.cfg.Overflow {
	case DropOldest:
		select {
		case old := <-h.ingress:
			h.drop(ctx, old.item, "", ReasonEvicted)
			h.metrics.RecordPublish(ctx, observability.PublishEvicted)
		default:
		}
		// Only the dispatcher drains ingress and we hold pubMu, so there is room now.
		h.ingress <- env
		h.accepted(ctx)
		return nil

	case Block:
		select {
		case h.ingress <- env:
			h.accepted(ctx)
			return nil
		case <-ctx.Done():
			h.metrics.RecordPublish(ctx, observability.PublishRejected)
			return ctx.Err()
		case <-h.stopCh:
			h.metrics.RecordPublish(ctx, observability.PublishRejected)
			return ErrHubStopped
		}

	default:
		err := &gwerrors.PublishOverflowError{Capacity: h.cfg.Capacity, Policy: h.cfg.Overflow.String()}
		h.drop(ctx, item, "", ReasonOverflow)
		h.metrics.RecordPublish(ctx, observability.PublishOverflow)
		return err
	}
}

func (h *Hub[T]) accepted(ctx context.Context) {
	h.published.Add(1)
	h.metrics.RecordPublish(ctx, observability.PublishAccepted)
}

func (h *Hub[T]) drop(ctx context.Context, item T, subscriber, reason string) {
	h.dropped.Add(1)
	if subscriber == "" {
		h.logger.Warn("hub dropped notification",
			slog.String("reason", reason),
			slog.Int("capacity", h.cfg.Capacity),
		)
	} else {
		observability.LogSubscriberDrop(h.logger, subscriber, reason)
		h.metrics.RecordSubscriberDrop(ctx, subscriber)
	}
	if h.cfg.OnDrop != nil {
		h.cfg.OnDrop(item, subscriber, reason)
	}
}

// dispatch runs until ingress is closed and drained.
func (h *Hub[T]) dispatch() {
	defer close(h.dispatchDone)
	for env := range h.ingress {
		h.deliver(env)
	}
}

func (h *Hub[T]) deliver(env envelope[T]) {
	h.mu.RLock()
	subs := make([]*Subscription[T], 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, s := range subs {
		if env.seq <= s.attachSeq {
			continue
		}
		if s.filter != nil && !s.filter(env.item) {
			continue
		}
		if !s.offer(env.item) {
			h.drop(context.Background(), env.item, s.name, ReasonSubscriberFull)
			s.dropped.Add(1)
		}
	}
}

// Subscribe attaches a live-only subscription. It receives items published
// after this call returns, in publish order.
func (h *Hub[T]) Subscribe(name string, opts ...SubscribeOption[T]) (*Subscription[T], error) {
	if h.state.Load() == stateStopped {
		return nil, ErrHubStopped
	}

	o := subscribeOptions[T]{buffer: h.cfg.SubscriberBuffer}
	for _, opt := range opts {
		opt(&o)
	}
	if o.buffer <= 0 {
		o.buffer = h.cfg.SubscriberBuffer
	}

	ctx, cancel := context.WithCancel(h.baseCtx)
	s := &Subscription[T]{
		id:       uuid.NewString(),
		name:     name,
		hub:      h,
		ch:       make(chan T, o.buffer),
		filter:   o.filter,
		onCancel: o.onCancel,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	// Reading seq under pubMu fixes the attach point against concurrent publishes.
	h.pubMu.Lock()
	s.attachSeq = h.seq
	h.mu.Lock()
	if h.state.Load() == stateStopped {
		h.mu.Unlock()
		h.pubMu.Unlock()
		cancel()
		return nil, ErrHubStopped
	}
	h.subs[s.id] = s
	h.mu.Unlock()
	h.pubMu.Unlock()

	h.metrics.RecordSubscribers(ctx, 1)
	h.logger.Debug("subscription attached",
		slog.String("subscriber", name),
		slog.String("subscription_id", s.id),
	)
	return s, nil
}

// HandlerFunc processes one item for a SubscribeFunc subscription.
type HandlerFunc[T any] func(ctx context.Context, item T) error

// SubscribeFunc attaches a subscription served by its own goroutine.
// Handler errors are logged and processing continues; panics are recovered
// the same way. Returning ErrStopSubscription, or an error wrapping it,
// ends this subscription and is reported by Err.
func (h *Hub[T]) SubscribeFunc(name string, fn HandlerFunc[T], opts ...SubscribeOption[T]) (*Subscription[T], error) {
	s, err := h.Subscribe(name, opts...)
	if err != nil {
		return nil, err
	}

	h.handlers.Add(1)
	go func() {
		defer h.handlers.Done()
		for {
			select {
			case <-s.ctx.Done():
				return
			case item, ok := <-s.ch:
				if !ok {
					return
				}
				if err := h.invoke(s, fn, item); err != nil {
					if errors.Is(err, ErrStopSubscription) {
						s.setErr(err)
						observability.LogSubscriptionEnded(h.logger, s.name, err)
						s.Cancel()
						return
					}
					h.logger.Warn("subscriber handler failed",
						slog.String("subscriber", s.name),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}()
	return s, nil
}

func (h *Hub[T]) invoke(s *Subscription[T], fn HandlerFunc[T], item T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("subscriber handler panicked",
				slog.String("subscriber", s.name),
				slog.Any("panic", r),
			)
			err = nil
		}
	}()
	return fn(s.ctx, item)
}

func (h *Hub[T]) remove(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[id]; !ok {
		return false
	}
	delete(h.subs, id)
	return true
}

// Subscribers returns the number of attached subscriptions.
func (h *Hub[T]) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Stats returns hub counters.
func (h *Hub[T]) Stats() Stats {
	return Stats{
		Published:   h.published.Load(),
		Dropped:     h.dropped.Load(),
		Subscribers: h.Subscribers(),
	}
}

// Stop rejects new publishes, drains buffered items to the current
// subscribers, closes every subscription and waits for handler goroutines
// up to ShutdownTimeout. It returns *errors.TimeoutError if the wait
// expires. Stop is idempotent.
func (h *Hub[T]) Stop() error {
	h.stopOnce.Do(func() {
		h.stopErr = h.stop()
	})
	return h.stopErr
}

func (h *Hub[T]) stop() error {
	wasRunning := h.state.Swap(stateStopped) == stateRunning
	close(h.stopCh)

	// Blocked publishers have been released by stopCh.
	h.pubMu.Lock()
	close(h.ingress)
	h.pubMu.Unlock()

	timer := time.NewTimer(h.cfg.ShutdownTimeout)
	defer timer.Stop()
	defer h.baseCancel()

	if wasRunning {
		select {
		case <-h.dispatchDone:
		case <-timer.C:
			return h.timeout("drain")
		}
	}

	h.mu.Lock()
	subs := make([]*Subscription[T], 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.subs = make(map[string]*Subscription[T])
	h.mu.Unlock()

	for _, s := range subs {
		s.end(false)
	}

	waited := make(chan struct{})
	go func() {
		h.handlers.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-timer.C:
		return h.timeout("wait for subscribers")
	}

	h.logger.Debug("hub stopped",
		slog.Int64("published", h.published.Load()),
		slog.Int64("dropped", h.dropped.Load()),
	)
	return nil
}

func (h *Hub[T]) timeout(op string) error {
	err := &gwerrors.TimeoutError{Operation: "hub stop: " + op, Duration: h.cfg.ShutdownTimeout.String()}
	h.logger.Warn("hub stop timed out", slog.String("error", err.Error()))
	return err
}
