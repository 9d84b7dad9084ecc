package hub

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// SubscribeOption configures a subscription.
type SubscribeOption[T any] func(*subscribeOptions[T])

type subscribeOptions[T any] struct {
	filter   func(T) bool
	buffer   int
	onCancel []func()
}

// WithFilter delivers only items for which fn returns true.
// fn runs on the dispatcher goroutine and must not block.
func WithFilter[T any](fn func(T) bool) SubscribeOption[T] {
	return func(o *subscribeOptions[T]) {
		o.filter = fn
	}
}

// WithBuffer sets the subscription channel size.
func WithBuffer[T any](n int) SubscribeOption[T] {
	return func(o *subscribeOptions[T]) {
		o.buffer = n
	}
}

// WithOnCancel registers fn to run synchronously when the subscription ends.
func WithOnCancel[T any](fn func()) SubscribeOption[T] {
	return func(o *subscribeOptions[T]) {
		if fn != nil {
			o.onCancel = append(o.onCancel, fn)
		}
	}
}

// Subscription is a cancellable handle on a hub subscription.
type Subscription[T any] struct {
	id        string
	name      string
	hub       *Hub[T]
	ch        chan T
	filter    func(T) bool
	attachSeq uint64
	onCancel  []func()

	ctx    context.Context
	cancel context.CancelFunc

	// mu guards closed against concurrent offers.
	mu     sync.RWMutex
	closed bool
	err    error

	done    chan struct{}
	endOnce sync.Once
	dropped atomic.Int64
}

// ID returns the unique subscription id.
func (s *Subscription[T]) ID() string { return s.id }

// Name returns the subscriber name given to Subscribe.
func (s *Subscription[T]) Name() string { return s.name }

// C returns the delivery channel. It is closed when the subscription ends.
func (s *Subscription[T]) C() <-chan T { return s.ch }

// Done is closed when the subscription ends.
func (s *Subscription[T]) Done() <-chan struct{} { return s.done }

// Context is cancelled when the subscription is cancelled or the hub stops.
func (s *Subscription[T]) Context() context.Context { return s.ctx }

// Dropped returns the number of items dropped because the buffer was full.
func (s *Subscription[T]) Dropped() int64 { return s.dropped.Load() }

// Err returns the error that ended the subscription, if any.
func (s *Subscription[T]) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

func (s *Subscription[T]) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// Cancel detaches the subscription, closes its channel and runs the
// OnCancel hooks before returning. It is safe to call more than once.
func (s *Subscription[T]) Cancel() {
	s.end(true)
}

// offer hands item to the subscriber without blocking.
// It reports false when the buffer is full.
func (s *Subscription[T]) offer(item T) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- item:
		return true
	default:
		return false
	}
}

func (s *Subscription[T]) end(cancelCtx bool) {
	s.endOnce.Do(func() {
		s.hub.remove(s.id)

		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()

		if cancelCtx {
			s.cancel()
		}
		for _, fn := range s.onCancel {
			fn()
		}
		close(s.done)

		s.hub.metrics.RecordSubscribers(context.Background(), -1)
		s.hub.logger.Debug("subscription detached",
			slog.String("subscriber", s.name),
			slog.String("subscription_id", s.id),
			slog.Int64("dropped", s.dropped.Load()),
		)
	})
}
