package stomprelay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	gwerrors "github.com/randalmurphal/eventgateway/pkg/eventgateway/errors"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/notification"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/observability"
)

var errSubscriptionClosed = errors.New("broker subscription closed")

// PublisherFactory opens streams of broker messages for subscription clients.
// Each stream owns its own supervised session.
type PublisherFactory struct {
	dialer Dialer
	opts   options
}

// NewPublisherFactory creates a factory that connects through dialer.
func NewPublisherFactory(dialer Dialer, opts ...Option) *PublisherFactory {
	return &PublisherFactory{dialer: dialer, opts: applyOptions(opts)}
}

// Open subscribes to every destination and returns the merged stream.
// Relative destinations are placed under /topic/. The stream reconnects on
// transport errors and ends when ctx is done, Cancel is called, or the
// reconnect budget is exhausted.
func (f *PublisherFactory) Open(ctx context.Context, destinations []string) (*Stream, error) {
	if len(destinations) == 0 {
		return nil, fmt.Errorf("stomp relay: no destinations")
	}
	dests := make([]string, len(destinations))
	for i, d := range destinations {
		dests[i] = Destination(d)
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		factory:      f,
		destinations: dests,
		out:          make(chan *notification.Document, f.opts.buffer),
		done:         make(chan struct{}),
		cancel:       cancel,
	}
	go s.run(ctx)
	return s, nil
}

// Stream is a supervised broker subscription decoded into documents.
type Stream struct {
	factory      *PublisherFactory
	destinations []string
	out          chan *notification.Document
	done         chan struct{}
	cancel       context.CancelFunc

	mu         sync.Mutex
	err        error
	reconnects atomic.Int64
}

// C delivers documents. It is closed when the stream ends.
func (s *Stream) C() <-chan *notification.Document { return s.out }

// Done is closed when the stream ends.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Destinations returns the subscribed broker destinations.
func (s *Stream) Destinations() []string { return s.destinations }

// Reconnects returns the number of reconnect attempts so far.
func (s *Stream) Reconnects() int64 { return s.reconnects.Load() }

// Err reports why the stream ended, or nil if it was cancelled.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Cancel disconnects the session and waits for the stream to end.
func (s *Stream) Cancel() {
	s.cancel()
	<-s.done
}

func (s *Stream) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.out)

	o := &s.factory.opts
	backoff := gwerrors.NewBackoff(o.retry)
	failures := 0

	for {
		connected, err := s.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			failures = 0
			backoff.Reset()
		}
		failures++
		if o.retry.MaxAttempts > 0 && failures > o.retry.MaxAttempts {
			s.mu.Lock()
			s.err = fmt.Errorf("%w: gave up after %d reconnect attempts: %w", gwerrors.ErrSinkClosed, failures-1, err)
			s.mu.Unlock()
			o.logger.Error("stomp relay stream ended", slog.String("error", s.err.Error()))
			return
		}

		delay := backoff.Next()
		s.reconnects.Add(1)
		observability.LogReconnect(o.logger, "stomp", failures, delay, err)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// session runs one broker session until it breaks or ctx is done.
// connected reports whether the session was established.
func (s *Stream) session(ctx context.Context) (connected bool, err error) {
	o := &s.factory.opts

	sess, err := s.factory.dialer.Dial(ctx)
	if err != nil {
		return false, err
	}
	defer func() {
		_ = sess.Disconnect()
		o.setAvailable(false)
	}()

	stop := make(chan struct{})
	defer close(stop)

	merged := make(chan Frame)
	for _, dest := range s.destinations {
		sub, err := sess.Subscribe(dest)
		if err != nil {
			return false, fmt.Errorf("subscribe %s: %w", dest, err)
		}
		defer sub.Unsubscribe()
		go forward(sub, merged, stop)
	}

	o.setAvailable(true)
	o.logger.Info("stomp relay connected", slog.Any("destinations", s.destinations))

	for {
		select {
		case <-ctx.Done():
			return true, nil
		case f := <-merged:
			if f.Err != nil {
				return true, f.Err
			}
			doc := notification.NewDocument()
			if err := doc.UnmarshalJSON(f.Body); err != nil {
				o.logger.Warn("invalid broker message",
					slog.String("destination", f.Destination),
					slog.String("error", err.Error()),
				)
				continue
			}
			select {
			case s.out <- doc:
			case <-ctx.Done():
				return true, nil
			}
		}
	}
}

func forward(sub Subscription, merged chan<- Frame, stop <-chan struct{}) {
	for f := range sub.C() {
		select {
		case merged <- f:
		case <-stop:
			return
		}
	}
	select {
	case merged <- Frame{Err: errSubscriptionClosed}:
	case <-stop:
	}
}
