package graphqlws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vektah/gqlparser/v2/gqlerror"

	"github.com/randalmurphal/eventgateway/pkg/eventgateway/registry"
)

// DefaultKeepAlive is the interval between ka messages.
const DefaultKeepAlive = 5 * time.Second

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithKeepAlive sets the keep-alive interval. Zero or less disables it.
func WithKeepAlive(d time.Duration) HandlerOption {
	return func(h *Handler) {
		h.keepAlive = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithBrokerAvailable sets the initial broker availability. Default: true.
func WithBrokerAvailable(v bool) HandlerOption {
	return func(h *Handler) {
		h.available.Store(v)
	}
}

// Handler implements the graphql-ws protocol for any number of sessions.
type Handler struct {
	executor  Executor
	logger    *slog.Logger
	keepAlive time.Duration

	sessions  *registry.Registry[string, *session]
	available atomic.Bool
	running   atomic.Bool

	mu     sync.Mutex
	stopKA context.CancelFunc
	kaDone chan struct{}
}

type session struct {
	id     string
	out    Outbound
	ctx    context.Context
	cancel context.CancelFunc
	acked  atomic.Bool
	ops    *registry.Registry[string, *operation]
}

type operation struct {
	id     string
	stream Stream
	done   chan struct{}
}

// NewHandler creates a stopped handler. Call Start to run keep-alives.
func NewHandler(executor Executor, opts ...HandlerOption) *Handler {
	h := &Handler{
		executor:  executor,
		logger:    slog.Default(),
		keepAlive: DefaultKeepAlive,
		sessions:  registry.New[string, *session](),
	}
	h.available.Store(true)
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Start launches the keep-alive ticker. It is idempotent.
func (h *Handler) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running.Load() {
		return
	}
	h.running.Store(true)
	if h.keepAlive <= 0 {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.stopKA = cancel
	h.kaDone = make(chan struct{})
	go h.keepAliveLoop(ctx, h.kaDone)
}

// Stop cancels the keep-alive ticker and disconnects every session.
func (h *Handler) Stop() {
	h.mu.Lock()
	if !h.running.Load() {
		h.mu.Unlock()
		return
	}
	h.running.Store(false)
	if h.stopKA != nil {
		h.stopKA()
		<-h.kaDone
		h.stopKA = nil
	}
	h.mu.Unlock()

	for _, s := range h.sessions.Drain() {
		h.closeSession(s)
	}
}

// Running reports whether Start was called without a matching Stop.
func (h *Handler) Running() bool { return h.running.Load() }

// SetBrokerAvailable records whether the notification source is usable.
func (h *Handler) SetBrokerAvailable(v bool) {
	if h.available.Swap(v) != v {
		h.logger.Info("broker availability changed", slog.Bool("available", v))
	}
}

// BrokerAvailable reports the last value passed to SetBrokerAvailable.
func (h *Handler) BrokerAvailable() bool { return h.available.Load() }

// Sessions returns the number of connected sessions.
func (h *Handler) Sessions() int { return h.sessions.Len() }

// Subscriptions returns the number of active operations of a session.
func (h *Handler) Subscriptions(sessionID string) int {
	s, ok := h.sessions.Get(sessionID)
	if !ok {
		return 0
	}
	return s.ops.Len()
}

// Connect registers a session. Replies to its messages go to out.
func (h *Handler) Connect(sessionID string, out Outbound) error {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		id:     sessionID,
		out:    out,
		ctx:    ctx,
		cancel: cancel,
		ops:    registry.New[string, *operation](),
	}
	if !h.sessions.Add(sessionID, s) {
		cancel()
		return fmt.Errorf("%w: %s", ErrDuplicateSession, sessionID)
	}
	h.logger.Debug("graphql-ws session connected", slog.String("session_id", sessionID))
	return nil
}

// Disconnect cancels every subscription of the session and forgets it.
// It is safe to call for an unknown session.
func (h *Handler) Disconnect(sessionID string) {
	if s, ok := h.sessions.Remove(sessionID); ok {
		h.closeSession(s)
	}
}

func (h *Handler) closeSession(s *session) {
	s.cancel()
	for _, op := range s.ops.Drain() {
		op.stream.Cancel()
	}
	h.logger.Debug("graphql-ws session closed", slog.String("session_id", s.id))
}

// HandleMessage processes one inbound message of a connected session.
func (h *Handler) HandleMessage(ctx context.Context, sessionID string, msg Message) error {
	s, ok := h.sessions.Get(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}

	switch msg.Type {
	case ConnectionInit:
		if !h.BrokerAvailable() {
			return s.out.Send(NewMessage(msg.ID, ConnectionError, map[string]any{
				"errors": []string{BrokerNotAvailable},
			}))
		}
		err := s.out.Send(NewMessage(msg.ID, ConnectionAck, nil))
		s.acked.Store(true)
		return err

	case Start:
		return h.start(ctx, s, msg)

	case Stop:
		if op, ok := s.ops.Get(msg.ID); ok {
			op.stream.Cancel()
		}
		return nil

	case ConnectionTerminate:
		h.Disconnect(sessionID)
		return nil

	default:
		return s.out.Send(errorMessage(msg.ID, fmt.Errorf("unsupported message type %q", msg.Type)))
	}
}

func (h *Handler) start(ctx context.Context, s *session, msg Message) error {
	if !h.BrokerAvailable() {
		return s.out.Send(errorMessage(msg.ID, fmt.Errorf("%s", BrokerNotAvailable)))
	}
	if msg.ID == "" {
		return s.out.Send(errorMessage("", fmt.Errorf("start requires an id")))
	}
	if s.ops.Has(msg.ID) {
		return s.out.Send(errorMessage(msg.ID, fmt.Errorf("subscription %q already started", msg.ID)))
	}

	var req Request
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return s.out.Send(errorMessage(msg.ID, fmt.Errorf("invalid start payload: %w", err)))
	}

	// The stream lives as long as the session, not the inbound message.
	res := h.executor.Execute(s.ctx, req)
	switch {
	case len(res.Errors) > 0:
		return s.out.Send(NewMessage(msg.ID, Error, map[string]any{"errors": res.Errors}))

	case res.Stream != nil:
		op := &operation{id: msg.ID, stream: res.Stream, done: make(chan struct{})}
		if !s.ops.Add(msg.ID, op) {
			res.Stream.Cancel()
			return s.out.Send(errorMessage(msg.ID, fmt.Errorf("subscription %q already started", msg.ID)))
		}
		go h.forward(s, op)
		h.logger.Debug("subscription started",
			slog.String("session_id", s.id),
			slog.String("operation_id", msg.ID),
		)
		return nil

	case res.Data != nil:
		if err := s.out.Send(NewMessage(msg.ID, Data, map[string]any{"data": res.Data})); err != nil {
			return err
		}
		return s.out.Send(NewMessage(msg.ID, Complete, nil))

	default:
		return s.out.Send(errorMessage(msg.ID, fmt.Errorf("execution returned no data")))
	}
}

// forward relays a stream to the client until it ends, then completes the
// operation.
func (h *Handler) forward(s *session, op *operation) {
	defer close(op.done)
	for doc := range op.stream.C() {
		if err := s.out.Send(NewMessage(op.id, Data, map[string]any{"data": doc})); err != nil {
			h.logger.Warn("subscription data not sent",
				slog.String("session_id", s.id),
				slog.String("operation_id", op.id),
				slog.String("error", err.Error()),
			)
		}
	}

	s.ops.RemoveIf(op.id, func(o *operation) bool { return o == op })
	if s.ctx.Err() == nil {
		_ = s.out.Send(NewMessage(op.id, Complete, nil))
	}
	h.logger.Debug("subscription completed",
		slog.String("session_id", s.id),
		slog.String("operation_id", op.id),
	)
}

func (h *Handler) keepAliveLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sessions.Range(func(_ string, s *session) bool {
				if s.acked.Load() {
					_ = s.out.Send(NewMessage("", KeepAlive, nil))
				}
				return true
			})
		}
	}
}

func errorMessage(id string, err error) Message {
	return NewMessage(id, Error, map[string]any{"errors": gqlerror.List{gqlerror.Wrap(err)}})
}
