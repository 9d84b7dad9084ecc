package graphqlws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Transport defaults.
const (
	DefaultSendBuffer   = 256
	DefaultPingInterval = 30 * time.Second
	DefaultReadTimeout  = 60 * time.Second
	DefaultWriteTimeout = 10 * time.Second
)

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithSendBuffer sets the per-connection outbound buffer. Messages are
// dropped while it is full.
func WithSendBuffer(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.sendBuffer = n
		}
	}
}

// WithPingInterval sets the websocket ping interval.
func WithPingInterval(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.pingInterval = d
		}
	}
}

// WithReadTimeout sets how long a connection may stay silent, pongs included.
func WithReadTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.readTimeout = d
		}
	}
}

// WithCheckOrigin sets the upgrader origin check. Default: allow all.
func WithCheckOrigin(fn func(r *http.Request) bool) ServerOption {
	return func(s *Server) {
		if fn != nil {
			s.upgrader.CheckOrigin = fn
		}
	}
}

// WithServerLogger sets the logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Server is the websocket transport for a Handler.
type Server struct {
	handler      *Handler
	upgrader     websocket.Upgrader
	logger       *slog.Logger
	sendBuffer   int
	pingInterval time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration
}

// NewServer creates a transport for h.
func NewServer(h *Handler, opts ...ServerOption) *Server {
	s := &Server{
		handler: h,
		upgrader: websocket.Upgrader{
			Subprotocols: []string{Subprotocol},
			CheckOrigin:  func(r *http.Request) bool { return true },
		},
		logger:       slog.Default(),
		sendBuffer:   DefaultSendBuffer,
		pingInterval: DefaultPingInterval,
		readTimeout:  DefaultReadTimeout,
		writeTimeout: DefaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &conn{
		id:     uuid.NewString(),
		ws:     ws,
		send:   make(chan []byte, s.sendBuffer),
		server: s,
	}
	if err := s.handler.Connect(c.id, c); err != nil {
		_ = ws.Close()
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		c.writeLoop(ctx)
	}()

	c.readLoop(ctx)

	s.handler.Disconnect(c.id)
	c.markClosed()
	cancel()
	<-writeDone
}

// conn is one websocket connection. Writes happen on writeLoop only.
type conn struct {
	id     string
	ws     *websocket.Conn
	send   chan []byte
	server *Server

	mu     sync.RWMutex
	closed bool
}

// Send implements Outbound. It never blocks: a full buffer drops the message.
func (c *conn) Send(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnectionClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (c *conn) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *conn) readLoop(ctx context.Context) {
	timeout := c.server.readTimeout
	_ = c.ws.SetReadDeadline(time.Now().Add(timeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(timeout))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(timeout))

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = c.Send(NewMessage("", ConnectionError, map[string]any{
				"errors": []string{"invalid message: " + err.Error()},
			}))
			continue
		}
		if err := c.server.handler.HandleMessage(ctx, c.id, msg); err != nil {
			c.server.logger.Debug("graphql-ws message failed",
				slog.String("session_id", c.id),
				slog.String("type", string(msg.Type)),
				slog.String("error", err.Error()),
			)
		}
		if msg.Type == ConnectionTerminate {
			return
		}
	}
}

func (c *conn) writeLoop(ctx context.Context) {
	ticker := time.NewTicker(c.server.pingInterval)
	defer ticker.Stop()
	defer c.ws.Close()

	for {
		select {
		case <-ctx.Done():
			c.flush()
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.server.writeTimeout))
			return
		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// flush writes whatever is still buffered.
func (c *conn) flush() {
	for {
		select {
		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *conn) write(messageType int, data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.server.writeTimeout))
	return c.ws.WriteMessage(messageType, data)
}
