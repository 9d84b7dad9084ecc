// Package server exposes the gateway over HTTP with gin: health probes,
// Prometheus metrics, the GraphQL WebSocket endpoint, batch ingestion and
// dead-letter inspection.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/randalmurphal/eventgateway/pkg/eventgateway/consumer"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/deadletter"
)

// Routes.
const (
	HealthPath     = "/healthz"
	ReadyPath      = "/readyz"
	MetricsPath    = "/metrics"
	GraphQLPath    = "/ws/graphql"
	EventsPath     = "/v1/events"
	DeadLetterPath = "/v1/deadletter"
)

// RoutingKeyHeader carries the inbound routing key of a posted batch.
// The routingKey query parameter takes precedence.
const RoutingKeyHeader = "X-Routing-Key"

const (
	defaultShutdownTimeout = 5 * time.Second
	defaultDeadLetterLimit = 100
)

// Pipeline is the part of *eventgateway.Pipeline the server uses.
type Pipeline interface {
	HandleJSON(ctx context.Context, data []byte, routingKey string) (consumer.Result, error)
	Running() bool
	DeadLetter() deadletter.Store
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the access and error logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithGraphQL mounts h, normally a *graphqlws.Server, at /ws/graphql.
func WithGraphQL(h http.Handler) Option {
	return func(s *Server) {
		s.graphql = h
	}
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// WithMode sets the gin mode: gin.ReleaseMode, gin.DebugMode or
// gin.TestMode. Default: release.
func WithMode(mode string) Option {
	return func(s *Server) {
		s.mode = mode
	}
}

// WithShutdownTimeout bounds graceful shutdown in Run.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// Server is the HTTP front of a pipeline.
type Server struct {
	pipeline        Pipeline
	logger          *slog.Logger
	graphql         http.Handler
	metrics         http.Handler
	mode            string
	shutdownTimeout time.Duration

	engine *gin.Engine
	http   *http.Server
}

// New builds the router for p listening on addr.
func New(addr string, p Pipeline, opts ...Option) *Server {
	s := &Server{
		pipeline:        p,
		logger:          slog.Default(),
		mode:            gin.ReleaseMode,
		shutdownTimeout: defaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}

	gin.SetMode(s.mode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(RequestID())
	engine.Use(Logging(s.logger))
	s.engine = engine
	s.routes()

	s.http = &http.Server{
		Addr:              addr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.engine.GET(HealthPath, s.health)
	s.engine.GET(ReadyPath, s.ready)
	if s.metrics != nil {
		s.engine.GET(MetricsPath, gin.WrapH(s.metrics))
	}
	if s.graphql != nil {
		s.engine.GET(GraphQLPath, gin.WrapH(s.graphql))
	}

	v1 := s.engine.Group("/v1")
	{
		v1.POST("/events", s.postEvents)
		v1.GET("/deadletter", s.listDeadLetters)
		v1.GET("/deadletter/:id", s.getDeadLetter)
		v1.DELETE("/deadletter/:id", s.deleteDeadLetter)
	}
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.engine }

// Addr returns the listen address.
func (s *Server) Addr() string { return s.http.Addr }

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", slog.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
