// Package nats provides the NATS transport: a Source that consumes engine
// event batches and a Sender that publishes notification documents.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/randalmurphal/eventgateway/pkg/eventgateway/messaging"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/notification"
)

// Config holds NATS connection and subject settings.
type Config struct {
	// URL is the server URL (e.g., "nats://localhost:4222").
	URL string

	// Name identifies the connection on the server.
	Name string

	// Subject is the inbound subject. Default: engine-events.
	Subject string

	// Queue, when set, load-balances the inbound subject across
	// gateway instances.
	Queue string

	// SubjectPrefix is prepended to the routing key on outbound subjects.
	SubjectPrefix string

	// MaxReconnects is the reconnect limit; -1 reconnects forever.
	MaxReconnects int

	ReconnectWait time.Duration
	Timeout       time.Duration

	Username string
	Password string
	Token    string
}

// DefaultConfig returns the connection defaults.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Name:          "eventgateway",
		Subject:       messaging.DefaultSubject,
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// Conn is the part of *nats.Conn the transport uses.
type Conn interface {
	ChanSubscribe(subject string, ch chan *nats.Msg) (*nats.Subscription, error)
	ChanQueueSubscribe(subject, queue string, ch chan *nats.Msg) (*nats.Subscription, error)
	PublishMsg(msg *nats.Msg) error
}

// Client owns a NATS connection.
type Client struct {
	conn   *nats.Conn
	cfg    Config
	logger *slog.Logger
}

// Connect dials the server described by cfg. Disconnects and reconnects
// are logged on logger.
func Connect(cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Subject == "" {
		cfg.Subject = messaging.DefaultSubject
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", slog.String("url", c.ConnectedUrl()))
		}),
	}
	if cfg.Username != "" && cfg.Password != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &Client{conn: conn, cfg: cfg, logger: logger}, nil
}

// Source returns a Source on the configured subject and queue.
func (c *Client) Source(opts ...Option) *Source {
	opts = append([]Option{WithLogger(c.logger), WithQueue(c.cfg.Queue)}, opts...)
	return NewSource(c.conn, c.cfg.Subject, opts...)
}

// Sender returns a Sender using the configured subject prefix.
func (c *Client) Sender() *Sender {
	return NewSender(c.conn, c.cfg.SubjectPrefix)
}

// Connected reports whether the connection is up.
func (c *Client) Connected() bool {
	return c.conn.IsConnected()
}

// Close drains subscriptions and closes the connection.
func (c *Client) Close() error {
	if err := c.conn.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		c.conn.Close()
		return err
	}
	return nil
}

// Subject builds the outbound subject for a routing key.
func Subject(prefix, routingKey string) string {
	if prefix == "" {
		return routingKey
	}
	return prefix + "." + routingKey
}

// Sender publishes documents to the subject named by their routing key.
type Sender struct {
	conn   Conn
	prefix string
}

// NewSender creates a Sender. prefix may be empty.
func NewSender(conn Conn, prefix string) *Sender {
	return &Sender{conn: conn, prefix: prefix}
}

// Send publishes doc as JSON to Subject(prefix, routingKey).
func (s *Sender) Send(ctx context.Context, doc *notification.Document, routingKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := messaging.Encode(doc)
	if err != nil {
		return err
	}
	msg := nats.NewMsg(Subject(s.prefix, routingKey))
	msg.Data = body
	msg.Header.Set(messaging.RoutingKeyHeader, routingKey)
	return s.conn.PublishMsg(msg)
}
