// Package stomprelay connects the pipeline to an external STOMP broker:
// PublisherFactory streams broker topics to subscription clients, and Bridge
// forwards hub notifications to the broker.
package stomprelay

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3"
)

// TopicPrefix is prepended to destinations that are not absolute.
const TopicPrefix = "/topic/"

// Defaults.
const (
	DefaultHost     = "localhost"
	DefaultPort     = 61613
	DefaultLogin    = "guest"
	DefaultPasscode = "guest"
)

// Frame is one MESSAGE received on a subscription. Err is set when the
// subscription failed; the session is then unusable.
type Frame struct {
	Destination string
	Body        []byte
	Err         error
}

// Subscription is one broker subscription.
type Subscription interface {
	// C delivers frames until the subscription ends.
	C() <-chan Frame
	Unsubscribe() error
}

// Session is a connected broker session.
type Session interface {
	Subscribe(destination string) (Subscription, error)
	Send(destination, contentType string, body []byte) error
	Disconnect() error
}

// Dialer opens broker sessions.
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Session, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context) (Session, error) { return f(ctx) }

// Destination returns dest under TopicPrefix unless it is already absolute.
func Destination(dest string) string {
	if strings.HasPrefix(dest, "/") {
		return dest
	}
	return TopicPrefix + dest
}

// StompDialer dials a STOMP 1.2 broker over TCP.
type StompDialer struct {
	Host     string
	Port     int
	Login    string
	Passcode string

	// VirtualHost is sent in the CONNECT host header. Default: Host.
	VirtualHost string

	// HeartBeat sets both heart-beat directions. Zero keeps the library default.
	HeartBeat time.Duration

	// DialTimeout bounds the TCP connect when ctx has no deadline.
	DialTimeout time.Duration
}

// NewStompDialer returns a dialer with the guest defaults filled in.
func NewStompDialer(host string, port int, login, passcode string) *StompDialer {
	d := &StompDialer{Host: host, Port: port, Login: login, Passcode: passcode}
	if d.Host == "" {
		d.Host = DefaultHost
	}
	if d.Port == 0 {
		d.Port = DefaultPort
	}
	if d.Login == "" {
		d.Login = DefaultLogin
		d.Passcode = DefaultPasscode
	}
	return d
}

// Addr returns host:port.
func (d *StompDialer) Addr() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// Dial implements Dialer.
func (d *StompDialer) Dial(ctx context.Context) (Session, error) {
	nd := net.Dialer{Timeout: d.DialTimeout}
	if nd.Timeout == 0 {
		nd.Timeout = 10 * time.Second
	}
	netConn, err := nd.DialContext(ctx, "tcp", d.Addr())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.Addr(), err)
	}

	vhost := d.VirtualHost
	if vhost == "" {
		vhost = d.Host
	}
	opts := []func(*stomp.Conn) error{
		stomp.ConnOpt.Login(d.Login, d.Passcode),
		stomp.ConnOpt.Host(vhost),
	}
	if d.HeartBeat > 0 {
		opts = append(opts, stomp.ConnOpt.HeartBeat(d.HeartBeat, d.HeartBeat))
	}

	conn, err := stomp.Connect(netConn, opts...)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("stomp connect %s: %w", d.Addr(), err)
	}
	return &stompSession{conn: conn}, nil
}

type stompSession struct {
	conn *stomp.Conn
}

func (s *stompSession) Subscribe(destination string) (Subscription, error) {
	sub, err := s.conn.Subscribe(destination, stomp.AckAuto)
	if err != nil {
		return nil, err
	}
	out := make(chan Frame)
	done := make(chan struct{})
	go func() {
		defer close(out)
		for msg := range sub.C {
			f := Frame{Err: msg.Err}
			if msg.Err == nil {
				f.Destination = msg.Destination
				f.Body = msg.Body
			}
			select {
			case out <- f:
			case <-done:
				return
			}
			if msg.Err != nil {
				return
			}
		}
	}()
	return &stompSubscription{sub: sub, out: out, done: done}, nil
}

func (s *stompSession) Send(destination, contentType string, body []byte) error {
	return s.conn.Send(destination, contentType, body)
}

func (s *stompSession) Disconnect() error {
	return s.conn.Disconnect()
}

type stompSubscription struct {
	sub  *stomp.Subscription
	out  chan Frame
	done chan struct{}
	once sync.Once
}

func (s *stompSubscription) C() <-chan Frame { return s.out }

func (s *stompSubscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.sub.Unsubscribe()
	})
	return err
}
