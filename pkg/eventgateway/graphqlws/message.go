// Package graphqlws implements the graphql-ws subscription protocol
// (subprotocol "graphql-ws") over the notification hub.
//
// The protocol layer (Handler) is transport-independent: a transport
// registers each connection with Connect, feeds decoded frames to
// HandleMessage and receives replies through its Outbound. Server is the
// gorilla/websocket transport.
package graphqlws

import (
	"encoding/json"
	"errors"
)

// Subprotocol is the websocket subprotocol negotiated by Server.
const Subprotocol = "graphql-ws"

// MessageType is the type field of a protocol message.
type MessageType string

// Protocol message types.
const (
	ConnectionInit      MessageType = "connection_init"
	ConnectionAck       MessageType = "connection_ack"
	ConnectionError     MessageType = "connection_error"
	ConnectionTerminate MessageType = "connection_terminate"
	KeepAlive           MessageType = "ka"
	Start               MessageType = "start"
	Data                MessageType = "data"
	Error               MessageType = "error"
	Complete            MessageType = "complete"
	Stop                MessageType = "stop"
)

// BrokerNotAvailable is the error reported while no broker is connected.
const BrokerNotAvailable = "Broker not available"

// Message is one protocol frame.
type Message struct {
	ID      string          `json:"id,omitempty"`
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage builds a message, encoding payload unless it is nil.
func NewMessage(id string, typ MessageType, payload any) Message {
	m := Message{ID: id, Type: typ}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			m.Payload = raw
		}
	}
	return m
}

// Outbound delivers messages to one connected client.
type Outbound interface {
	Send(msg Message) error
}

// OutboundFunc adapts a function to Outbound.
type OutboundFunc func(msg Message) error

// Send implements Outbound.
func (f OutboundFunc) Send(msg Message) error { return f(msg) }

// Sentinel errors.
var (
	ErrUnknownSession   = errors.New("unknown session")
	ErrDuplicateSession = errors.New("session already connected")
	ErrSendBufferFull   = errors.New("send buffer full")
	ErrConnectionClosed = errors.New("connection closed")
)
