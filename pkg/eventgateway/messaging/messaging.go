// Package messaging holds what the broker transports share: the inbound
// routing key header, batch decoding and document encoding.
//
// The transports themselves live in the nats, redis and kafka
// subpackages. Each provides a Source, which satisfies consumer.Source,
// and a Sender, which satisfies producer.Sender.
package messaging

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/randalmurphal/eventgateway/pkg/eventgateway/consumer"
	gwerrors "github.com/randalmurphal/eventgateway/pkg/eventgateway/errors"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/notification"
	"github.com/randalmurphal/eventgateway/pkg/eventgateway/transform"
)

// RoutingKeyHeader is the message header carrying the inbound routing key.
const RoutingKeyHeader = "routingKey"

// DefaultSubject is the inbound subject, topic or channel name.
const DefaultSubject = "engine-events"

// Handler is the callback sources deliver decoded batches to.
type Handler = consumer.Handler

// RejectFunc receives payloads that could not be decoded as a batch.
type RejectFunc func(ctx context.Context, data []byte, routingKey string)

// Dispatcher decodes raw message payloads and hands them to a Handler.
type Dispatcher struct {
	// Transport names the source in log lines.
	Transport string
	Logger    *slog.Logger
	// Reject is called for undecodable payloads when set.
	Reject RejectFunc
}

// Deliver decodes data and calls handle. Undecodable payloads are logged,
// passed to Reject and returned as a *errors.TransformError.
func (d Dispatcher) Deliver(ctx context.Context, handle Handler, data []byte, routingKey string) error {
	events, err := transform.Decode(data)
	if err != nil {
		d.logger().Warn("undecodable batch",
			slog.String("transport", d.Transport),
			slog.String("routing_key", routingKey),
			slog.Int("bytes", len(data)),
			slog.String("error", err.Error()),
		)
		if d.Reject != nil {
			d.Reject(ctx, data, routingKey)
		}
		return err
	}
	return handle(ctx, notification.EventBatch{Events: events, RoutingKey: routingKey})
}

func (d Dispatcher) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

// Encode renders doc as the outbound message body.
func Encode(doc *notification.Document) ([]byte, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return nil, gwerrors.Transient(err, "encode document")
	}
	return body, nil
}
