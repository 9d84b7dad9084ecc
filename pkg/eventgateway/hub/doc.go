// Package hub provides the broadcast hub between the consumer and the
// producer adapters.
//
// A Hub is an owned object with an explicit lifecycle:
//
//	h := hub.New(hub.Config[*notification.Document]{Capacity: 1024})
//	if err := h.Start(); err != nil {
//	    return err
//	}
//	defer h.Stop()
//
// Delivery is live-only: a subscription sees items published after it was
// attached, never earlier ones. Every subscription has its own buffered
// channel; when it is full the newest item is dropped for that subscriber
// alone, and the dispatcher moves on.
//
// # Overflow
//
// When the ingress buffer is full Publish applies the configured policy:
// DropNewest returns *errors.PublishOverflowError, DropOldest evicts the
// oldest buffered item, Block waits for room. The policy applies to ingress
// only: a subscription whose own buffer is full loses the newest item
// whatever the policy.
//
// # Callback subscriptions
//
// SubscribeFunc runs a handler goroutine per subscription. Errors are logged
// and processing continues; ErrStopSubscription ends that subscription:
//
//	sub, _ := h.SubscribeFunc("gateway", func(ctx context.Context, doc *notification.Document) error {
//	    if err := send(ctx, doc); errors.Is(err, errors.ErrSinkClosed) {
//	        return fmt.Errorf("%w: %w", hub.ErrStopSubscription, err)
//	    }
//	    return nil
//	})
package hub
