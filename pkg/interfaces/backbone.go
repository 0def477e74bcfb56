package interfaces

import "context"

// Delivery is one payload received from a backbone subscription
type Delivery struct {
	Channel string
	Payload []byte
}

// Subscription is a live pattern subscription on the backbone
type Subscription interface {
	// Messages yields deliveries until the subscription is closed
	Messages() <-chan Delivery

	// Close unsubscribes and releases the underlying connection
	Close() error
}

// Backbone is the distributed publish/subscribe transport used for
// cross-process fan-out. Implementations must allow Publish to be called
// concurrently with an active subscription.
type Backbone interface {
	// Ping verifies the backbone is reachable
	Ping(ctx context.Context) error

	// Publish sends payload on a single channel
	Publish(ctx context.Context, channel string, payload []byte) error

	// PSubscribe subscribes to every channel matching pattern. It returns
	// only after the subscription is confirmed by the backbone.
	PSubscribe(ctx context.Context, pattern string) (Subscription, error)

	// Close releases the client
	Close() error
}
