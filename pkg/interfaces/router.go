package interfaces

import (
	"context"

	"deskrelay/pkg/types"
)

// Publisher is the producer-facing surface of the gateway.
// Delivery is fire-and-forget: a nil error only means the event was accepted.
type Publisher interface {
	PublishToTopic(ctx context.Context, topic string, env *types.Envelope) error
	PublishToActor(ctx context.Context, actor string, env *types.Envelope) error
}

// Gateway is what endpoint adapters and inbound routing need from the hub
type Gateway interface {
	Publisher

	RegisterConnection(actor string, conn Connection) error
	UnregisterConnection(actor string, conn Connection)
	SubscribeTopic(actor, topic string) error
	UnsubscribeTopic(actor, topic string)
}
