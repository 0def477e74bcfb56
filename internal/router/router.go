package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"deskrelay/internal/metrics"
	"deskrelay/pkg/interfaces"
	"deskrelay/pkg/types"
)

// Endpoint variants
const (
	VariantAgent   = "agent"
	VariantVisitor = "visitor"
)

// Client is the routing context of one registered connection. Frames of a
// single connection are routed sequentially by its read loop.
type Client struct {
	Actor   string
	Conn    interfaces.Connection
	Variant string

	// Visitor only
	SessionID      string
	ConversationID string
	Token          string // widget credential, used to look up a conversation bound later
}

// Router interprets inbound client frames
// ARCHITECTURAL DISCOVERY: Pure frame interpretation; every side effect goes
// through the gateway so routing never touches sockets other than the sender's
type Router struct {
	gateway     interfaces.Gateway
	visitors    interfaces.VisitorAuthenticator
	rateLimiter *RateLimiter
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

// NewRouter creates a router. visitors resolves the conversation of a visitor
// that connected before one was bound; it may be nil.
func NewRouter(gateway interfaces.Gateway, visitors interfaces.VisitorAuthenticator, limiter *RateLimiter, m *metrics.Metrics, logger *zap.Logger) *Router {
	if limiter == nil {
		limiter = NewRateLimiter(0, 1)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		gateway:     gateway,
		visitors:    visitors,
		rateLimiter: limiter,
		metrics:     m,
		logger:      logger.With(zap.String("component", "router")),
	}
}

// Forget releases per-connection state once the connection terminates
func (r *Router) Forget(client *Client) {
	r.rateLimiter.Forget(client.Conn.ID())
}

// RateLimiter exposes the limiter for periodic cleanup
func (r *Router) RateLimiter() *RateLimiter {
	return r.rateLimiter
}

// Route dispatches raw to the handler for client's variant. The returned
// error describes why a frame was ignored; the connection stays open.
func (r *Router) Route(ctx context.Context, client *Client, raw []byte) error {
	if client.Variant == VariantVisitor {
		return r.RouteVisitorFrame(ctx, client, raw)
	}
	return r.RouteAgentFrame(ctx, client, raw)
}

// RouteAgentFrame handles subscribe, unsubscribe, typing and ping from an agent
func (r *Router) RouteAgentFrame(ctx context.Context, client *Client, raw []byte) error {
	if err := r.admit(client); err != nil {
		return err
	}

	var frame types.AgentFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return r.drop(metrics.ReasonMalformed, fmt.Errorf("%w: %v", ErrMalformedFrame, err))
	}
	r.metrics.FrameReceived(VariantAgent, frameLabel(frame.Type))

	switch frame.Type {
	case types.FrameSubscribe:
		if frame.ConversationID == "" {
			return r.drop(metrics.ReasonInvalid, ErrMissingConversation)
		}
		return r.subscribe(client, frame.ConversationID)

	case types.FrameUnsubscribe:
		if frame.ConversationID == "" {
			return r.drop(metrics.ReasonInvalid, ErrMissingConversation)
		}
		r.gateway.UnsubscribeTopic(client.Actor, frame.ConversationID)
		return nil

	case types.FrameTyping:
		if frame.ConversationID == "" {
			return r.drop(metrics.ReasonInvalid, ErrMissingConversation)
		}
		env := types.NewEnvelope(types.KindTypingIndicator, map[string]interface{}{
			"conversation_id": frame.ConversationID,
			"user_id":         client.Actor,
			"is_typing":       frame.IsTyping(),
			"is_visitor":      false,
		})
		return r.publish(ctx, frame.ConversationID, env)

	case types.FramePing:
		return r.heartbeat(client)

	default:
		return r.drop(metrics.ReasonUnknownType, fmt.Errorf("%w: %q", ErrUnknownFrameType, frame.Type))
	}
}

// RouteVisitorFrame handles message, typing, read, ping and subscribe from a visitor
func (r *Router) RouteVisitorFrame(ctx context.Context, client *Client, raw []byte) error {
	if err := r.admit(client); err != nil {
		return err
	}

	var frame types.VisitorFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return r.drop(metrics.ReasonMalformed, fmt.Errorf("%w: %v", ErrMalformedFrame, err))
	}
	r.metrics.FrameReceived(VariantVisitor, frameLabel(frame.Type))

	switch frame.Type {
	case types.FrameMessage, types.FrameRead:
		// Persistence happens through the external write path; only acknowledge
		return r.acknowledge(client, frame.Type)

	case types.FrameTyping:
		if r.conversation(ctx, client) == "" {
			return r.drop(metrics.ReasonInvalid, ErrNoConversation)
		}
		env := types.NewEnvelope(types.KindTypingIndicator, map[string]interface{}{
			"conversation_id": client.ConversationID,
			"session_id":      client.SessionID,
			"user_id":         client.Actor,
			"is_typing":       frame.Typing(),
			"is_visitor":      true,
		})
		return r.publish(ctx, client.ConversationID, env)

	case types.FramePing:
		return r.heartbeat(client)

	case types.FrameSubscribe:
		topic := frame.ConversationID
		if topic == "" {
			return r.drop(metrics.ReasonInvalid, ErrMissingConversation)
		}
		own := r.conversation(ctx, client)
		if own == "" {
			return r.drop(metrics.ReasonForbidden, ErrNoConversation)
		}
		if own != topic {
			return r.drop(metrics.ReasonForbidden, fmt.Errorf("%w: %q", ErrForbiddenTopic, topic))
		}
		return r.subscribe(client, topic)

	default:
		return r.drop(metrics.ReasonUnknownType, fmt.Errorf("%w: %q", ErrUnknownFrameType, frame.Type))
	}
}

func (r *Router) admit(client *Client) error {
	if !r.rateLimiter.Allow(client.Conn.ID()) {
		return r.drop(metrics.ReasonRateLimited, ErrRateLimitExceeded)
	}
	return nil
}

func (r *Router) drop(reason string, err error) error {
	r.metrics.FrameDropped(reason)
	return err
}

func (r *Router) subscribe(client *Client, topic string) error {
	if err := r.gateway.SubscribeTopic(client.Actor, topic); err != nil {
		if errors.Is(err, types.ErrInvalidTopic) {
			return r.drop(metrics.ReasonInvalid, err)
		}
		return err
	}
	return nil
}

func (r *Router) publish(ctx context.Context, topic string, env *types.Envelope) error {
	if err := r.gateway.PublishToTopic(ctx, topic, env); err != nil {
		return r.drop(metrics.ReasonInvalid, err)
	}
	return nil
}

// heartbeat answers a ping directly, outside the periodic supervisor
func (r *Router) heartbeat(client *Client) error {
	return client.Conn.WriteJSON(types.NewEnvelope(types.KindHeartbeat, nil))
}

func (r *Router) acknowledge(client *Client, frameType string) error {
	data := map[string]interface{}{"type": frameType}
	if client.ConversationID != "" {
		data["conversation_id"] = client.ConversationID
	}
	return client.Conn.WriteJSON(types.NewEnvelope(types.KindFrameAck, data))
}

// conversation returns the visitor's conversation, asking the credential
// collaborator when none was known at handshake
func (r *Router) conversation(ctx context.Context, client *Client) string {
	if client.ConversationID != "" || r.visitors == nil || client.Token == "" {
		return client.ConversationID
	}
	session, err := r.visitors.ValidateVisitorToken(ctx, client.Token)
	if err != nil {
		r.logger.Warn("Failed to resolve visitor conversation",
			zap.String("actor", client.Actor),
			zap.Error(err))
		return ""
	}
	client.ConversationID = session.ConversationID
	return client.ConversationID
}

// frameLabel bounds metric label cardinality to the known vocabulary
func frameLabel(frameType string) string {
	switch frameType {
	case types.FrameSubscribe, types.FrameUnsubscribe, types.FrameTyping,
		types.FramePing, types.FrameMessage, types.FrameRead:
		return frameType
	}
	return "other"
}
