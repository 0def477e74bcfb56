package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"deskrelay/internal/backbone"
	"deskrelay/internal/metrics"
	"deskrelay/internal/websocket"
	"deskrelay/pkg/interfaces"
	"deskrelay/pkg/types"
)

// Config tunes the hub
type Config struct {
	HeartbeatInterval time.Duration
	PublishTimeout    time.Duration // bounds each backbone call
	Channels          backbone.Channels
}

// DefaultConfig returns the settings used when none are configured
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		PublishTimeout:    2 * time.Second,
		Channels:          backbone.NewChannels(""),
	}
}

// Hub is the gateway manager: it owns connection registration, topic
// subscriptions, publishing and the backbone listener
// ARCHITECTURAL DISCOVERY: Publish always goes through the backbone when it is up,
// including for subscribers in this process, so every delivery takes the same path
type Hub struct {
	registry *websocket.Registry
	backbone interfaces.Backbone // nil means local-only
	config   Config
	metrics  *metrics.Metrics
	logger   *zap.Logger
	id       string

	// TECHNICAL DISCOVERY: Degraded flag is read on every publish, so it is atomic
	// rather than behind the lifecycle mutex
	degraded atomic.Bool

	connectMu    sync.Mutex
	mu           sync.Mutex
	running      bool
	stopped      bool
	cancel       context.CancelFunc
	subscription interfaces.Subscription
	listenerDone chan struct{}

	supMu       sync.Mutex
	supervisors map[string]*supervisor // connID -> heartbeat supervisor
	supWG       sync.WaitGroup
}

// NewHub creates a hub. bb may be nil, in which case the hub only ever
// delivers to connections in this process.
func NewHub(registry *websocket.Registry, bb interfaces.Backbone, config Config, m *metrics.Metrics, logger *zap.Logger) *Hub {
	defaults := DefaultConfig()
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = defaults.PublishTimeout
	}
	if config.Channels.Prefix == "" {
		config.Channels = defaults.Channels
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	h := &Hub{
		registry:    registry,
		backbone:    bb,
		config:      config,
		metrics:     m,
		logger:      logger.With(zap.String("component", "hub")),
		id:          uuid.NewString(),
		supervisors: make(map[string]*supervisor),
	}
	// Until Start succeeds there is no backbone to publish on
	h.degraded.Store(true)
	m.SetDegraded(true)
	return h
}

// ID identifies this gateway process in acknowledgements
func (h *Hub) ID() string { return h.id }

// Start connects to the backbone and starts the listener. An unreachable
// backbone leaves the hub running in degraded mode and is not an error.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return ErrHubStopped
	}
	if h.running {
		h.mu.Unlock()
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.mu.Unlock()

	// Connection failures are already logged as the switch to degraded mode
	if err := h.connect(ctx); errors.Is(err, ErrHubStopped) {
		return err
	}
	h.logger.Info("Hub started",
		zap.String("gateway_id", h.id),
		zap.Bool("degraded", h.degraded.Load()))
	return nil
}

// Reconnect retries the backbone after a degraded start or a lost
// subscription. It does nothing while the backbone is up.
func (h *Hub) Reconnect(ctx context.Context) error {
	h.mu.Lock()
	running := h.running
	h.mu.Unlock()
	if !running {
		return ErrHubNotRunning
	}
	if !h.degraded.Load() {
		return nil
	}
	return h.connect(ctx)
}

func (h *Hub) connect(ctx context.Context) error {
	h.connectMu.Lock()
	defer h.connectMu.Unlock()

	if h.backbone == nil {
		h.setDegraded(true, "no backbone configured", nil)
		return ErrNoBackbone
	}

	callCtx, cancelCall := context.WithTimeout(ctx, h.config.PublishTimeout)
	defer cancelCall()

	if err := h.backbone.Ping(callCtx); err != nil {
		h.setDegraded(true, "backbone unreachable", err)
		return err
	}
	sub, err := h.backbone.PSubscribe(callCtx, h.config.Channels.Pattern())
	if err != nil {
		h.setDegraded(true, "backbone subscription failed", err)
		return err
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		cancel()
		_ = sub.Close()
		return ErrHubStopped
	}
	oldCancel, oldSub, oldDone := h.cancel, h.subscription, h.listenerDone
	h.cancel, h.subscription, h.listenerDone = cancel, sub, done
	h.mu.Unlock()

	// A previous listener only exists here if its subscription was lost
	if oldCancel != nil {
		oldCancel()
	}
	if oldSub != nil {
		_ = oldSub.Close()
	}
	if oldDone != nil {
		<-oldDone
	}

	go h.listen(listenCtx, sub, done)
	h.setDegraded(false, "backbone connected", nil)
	return nil
}

// Stop cancels the listener, closes the subscription and the backbone client,
// and stops every heartbeat supervisor. It is idempotent and safe without Start.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.stopped = true
	h.running = false
	cancel := h.cancel
	sub := h.subscription
	done := h.listenerDone
	h.subscription = nil
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sub != nil {
		if err := sub.Close(); err != nil {
			h.logger.Debug("Closing backbone subscription failed", zap.Error(err))
		}
	}
	if done != nil {
		<-done
	}
	if h.backbone != nil {
		if err := h.backbone.Close(); err != nil {
			h.logger.Debug("Closing backbone client failed", zap.Error(err))
		}
	}
	h.degraded.Store(true)
	h.metrics.SetDegraded(true)

	h.supMu.Lock()
	sups := h.supervisors
	h.supervisors = make(map[string]*supervisor)
	h.supMu.Unlock()
	for _, sup := range sups {
		sup.cancel()
	}
	h.supWG.Wait()

	h.logger.Info("Hub stopped")
	return nil
}

// DisconnectAll closes every registered connection; used during shutdown
func (h *Hub) DisconnectAll() {
	for _, conn := range h.registry.All() {
		if actor, ok := h.registry.ActorOf(conn); ok {
			h.UnregisterConnection(actor, conn)
		}
		_ = conn.Close()
	}
}

// IsDegraded reports whether delivery is currently local-only
func (h *Hub) IsDegraded() bool {
	return h.degraded.Load()
}

func (h *Hub) setDegraded(degraded bool, reason string, err error) {
	if h.degraded.Swap(degraded) == degraded {
		return
	}
	h.metrics.SetDegraded(degraded)
	if degraded {
		h.logger.Warn("Backbone degraded, delivering to local connections only",
			zap.String("reason", reason), zap.Error(err))
		return
	}
	h.logger.Info("Backbone available", zap.String("reason", reason))
}

// RegisterConnection acknowledges conn, adds it to the registry under actor
// and starts its heartbeat supervisor. The acknowledgement is written before
// the connection becomes visible to any delivery, so it is always the first
// envelope the client receives.
func (h *Hub) RegisterConnection(actor string, conn interfaces.Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	if actor == "" {
		return ErrEmptyActor
	}

	h.mu.Lock()
	stopped := h.stopped
	h.mu.Unlock()
	if stopped {
		return ErrHubStopped
	}

	// Reserve the connection so a concurrent second registration sends nothing
	h.supMu.Lock()
	if _, exists := h.supervisors[conn.ID()]; exists {
		h.supMu.Unlock()
		return ErrAlreadyRegistered
	}
	if _, owned := h.registry.ActorOf(conn); owned {
		h.supMu.Unlock()
		return ErrAlreadyRegistered
	}
	ctx, cancel := context.WithCancel(context.Background())
	sup := &supervisor{actor: actor, cancel: cancel}
	h.supervisors[conn.ID()] = sup
	h.supMu.Unlock()

	release := func() {
		h.supMu.Lock()
		if h.supervisors[conn.ID()] == sup {
			delete(h.supervisors, conn.ID())
		}
		h.supMu.Unlock()
		cancel()
	}

	ack := types.NewEnvelope(types.KindConnectionAck, map[string]interface{}{
		"actor":         actor,
		"connection_id": conn.ID(),
		"gateway_id":    h.id,
	})
	if err := conn.WriteJSON(ack); err != nil {
		release()
		return fmt.Errorf("%w: %v", ErrAckFailed, err)
	}

	if err := h.registry.Add(actor, conn); err != nil {
		release()
		return err
	}

	// Adding to the wait group under the lifecycle lock orders it before Stop's Wait
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		h.registry.Remove(actor, conn)
		release()
		return ErrHubStopped
	}
	h.supWG.Add(1)
	h.mu.Unlock()
	go h.superviseHeartbeat(ctx, actor, conn)

	h.logger.Debug("Connection registered", zap.String("actor", actor), zap.String("conn_id", conn.ID()))
	return nil
}

// UnregisterConnection stops conn's heartbeat supervisor and removes it from
// the registry. It is idempotent and does not close the connection.
func (h *Hub) UnregisterConnection(actor string, conn interfaces.Connection) {
	if conn == nil {
		return
	}

	h.supMu.Lock()
	if sup, ok := h.supervisors[conn.ID()]; ok && sup.actor == actor {
		delete(h.supervisors, conn.ID())
		sup.cancel()
	}
	h.supMu.Unlock()

	if h.registry.Remove(actor, conn) {
		h.logger.Debug("Connection unregistered", zap.String("actor", actor), zap.String("conn_id", conn.ID()))
	}
}

// SubscribeTopic adds actor to topic in the local registry
func (h *Hub) SubscribeTopic(actor, topic string) error {
	if !types.IsValidTopic(topic) {
		return types.ErrInvalidTopic
	}
	return h.registry.Subscribe(actor, topic)
}

// UnsubscribeTopic removes actor from topic in the local registry
func (h *Hub) UnsubscribeTopic(actor, topic string) {
	h.registry.Unsubscribe(actor, topic)
}

// PublishToTopic delivers env to every subscriber of topic in every gateway
// process. Only argument errors are returned; delivery is fire-and-forget.
func (h *Hub) PublishToTopic(ctx context.Context, topic string, env *types.Envelope) error {
	if !types.IsValidTopic(topic) {
		return types.ErrInvalidTopic
	}
	if env == nil {
		return types.ErrMissingEnvelope
	}
	h.publish(ctx, h.config.Channels.Topic(topic), types.NewTopicMessage(topic, env), metrics.TargetTopic)
	return nil
}

// PublishToActor delivers env to every connection of actor in every gateway process
func (h *Hub) PublishToActor(ctx context.Context, actor string, env *types.Envelope) error {
	if !types.IsValidActor(actor) {
		return types.ErrInvalidActor
	}
	if env == nil {
		return types.ErrMissingEnvelope
	}
	h.publish(ctx, h.config.Channels.Actor(actor), types.NewActorMessage(actor, env), metrics.TargetActor)
	return nil
}

func (h *Hub) publish(ctx context.Context, channel string, msg *types.BackboneMessage, target string) {
	if h.backbone == nil || h.degraded.Load() {
		h.Deliver(msg)
		h.metrics.EventPublished(target, metrics.PathLocal)
		return
	}

	payload, err := json.Marshal(msg)
	if err == nil {
		pubCtx, cancel := context.WithTimeout(ctx, h.config.PublishTimeout)
		err = h.backbone.Publish(pubCtx, channel, payload)
		cancel()
	}
	if err != nil {
		// FUNCTIONAL DISCOVERY: A failed publish still reaches local subscribers;
		// remote processes miss this one event
		h.logger.Warn("Backbone publish failed, delivering locally",
			zap.String("channel", channel), zap.Error(err))
		h.Deliver(msg)
		h.metrics.EventPublished(target, metrics.PathFallback)
		return
	}
	h.metrics.EventPublished(target, metrics.PathBackbone)
}

// listen is the backbone listener: one per process, for the life of the hub
func (h *Hub) listen(ctx context.Context, sub interfaces.Subscription, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case delivery, ok := <-sub.Messages():
			if !ok {
				if ctx.Err() == nil {
					h.setDegraded(true, "backbone subscription ended", nil)
				}
				return
			}
			h.handleDelivery(delivery)
		}
	}
}

func (h *Hub) handleDelivery(d interfaces.Delivery) {
	var msg types.BackboneMessage
	if err := json.Unmarshal(d.Payload, &msg); err != nil {
		h.logger.Warn("Dropping undecodable backbone message", zap.String("channel", d.Channel), zap.Error(err))
		return
	}
	if err := msg.Validate(); err != nil {
		h.logger.Warn("Dropping invalid backbone message", zap.String("channel", d.Channel), zap.Error(err))
		return
	}
	h.Deliver(&msg)
}

// Deliver writes msg's envelope to every matching connection in this process
// and returns how many writes succeeded. A failed write unregisters and closes
// that connection.
func (h *Hub) Deliver(msg *types.BackboneMessage) int {
	if msg == nil || msg.Envelope == nil {
		return 0
	}

	var conns []interfaces.Connection
	if msg.Topic != "" {
		conns = h.registry.ConnectionsForTopic(msg.Topic)
	} else {
		conns = h.registry.ConnectionsFor(msg.Actor)
	}
	if len(conns) == 0 {
		return 0
	}

	// Encode once for every recipient
	raw, err := json.Marshal(msg.Envelope)
	if err != nil {
		h.logger.Error("Failed to encode envelope", zap.Error(err))
		return 0
	}
	frame := json.RawMessage(raw)

	delivered := 0
	for _, conn := range conns {
		if err := enqueue(conn, frame); err != nil {
			h.dropConnection(conn, "delivery", err)
			continue
		}
		delivered++
		h.metrics.EnvelopeDelivered()
	}
	return delivered
}

// dropConnection handles a dead socket: unregister, close, no retry
// queueWriter is implemented by connections that can refuse a frame instead
// of waiting for buffer space
type queueWriter interface {
	TryWriteJSON(v interface{}) error
}

// enqueue never lets one slow client hold up the listener: a connection whose
// buffer is full is treated as dead
func enqueue(conn interfaces.Connection, frame json.RawMessage) error {
	if w, ok := conn.(queueWriter); ok {
		return w.TryWriteJSON(frame)
	}
	return conn.WriteJSON(frame)
}

func (h *Hub) dropConnection(conn interfaces.Connection, during string, err error) {
	actor, ok := h.registry.ActorOf(conn)
	if ok {
		h.UnregisterConnection(actor, conn)
	}
	_ = conn.Close()
	h.metrics.DeliveryFailed()
	h.logger.Debug("Dropped dead connection",
		zap.String("actor", actor),
		zap.String("conn_id", conn.ID()),
		zap.String("during", during),
		zap.Error(err))
}

// Stats returns registry statistics plus the hub's own state
func (h *Hub) Stats() map[string]interface{} {
	stats := make(map[string]interface{})
	for k, v := range h.registry.GetStats() {
		stats[k] = v
	}

	h.mu.Lock()
	stats["running"] = h.running
	h.mu.Unlock()

	h.supMu.Lock()
	stats["heartbeat_supervisors"] = len(h.supervisors)
	h.supMu.Unlock()

	stats["degraded"] = h.degraded.Load()
	stats["gateway_id"] = h.id
	return stats
}
