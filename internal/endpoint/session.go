package endpoint

import (
	"context"
	"sync"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"deskrelay/internal/router"
	"deskrelay/internal/websocket"
)

// session drives one upgraded connection from registration to termination
type session struct {
	handler *Handler
	client  *router.Client
	conn    *websocket.Connection
	logger  *zap.Logger

	state  stateMachine
	ctx    context.Context
	cancel context.CancelFunc

	timerMu sync.Mutex
	expiry  *time.Timer

	terminateOnce sync.Once
}

func newSession(h *Handler, client *router.Client, conn *websocket.Connection) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		handler: h,
		client:  client,
		conn:    conn,
		logger: h.logger.With(
			zap.String("actor", client.Actor),
			zap.String("conn_id", conn.ID()),
			zap.String("variant", client.Variant)),
		ctx:    ctx,
		cancel: cancel,
	}
}

// run registers the connection, applies the auth expiry and reads frames
// until the socket ends. It always leaves the session TERMINATED.
func (s *session) run(expiresAt time.Time, initialTopic string) {
	h := s.handler

	if !expiresAt.IsZero() && !time.Now().Before(expiresAt) {
		s.terminate(gorillaws.ClosePolicyViolation, ErrAuthExpired.Error())
		return
	}

	if err := h.gateway.RegisterConnection(s.client.Actor, s.client.Conn); err != nil {
		s.logger.Warn("Failed to register connection", zap.Error(err))
		s.terminate(gorillaws.CloseInternalServerErr, "registration failed")
		return
	}
	// Only run and the expiry timer armed below terminate a session
	s.state.register()
	h.track(1)
	h.metrics.ConnectionOpened(s.client.Variant)
	s.logger.Info("Client connected")

	if initialTopic != "" {
		if err := h.gateway.SubscribeTopic(s.client.Actor, initialTopic); err != nil {
			s.logger.Warn("Failed to subscribe to conversation",
				zap.String("topic", initialTopic), zap.Error(err))
		}
	}

	if !expiresAt.IsZero() {
		s.timerMu.Lock()
		s.expiry = time.AfterFunc(time.Until(expiresAt), func() {
			s.logger.Info("Authentication expired, closing connection")
			s.terminate(gorillaws.ClosePolicyViolation, ErrAuthExpired.Error())
		})
		s.timerMu.Unlock()
	}

	err := s.conn.ReadLoop(h.config.ReadTimeout, func(raw []byte) {
		if err := h.router.Route(s.ctx, s.client, raw); err != nil {
			s.logger.Debug("Ignored inbound frame", zap.Error(err))
		}
	})
	if err != nil && websocket.IsUnexpectedClose(err) && s.state.Load() != StateTerminated {
		s.logger.Debug("Read loop ended", zap.Error(err))
	}
	s.terminate(gorillaws.CloseNormalClosure, "")
}

// terminate runs the TERMINATED transition exactly once
func (s *session) terminate(code int, reason string) {
	s.terminateOnce.Do(func() {
		prev := s.state.terminate()
		s.cancel()

		s.timerMu.Lock()
		if s.expiry != nil {
			s.expiry.Stop()
		}
		s.timerMu.Unlock()

		if prev == StateRegistered {
			h := s.handler
			h.gateway.UnregisterConnection(s.client.Actor, s.client.Conn)
			h.router.Forget(s.client)
			h.metrics.ConnectionClosed(s.client.Variant)
			h.track(-1)
			s.logger.Info("Client disconnected")
		}
		_ = s.conn.CloseWithReason(code, reason)
	})
}
