package endpoint

import (
	"net/http"
	"sync/atomic"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"deskrelay/internal/metrics"
	"deskrelay/internal/router"
	"deskrelay/internal/websocket"
	"deskrelay/pkg/interfaces"
	"deskrelay/pkg/types"
)

// Config tunes both endpoint variants
type Config struct {
	ReadTimeout    time.Duration // silence allowed before a connection is considered dead; 0 disables
	Connection     websocket.Options
	AllowedOrigins []string
}

// DefaultConfig returns the settings used when none are configured
func DefaultConfig() Config {
	return Config{
		ReadTimeout: 90 * time.Second,
		Connection:  websocket.DefaultOptions(),
	}
}

// Handler serves the agent and visitor WebSocket endpoints
// ARCHITECTURAL DISCOVERY: Authentication happens on the plain HTTP request, so
// a refused handshake never allocates a socket or touches the registry
type Handler struct {
	gateway     interfaces.Gateway
	router      *router.Router
	agentAuth   interfaces.AgentAuthenticator
	visitorAuth interfaces.VisitorAuthenticator
	upgrader    *gorillaws.Upgrader
	config      Config
	metrics     *metrics.Metrics
	logger      *zap.Logger

	active atomic.Int64
}

// NewHandler wires both endpoints to the gateway
func NewHandler(
	gateway interfaces.Gateway,
	rt *router.Router,
	agentAuth interfaces.AgentAuthenticator,
	visitorAuth interfaces.VisitorAuthenticator,
	config Config,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Handler {
	if config.Connection.BufferSize <= 0 || config.Connection.WriteTimeout <= 0 {
		defaults := websocket.DefaultOptions()
		if config.Connection.BufferSize <= 0 {
			config.Connection.BufferSize = defaults.BufferSize
		}
		if config.Connection.WriteTimeout <= 0 {
			config.Connection.WriteTimeout = defaults.WriteTimeout
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		gateway:     gateway,
		router:      rt,
		agentAuth:   agentAuth,
		visitorAuth: visitorAuth,
		upgrader:    websocket.NewUpgrader(config.AllowedOrigins),
		config:      config,
		metrics:     m,
		logger:      logger.With(zap.String("component", "endpoint")),
	}
}

// HandleAgent serves GET /ws/agent for internal users
func (h *Handler) HandleAgent(w http.ResponseWriter, r *http.Request) {
	result, err := h.agentAuth.Authenticate(r.Context(), r)
	if err != nil {
		h.refuse(w, router.VariantAgent, err)
		return
	}
	userID := result.UserID()
	if !types.IsValidActor(userID) {
		h.refuse(w, router.VariantAgent, ErrMissingIdentity)
		return
	}
	expiresAt, _ := result.ExpiresAt()

	conn := h.upgrade(w, r)
	if conn == nil {
		return
	}
	client := &router.Client{Actor: userID, Conn: conn, Variant: router.VariantAgent}
	newSession(h, client, conn).run(expiresAt, "")
}

// HandleVisitor serves GET /ws/visitor?token=... for anonymous widget visitors
func (h *Handler) HandleVisitor(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		h.refuse(w, router.VariantVisitor, ErrMissingToken)
		return
	}
	visitor, err := h.visitorAuth.ValidateVisitorToken(r.Context(), token)
	if err != nil {
		h.refuse(w, router.VariantVisitor, err)
		return
	}
	actor := types.VisitorActor(visitor.SessionID)
	if visitor.SessionID == "" || !types.IsValidActor(actor) {
		h.refuse(w, router.VariantVisitor, ErrMissingIdentity)
		return
	}
	var expiresAt time.Time
	if visitor.ExpiresAt != nil {
		expiresAt = *visitor.ExpiresAt
	}

	conn := h.upgrade(w, r)
	if conn == nil {
		return
	}
	client := &router.Client{
		Actor:          actor,
		Conn:           conn,
		Variant:        router.VariantVisitor,
		SessionID:      visitor.SessionID,
		ConversationID: visitor.ConversationID,
		Token:          token,
	}
	newSession(h, client, conn).run(expiresAt, visitor.ConversationID)
}

// ActiveConnections returns the number of REGISTERED sessions
func (h *Handler) ActiveConnections() int {
	return int(h.active.Load())
}

func (h *Handler) track(delta int64) {
	h.active.Add(delta)
}

func (h *Handler) refuse(w http.ResponseWriter, variant string, err error) {
	h.logger.Debug("Handshake refused", zap.String("variant", variant), zap.Error(err))
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
}

func (h *Handler) upgrade(w http.ResponseWriter, r *http.Request) *websocket.Connection {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written an HTTP error
		h.logger.Debug("WebSocket upgrade failed", zap.Error(err))
		return nil
	}
	return websocket.NewConnection(ws, h.config.Connection)
}
