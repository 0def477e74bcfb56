package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"deskrelay/internal/session"
	"deskrelay/pkg/interfaces"
	"deskrelay/pkg/types"
)

// ProducerKeyHeader carries the shared producer key when one is configured
const ProducerKeyHeader = "X-Producer-Key"

// Credentials is the credential collaborator surface the API exposes
type Credentials interface {
	IssueAgentToken(ctx context.Context, userID string) (*interfaces.AgentToken, error)
	RevokeAgentToken(ctx context.Context, token string) error
	IssueVisitorSession(ctx context.Context, conversationID string, ttl time.Duration) (*interfaces.VisitorRecord, error)
	AttachConversation(ctx context.Context, sessionID, conversationID string) error
	GetStats() map[string]int
}

// GatewayStatus reports the hub's live state
type GatewayStatus interface {
	Stats() map[string]interface{}
	IsDegraded() bool
}

// HealthChecker is satisfied by the credential store
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Dependencies groups what the API serves from
type Dependencies struct {
	Publisher   interfaces.Publisher
	Credentials Credentials
	Gateway     GatewayStatus
	Database    HealthChecker
	Gatherer    prometheus.Gatherer // nil means prometheus.DefaultGatherer
}

// Access controls who may call /api. Without a producer key the API refuses
// every request unless Insecure is set.
type Access struct {
	ProducerKey string
	Insecure    bool
}

// ARCHITECTURAL DISCOVERY: HTTP API layer serves as pure interface between external clients and internal components.
// No delivery logic lives here; every event goes through the same Publisher the rest of the process uses
type Server struct {
	deps      Dependencies
	access    Access
	router    *mux.Router
	logger    *zap.Logger
	startedAt time.Time
}

// NewServer creates the API
func NewServer(deps Dependencies, access Access, logger *zap.Logger) *Server {
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		deps:      deps,
		access:    access,
		router:    mux.NewRouter(),
		logger:    logger.With(zap.String("component", "api")),
		startedAt: time.Now(),
	}
	s.setupRoutes()
	return s
}

// Router exposes the mux so the application can mount the WebSocket endpoints beside the API
func (s *Server) Router() *mux.Router {
	return s.router
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(corsMiddleware, jsonMiddleware, s.producerKeyMiddleware)

	api.HandleFunc("/topics/{topic}/events", s.publishToTopic).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/actors/{actor}/events", s.publishToActor).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/agent-tokens", s.issueAgentToken).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/agent-tokens/{token}", s.revokeAgentToken).Methods(http.MethodDelete, http.MethodOptions)
	api.HandleFunc("/visitor-sessions", s.issueVisitorSession).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/visitor-sessions/{session}/conversation", s.attachConversation).Methods(http.MethodPut, http.MethodOptions)
	api.HandleFunc("/stats", s.stats).Methods(http.MethodGet, http.MethodOptions)

	s.router.Handle("/health", jsonMiddleware(http.HandlerFunc(s.healthCheck))).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Request/Response types for JSON serialization
type PublishRequest struct {
	Event string                 `json:"event"`
	Data  map[string]interface{} `json:"data"`
}

type PublishResponse struct {
	Status string `json:"status"`
	Event  string `json:"event"`
}

type IssueAgentTokenRequest struct {
	UserID string `json:"user_id"`
}

type IssueVisitorSessionRequest struct {
	ConversationID string `json:"conversation_id"`
	TTL            string `json:"ttl"` // Go duration, e.g. "24h"; empty means no expiry
}

type AttachConversationRequest struct {
	ConversationID string `json:"conversation_id"`
}

type VisitorSessionResponse struct {
	Token          string     `json:"token"`
	SessionID      string     `json:"session_id"`
	ConversationID string     `json:"conversation_id,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

type HealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Database  string                 `json:"database"`
	Backbone  string                 `json:"backbone"`
	Uptime    string                 `json:"uptime"`
	Gateway   map[string]interface{} `json:"gateway"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// POST /api/topics/{topic}/events
func (s *Server) publishToTopic(w http.ResponseWriter, r *http.Request) {
	topic := mux.Vars(r)["topic"]
	env, ok := s.decodeEnvelope(w, r)
	if !ok {
		return
	}
	if err := s.deps.Publisher.PublishToTopic(r.Context(), topic, env); err != nil {
		s.sendPublishError(w, err)
		return
	}
	s.accepted(w, env)
}

// POST /api/actors/{actor}/events
func (s *Server) publishToActor(w http.ResponseWriter, r *http.Request) {
	actor := mux.Vars(r)["actor"]
	env, ok := s.decodeEnvelope(w, r)
	if !ok {
		return
	}
	if err := s.deps.Publisher.PublishToActor(r.Context(), actor, env); err != nil {
		s.sendPublishError(w, err)
		return
	}
	s.accepted(w, env)
}

// decodeEnvelope turns a producer request into an envelope, writing the error response itself
func (s *Server) decodeEnvelope(w http.ResponseWriter, r *http.Request) (*types.Envelope, bool) {
	var req PublishRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return nil, false
	}

	kind, err := types.ParseEventKind(req.Event)
	if err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}
	if gatewayOnlyKinds[kind] {
		s.sendError(w, ErrReservedEventKind.Error(), http.StatusBadRequest)
		return nil, false
	}
	if err := types.ValidateData(req.Data); err != nil {
		if errors.Is(err, types.ErrContentTooLarge) {
			s.sendError(w, err.Error(), http.StatusRequestEntityTooLarge)
		} else {
			s.sendError(w, err.Error(), http.StatusBadRequest)
		}
		return nil, false
	}
	return types.NewEnvelope(kind, req.Data), true
}

// gatewayOnlyKinds are generated by the gateway itself and never accepted from producers
var gatewayOnlyKinds = map[types.EventKind]bool{
	types.KindConnectionAck: true,
	types.KindHeartbeat:     true,
	types.KindFrameAck:      true,
}

func (s *Server) accepted(w http.ResponseWriter, env *types.Envelope) {
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(PublishResponse{Status: "accepted", Event: env.Kind().String()})
}

func (s *Server) sendPublishError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, types.ErrInvalidTopic), errors.Is(err, types.ErrInvalidActor):
		s.sendError(w, err.Error(), http.StatusBadRequest)
	default:
		s.logger.Warn("Publish rejected", zap.Error(err))
		s.sendError(w, "Gateway unavailable", http.StatusServiceUnavailable)
	}
}

// POST /api/agent-tokens
func (s *Server) issueAgentToken(w http.ResponseWriter, r *http.Request) {
	var req IssueAgentTokenRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	token, err := s.deps.Credentials.IssueAgentToken(r.Context(), req.UserID)
	if err != nil {
		if errors.Is(err, session.ErrInvalidUserID) {
			s.sendError(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.logger.Error("Failed to issue agent token", zap.Error(err))
		s.sendError(w, "Failed to issue agent token", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(token)
}

// DELETE /api/agent-tokens/{token}
func (s *Server) revokeAgentToken(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]
	if err := s.deps.Credentials.RevokeAgentToken(r.Context(), token); err != nil {
		if errors.Is(err, interfaces.ErrCredentialNotFound) {
			s.sendError(w, "Token not found", http.StatusNotFound)
			return
		}
		s.logger.Error("Failed to revoke agent token", zap.Error(err))
		s.sendError(w, "Failed to revoke agent token", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// POST /api/visitor-sessions
func (s *Server) issueVisitorSession(w http.ResponseWriter, r *http.Request) {
	var req IssueVisitorSessionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			s.sendError(w, "Invalid JSON", http.StatusBadRequest)
			return
		}
	}

	var ttl time.Duration
	if req.TTL != "" {
		parsed, err := time.ParseDuration(req.TTL)
		if err != nil {
			s.sendError(w, "ttl must be a duration such as 24h", http.StatusBadRequest)
			return
		}
		ttl = parsed
	}

	record, err := s.deps.Credentials.IssueVisitorSession(r.Context(), req.ConversationID, ttl)
	if err != nil {
		if errors.Is(err, session.ErrInvalidTTL) || errors.Is(err, types.ErrInvalidTopic) {
			s.sendError(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.logger.Error("Failed to issue visitor session", zap.Error(err))
		s.sendError(w, "Failed to issue visitor session", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(VisitorSessionResponse{
		Token:          record.Token,
		SessionID:      record.SessionID,
		ConversationID: record.ConversationID,
		ExpiresAt:      record.ExpiresAt,
	})
}

// PUT /api/visitor-sessions/{session}/conversation
// A connected visitor picks the conversation up on its next subscribe frame.
func (s *Server) attachConversation(w http.ResponseWriter, r *http.Request) {
	var req AttachConversationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	sessionID := mux.Vars(r)["session"]
	if err := s.deps.Credentials.AttachConversation(r.Context(), sessionID, req.ConversationID); err != nil {
		switch {
		case errors.Is(err, types.ErrInvalidTopic):
			s.sendError(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, interfaces.ErrCredentialNotFound):
			s.sendError(w, "Visitor session not found", http.StatusNotFound)
		default:
			s.logger.Error("Failed to attach conversation", zap.String("session_id", sessionID), zap.Error(err))
			s.sendError(w, "Failed to attach conversation", http.StatusInternalServerError)
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GET /api/stats
func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"gateway":     s.deps.Gateway.Stats(),
		"credentials": s.deps.Credentials.GetStats(),
	})
}

// GET /health. Only the database decides the status code; a degraded
// backbone is reported but the gateway still serves local connections.
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "healthy"
	if err := s.deps.Database.HealthCheck(ctx); err != nil {
		status = "unhealthy"
		dbStatus = "error: " + err.Error()
	}

	backboneStatus := "connected"
	if s.deps.Gateway.IsDegraded() {
		backboneStatus = "degraded"
	}

	response := HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC(),
		Database:  dbStatus,
		Backbone:  backboneStatus,
		Uptime:    time.Since(s.startedAt).Round(time.Second).String(),
		Gateway:   s.deps.Gateway.Stats(),
	}

	if status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(response)
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

// producerKeyMiddleware requires ProducerKeyHeader when a key is configured
// and closes /api when none is, unless access is explicitly insecure
func (s *Server) producerKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || (s.access.ProducerKey == "" && s.access.Insecure) {
			next.ServeHTTP(w, r)
			return
		}
		if s.access.ProducerKey == "" {
			s.sendError(w, ErrProducerKeyUnset.Error(), http.StatusForbidden)
			return
		}
		presented := r.Header.Get(ProducerKeyHeader)
		if subtle.ConstantTimeCompare([]byte(presented), []byte(s.access.ProducerKey)) != 1 {
			s.sendError(w, ErrInvalidProducerKey.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware lets browser-based back offices call the API
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+ProducerKeyHeader)
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
