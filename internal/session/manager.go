package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"deskrelay/pkg/interfaces"
	"deskrelay/pkg/types"
)

// TokenQueryParam is the query parameter accepted when a client cannot set headers
const TokenQueryParam = "token"

// DefaultCacheTTL bounds how long another process's revocation or
// conversation change can go unseen
const DefaultCacheTTL = 5 * time.Second

type cachedAgent struct {
	token    *interfaces.AgentToken
	cachedAt time.Time
}

type cachedVisitor struct {
	record   *interfaces.VisitorRecord
	cachedAt time.Time
}

// Manager resolves agent bearer tokens and visitor widget tokens.
// It implements interfaces.AgentAuthenticator and interfaces.VisitorAuthenticator.
// FUNCTIONAL DISCOVERY: Handshakes are hot, so lookups are served from memory first.
// The store is shared by every gateway process and stays authoritative: cache
// entries expire after cacheTTL, and a cacheTTL of zero disables the cache
type Manager struct {
	store    interfaces.CredentialStore
	logger   *zap.Logger
	now      func() time.Time
	cacheTTL time.Duration

	agentTokens map[string]cachedAgent   // token -> credential
	visitors    map[string]cachedVisitor // token -> session
	bySession   map[string]string        // session_id -> token
	mu          sync.RWMutex
}

// NewManager creates a credential manager over store
func NewManager(store interfaces.CredentialStore, cacheTTL time.Duration, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cacheTTL < 0 {
		cacheTTL = 0
	}
	return &Manager{
		store:       store,
		logger:      logger.With(zap.String("component", "session")),
		now:         time.Now,
		cacheTTL:    cacheTTL,
		agentTokens: make(map[string]cachedAgent),
		visitors:    make(map[string]cachedVisitor),
		bySession:   make(map[string]string),
	}
}

// IssueAgentToken mints and persists a bearer token for userID
func (m *Manager) IssueAgentToken(ctx context.Context, userID string) (*interfaces.AgentToken, error) {
	if !types.IsValidActor(userID) || types.IsVisitorActor(userID) {
		return nil, ErrInvalidUserID
	}

	token := &interfaces.AgentToken{
		Token:     uuid.NewString(),
		UserID:    userID,
		CreatedAt: m.now().UTC(),
	}
	if err := m.store.StoreAgentToken(ctx, token); err != nil {
		return nil, fmt.Errorf("failed to issue agent token: %w", err)
	}

	m.cacheAgent(token)
	m.logger.Info("Issued agent token", zap.String("user_id", userID))
	return token, nil
}

// RevokeAgentToken revokes a token. Handshakes that already succeeded are unaffected.
// Other processes refuse the token once their cache entry expires.
func (m *Manager) RevokeAgentToken(ctx context.Context, token string) error {
	if err := m.store.RevokeAgentToken(ctx, token); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.agentTokens, token)
	m.mu.Unlock()

	m.logger.Info("Revoked agent token")
	return nil
}

// Authenticate resolves the agent credential carried by r, either as an
// "Authorization: Bearer" header or as a token query parameter
func (m *Manager) Authenticate(ctx context.Context, r *http.Request) (types.AuthResult, error) {
	raw := bearerToken(r)
	if raw == "" {
		return nil, ErrMissingToken
	}

	token, err := m.lookupAgentToken(ctx, raw)
	if err != nil {
		if errors.Is(err, interfaces.ErrCredentialNotFound) {
			return nil, fmt.Errorf("%w: unknown agent token", interfaces.ErrUnauthorized)
		}
		return nil, err
	}
	if token.Revoked {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrUnauthorized, ErrTokenRevoked)
	}

	return types.AuthResult{types.AuthUserIDKey: token.UserID}, nil
}

func (m *Manager) lookupAgentToken(ctx context.Context, raw string) (*interfaces.AgentToken, error) {
	m.mu.RLock()
	entry, ok := m.agentTokens[raw]
	m.mu.RUnlock()
	if ok && m.fresh(entry.cachedAt) {
		return entry.token, nil
	}

	token, err := m.store.GetAgentToken(ctx, raw)
	if err != nil {
		if ok {
			m.mu.Lock()
			delete(m.agentTokens, raw)
			m.mu.Unlock()
		}
		return nil, err
	}
	if token.Revoked {
		m.mu.Lock()
		delete(m.agentTokens, raw)
		m.mu.Unlock()
		return token, nil
	}
	m.cacheAgent(token)
	return token, nil
}

// IssueVisitorSession creates an anonymous visitor session. conversationID may
// be empty; ttl of zero means the session does not expire.
func (m *Manager) IssueVisitorSession(ctx context.Context, conversationID string, ttl time.Duration) (*interfaces.VisitorRecord, error) {
	if ttl < 0 {
		return nil, ErrInvalidTTL
	}
	if conversationID != "" && !types.IsValidTopic(conversationID) {
		return nil, types.ErrInvalidTopic
	}

	now := m.now().UTC()
	record := &interfaces.VisitorRecord{
		Token:          uuid.NewString(),
		SessionID:      uuid.NewString(),
		ConversationID: conversationID,
		CreatedAt:      now,
	}
	if ttl > 0 {
		expires := now.Add(ttl)
		record.ExpiresAt = &expires
	}

	if err := m.store.StoreVisitorSession(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to issue visitor session: %w", err)
	}

	m.cacheVisitor(record)
	m.logger.Info("Issued visitor session", zap.String("session_id", record.SessionID))
	return record, nil
}

// AttachConversation binds a visitor session to the conversation it opened
func (m *Manager) AttachConversation(ctx context.Context, sessionID, conversationID string) error {
	if !types.IsValidTopic(conversationID) {
		return types.ErrInvalidTopic
	}
	if err := m.store.UpdateVisitorConversation(ctx, sessionID, conversationID); err != nil {
		return err
	}

	m.mu.Lock()
	if token, ok := m.bySession[sessionID]; ok {
		if entry, ok := m.visitors[token]; ok {
			updated := *entry.record
			updated.ConversationID = conversationID
			m.visitors[token] = cachedVisitor{record: &updated, cachedAt: entry.cachedAt}
		}
	}
	m.mu.Unlock()
	return nil
}

// ValidateVisitorToken resolves a widget token to its visitor session
func (m *Manager) ValidateVisitorToken(ctx context.Context, token string) (*types.VisitorSession, error) {
	if token == "" {
		return nil, ErrMissingToken
	}

	m.mu.RLock()
	entry, ok := m.visitors[token]
	m.mu.RUnlock()

	// A session without a conversation may have been bound by another process
	record := entry.record
	if !ok || !m.fresh(entry.cachedAt) || record.ConversationID == "" {
		var err error
		record, err = m.store.GetVisitorSession(ctx, token)
		if err != nil {
			if ok {
				m.evictVisitor(entry.record)
			}
			if errors.Is(err, interfaces.ErrCredentialNotFound) {
				return nil, fmt.Errorf("%w: unknown visitor token", interfaces.ErrUnauthorized)
			}
			return nil, err
		}
		m.cacheVisitor(record)
	}

	if record.ExpiresAt != nil && !m.now().Before(*record.ExpiresAt) {
		m.evictVisitor(record)
		return nil, interfaces.ErrCredentialExpired
	}

	session := &types.VisitorSession{
		SessionID:      record.SessionID,
		ConversationID: record.ConversationID,
	}
	if record.ExpiresAt != nil {
		expires := *record.ExpiresAt
		session.ExpiresAt = &expires
	}
	return session, nil
}

// GetStats returns cache statistics
func (m *Manager) GetStats() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]int{
		"cached_agent_tokens":     len(m.agentTokens),
		"cached_visitor_sessions": len(m.visitors),
	}
}

func (m *Manager) fresh(cachedAt time.Time) bool {
	return m.cacheTTL > 0 && m.now().Sub(cachedAt) < m.cacheTTL
}

func (m *Manager) cacheAgent(token *interfaces.AgentToken) {
	if m.cacheTTL == 0 {
		return
	}
	m.mu.Lock()
	m.agentTokens[token.Token] = cachedAgent{token: token, cachedAt: m.now()}
	m.mu.Unlock()
}

func (m *Manager) cacheVisitor(record *interfaces.VisitorRecord) {
	if m.cacheTTL == 0 {
		return
	}
	m.mu.Lock()
	m.visitors[record.Token] = cachedVisitor{record: record, cachedAt: m.now()}
	m.bySession[record.SessionID] = record.Token
	m.mu.Unlock()
}

func (m *Manager) evictVisitor(record *interfaces.VisitorRecord) {
	m.mu.Lock()
	delete(m.visitors, record.Token)
	delete(m.bySession, record.SessionID)
	m.mu.Unlock()
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, token, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get(TokenQueryParam)
}
