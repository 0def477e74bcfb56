package interfaces

import (
	"context"
	"time"
)

// AgentToken is a bearer credential resolving to an internal user
type AgentToken struct {
	Token     string    `json:"token"`
	UserID    string    `json:"user_id"`
	Revoked   bool      `json:"revoked"`
	CreatedAt time.Time `json:"created_at"`
}

// VisitorRecord is a stored visitor session keyed by its widget token
type VisitorRecord struct {
	Token          string     `json:"token"`
	SessionID      string     `json:"session_id"`
	ConversationID string     `json:"conversation_id,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// CredentialStore persists the credentials the default auth collaborator resolves
type CredentialStore interface {
	StoreAgentToken(ctx context.Context, token *AgentToken) error
	GetAgentToken(ctx context.Context, token string) (*AgentToken, error)
	RevokeAgentToken(ctx context.Context, token string) error

	StoreVisitorSession(ctx context.Context, record *VisitorRecord) error
	GetVisitorSession(ctx context.Context, token string) (*VisitorRecord, error)
	UpdateVisitorConversation(ctx context.Context, sessionID, conversationID string) error

	// HealthCheck verifies database connectivity and basic operations
	HealthCheck(ctx context.Context) error

	// Close closes the database connection and cleans up resources
	Close() error
}
