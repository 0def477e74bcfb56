package types

import (
	"strings"
	"time"
)

// Inbound frame types accepted from agent clients
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FrameTyping      = "typing"
	FramePing        = "ping"
)

// Additional inbound frame types accepted from visitor clients
const (
	FrameMessage = "message"
	FrameRead    = "read"
)

// VisitorActorPrefix namespaces anonymous visitor identities
const VisitorActorPrefix = "visitor:"

// AgentFrame is the inbound frame shape on the internal gateway
type AgentFrame struct {
	Type           string                 `json:"type"`
	ConversationID string                 `json:"conversation_id,omitempty"`
	Data           map[string]interface{} `json:"data,omitempty"`
}

// IsTyping reads data.is_typing, defaulting to true when absent
func (f *AgentFrame) IsTyping() bool {
	if f.Data == nil {
		return true
	}
	v, ok := f.Data["is_typing"].(bool)
	if !ok {
		return true
	}
	return v
}

// VisitorFrame is the inbound frame shape on the visitor gateway
type VisitorFrame struct {
	Type           string `json:"type"`
	IsTyping       *bool  `json:"is_typing,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// Typing reads is_typing, defaulting to true when absent
func (f *VisitorFrame) Typing() bool {
	if f.IsTyping == nil {
		return true
	}
	return *f.IsTyping
}

// VisitorSession is what the visitor-auth collaborator hands back for a valid token
type VisitorSession struct {
	SessionID      string     `json:"session_id"`
	ConversationID string     `json:"conversation_id,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

// AuthResult is the opaque result of agent authentication.
// It must carry at least AuthUserIDKey.
type AuthResult map[string]interface{}

// Keys read from an AuthResult
const (
	AuthUserIDKey    = "user_id"
	AuthExpiresAtKey = "expires_at"
)

// UserID returns the stable user identifier of the result
func (a AuthResult) UserID() string {
	id, _ := a[AuthUserIDKey].(string)
	return id
}

// ExpiresAt returns the optional expiry of the auth context
func (a AuthResult) ExpiresAt() (time.Time, bool) {
	switch v := a[AuthExpiresAtKey].(type) {
	case time.Time:
		return v, !v.IsZero()
	case *time.Time:
		if v != nil {
			return *v, !v.IsZero()
		}
	}
	return time.Time{}, false
}

// VisitorActor builds the composite actor identity of a visitor session
func VisitorActor(sessionID string) string {
	return VisitorActorPrefix + sessionID
}

// IsVisitorActor reports whether actor was built by VisitorActor
func IsVisitorActor(actor string) bool {
	return strings.HasPrefix(actor, VisitorActorPrefix)
}
