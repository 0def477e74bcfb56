package interfaces

import (
	"context"
	"net/http"

	"deskrelay/pkg/types"
)

// AgentAuthenticator establishes the identity of an internal user before the
// socket upgrade completes
type AgentAuthenticator interface {
	// Authenticate returns an opaque result carrying at least types.AuthUserIDKey.
	// Any error refuses the connection.
	Authenticate(ctx context.Context, r *http.Request) (types.AuthResult, error)
}

// VisitorAuthenticator validates anonymous widget visitors by token
type VisitorAuthenticator interface {
	// ValidateVisitorToken returns the visitor session bound to token.
	// Any error refuses the connection.
	ValidateVisitorToken(ctx context.Context, token string) (*types.VisitorSession, error)
}
