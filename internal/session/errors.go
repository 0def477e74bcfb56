package session

import "errors"

// Credential collaborator error types
var (
	ErrMissingToken  = errors.New("no credential presented")
	ErrInvalidUserID = errors.New("user_id must be 1-200 characters without whitespace")
	ErrInvalidTTL    = errors.New("visitor session ttl must not be negative")
	ErrTokenRevoked  = errors.New("agent token has been revoked")
)
