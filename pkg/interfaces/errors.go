package interfaces

import "errors"

// Common interface errors used across components
var (
	ErrCredentialNotFound = errors.New("credential not found")
	ErrUnauthorized       = errors.New("unauthorized access")
	ErrCredentialExpired  = errors.New("credential expired")
)
