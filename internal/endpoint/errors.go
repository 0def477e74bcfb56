package endpoint

import "errors"

var (
	ErrMissingToken    = errors.New("visitor token is required")
	ErrMissingIdentity = errors.New("authentication did not establish an identity")
	ErrAuthExpired     = errors.New("authentication context has expired")
)
