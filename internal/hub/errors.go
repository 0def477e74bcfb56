package hub

import "errors"

var (
	ErrHubAlreadyRunning = errors.New("hub is already running")
	ErrHubNotRunning     = errors.New("hub is not running")
	ErrNoBackbone        = errors.New("no backbone configured")
	ErrHubStopped        = errors.New("hub has been stopped")
	ErrNilConnection     = errors.New("connection cannot be nil")
	ErrEmptyActor        = errors.New("actor cannot be empty")
	ErrAlreadyRegistered = errors.New("connection already registered")
	ErrAckFailed         = errors.New("connection acknowledgement could not be sent")
)
