package websocket

import "errors"

// Connection-related errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrWriteTimeout     = errors.New("write buffer saturated")
	ErrBufferFull       = errors.New("write buffer full")
	ErrInvalidJSON      = errors.New("invalid JSON data")
)

// Registry-related errors
var (
	ErrNilConnection     = errors.New("connection cannot be nil")
	ErrEmptyActor        = errors.New("actor cannot be empty")
	ErrEmptyTopic        = errors.New("topic cannot be empty")
	ErrConnectionOwned   = errors.New("connection already belongs to another actor")
	ErrAlreadyRegistered = errors.New("connection already registered")
	ErrActorNotConnected = errors.New("actor has no live connection")
)
