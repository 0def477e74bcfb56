package router

import "errors"

// Frame routing errors. None of them terminate the connection.
var (
	ErrMalformedFrame      = errors.New("malformed frame")
	ErrUnknownFrameType    = errors.New("unknown frame type")
	ErrMissingConversation = errors.New("frame is missing conversation_id")
	ErrNoConversation      = errors.New("visitor session has no conversation bound")
	ErrForbiddenTopic      = errors.New("visitor may only follow its own conversation")
	ErrRateLimitExceeded   = errors.New("inbound frame rate exceeded")
)
