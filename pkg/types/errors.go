package types

import "errors"

var (
	ErrUnknownEventKind = errors.New("unknown event kind")
	ErrInvalidTimestamp = errors.New("invalid envelope timestamp")
	ErrInvalidTopic     = errors.New("topic must be 1-200 characters without whitespace")
	ErrInvalidActor     = errors.New("actor must be 1-200 characters without whitespace")
	ErrMissingEnvelope  = errors.New("backbone message has no envelope")
	ErrAmbiguousTarget  = errors.New("backbone message must target exactly one of topic or actor")
	ErrContentTooLarge  = errors.New("event data exceeds 64KB limit")
)
