package api

import "errors"

// maxBodyBytes bounds request bodies; event data itself is capped lower by types.ValidateData
const maxBodyBytes = 1 << 20

var (
	ErrReservedEventKind  = errors.New("event kind is generated by the gateway and cannot be published")
	ErrInvalidProducerKey = errors.New("missing or invalid producer key")
	ErrProducerKeyUnset   = errors.New("api is disabled: no producer key configured")
)
