package backbone

import "errors"

var (
	ErrClosed       = errors.New("backbone client closed")
	ErrEmptyChannel = errors.New("channel cannot be empty")
)
