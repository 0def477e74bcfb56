package config

import "errors"

var (
	ErrMissingSection = errors.New("configuration section is required")
	ErrInvalidValue   = errors.New("invalid configuration value")
)
