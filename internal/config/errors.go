package config

import "errors"

// Sentinel errors returned by Load and Validate; match them with errors.Is.
var (
	// ErrInvalidConfig reports a value the service cannot run with.
	ErrInvalidConfig = errors.New("invalid config")
	// ErrLoadConfig reports an unreadable file or an env value that does not decode.
	ErrLoadConfig = errors.New("load config failed")
)
