package service

import "errors"

var (
	// ErrUnknownSource is returned when a source name is not configured.
	ErrUnknownSource = errors.New("unknown source")
	// ErrSourceDisabled is returned when triggering a disabled source.
	ErrSourceDisabled = errors.New("source disabled")
	// ErrCycleRunning is returned when a source is already mid-cycle.
	ErrCycleRunning = errors.New("poll cycle already running")
	// ErrNotStarted is returned when the service is used before Start or Open.
	ErrNotStarted = errors.New("service not started")
)
