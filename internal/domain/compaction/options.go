package compaction

import (
	"time"

	"github.com/okian/lookout/pkg/logger"
)

// Option configures an Engine.
type Option func(*Engine)

// WithRetention sets how long raw observations stay in the recent tier.
func WithRetention(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.retention = d
		}
	}
}

// WithMaxBatch bounds the number of observations merged into one summary.
func WithMaxBatch(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxBatch = n
		}
	}
}

// WithMaxAttempts sets after how many consecutive failures a window is
// reported as stalled.
func WithMaxAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithIDGenerator overrides how summary ids are minted.
func WithIDGenerator(f func() string) Option {
	return func(e *Engine) {
		if f != nil {
			e.newID = f
		}
	}
}

// WithLogger sets a custom logger for the engine.
func WithLogger(l logger.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}
