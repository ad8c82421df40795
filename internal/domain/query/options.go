package query

import (
	"strings"
	"time"

	"github.com/okian/lookout/internal/domain/summarizer"
	"github.com/okian/lookout/pkg/logger"
)

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithOverlap selects the compact overlap policy, touch or contained.
// Unknown values keep the default.
func WithOverlap(policy string) Option {
	return func(a *Aggregator) {
		switch p := strings.ToLower(strings.TrimSpace(policy)); p {
		case OverlapTouch, OverlapContained:
			a.overlap = p
		}
	}
}

// WithNarrator enables recent_summary and historical_summary texts.
func WithNarrator(s summarizer.Summarizer) Option {
	return func(a *Aggregator) {
		a.narrator = s
	}
}

// WithDefaultHours sets the window used when the caller passes none.
func WithDefaultHours(h float64) Option {
	return func(a *Aggregator) {
		if h >= 0 {
			a.defaultHours = h
		}
	}
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		if now != nil {
			a.now = now
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(a *Aggregator) {
		if l != nil {
			a.logger = l
		}
	}
}
