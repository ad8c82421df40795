package service

import (
	"time"

	"github.com/okian/lookout/internal/adapters/source"
	"github.com/okian/lookout/internal/domain/compaction"
	"github.com/okian/lookout/internal/domain/dedupe"
	"github.com/okian/lookout/pkg/logger"
)

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithDeduper replaces the in-memory dedupe set.
func WithDeduper(d dedupe.Deduper) SchedulerOption {
	return func(s *Scheduler) {
		if d != nil {
			s.deduper = d
		}
	}
}

// WithDedupeLookback bounds how far back the processed tier seeds dedupe.
func WithDedupeLookback(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d >= 0 {
			s.dedupeLookback = d
		}
	}
}

// WithCompaction schedules engine every interval, first after delay.
func WithCompaction(engine *compaction.Engine, interval, delay time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if engine != nil && interval > 0 {
			s.compactor = engine
			s.compactEvery = interval
			s.compactDelay = max(delay, 0)
		}
	}
}

// WithConnectRetry bounds connection attempts per cycle.
func WithConnectRetry(tries int, initial time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if tries > 0 {
			s.connectTries = tries
		}
		if initial > 0 {
			s.initialBackoff = initial
		}
	}
}

// WithGracePeriod bounds how long Stop waits for running jobs.
func WithGracePeriod(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.grace = d
		}
	}
}

// WithDisabledSources lists configured sources that are switched off, so
// Stats and Refresh can report them.
func WithDisabledSources(names ...string) SchedulerOption {
	return func(s *Scheduler) {
		s.disabled = append(s.disabled, names...)
	}
}

// WithSchedulerClock overrides the wall clock used for observation times.
func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithObservationIDs overrides how observation ids are minted.
func WithObservationIDs(f func() string) SchedulerOption {
	return func(s *Scheduler) {
		if f != nil {
			s.newID = f
		}
	}
}

// WithSchedulerLogger sets a custom logger.
func WithSchedulerLogger(l logger.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithRegistry replaces the source registry.
func WithRegistry(r *source.Registry) Option {
	return func(s *Service) {
		if r != nil {
			s.registry = r
		}
	}
}

// WithSourceOptions passes options to every observer built from config.
func WithSourceOptions(opts ...source.Option) Option {
	return func(s *Service) {
		s.sourceOpts = append(s.sourceOpts, opts...)
	}
}

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the wall clock for every component.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}
