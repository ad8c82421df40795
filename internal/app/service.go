// Package service wires the observation engine together: store, observers,
// summarizer, poll scheduler, compaction and the query side consumed by the
// HTTP API.
package service

import (
	"context"
	"fmt"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/okian/lookout/internal/adapters/repository"
	"github.com/okian/lookout/internal/adapters/source"
	"github.com/okian/lookout/internal/config"
	"github.com/okian/lookout/internal/domain/compaction"
	"github.com/okian/lookout/internal/domain/dedupe"
	"github.com/okian/lookout/internal/domain/query"
	"github.com/okian/lookout/internal/domain/summarizer"
	"github.com/okian/lookout/pkg/logger"
	"github.com/okian/lookout/pkg/metrics"
)

const defaultSourceWeight = 0.5

// Stats is the service-wide snapshot served by /stats.
type Stats struct {
	Started       bool                  `json:"started"`
	UptimeSeconds float64               `json:"uptime_seconds"`
	StoreBackend  string                `json:"store_backend"`
	Summarizer    string                `json:"summarizer"`
	Tiers         repository.TierCounts `json:"tiers"`
	DedupeSize    int64                 `json:"dedupe_size"`
	Sources       []SourceStats         `json:"sources"`
	Compaction    compaction.Stats      `json:"compaction"`
}

// Service implements the dependencies of the HTTP API and the CLI.
type Service struct {
	cfg        *config.Config
	registry   *source.Registry
	sourceOpts []source.Option
	now        func() time.Time
	logger     logger.Logger

	mu         sync.RWMutex
	store      repository.Store
	summarizer summarizer.Summarizer
	deduper    dedupe.Deduper
	scheduler  *Scheduler
	compactor  *compaction.Engine
	aggregator *query.Aggregator
	opened     bool
	started    bool
	startedAt  time.Time
}

// New constructs a Service from configuration. Nothing is opened until
// Open or Start.
func New(cfg *config.Config, opts ...Option) *Service {
	s := &Service{
		cfg:      cfg,
		registry: source.NewRegistry(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.Get().Named("service")
	}
	return s
}

// Open builds every component and seeds the dedupe set, without scheduling
// anything. One-shot CLI commands use it directly.
func (s *Service) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open(ctx)
}

func (s *Service) open(ctx context.Context) error {
	if s.opened {
		return nil
	}

	store, err := openStore(ctx, s.cfg.Store)
	if err != nil {
		return err
	}
	s.store = store
	s.summarizer = newSummarizer(s.cfg)

	entries, err := s.registry.Build(s.cfg.Sources, append([]source.Option{source.WithClock(s.now)}, s.sourceOpts...)...)
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("build sources: %w", err)
	}
	var disabled []string
	for name, sc := range s.cfg.Sources {
		if !sc.Enabled {
			disabled = append(disabled, name)
		}
	}
	slices.Sort(disabled)

	cc := s.cfg.Compaction
	s.compactor = compaction.New(store, s.summarizer,
		compaction.WithRetention(hours(cc.RetentionHours)),
		compaction.WithMaxBatch(cc.MaxBatch),
		compaction.WithMaxAttempts(cc.MaxAttempts),
		compaction.WithClock(s.now),
	)
	s.aggregator = query.New(store,
		query.WithOverlap(s.cfg.Query.Overlap),
		query.WithDefaultHours(s.cfg.Query.DefaultHours),
		query.WithNarrator(s.summarizer),
		query.WithClock(s.now),
	)
	s.deduper = dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(s.cfg.DedupeSize))
	s.scheduler = NewScheduler(store, s.summarizer, entries,
		WithDeduper(s.deduper),
		WithDedupeLookback(hours(s.cfg.DedupeLookbackHours)),
		WithCompaction(s.compactor,
			time.Duration(cc.IntervalSeconds)*time.Second,
			time.Duration(cc.InitialDelaySeconds)*time.Second),
		WithConnectRetry(s.cfg.Connect.MaxTries, time.Duration(s.cfg.Connect.InitialBackoffMS)*time.Millisecond),
		WithGracePeriod(time.Duration(s.cfg.ShutdownGraceSeconds)*time.Second),
		WithDisabledSources(disabled...),
		WithSchedulerClock(s.now),
	)
	if err := s.scheduler.Seed(ctx); err != nil {
		_ = store.Close()
		return err
	}
	if _, err := repository.ReportTierSizes(ctx, store); err != nil {
		s.logger.Warn(ctx, "tier sizes unavailable", logger.Error(err))
	}

	s.opened = true
	s.logger.Info(ctx, "service opened",
		logger.String("store", s.cfg.Store.Backend),
		logger.String("summarizer", s.cfg.Summarizer.Backend),
		logger.Strings("sources", s.scheduler.Sources()),
		logger.Strings("disabled", disabled))
	return nil
}

// Start opens the service if needed and starts the periodic jobs.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	if err := s.open(ctx); err != nil {
		return err
	}
	if err := s.scheduler.Start(ctx); err != nil {
		return err
	}
	s.started = true
	s.startedAt = s.now()
	go s.reportSystem(ctx)
	return nil
}

// Stop stops scheduling, waits for running jobs within the grace period
// and closes the store.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.opened {
		return nil
	}
	var stopErr error
	if s.started {
		stopErr = s.scheduler.Stop(ctx)
	}
	if err := s.store.Close(); err != nil && stopErr == nil {
		stopErr = fmt.Errorf("close store: %w", err)
	}
	s.started, s.opened = false, false
	s.logger.Info(ctx, "service stopped")
	return stopErr
}

// reportSystem refreshes the process gauges while the service runs.
func (s *Service) reportSystem(ctx context.Context) {
	t := time.NewTicker(15 * time.Second)
	defer t.Stop()
	for {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		metrics.UpdateSystemMemoryUsage(m.Alloc)
		metrics.UpdateSystemGoroutineCount(runtime.NumGoroutine())

		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		s.mu.RLock()
		running := s.started
		s.mu.RUnlock()
		if !running {
			return
		}
	}
}

func (s *Service) ready() error {
	if !s.opened {
		return ErrNotStarted
	}
	return nil
}

// Ready reports whether the store is open.
func (s *Service) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.opened
}

// Recent answers the recent-observations query.
func (s *Service) Recent(ctx context.Context, h float64) (query.Response, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ready(); err != nil {
		return query.Response{}, err
	}
	return s.aggregator.Recent(ctx, h)
}

// DefaultHours is the query window used when none is requested.
func (s *Service) DefaultHours() float64 {
	if s.cfg.Query.DefaultHours > 0 {
		return s.cfg.Query.DefaultHours
	}
	return 24
}

// Sources returns per-source scheduler state.
func (s *Service) Sources() []SourceStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.scheduler == nil {
		return nil
	}
	return s.scheduler.Stats()
}

// Refresh runs one poll cycle of the named source now.
func (s *Service) Refresh(ctx context.Context, name string) (CycleResult, error) {
	s.mu.RLock()
	sched := s.scheduler
	ready := s.ready()
	s.mu.RUnlock()
	if ready != nil {
		return CycleResult{}, ready
	}
	return sched.Refresh(ctx, name)
}

// Compact runs one compaction pass now.
func (s *Service) Compact(ctx context.Context) (compaction.Result, error) {
	s.mu.RLock()
	engine, store := s.compactor, s.store
	ready := s.ready()
	s.mu.RUnlock()
	if ready != nil {
		return compaction.Result{}, ready
	}
	res, err := engine.Run(ctx)
	if _, cerr := repository.ReportTierSizes(ctx, store); cerr != nil {
		s.logger.Warn(ctx, "tier sizes unavailable", logger.Error(cerr))
	}
	return res, err
}

// Stats returns service statistics for monitoring.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ready(); err != nil {
		return Stats{}, err
	}
	tiers, err := repository.ReportTierSizes(ctx, s.store)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{
		Started:      s.started,
		StoreBackend: s.cfg.Store.Backend,
		Summarizer:   s.cfg.Summarizer.Backend,
		Tiers:        tiers,
		DedupeSize:   s.deduper.Size(),
		Sources:      s.scheduler.Stats(),
		Compaction:   s.compactor.Stats(),
	}
	if s.started {
		st.UptimeSeconds = s.now().Sub(s.startedAt).Seconds()
	}
	return st, nil
}

func openStore(ctx context.Context, sc config.StoreConfig) (repository.Store, error) {
	switch sc.Backend {
	case config.StoreSQLite:
		st, err := repository.NewSQLiteStore(ctx, sc.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return st, nil
	default:
		st, err := repository.NewFileStore(sc.Dir, repository.WithFsync(true))
		if err != nil {
			return nil, fmt.Errorf("open file store: %w", err)
		}
		return st, nil
	}
}

func newSummarizer(cfg *config.Config) summarizer.Summarizer {
	sc := cfg.Summarizer
	if sc.Backend == config.SummarizerAnthropic {
		return summarizer.NewAnthropicFromKey(sc.APIKey, sc.BaseURL,
			summarizer.WithModel(sc.Model),
			summarizer.WithMaxTokens(sc.MaxTokens),
			summarizer.WithIdentities(cfg.UserIdentities),
		)
	}
	return summarizer.NewExtractive(
		summarizer.WithSourceWeights(sc.SourceWeights, defaultSourceWeight),
		summarizer.WithUserIdentities(cfg.UserIdentities),
	)
}

func hours(h float64) time.Duration {
	return time.Duration(h * float64(time.Hour))
}
