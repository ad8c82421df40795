package service

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/okian/lookout/internal/adapters/repository"
	"github.com/okian/lookout/internal/adapters/source"
	"github.com/okian/lookout/internal/domain/compaction"
	"github.com/okian/lookout/internal/domain/dedupe"
	"github.com/okian/lookout/internal/domain/model"
	"github.com/okian/lookout/internal/domain/summarizer"
	"github.com/okian/lookout/pkg/logger"
	"github.com/okian/lookout/pkg/metrics"
	"github.com/robfig/cron/v3"
)

// Status is the state of a source in its poll cycle.
type Status string

const (
	StatusIdle        Status = "idle"
	StatusConnecting  Status = "connecting"
	StatusObserving   Status = "observing"
	StatusSummarizing Status = "summarizing"
	StatusPersisting  Status = "persisting"
	StatusDisabled    Status = "disabled"
)

const (
	defaultConnectTries   = 3
	defaultInitialBackoff = 500 * time.Millisecond
	defaultGrace          = 10 * time.Second
	pollSummarizerKind    = "poll"
)

// SourceStats is the externally visible state of one source.
type SourceStats struct {
	Name                string           `json:"name"`
	Type                model.SourceType `json:"type,omitempty"`
	Status              Status           `json:"status"`
	IntervalSeconds     float64          `json:"interval_seconds"`
	LastRun             time.Time        `json:"last_run,omitzero"`
	LastError           string           `json:"last_error,omitempty"`
	ConsecutiveFailures int              `json:"consecutive_failures"`
	ObservationsWritten int              `json:"observations_written"`
	EventsObserved      int              `json:"events_observed"`
	DuplicatesDropped   int              `json:"duplicates_dropped"`
}

// CycleResult reports what a single poll cycle did.
type CycleResult struct {
	Source        string `json:"source"`
	Outcome       string `json:"outcome"`
	ObservationID string `json:"observation_id,omitempty"`
	Events        int    `json:"events"`
	Duplicates    int    `json:"duplicates"`
	Malformed     int    `json:"malformed"`
	Error         string `json:"error,omitempty"`
}

type runner struct {
	name     string
	interval time.Duration
	observer source.Observer

	// cycle admits one poll at a time, whether scheduled or manual.
	cycle sync.Mutex

	mu        sync.Mutex
	stats     SourceStats
	lastWrite time.Time
}

func (r *runner) setStatus(s Status) {
	r.mu.Lock()
	r.stats.Status = s
	r.mu.Unlock()
}

// Scheduler drives one independent cron job per source plus an optional
// compaction job. Sources never block each other.
type Scheduler struct {
	store      repository.Store
	summarizer summarizer.Summarizer
	deduper    dedupe.Deduper
	runners    []*runner
	byName     map[string]*runner
	disabled   []string

	compactor      *compaction.Engine
	compactEvery   time.Duration
	compactDelay   time.Duration
	connectTries   int
	initialBackoff time.Duration
	grace          time.Duration
	dedupeLookback time.Duration
	now            func() time.Time
	newID          func() string
	logger         logger.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	pending sync.WaitGroup
	timers  []*time.Timer
}

// NewScheduler creates a scheduler for the given sources.
func NewScheduler(store repository.Store, s summarizer.Summarizer, entries []source.Entry, opts ...SchedulerOption) *Scheduler {
	sc := &Scheduler{
		store:          store,
		summarizer:     s,
		byName:         make(map[string]*runner, len(entries)),
		connectTries:   defaultConnectTries,
		initialBackoff: defaultInitialBackoff,
		grace:          defaultGrace,
		now:            time.Now,
		newID:          uuid.NewString,
	}
	for _, opt := range opts {
		opt(sc)
	}
	if sc.logger == nil {
		sc.logger = logger.Get().Named("scheduler")
	}
	if sc.deduper == nil {
		sc.deduper = dedupe.NewInMemoryDeduper()
	}
	for _, e := range entries {
		r := &runner{
			name:     e.Name,
			interval: e.Interval,
			observer: e.Observer,
			stats: SourceStats{
				Name:            e.Name,
				Type:            e.Observer.Type(),
				Status:          StatusIdle,
				IntervalSeconds: e.Interval.Seconds(),
			},
		}
		sc.runners = append(sc.runners, r)
		sc.byName[e.Name] = r
	}
	slices.SortFunc(sc.runners, func(a, b *runner) int { return cmp.Compare(a.name, b.name) })
	return sc
}

// Seed primes the dedupe set from the recent tier and the processed tier
// within the lookback window, and restores each source's last write time.
func (sc *Scheduler) Seed(ctx context.Context) error {
	seeded := 0
	record := func(obs model.RawObservation) {
		for _, ev := range obs.Events {
			if !sc.deduper.SeenAndRecord(ctx, ev.Key()) {
				seeded++
			}
		}
	}

	for obs, err := range sc.store.ListRaw(ctx, time.Time{}, time.Time{}) {
		if err != nil {
			return fmt.Errorf("seed from recent tier: %w", err)
		}
		record(obs)
		for _, r := range sc.runners {
			if slices.Contains(obs.SourceTypes, r.observer.Type()) && obs.Timestamp.After(r.lastWrite) {
				r.lastWrite = obs.Timestamp
			}
		}
	}
	if sc.dedupeLookback > 0 {
		since := sc.now().Add(-sc.dedupeLookback)
		for obs, err := range sc.store.ListArchived(ctx, since, time.Time{}) {
			if err != nil {
				return fmt.Errorf("seed from processed tier: %w", err)
			}
			record(obs)
		}
	}
	sc.logger.Info(ctx, "dedupe set seeded", logger.Int("keys", seeded))
	return nil
}

// Start schedules every source and the compaction job. Each source also
// runs once immediately.
func (sc *Scheduler) Start(ctx context.Context) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.cron != nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cl := logger.CronLogger{L: sc.logger}
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl)))

	for _, r := range sc.runners {
		job := cron.NewChain(cron.SkipIfStillRunning(cl)).Then(cron.FuncJob(func() {
			sc.scheduled(runCtx, r)
		}))
		c.Schedule(cron.Every(r.interval), job)
		sc.pending.Add(1)
		go func() {
			defer sc.pending.Done()
			job.Run()
		}()
	}

	if sc.compactor != nil {
		job := cron.NewChain(cron.SkipIfStillRunning(cl)).Then(cron.FuncJob(func() {
			sc.compact(runCtx)
		}))
		c.Schedule(cron.Every(sc.compactEvery), job)
		sc.pending.Add(1)
		t := time.AfterFunc(sc.compactDelay, func() {
			defer sc.pending.Done()
			job.Run()
		})
		sc.timers = append(sc.timers, t)
	}

	c.Start()
	sc.cron = c
	sc.cancel = cancel
	sc.logger.Info(ctx, "scheduler started",
		logger.Int("sources", len(sc.runners)),
		logger.Bool("compaction", sc.compactor != nil))
	return nil
}

// Stop halts scheduling and waits up to the grace period for running jobs.
// Jobs still running after that are cancelled; writes are atomic, so an
// interrupted cycle leaves no partial record.
func (sc *Scheduler) Stop(ctx context.Context) error {
	sc.mu.Lock()
	c, cancel := sc.cron, sc.cancel
	sc.cron, sc.cancel = nil, nil
	for _, t := range sc.timers {
		if t.Stop() {
			sc.pending.Done()
		}
	}
	sc.timers = nil
	sc.mu.Unlock()
	if c == nil {
		return nil
	}
	defer cancel()

	stopped := c.Stop()
	done := make(chan struct{})
	go func() {
		<-stopped.Done()
		sc.pending.Wait()
		close(done)
	}()

	select {
	case <-done:
		sc.logger.Info(ctx, "scheduler stopped")
		return nil
	case <-time.After(sc.grace):
		sc.logger.Warn(ctx, "grace period elapsed, cancelling running jobs", logger.Duration("grace", sc.grace))
		return fmt.Errorf("scheduler stop: grace period of %s elapsed", sc.grace)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (sc *Scheduler) scheduled(ctx context.Context, r *runner) {
	if _, err := sc.tryCycle(ctx, r); errors.Is(err, ErrCycleRunning) {
		sc.logger.Debug(ctx, "skipping poll, cycle still running", logger.String("source", r.name))
	}
}

func (sc *Scheduler) compact(ctx context.Context) {
	if _, err := sc.compactor.Run(ctx); err != nil {
		sc.logger.Error(ctx, "compaction run failed", logger.Error(err))
	}
	if _, err := repository.ReportTierSizes(ctx, sc.store); err != nil {
		sc.logger.Warn(ctx, "tier sizes unavailable", logger.Error(err))
	}
}

// Refresh runs one poll cycle of the named source now, unless it is already
// in the middle of one.
func (sc *Scheduler) Refresh(ctx context.Context, name string) (CycleResult, error) {
	r, ok := sc.byName[name]
	if !ok {
		if slices.Contains(sc.disabled, name) {
			return CycleResult{}, fmt.Errorf("%w: %s", ErrSourceDisabled, name)
		}
		return CycleResult{}, fmt.Errorf("%w: %s", ErrUnknownSource, name)
	}
	return sc.tryCycle(ctx, r)
}

func (sc *Scheduler) tryCycle(ctx context.Context, r *runner) (CycleResult, error) {
	if !r.cycle.TryLock() {
		return CycleResult{}, fmt.Errorf("%w: %s", ErrCycleRunning, r.name)
	}
	defer r.cycle.Unlock()

	start := time.Now()
	res, err := sc.runCycle(ctx, r)
	metrics.RecordPollLatency(r.name, float64(time.Since(start).Microseconds())/1000)
	metrics.RecordPollCycle(r.name, res.Outcome)

	r.mu.Lock()
	r.stats.Status = StatusIdle
	r.stats.LastRun = sc.now()
	r.stats.EventsObserved += res.Events
	r.stats.DuplicatesDropped += res.Duplicates
	if err != nil {
		r.stats.ConsecutiveFailures++
		r.stats.LastError = err.Error()
		res.Error = err.Error()
	} else {
		r.stats.ConsecutiveFailures = 0
		r.stats.LastError = ""
		if res.ObservationID != "" {
			r.stats.ObservationsWritten++
		}
	}
	failures := r.stats.ConsecutiveFailures
	r.mu.Unlock()

	if err != nil {
		metrics.RecordErrorByComponent("scheduler", r.name)
		sc.logger.Error(ctx, "poll cycle failed",
			logger.String("source", r.name),
			logger.Int("consecutive_failures", failures),
			logger.Error(err))
	}
	return res, err
}

// runCycle is connect, observe, dedupe, summarize, persist, commit,
// disconnect. Nothing reaches the store unless the summary succeeded, and
// the source is only told to commit once the observation is durable.
func (sc *Scheduler) runCycle(ctx context.Context, r *runner) (res CycleResult, err error) {
	res = CycleResult{Source: r.name, Outcome: metrics.OutcomeFailure}
	log := sc.logger.With(logger.String("source", r.name))

	r.setStatus(StatusConnecting)
	if err := sc.connect(ctx, r); err != nil {
		return res, err
	}
	defer func() {
		if derr := r.observer.Disconnect(context.WithoutCancel(ctx)); derr != nil {
			log.Warn(ctx, "disconnect failed", logger.Error(derr))
		}
	}()

	r.setStatus(StatusObserving)
	var observed, fresh []model.Event
	unrecord := func() {
		for _, ev := range fresh {
			sc.deduper.Unrecord(ctx, ev.Key())
		}
	}
	for ev, oerr := range r.observer.Observe(ctx) {
		if oerr != nil {
			if errors.Is(oerr, source.ErrMalformed) {
				res.Malformed++
				log.Warn(ctx, "skipping malformed item", logger.Error(oerr))
				continue
			}
			unrecord()
			return res, fmt.Errorf("observe %s: %w", r.name, oerr)
		}
		observed = append(observed, ev)
		if sc.deduper.SeenAndRecord(ctx, ev.Key()) {
			res.Duplicates++
			continue
		}
		fresh = append(fresh, ev)
	}
	res.Events = len(observed)
	metrics.RecordEventsObserved(r.name, len(observed))
	metrics.RecordEventsDuplicate(r.name, res.Duplicates)

	if len(fresh) == 0 {
		res.Outcome = metrics.OutcomeEmpty
		sc.commit(ctx, r, observed)
		log.Debug(ctx, "nothing new", logger.Int("observed", len(observed)))
		return res, nil
	}

	r.setStatus(StatusSummarizing)
	start := time.Now()
	out, err := sc.summarizer.Summarize(ctx, summarizer.Request{
		Instructions: summarizer.PollInstructions,
		Events:       fresh,
	})
	metrics.RecordSummarizerLatency(pollSummarizerKind, float64(time.Since(start).Microseconds())/1000)
	if err != nil {
		metrics.RecordSummarizerError(pollSummarizerKind)
		unrecord()
		return res, fmt.Errorf("summarize %s: %w", r.name, err)
	}

	r.setStatus(StatusPersisting)
	sourceTypes := make([]model.SourceType, 0, len(fresh))
	for _, ev := range fresh {
		sourceTypes = append(sourceTypes, ev.SourceType)
	}
	r.mu.Lock()
	ts := sc.now().UTC()
	if ts.Before(r.lastWrite) {
		ts = r.lastWrite
	}
	r.mu.Unlock()
	obs := model.RawObservation{
		ID:              sc.newID(),
		Timestamp:       ts,
		Summary:         out.Text,
		SourceTypes:     model.UnionSourceTypes(sourceTypes),
		Events:          fresh,
		ImportanceScore: model.ClampImportance(out.Importance),
	}
	if err := sc.store.AppendRaw(ctx, obs); err != nil {
		unrecord()
		return res, fmt.Errorf("persist %s: %w", r.name, err)
	}
	r.mu.Lock()
	r.lastWrite = ts
	r.mu.Unlock()

	res.Outcome = metrics.OutcomeSuccess
	res.ObservationID = obs.ID
	sc.commit(ctx, r, observed)
	if _, err := repository.ReportTierSizes(ctx, sc.store); err != nil {
		log.Warn(ctx, "tier sizes unavailable", logger.Error(err))
	}
	log.Info(ctx, "observation recorded",
		logger.String("id", obs.ID),
		logger.Int("events", len(fresh)),
		logger.Float64("importance", obs.ImportanceScore))
	return res, nil
}

// connect retries connection failures with exponential backoff. Other
// errors are not retried.
func (sc *Scheduler) connect(ctx context.Context, r *runner) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = sc.initialBackoff
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := r.observer.Connect(ctx)
		if err != nil && !errors.Is(err, source.ErrConnection) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(uint(max(sc.connectTries, 1))),
		backoff.WithNotify(func(err error, next time.Duration) {
			sc.logger.Warn(ctx, "connect failed, retrying",
				logger.String("source", r.name),
				logger.Duration("backoff", next),
				logger.Error(err))
		}),
	)
	if err != nil {
		return fmt.Errorf("connect %s: %w", r.name, err)
	}
	return nil
}

// commit is best effort: the observation is already durable and the
// dedupe set drops whatever the source shows again.
func (sc *Scheduler) commit(ctx context.Context, r *runner, events []model.Event) {
	c, ok := r.observer.(source.Committer)
	if !ok || len(events) == 0 {
		return
	}
	if err := c.Commit(ctx, events); err != nil {
		metrics.RecordErrorByComponent("scheduler", "commit")
		sc.logger.Warn(ctx, "commit failed",
			logger.String("source", r.name),
			logger.Int("events", len(events)),
			logger.Error(err))
	}
}

// Stats returns per-source state, enabled sources first, sorted by name.
func (sc *Scheduler) Stats() []SourceStats {
	out := make([]SourceStats, 0, len(sc.runners)+len(sc.disabled))
	for _, r := range sc.runners {
		r.mu.Lock()
		out = append(out, r.stats)
		r.mu.Unlock()
	}
	for _, name := range sc.disabled {
		out = append(out, SourceStats{Name: name, Status: StatusDisabled})
	}
	return out
}

// Sources returns the names of the scheduled sources.
func (sc *Scheduler) Sources() []string {
	names := make([]string, len(sc.runners))
	for i, r := range sc.runners {
		names[i] = r.name
	}
	return names
}
