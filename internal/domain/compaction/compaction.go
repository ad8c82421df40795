// Package compaction folds raw observations older than the retention window
// into importance-scored compacted summaries and archives the originals.
package compaction

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/okian/lookout/internal/adapters/repository"
	"github.com/okian/lookout/internal/domain/model"
	"github.com/okian/lookout/internal/domain/summarizer"
	"github.com/okian/lookout/pkg/logger"
	"github.com/okian/lookout/pkg/metrics"
)

const (
	defaultRetention   = 24 * time.Hour
	defaultMaxBatch    = 50
	defaultMaxAttempts = 5
	summarizerKind     = "compaction"
)

// Result describes what one run did.
type Result struct {
	Cutoff     time.Time `json:"cutoff"`
	Windows    int       `json:"windows"`
	Archived   int       `json:"archived"`
	Recovered  int       `json:"recovered"`
	Stragglers int       `json:"stragglers"`
}

// Stats is a snapshot of the engine state across runs.
type Stats struct {
	Runs                 int         `json:"runs"`
	Failures             int         `json:"failures"`
	LastRun              time.Time   `json:"last_run"`
	LastError            string      `json:"last_error,omitempty"`
	WindowsCompacted     int         `json:"windows_compacted"`
	ObservationsArchived int         `json:"observations_archived"`
	Stragglers           int         `json:"stragglers"`
	StalledWindows       []time.Time `json:"stalled_windows"`
}

// Engine runs compaction against a store. Runs are serialized.
type Engine struct {
	store       repository.Store
	summarizer  summarizer.Summarizer
	retention   time.Duration
	maxBatch    int
	maxAttempts int
	now         func() time.Time
	newID       func() string
	logger      logger.Logger

	runMu sync.Mutex

	mu       sync.Mutex
	stats    Stats
	attempts map[int64]int // consecutive failures by window start
	stalled  map[int64]time.Time
}

// New creates an Engine.
func New(store repository.Store, s summarizer.Summarizer, opts ...Option) *Engine {
	e := &Engine{
		store:       store,
		summarizer:  s,
		retention:   defaultRetention,
		maxBatch:    defaultMaxBatch,
		maxAttempts: defaultMaxAttempts,
		now:         time.Now,
		newID:       uuid.NewString,
		attempts:    make(map[int64]int),
		stalled:     make(map[int64]time.Time),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = logger.Get().Named("compaction")
	}
	return e
}

// window is one planned unit of work: the half-open range and the
// observations whose timestamps fall in it.
type window struct {
	model.Window
	batch []model.RawObservation
}

// Run performs one compaction pass. It stops at the first failing window;
// everything already committed stays committed and the rest is retried on
// the next run.
func (e *Engine) Run(ctx context.Context) (Result, error) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	res, err := e.run(ctx)

	e.mu.Lock()
	e.stats.Runs++
	e.stats.LastRun = e.now()
	e.stats.Stragglers = res.Stragglers
	e.stats.WindowsCompacted += res.Windows
	e.stats.ObservationsArchived += res.Archived + res.Recovered
	if err != nil {
		e.stats.Failures++
		e.stats.LastError = err.Error()
	} else {
		e.stats.LastError = ""
	}
	stalled := len(e.stalled)
	e.mu.Unlock()

	metrics.UpdateStalledWindows(stalled)
	metrics.UpdateStragglers(res.Stragglers)
	switch {
	case err != nil:
		metrics.RecordCompactionRun(metrics.OutcomeFailure)
		metrics.RecordErrorByComponent("compaction", "run")
	case res.Windows == 0 && res.Recovered == 0:
		metrics.RecordCompactionRun(metrics.OutcomeEmpty)
	default:
		metrics.RecordCompactionRun(metrics.OutcomeSuccess)
	}
	return res, err
}

func (e *Engine) run(ctx context.Context) (Result, error) {
	res := Result{Cutoff: e.now().Add(-e.retention)}

	summaries, err := collect(e.store.ListCompact(ctx, time.Time{}, time.Time{}))
	if err != nil {
		return res, fmt.Errorf("list compacted summaries: %w", err)
	}
	recent, err := collect(e.store.ListRaw(ctx, time.Time{}, time.Time{}))
	if err != nil {
		return res, fmt.Errorf("list recent observations: %w", err)
	}

	recorded := make(map[string]struct{})
	var latestEnd time.Time
	for _, s := range summaries {
		for _, id := range s.ObservationIDs {
			recorded[id] = struct{}{}
		}
		if s.EndTime.After(latestEnd) {
			latestEnd = s.EndTime
		}
	}

	// Finish runs interrupted between writing a summary and archiving.
	var orphaned []string
	pending := recent[:0:0]
	for _, obs := range recent {
		if _, ok := recorded[obs.ID]; ok {
			orphaned = append(orphaned, obs.ID)
			continue
		}
		pending = append(pending, obs)
	}
	if len(orphaned) > 0 {
		if err := e.store.Archive(ctx, orphaned); err != nil {
			return res, fmt.Errorf("%w: %w", ErrRecovery, err)
		}
		res.Recovered = len(orphaned)
		metrics.RecordObservationsArchived(len(orphaned))
		e.logger.Info(ctx, "archived already compacted observations", logger.Int("count", len(orphaned)))
	}

	var eligible []model.RawObservation
	for _, obs := range pending {
		if !obs.Timestamp.Before(res.Cutoff) {
			break
		}
		if obs.Timestamp.Before(latestEnd) {
			res.Stragglers++
			e.logger.Error(ctx, "observation predates the compacted history and cannot be placed",
				logger.String("id", obs.ID),
				logger.Time("timestamp", obs.Timestamp),
				logger.Time("compacted_until", latestEnd))
			continue
		}
		eligible = append(eligible, obs)
	}

	for _, w := range plan(eligible, res.Cutoff, e.maxBatch) {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		archived, err := e.compact(ctx, w)
		if err != nil {
			e.recordFailure(ctx, w, err)
			return res, fmt.Errorf("%w: [%s, %s): %w", ErrWindow,
				w.Start.Format(time.RFC3339Nano), w.End.Format(time.RFC3339Nano), err)
		}
		e.recordSuccess(w)
		res.Windows++
		res.Archived += archived
	}

	if res.Windows > 0 {
		e.logger.Info(ctx, "compaction run finished",
			logger.Int("windows", res.Windows),
			logger.Int("archived", res.Archived),
			logger.Time("cutoff", res.Cutoff))
	}
	return res, nil
}

// plan splits observations, already ordered by (timestamp, id), into
// consecutive windows of at most maxBatch observations. Observations sharing
// a timestamp always land in the same window, so a tie group larger than
// maxBatch yields an oversized window. Each window ends where the next one
// starts; the last one ends at cutoff.
func plan(obs []model.RawObservation, cutoff time.Time, maxBatch int) []window {
	var out []window
	for i := 0; i < len(obs); {
		j := min(i+maxBatch, len(obs))
		for j > i && j < len(obs) && obs[j].Timestamp.Equal(obs[j-1].Timestamp) {
			j--
		}
		if j == i {
			j = i + maxBatch
			for j < len(obs) && obs[j].Timestamp.Equal(obs[j-1].Timestamp) {
				j++
			}
		}
		end := cutoff
		if j < len(obs) {
			end = obs[j].Timestamp
		}
		out = append(out, window{
			Window: model.Window{Start: obs[i].Timestamp, End: end},
			batch:  obs[i:j],
		})
		i = j
	}
	return out
}

// compact summarizes one window, stores the summary and archives the batch.
func (e *Engine) compact(ctx context.Context, w window) (int, error) {
	start := time.Now()
	out, err := e.summarizer.Summarize(ctx, summarizer.Request{
		Instructions: summarizer.CompactionInstructions,
		Observations: w.batch,
	})
	metrics.RecordSummarizerLatency(summarizerKind, float64(time.Since(start).Microseconds())/1000)
	if err != nil {
		metrics.RecordSummarizerError(summarizerKind)
		return 0, err
	}

	ids := make([]string, len(w.batch))
	sourceSets := make([][]model.SourceType, len(w.batch))
	for i, obs := range w.batch {
		ids[i] = obs.ID
		sourceSets[i] = obs.SourceTypes
	}
	summary := model.CompactedSummary{
		ID:              e.newID(),
		StartTime:       w.Start,
		EndTime:         w.End,
		Summary:         out.Text,
		KeyPoints:       out.KeyPoints,
		SourceTypes:     model.UnionSourceTypes(sourceSets...),
		ImportanceScore: model.ClampImportance(out.Importance),
		ObservationIDs:  ids,
		CreatedAt:       e.now().UTC(),
	}

	err = e.store.AppendCompact(ctx, summary)
	switch {
	case errors.Is(err, repository.ErrDuplicateWindow):
		// Someone else already compacted this range; only archive what their
		// summary actually covers.
		ids, err = e.coveredIDs(ctx, w, ids)
		if err != nil {
			return 0, err
		}
		e.logger.Warn(ctx, "window already compacted",
			logger.Time("start", w.Start),
			logger.Time("end", w.End),
			logger.Int("covered", len(ids)))
	case err != nil:
		return 0, err
	default:
		metrics.RecordWindowCompacted()
	}

	if len(ids) == 0 {
		return 0, nil
	}
	if err := e.store.Archive(ctx, ids); err != nil {
		return 0, err
	}
	metrics.RecordObservationsArchived(len(ids))
	return len(ids), nil
}

func (e *Engine) coveredIDs(ctx context.Context, w window, ids []string) ([]string, error) {
	existing, err := collect(e.store.ListCompact(ctx, w.Start, w.End))
	if err != nil {
		return nil, err
	}
	recorded := make(map[string]struct{})
	for _, s := range existing {
		for _, id := range s.ObservationIDs {
			recorded[id] = struct{}{}
		}
	}
	return slices.DeleteFunc(slices.Clone(ids), func(id string) bool {
		_, ok := recorded[id]
		return !ok
	}), nil
}

func (e *Engine) recordFailure(ctx context.Context, w window, err error) {
	key := w.Start.UnixNano()
	e.mu.Lock()
	e.attempts[key]++
	n := e.attempts[key]
	_, already := e.stalled[key]
	if n >= e.maxAttempts {
		e.stalled[key] = w.Start
	}
	e.mu.Unlock()

	e.logger.Warn(ctx, "compaction window failed",
		logger.Time("start", w.Start),
		logger.Int("attempt", n),
		logger.Int("observations", len(w.batch)),
		logger.Error(err))
	if n >= e.maxAttempts && !already {
		e.logger.Error(ctx, "compaction window stalled",
			logger.Time("start", w.Start),
			logger.Int("attempts", n),
			logger.Error(err))
	}
}

func (e *Engine) recordSuccess(w window) {
	key := w.Start.UnixNano()
	e.mu.Lock()
	delete(e.attempts, key)
	delete(e.stalled, key)
	e.mu.Unlock()
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stats
	s.StalledWindows = make([]time.Time, 0, len(e.stalled))
	for _, t := range e.stalled {
		s.StalledWindows = append(s.StalledWindows, t)
	}
	slices.SortFunc(s.StalledWindows, time.Time.Compare)
	return s
}

func collect[T any](seq iter.Seq2[T, error]) ([]T, error) {
	var out []T
	for v, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
