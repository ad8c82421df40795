// Package query assembles read-only views over the recent and compact tiers.
package query

import (
	"cmp"
	"context"
	"fmt"
	"iter"
	"math"
	"slices"
	"time"

	"github.com/okian/lookout/internal/adapters/repository"
	"github.com/okian/lookout/internal/domain/model"
	"github.com/okian/lookout/internal/domain/summarizer"
	"github.com/okian/lookout/pkg/logger"
	"github.com/okian/lookout/pkg/metrics"
)

// Overlap policies for selecting compacted summaries.
const (
	// OverlapTouch includes a summary whose window reaches into the range.
	OverlapTouch = "touch"
	// OverlapContained includes only summaries starting inside the range.
	OverlapContained = "contained"
)

// NoObservations is the message carried by an empty response.
const NoObservations = "No observations found"

const (
	defaultHours   = 24
	summarizerKind = "narrative"
	maxQueryHours  = 24 * 365 * 100
)

// Response is the aggregation returned for an hours window.
type Response struct {
	TimespanHours      float64                  `json:"timespan_hours"`
	Since              time.Time                `json:"since"`
	RecentSummary      string                   `json:"recent_summary,omitempty"`
	HistoricalSummary  string                   `json:"historical_summary,omitempty"`
	NumRecent          int                      `json:"num_recent_summaries"`
	NumHistorical      int                      `json:"num_historical_summaries"`
	SourceTypes        []model.SourceType       `json:"source_types"`
	RecentObservations []model.RawObservation   `json:"recent_observations"`
	CompactSummaries   []model.CompactedSummary `json:"compact_summaries"`
	Message            string                   `json:"message,omitempty"`
}

// Aggregator answers recent-activity queries. It never mutates the store.
type Aggregator struct {
	store        repository.Store
	narrator     summarizer.Summarizer
	overlap      string
	defaultHours float64
	now          func() time.Time
	logger       logger.Logger
}

// New creates an Aggregator over store.
func New(store repository.Store, opts ...Option) *Aggregator {
	a := &Aggregator{
		store:        store,
		overlap:      OverlapTouch,
		defaultHours: defaultHours,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = logger.Get().Named("query")
	}
	return a
}

// DefaultHours is the window used when a caller does not pass one.
func (a *Aggregator) DefaultHours() float64 { return a.defaultHours }

// Recent returns raw observations with timestamp >= now-hours and the
// compacted summaries selected by the overlap policy. An empty result is not
// an error; it carries the NoObservations message instead.
func (a *Aggregator) Recent(ctx context.Context, hours float64) (Response, error) {
	if hours < 0 || math.IsNaN(hours) || math.IsInf(hours, 0) {
		return Response{}, fmt.Errorf("%w: hours must be a non-negative number, got %v", ErrInvalidHours, hours)
	}
	hours = min(hours, maxQueryHours)
	since := a.now().Add(-time.Duration(hours * float64(time.Hour))).UTC()
	resp := Response{
		TimespanHours:      hours,
		Since:              since,
		SourceTypes:        []model.SourceType{},
		RecentObservations: []model.RawObservation{},
		CompactSummaries:   []model.CompactedSummary{},
	}

	recent, err := collect(a.store.ListRaw(ctx, since, time.Time{}))
	if err != nil {
		return Response{}, fmt.Errorf("list recent observations: %w", err)
	}
	compact, err := collect(a.store.ListCompact(ctx, since, time.Time{}))
	if err != nil {
		return Response{}, fmt.Errorf("list compacted summaries: %w", err)
	}
	if a.overlap == OverlapContained {
		compact = slices.DeleteFunc(compact, func(s model.CompactedSummary) bool {
			return s.StartTime.Before(since)
		})
	}
	slices.SortStableFunc(compact, func(x, y model.CompactedSummary) int {
		if c := y.EndTime.Compare(x.EndTime); c != 0 {
			return c
		}
		return cmp.Compare(y.ImportanceScore, x.ImportanceScore)
	})

	if len(recent) == 0 && len(compact) == 0 {
		resp.Message = NoObservations
		return resp, nil
	}

	sets := make([][]model.SourceType, 0, len(recent)+len(compact))
	for _, o := range recent {
		sets = append(sets, o.SourceTypes)
	}
	for _, s := range compact {
		sets = append(sets, s.SourceTypes)
	}
	resp.SourceTypes = model.UnionSourceTypes(sets...)
	if resp.SourceTypes == nil {
		resp.SourceTypes = []model.SourceType{}
	}
	resp.RecentObservations = recent
	resp.CompactSummaries = compact
	resp.NumRecent = len(recent)
	resp.NumHistorical = len(compact)

	if a.narrator != nil {
		if len(recent) > 0 {
			resp.RecentSummary = a.narrate(ctx, summarizer.Request{
				Instructions: summarizer.RecentNarrativeInstructions,
				Observations: recent,
			})
		}
		if len(compact) > 0 {
			resp.HistoricalSummary = a.narrate(ctx, summarizer.Request{
				Instructions: summarizer.HistoricalNarrativeInstructions,
				Summaries:    compact,
			})
		}
	}
	return resp, nil
}

// narrate degrades to empty text on failure.
func (a *Aggregator) narrate(ctx context.Context, req summarizer.Request) string {
	start := time.Now()
	out, err := a.narrator.Summarize(ctx, req)
	metrics.RecordSummarizerLatency(summarizerKind, float64(time.Since(start).Microseconds())/1000)
	if err != nil {
		metrics.RecordSummarizerError(summarizerKind)
		a.logger.Warn(ctx, "narrative summary failed", logger.Error(err))
		return ""
	}
	return out.Text
}

func collect[T any](seq iter.Seq2[T, error]) ([]T, error) {
	out := []T{}
	for v, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
