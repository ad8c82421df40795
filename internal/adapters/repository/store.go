// Package repository defines the tiered observation store and its backends.
package repository

import (
	"cmp"
	"context"
	"fmt"
	"iter"
	"regexp"
	"time"

	"github.com/okian/lookout/internal/domain/model"
	"github.com/okian/lookout/pkg/metrics"
)

// TierCounts reports the number of records held in each tier.
type TierCounts struct {
	Recent    int `json:"recent"`
	Compact   int `json:"compact"`
	Processed int `json:"processed"`
}

// Store provides durable access to the recent, compact and processed tiers.
//
// Zero since/until mean unbounded. Raw ranges are [since, until) on the
// observation timestamp; compact ranges select summaries whose window
// overlaps [since, until). Every write is all-or-nothing: readers never see
// a partially written record.
type Store interface {
	// AppendRaw persists obs in the recent tier. Returns ErrAlreadyExists if a
	// raw observation with the same id exists in any tier.
	AppendRaw(ctx context.Context, obs model.RawObservation) error
	// ListRaw yields recent-tier observations ordered by (timestamp, id).
	ListRaw(ctx context.Context, since, until time.Time) iter.Seq2[model.RawObservation, error]

	// AppendCompact persists s in the compact tier. Returns ErrDuplicateWindow
	// if its window overlaps any stored summary.
	AppendCompact(ctx context.Context, s model.CompactedSummary) error
	// ListCompact yields compacted summaries ordered by start time.
	ListCompact(ctx context.Context, since, until time.Time) iter.Seq2[model.CompactedSummary, error]

	// Archive moves the given raw observations from recent to processed.
	// Ids already processed or unknown are ignored.
	Archive(ctx context.Context, ids []string) error
	// ListArchived yields processed-tier observations ordered by (timestamp, id).
	ListArchived(ctx context.Context, since, until time.Time) iter.Seq2[model.RawObservation, error]

	// Counts returns the number of records per tier.
	Counts(ctx context.Context) (TierCounts, error)

	Close() error
}

var validID = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

func validateRaw(obs *model.RawObservation) error {
	if !validID.MatchString(obs.ID) {
		return fmt.Errorf("%w: raw observation id %q", ErrInvalidRecord, obs.ID)
	}
	if obs.Timestamp.IsZero() {
		return fmt.Errorf("%w: raw observation %s has no timestamp", ErrInvalidRecord, obs.ID)
	}
	return nil
}

func validateCompact(s *model.CompactedSummary) error {
	if !validID.MatchString(s.ID) {
		return fmt.Errorf("%w: compacted summary id %q", ErrInvalidRecord, s.ID)
	}
	if !s.Window().Valid() {
		return fmt.Errorf("%w: window [%s, %s) is empty", ErrInvalidRecord,
			s.StartTime.Format(time.RFC3339Nano), s.EndTime.Format(time.RFC3339Nano))
	}
	return nil
}

// inRange reports whether t falls in [since, until) with zero bounds open.
func inRange(t, since, until time.Time) bool {
	if !since.IsZero() && t.Before(since) {
		return false
	}
	if !until.IsZero() && !t.Before(until) {
		return false
	}
	return true
}

// overlapsRange reports whether window w overlaps [since, until).
func overlapsRange(w model.Window, since, until time.Time) bool {
	if !since.IsZero() && !w.End.After(since) {
		return false
	}
	if !until.IsZero() && !w.Start.Before(until) {
		return false
	}
	return true
}

func compareRaw(aTS time.Time, aID string, bTS time.Time, bID string) int {
	if c := aTS.Compare(bTS); c != 0 {
		return c
	}
	return cmp.Compare(aID, bID)
}

func errSeq[T any](err error) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		yield(zero, err)
	}
}

func observeWrite(op string, start time.Time) {
	metrics.RecordStoreLatency(op, float64(time.Since(start).Microseconds())/1000)
}

// ReportTierSizes publishes the current tier counts as metrics.
func ReportTierSizes(ctx context.Context, s Store) (TierCounts, error) {
	c, err := s.Counts(ctx)
	if err != nil {
		metrics.RecordErrorByComponent("repository", "counts")
		return c, err
	}
	metrics.UpdateTierSize(string(model.TierRecent), c.Recent)
	metrics.UpdateTierSize(string(model.TierCompact), c.Compact)
	metrics.UpdateTierSize(string(model.TierProcessed), c.Processed)
	return c, nil
}
