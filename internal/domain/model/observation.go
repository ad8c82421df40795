package model

import (
	"math"
	"slices"
	"time"
)

// Tier names one of the three retention levels of the observation store.
type Tier string

const (
	TierRecent    Tier = "recent"
	TierCompact   Tier = "compact"
	TierProcessed Tier = "processed"
)

// RawObservation is the summarized batch of events from one poll cycle.
type RawObservation struct {
	ID              string       `json:"id"`
	Timestamp       time.Time    `json:"timestamp"`
	Summary         string       `json:"summary"`
	SourceTypes     []SourceType `json:"source_types"`
	Events          []Event      `json:"events"`
	ImportanceScore float64      `json:"importance_score"`
}

// CompactedSummary is the importance-scored merge of the raw observations
// whose timestamps fall in the half-open window [StartTime, EndTime).
type CompactedSummary struct {
	ID              string       `json:"id"`
	StartTime       time.Time    `json:"start_time"`
	EndTime         time.Time    `json:"end_time"`
	Summary         string       `json:"summary"`
	KeyPoints       []string     `json:"key_points"`
	SourceTypes     []SourceType `json:"source_types"`
	ImportanceScore float64      `json:"importance_score"`
	ObservationIDs  []string     `json:"observation_ids"`
	CreatedAt       time.Time    `json:"created_at"`
}

// Window returns the summary's time window.
func (c *CompactedSummary) Window() Window {
	return Window{Start: c.StartTime, End: c.EndTime}
}

// Window is a half-open time range [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// Valid reports whether Start is strictly before End.
func (w Window) Valid() bool {
	return w.Start.Before(w.End)
}

// Overlaps reports whether the two half-open windows share any instant.
func (w Window) Overlaps(o Window) bool {
	return w.Start.Before(o.End) && o.Start.Before(w.End)
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// UnionSourceTypes merges source type sets, returning a sorted, duplicate-free slice.
func UnionSourceTypes(sets ...[]SourceType) []SourceType {
	var out []SourceType
	for _, set := range sets {
		out = append(out, set...)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// ClampImportance bounds an importance score to [0, 1]. NaN maps to 0.
func ClampImportance(score float64) float64 {
	switch {
	case math.IsNaN(score):
		return 0
	case score < 0:
		return 0
	case score > 1:
		return 1
	}
	return score
}
