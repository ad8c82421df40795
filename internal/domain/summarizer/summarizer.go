// Package summarizer defines the capability that condenses events, raw
// observations or compacted summaries into short text with an importance
// score.
package summarizer

import (
	"context"

	"github.com/okian/lookout/internal/domain/model"
)

// Request carries the inputs of one summarization. Exactly what is set
// depends on the caller: the poll scheduler passes Events, compaction passes
// Observations, and the query narrative passes Observations or Summaries.
type Request struct {
	Instructions string
	Events       []model.Event
	Observations []model.RawObservation
	Summaries    []model.CompactedSummary
}

// Empty reports whether the request carries nothing to summarize.
func (r Request) Empty() bool {
	return len(r.Events) == 0 && len(r.Observations) == 0 && len(r.Summaries) == 0
}

// Result is the summarizer output. Importance is in [0, 1], higher meaning
// more worth surfacing.
type Result struct {
	Text       string
	KeyPoints  []string
	Importance float64
}

// Summarizer turns a request into a Result. Implementations may be slow and
// may fail; failures are reported wrapped in ErrSummarization.
type Summarizer interface {
	Summarize(ctx context.Context, req Request) (Result, error)
}

// Default instructions used by callers.
const (
	PollInstructions = "Summarize the new activity from this poll cycle. " +
		"Keep links to actionable items."
	CompactionInstructions = "Create a compact summary that preserves important context. " +
		"Always include relevant links in markdown format, prioritize direct links to actionable items, " +
		"and make it clear when summarizing the user's own actions."
	RecentNarrativeInstructions     = "Summarize what happened recently and what needs attention."
	HistoricalNarrativeInstructions = "Summarize the historical record, most important items first."
)
