package summarizer

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/okian/lookout/internal/domain/model"
)

const (
	defaultSourceWeight = 0.5
	defaultMaxKeyPoints = 10
	// ownActivityFactor discounts events the user produced themselves.
	ownActivityFactor = 0.5
	// saturation controls how quickly accumulated weight approaches 1.
	saturation   = 3.0
	headlineSize = 3
)

// Extractive is a deterministic local summarizer. It builds text from event
// titles and links and derives importance from per-source weights.
type Extractive struct {
	weights       map[string]float64
	defaultWeight float64
	identities    []string
	maxKeyPoints  int
}

// NewExtractive creates an extractive summarizer.
func NewExtractive(opts ...Option) *Extractive {
	s := &Extractive{
		weights:       make(map[string]float64),
		defaultWeight: defaultSourceWeight,
		maxKeyPoints:  defaultMaxKeyPoints,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Summarize implements Summarizer.
func (s *Extractive) Summarize(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrSummarization, err)
	}
	switch {
	case len(req.Events) > 0:
		return s.summarizeEvents(req.Events), nil
	case len(req.Observations) > 0:
		return s.summarizeObservations(req.Observations), nil
	case len(req.Summaries) > 0:
		return s.summarizeSummaries(req.Summaries), nil
	}
	return Result{}, fmt.Errorf("%w: nothing to summarize", ErrSummarization)
}

type point struct {
	text   string
	weight float64
}

func (s *Extractive) summarizeEvents(events []model.Event) Result {
	points := make([]point, 0, len(events))
	sources := make([]model.SourceType, 0, len(events))
	total := 0.0
	for i := range events {
		e := &events[i]
		own := s.isOwn(e)
		w := s.weight(e.SourceType)
		if own {
			w *= ownActivityFactor
		}
		total += w
		points = append(points, point{text: keyPoint(e, own), weight: w})
		sources = append(sources, e.SourceType)
	}

	headlines := make([]string, 0, headlineSize)
	for i := range events {
		if len(headlines) == headlineSize {
			break
		}
		headlines = append(headlines, label(&events[i]))
	}

	text := fmt.Sprintf("%d new %s from %s: %s",
		len(events), plural(len(events), "event"), joinSources(model.UnionSourceTypes(sources)),
		strings.Join(headlines, "; "))
	if extra := len(events) - len(headlines); extra > 0 {
		text += fmt.Sprintf(" (and %d more)", extra)
	}

	return Result{
		Text:       text,
		KeyPoints:  s.rank(points),
		Importance: saturate(total),
	}
}

func (s *Extractive) summarizeObservations(obs []model.RawObservation) Result {
	var events []model.Event
	var sources []model.SourceType
	maxImportance := 0.0
	start, end := obs[0].Timestamp, obs[0].Timestamp
	for _, o := range obs {
		events = append(events, o.Events...)
		sources = append(sources, o.SourceTypes...)
		maxImportance = math.Max(maxImportance, o.ImportanceScore)
		if o.Timestamp.Before(start) {
			start = o.Timestamp
		}
		if o.Timestamp.After(end) {
			end = o.Timestamp
		}
	}

	ranked := slices.Clone(obs)
	slices.SortStableFunc(ranked, func(a, b model.RawObservation) int {
		return cmp.Compare(b.ImportanceScore, a.ImportanceScore)
	})
	highlights := make([]string, 0, headlineSize)
	for _, o := range ranked {
		if len(highlights) == headlineSize {
			break
		}
		if o.Summary != "" {
			highlights = append(highlights, o.Summary)
		}
	}

	text := fmt.Sprintf("Between %s and %s: %d %s covering %d %s from %s.",
		start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339),
		len(obs), plural(len(obs), "observation"), len(events), plural(len(events), "event"),
		joinSources(model.UnionSourceTypes(sources)))
	if len(highlights) > 0 {
		text += " " + strings.Join(highlights, " ")
	}

	res := Result{Text: text, Importance: model.ClampImportance(maxImportance)}
	if len(events) > 0 {
		ev := s.summarizeEvents(events)
		res.KeyPoints = ev.KeyPoints
		res.Importance = model.ClampImportance(math.Max(res.Importance, ev.Importance))
	} else {
		res.KeyPoints = capStrings(highlights, s.maxKeyPoints)
	}
	return res
}

func (s *Extractive) summarizeSummaries(sums []model.CompactedSummary) Result {
	ranked := slices.Clone(sums)
	slices.SortStableFunc(ranked, func(a, b model.CompactedSummary) int {
		return cmp.Compare(b.ImportanceScore, a.ImportanceScore)
	})

	start, end := sums[0].StartTime, sums[0].EndTime
	var points []string
	for _, cs := range sums {
		if cs.StartTime.Before(start) {
			start = cs.StartTime
		}
		if cs.EndTime.After(end) {
			end = cs.EndTime
		}
	}
	for _, cs := range ranked {
		points = append(points, cs.KeyPoints...)
	}

	text := fmt.Sprintf("%d compacted %s from %s to %s. Most important: %s",
		len(sums), plural(len(sums), "summary"),
		start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339), ranked[0].Summary)

	return Result{
		Text:       text,
		KeyPoints:  capStrings(uniq(points), s.maxKeyPoints),
		Importance: model.ClampImportance(ranked[0].ImportanceScore),
	}
}

// rank orders points by weight, highest first, keeping input order on ties.
func (s *Extractive) rank(points []point) []string {
	slices.SortStableFunc(points, func(a, b point) int {
		return cmp.Compare(b.weight, a.weight)
	})
	out := make([]string, 0, len(points))
	for _, p := range points {
		out = append(out, p.text)
	}
	return capStrings(uniq(out), s.maxKeyPoints)
}

func (s *Extractive) weight(src model.SourceType) float64 {
	if w, ok := s.weights[string(src)]; ok {
		return w
	}
	return s.defaultWeight
}

func (s *Extractive) isOwn(e *model.Event) bool {
	actor := strings.ToLower(e.Actor)
	if actor == "" {
		return false
	}
	for _, id := range s.identities {
		if strings.Contains(actor, id) {
			return true
		}
	}
	return false
}

func keyPoint(e *model.Event, own bool) string {
	text := label(e)
	if e.URL != "" {
		text = fmt.Sprintf("[%s](%s)", text, e.URL)
	}
	switch {
	case own:
		return fmt.Sprintf("[%s] you: %s", e.SourceType, text)
	case e.Actor != "":
		return fmt.Sprintf("[%s] %s: %s", e.SourceType, e.Actor, text)
	default:
		return fmt.Sprintf("[%s] %s", e.SourceType, text)
	}
}

func label(e *model.Event) string {
	switch {
	case e.Title != "":
		return e.Title
	case e.Detail != "":
		return truncate(e.Detail, 80)
	default:
		return e.ID
	}
}

func saturate(total float64) float64 {
	return model.ClampImportance(1 - math.Exp(-total/saturation))
}

func joinSources(src []model.SourceType) string {
	names := make([]string, len(src))
	for i, s := range src {
		names[i] = string(s)
	}
	if len(names) == 0 {
		return "no sources"
	}
	return strings.Join(names, ", ")
}

func plural(n int, word string) string {
	if n == 1 {
		return word
	}
	if strings.HasSuffix(word, "y") {
		return strings.TrimSuffix(word, "y") + "ies"
	}
	return word + "s"
}

func uniq(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func capStrings(in []string, n int) []string {
	if len(in) > n {
		return in[:n]
	}
	return in
}

func truncate(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n]) + "..."
}
