package query_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/okian/lookout/internal/adapters/repository"
	"github.com/okian/lookout/internal/domain/model"
	"github.com/okian/lookout/internal/domain/query"
	"github.com/okian/lookout/internal/domain/summarizer"
	"github.com/okian/lookout/pkg/logger"
	"github.com/smartystreets/goconvey/convey"
)

func init() {
	_ = logger.Init()
}

var now = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

func summary(id string, startAgo, endAgo time.Duration, importance float64, src model.SourceType) model.CompactedSummary {
	return model.CompactedSummary{
		ID:              id,
		StartTime:       now.Add(-startAgo),
		EndTime:         now.Add(-endAgo),
		Summary:         "summary " + id,
		SourceTypes:     []model.SourceType{src},
		ImportanceScore: importance,
		CreatedAt:       now,
	}
}

func ids(sums []model.CompactedSummary) []string {
	out := make([]string, len(sums))
	for i, s := range sums {
		out[i] = s.ID
	}
	return out
}

type narrator struct{ fail bool }

func (n narrator) Summarize(_ context.Context, req summarizer.Request) (summarizer.Result, error) {
	if n.fail {
		return summarizer.Result{}, fmt.Errorf("%w: down", summarizer.ErrSummarization)
	}
	return summarizer.Result{Text: fmt.Sprintf("%d/%d", len(req.Observations), len(req.Summaries))}, nil
}

func TestAggregator(t *testing.T) {
	ctx := context.Background()

	convey.Convey("Given only compacted summaries around a 12 hour boundary", t, func() {
		store, err := repository.NewFileStore(t.TempDir())
		convey.So(err, convey.ShouldBeNil)
		for _, s := range []model.CompactedSummary{
			summary("reaches-in", 20*time.Hour, 11*time.Hour, 0.5, model.SourceGitHub),
			summary("ends-at-since", 40*time.Hour, 20*time.Hour, 0.5, model.SourceSlack),
			summary("inside", 11*time.Hour, 6*time.Hour, 0.5, model.SourceEmail),
		} {
			convey.So(store.AppendCompact(ctx, s), convey.ShouldBeNil)
		}
		convey.So(store.AppendCompact(ctx, summary("ancient", 60*time.Hour, 40*time.Hour, 0.9, model.SourceSlack)), convey.ShouldBeNil)

		convey.Convey("When querying with the touch policy", func() {
			agg := query.New(store, query.WithClock(clock), query.WithOverlap(query.OverlapTouch))
			resp, err := agg.Recent(ctx, 12)

			convey.Convey("Then a summary reaching into the range is included", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(resp.RecentObservations, convey.ShouldBeEmpty)
				convey.So(ids(resp.CompactSummaries), convey.ShouldResemble, []string{"inside", "reaches-in"})
				convey.So(resp.NumHistorical, convey.ShouldEqual, 2)
				convey.So(resp.NumRecent, convey.ShouldEqual, 0)
				convey.So(resp.SourceTypes, convey.ShouldResemble, []model.SourceType{model.SourceEmail, model.SourceGitHub})
				convey.So(resp.Message, convey.ShouldBeEmpty)
			})
		})

		convey.Convey("When querying with the contained policy", func() {
			agg := query.New(store, query.WithClock(clock), query.WithOverlap(query.OverlapContained))
			resp, err := agg.Recent(ctx, 12)

			convey.Convey("Then only summaries starting inside the range are included", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(ids(resp.CompactSummaries), convey.ShouldResemble, []string{"inside"})
			})
		})

		convey.Convey("When querying a range that ends exactly at a summary end", func() {
			agg := query.New(store, query.WithClock(clock))
			resp, err := agg.Recent(ctx, 20)

			convey.Convey("Then the half-open window does not touch it", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(ids(resp.CompactSummaries), convey.ShouldNotContain, "ends-at-since")
				convey.So(ids(resp.CompactSummaries), convey.ShouldContain, "reaches-in")
			})
		})

		convey.Convey("When a summary starts exactly at the range start", func() {
			agg := query.New(store, query.WithClock(clock), query.WithOverlap(query.OverlapContained))
			resp, err := agg.Recent(ctx, 20)

			convey.Convey("Then the contained policy includes it", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(ids(resp.CompactSummaries), convey.ShouldResemble, []string{"inside", "reaches-in"})
			})
		})
	})

	convey.Convey("Given recent observations and summaries", t, func() {
		store, err := repository.NewFileStore(t.TempDir())
		convey.So(err, convey.ShouldBeNil)
		convey.So(store.AppendRaw(ctx, model.RawObservation{
			ID: "new", Timestamp: now.Add(-time.Hour), Summary: "new", SourceTypes: []model.SourceType{model.SourceSlack},
		}), convey.ShouldBeNil)
		convey.So(store.AppendRaw(ctx, model.RawObservation{
			ID: "old", Timestamp: now.Add(-5 * time.Hour), Summary: "old", SourceTypes: []model.SourceType{model.SourceEmail},
		}), convey.ShouldBeNil)
		convey.So(store.AppendCompact(ctx, summary("low", 30*time.Hour, time.Hour+30*time.Minute, 0.2, model.SourceGitHub)), convey.ShouldBeNil)
		convey.So(store.AppendCompact(ctx, summary("high", time.Hour+30*time.Minute, time.Hour, 0.9, model.SourceGitHub)), convey.ShouldBeNil)

		convey.Convey("When querying the last two hours", func() {
			agg := query.New(store, query.WithClock(clock), query.WithNarrator(narrator{}))
			resp, err := agg.Recent(ctx, 2)

			convey.Convey("Then raw observations are filtered by timestamp", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(resp.RecentObservations, convey.ShouldHaveLength, 1)
				convey.So(resp.RecentObservations[0].ID, convey.ShouldEqual, "new")
				convey.So(resp.TimespanHours, convey.ShouldEqual, 2.0)
			})

			convey.Convey("Then summaries are ordered by end time, newest first", func() {
				convey.So(ids(resp.CompactSummaries), convey.ShouldResemble, []string{"high", "low"})
			})

			convey.Convey("Then narratives are produced", func() {
				convey.So(resp.RecentSummary, convey.ShouldEqual, "1/0")
				convey.So(resp.HistoricalSummary, convey.ShouldEqual, "0/2")
			})
		})

		convey.Convey("When fractional hours are requested", func() {
			agg := query.New(store, query.WithClock(clock))
			resp, err := agg.Recent(ctx, 1.25)

			convey.Convey("Then the window is honoured exactly", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(resp.Since.Equal(now.Add(-75*time.Minute)), convey.ShouldBeTrue)
				convey.So(resp.RecentObservations, convey.ShouldHaveLength, 1)
				convey.So(ids(resp.CompactSummaries), convey.ShouldResemble, []string{"high"})
			})
		})

		convey.Convey("When the narrator fails", func() {
			agg := query.New(store, query.WithClock(clock), query.WithNarrator(narrator{fail: true}))
			resp, err := agg.Recent(ctx, 2)

			convey.Convey("Then the texts are empty but the query succeeds", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(resp.RecentSummary, convey.ShouldBeEmpty)
				convey.So(resp.HistoricalSummary, convey.ShouldBeEmpty)
				convey.So(resp.NumHistorical, convey.ShouldEqual, 2)
			})
		})

		convey.Convey("When a newer but less important summary is added", func() {
			convey.So(store.AppendCompact(ctx, summary("zero", time.Hour, 50*time.Minute, 0.1, model.SourceSlack)), convey.ShouldBeNil)
			agg := query.New(store, query.WithClock(clock))
			resp, _ := agg.Recent(ctx, 3)

			convey.Convey("Then the latest end wins first", func() {
				convey.So(ids(resp.CompactSummaries), convey.ShouldResemble, []string{"zero", "high", "low"})
			})
		})
	})

	convey.Convey("Given an empty store", t, func() {
		store, err := repository.NewFileStore(t.TempDir())
		convey.So(err, convey.ShouldBeNil)
		agg := query.New(store, query.WithClock(clock))

		convey.Convey("Then the response carries the empty message", func() {
			resp, err := agg.Recent(ctx, 24)
			convey.So(err, convey.ShouldBeNil)
			convey.So(resp.Message, convey.ShouldEqual, query.NoObservations)
			convey.So(resp.RecentObservations, convey.ShouldNotBeNil)
			convey.So(resp.SourceTypes, convey.ShouldBeEmpty)
		})

		convey.Convey("Then invalid windows are rejected", func() {
			for _, h := range []float64{-1, math.NaN(), math.Inf(1)} {
				_, err := agg.Recent(ctx, h)
				convey.So(errors.Is(err, query.ErrInvalidHours), convey.ShouldBeTrue)
			}
		})

		convey.Convey("Then a zero window is accepted", func() {
			_, err := agg.Recent(ctx, 0)
			convey.So(err, convey.ShouldBeNil)
			convey.So(agg.DefaultHours(), convey.ShouldEqual, 24.0)
		})
	})
}
