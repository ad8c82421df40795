package compaction

import (
	"testing"
	"time"

	"github.com/okian/lookout/internal/domain/model"
	. "github.com/smartystreets/goconvey/convey"
)

func TestPlan(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	at := func(id string, minutes int) model.RawObservation {
		return model.RawObservation{ID: id, Timestamp: base.Add(time.Duration(minutes) * time.Minute)}
	}
	cutoff := base.Add(time.Hour)

	Convey("Given observations with tied timestamps", t, func() {
		obs := []model.RawObservation{at("a", 0), at("b", 10), at("c", 10), at("d", 20), at("e", 30)}

		Convey("When planning with a batch of two", func() {
			windows := plan(obs, cutoff, 2)

			Convey("Then ties are never split across windows", func() {
				So(windows, ShouldHaveLength, 3)
				So(windows[0].batch, ShouldHaveLength, 1)
				So(windows[1].batch, ShouldHaveLength, 2)
				So(windows[1].batch[0].ID, ShouldEqual, "b")
				So(windows[1].batch[1].ID, ShouldEqual, "c")
				So(windows[2].batch, ShouldHaveLength, 2)
			})

			Convey("Then each window ends where the next starts and the last at the cutoff", func() {
				So(windows[0].End.Equal(windows[1].Start), ShouldBeTrue)
				So(windows[1].End.Equal(windows[2].Start), ShouldBeTrue)
				So(windows[2].End.Equal(cutoff), ShouldBeTrue)
				for _, w := range windows {
					So(w.Valid(), ShouldBeTrue)
					for _, o := range w.batch {
						So(w.Contains(o.Timestamp), ShouldBeTrue)
					}
				}
			})
		})
	})

	Convey("Given a tie group larger than the batch", t, func() {
		obs := []model.RawObservation{at("a", 5), at("b", 5), at("c", 5), at("d", 6)}
		windows := plan(obs, cutoff, 2)

		Convey("Then the group stays whole in one oversized window", func() {
			So(windows, ShouldHaveLength, 2)
			So(windows[0].batch, ShouldHaveLength, 3)
			So(windows[1].batch[0].ID, ShouldEqual, "d")
		})
	})

	Convey("Given nothing eligible", t, func() {
		So(plan(nil, cutoff, 2), ShouldBeEmpty)
	})
}
