package dedupe_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	dedupe "github.com/okian/lookout/internal/domain/dedupe"
	. "github.com/smartystreets/goconvey/convey"
)

func TestInMemoryDeduper(t *testing.T) {
	ctx := context.Background()

	Convey("Given a new InMemoryDeduper", t, func() {
		d := dedupe.NewInMemoryDeduper()

		Convey("Then it starts empty", func() {
			So(d.Size(), ShouldEqual, 0)
		})

		Convey("When a key is recorded for the first time", func() {
			seen := d.SeenAndRecord(ctx, "github:1")

			Convey("Then it reports unseen and grows", func() {
				So(seen, ShouldBeFalse)
				So(d.Size(), ShouldEqual, 1)
			})

			Convey("And it is recorded again", func() {
				So(d.SeenAndRecord(ctx, "github:1"), ShouldBeTrue)
				So(d.Size(), ShouldEqual, 1)
			})

			Convey("And it is unrecorded", func() {
				d.Unrecord(ctx, "github:1")

				Convey("Then it is accepted again", func() {
					So(d.Size(), ShouldEqual, 0)
					So(d.SeenAndRecord(ctx, "github:1"), ShouldBeFalse)
				})
			})
		})

		Convey("When unrecording an unknown key", func() {
			d.Unrecord(ctx, "missing")

			Convey("Then nothing changes", func() {
				So(d.Size(), ShouldEqual, 0)
			})
		})
	})

	Convey("Given a bounded deduper", t, func() {
		d := dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(3))

		Convey("When more keys than the bound are recorded", func() {
			for i := 0; i < 4; i++ {
				So(d.SeenAndRecord(ctx, fmt.Sprintf("k%d", i)), ShouldBeFalse)
			}

			Convey("Then the oldest key is evicted", func() {
				So(d.Size(), ShouldEqual, 3)
				So(d.SeenAndRecord(ctx, "k3"), ShouldBeTrue)
				So(d.SeenAndRecord(ctx, "k1"), ShouldBeTrue)
				So(d.SeenAndRecord(ctx, "k0"), ShouldBeFalse)
			})
		})
	})

	Convey("Given an unbounded deduper", t, func() {
		d := dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(0))
		for i := 0; i < 1000; i++ {
			d.SeenAndRecord(ctx, fmt.Sprintf("k%d", i))
		}
		So(d.Size(), ShouldEqual, 1000)
	})
}

func TestInMemoryDeduperConcurrency(t *testing.T) {
	Convey("Given concurrent writers recording overlapping keys", t, func() {
		ctx := context.Background()
		d := dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(0))

		var wg sync.WaitGroup
		var mu sync.Mutex
		fresh := 0
		for g := 0; g < 8; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 100; i++ {
					if !d.SeenAndRecord(ctx, fmt.Sprintf("k%d", i)) {
						mu.Lock()
						fresh++
						mu.Unlock()
					}
				}
			}()
		}
		wg.Wait()

		Convey("Then each key is reported fresh exactly once", func() {
			So(fresh, ShouldEqual, 100)
			So(d.Size(), ShouldEqual, 100)
		})
	})
}
