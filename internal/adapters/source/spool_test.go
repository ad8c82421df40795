package source_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/okian/lookout/internal/adapters/source"
	"github.com/okian/lookout/internal/config"
	"github.com/okian/lookout/internal/domain/model"
	. "github.com/smartystreets/goconvey/convey"
)

func writeSpool(dir, name, body string) {
	So(os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644), ShouldBeNil)
}

func TestSpool(t *testing.T) {
	Convey("Given a spool directory", t, func() {
		dir := filepath.Join(t.TempDir(), "spool")
		s := source.NewSpool(config.SourceConfig{Dir: dir}, source.WithClock(clock))
		So(s.Connect(ctx), ShouldBeNil)

		Convey("Then connect creates the layout", func() {
			for _, sub := range []string{"done", "failed"} {
				info, err := os.Stat(filepath.Join(dir, sub))
				So(err, ShouldBeNil)
				So(info.IsDir(), ShouldBeTrue)
			}
		})

		Convey("When files hold single events and arrays", func() {
			writeSpool(dir, "a.json", `{"title":"single","timestamp":"2026-03-01T10:00:00Z"}`)
			writeSpool(dir, "b.json", `[{"id":"x","source_type":"github","title":"first"},{"title":"second"}]`)
			writeSpool(dir, "c.json", `{not json`)
			writeSpool(dir, "ignored.txt", `{}`)
			events, errs := drain(s.Observe(ctx))

			Convey("Then each event is read in file order with defaults applied", func() {
				So(events, ShouldHaveLength, 3)
				So(events[0].ID, ShouldEqual, "a")
				So(events[0].SourceType, ShouldEqual, model.SourceSpool)
				So(events[1].ID, ShouldEqual, "x")
				So(events[1].SourceType, ShouldEqual, model.SourceGitHub)
				So(events[2].ID, ShouldEqual, "b-1")
				So(events[2].Timestamp.IsZero(), ShouldBeFalse)
			})

			Convey("Then the malformed file is reported and moved aside", func() {
				So(errs, ShouldHaveLength, 1)
				So(errors.Is(errs[0], source.ErrMalformed), ShouldBeTrue)
				_, err := os.Stat(filepath.Join(dir, "failed", "c.json"))
				So(err, ShouldBeNil)
			})

			Convey("And the events are committed", func() {
				So(s.Commit(ctx, events), ShouldBeNil)

				Convey("Then their files move to done", func() {
					for _, name := range []string{"a.json", "b.json"} {
						_, err := os.Stat(filepath.Join(dir, "done", name))
						So(err, ShouldBeNil)
					}
					again, errs := drain(s.Observe(ctx))
					So(again, ShouldBeEmpty)
					So(errs, ShouldBeEmpty)
				})
			})

			Convey("And nothing is committed", func() {
				again, _ := drain(s.Observe(ctx))

				Convey("Then the files are observed again", func() {
					So(again, ShouldHaveLength, 3)
				})
			})
		})

		Convey("When two files carry the same event id", func() {
			writeSpool(dir, "d1.json", `{"id":"dup","title":"first copy"}`)
			writeSpool(dir, "d2.json", `{"id":"dup","title":"second copy"}`)
			events, errs := drain(s.Observe(ctx))
			So(errs, ShouldBeEmpty)
			So(events, ShouldHaveLength, 2)

			Convey("And only one copy is committed", func() {
				So(s.Commit(ctx, events[:1]), ShouldBeNil)

				Convey("Then both files move to done", func() {
					for _, name := range []string{"d1.json", "d2.json"} {
						_, err := os.Stat(filepath.Join(dir, "done", name))
						So(err, ShouldBeNil)
						_, err = os.Stat(filepath.Join(dir, name))
						So(os.IsNotExist(err), ShouldBeTrue)
					}
					again, _ := drain(s.Observe(ctx))
					So(again, ShouldBeEmpty)
				})
			})
		})
	})

	Convey("Given no spool directory configured", t, func() {
		s := source.NewSpool(config.SourceConfig{})

		Convey("Then connect fails", func() {
			So(errors.Is(s.Connect(ctx), source.ErrConnection), ShouldBeTrue)
		})
	})
}
