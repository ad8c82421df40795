package config_test

import (
	"errors"
	"testing"
	"time"

	"github.com/okian/lookout/internal/config"
	"github.com/smartystreets/goconvey/convey"
)

func TestConfig_New(t *testing.T) {
	convey.Convey("Given a new config with default options", t, func() {
		cfg := config.New()

		convey.Convey("Then it should have sensible defaults", func() {
			convey.So(cfg.Addr, convey.ShouldEqual, ":9080")
			convey.So(cfg.Store.Backend, convey.ShouldEqual, config.StoreFS)
			convey.So(cfg.Compaction.RetentionHours, convey.ShouldEqual, 24)
			convey.So(cfg.Compaction.MaxBatch, convey.ShouldEqual, 50)
			convey.So(cfg.Query.Overlap, convey.ShouldEqual, config.OverlapTouch)
			convey.So(cfg.Query.DefaultHours, convey.ShouldEqual, 24)
			convey.So(cfg.Sources["github"].Interval(), convey.ShouldEqual, 300*time.Second)
		})

		convey.Convey("Then every source is disabled", func() {
			convey.So(cfg.EnabledSources(), convey.ShouldBeEmpty)
		})

		convey.Convey("Then it validates", func() {
			convey.So(cfg.Validate(), convey.ShouldBeNil)
		})
	})
}

func TestConfig_Validate(t *testing.T) {
	convey.Convey("Given a default config", t, func() {
		cfg := config.New()

		cases := []struct {
			name   string
			mutate func(*config.Config)
			want   string
		}{
			{"empty addr", func(c *config.Config) { c.Addr = "" }, "addr must not be empty"},
			{"unknown store", func(c *config.Config) { c.Store.Backend = "s3" }, "store.backend"},
			{"sqlite without path", func(c *config.Config) {
				c.Store.Backend = config.StoreSQLite
				c.Store.SQLitePath = ""
			}, "sqlite_path"},
			{"anthropic without key", func(c *config.Config) { c.Summarizer.Backend = config.SummarizerAnthropic }, "api_key"},
			{"bad overlap", func(c *config.Config) { c.Query.Overlap = "intersects" }, "query.overlap"},
			{"zero retention", func(c *config.Config) { c.Compaction.RetentionHours = 0 }, "retention_hours"},
			{"zero batch", func(c *config.Config) { c.Compaction.MaxBatch = 0 }, "max_batch"},
			{"zero tries", func(c *config.Config) { c.Connect.MaxTries = 0 }, "max_tries"},
		}

		for _, tc := range cases {
			convey.Convey("When "+tc.name, func() {
				tc.mutate(cfg)
				err := cfg.Validate()

				convey.Convey("Then it is rejected as invalid", func() {
					convey.So(err, convey.ShouldNotBeNil)
					convey.So(errors.Is(err, config.ErrInvalidConfig), convey.ShouldBeTrue)
					convey.So(err.Error(), convey.ShouldContainSubstring, tc.want)
				})
			})
		}
	})
}
