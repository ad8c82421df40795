package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/okian/lookout/internal/adapters/http/api"
	repository "github.com/okian/lookout/internal/adapters/repository"
	service "github.com/okian/lookout/internal/app"
	"github.com/okian/lookout/internal/domain/query"
	. "github.com/smartystreets/goconvey/convey"
)

type mockDependencies struct {
	ready      bool
	recentErr  error
	hours      []float64
	refreshRes service.CycleResult
	refreshErr error
	refreshed  []string
	sources    []service.SourceStats
}

func (m *mockDependencies) Recent(_ context.Context, hours float64) (query.Response, error) {
	m.hours = append(m.hours, hours)
	if m.recentErr != nil {
		return query.Response{}, m.recentErr
	}
	return query.Response{
		TimespanHours: hours,
		Since:         time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Message:       query.NoObservations,
	}, nil
}

func (m *mockDependencies) DefaultHours() float64 { return 24 }

func (m *mockDependencies) Sources() []service.SourceStats { return m.sources }

func (m *mockDependencies) Refresh(_ context.Context, name string) (service.CycleResult, error) {
	m.refreshed = append(m.refreshed, name)
	return m.refreshRes, m.refreshErr
}

func (m *mockDependencies) Ready() bool { return m.ready }

type mockStatsProvider struct {
	err error
}

func (m *mockStatsProvider) Stats(context.Context) (service.Stats, error) {
	if m.err != nil {
		return service.Stats{}, m.err
	}
	return service.Stats{
		Started:      true,
		StoreBackend: "fs",
		Summarizer:   "extractive",
		Tiers:        repository.TierCounts{Recent: 3},
	}, nil
}

func serve(mux *http.ServeMux, method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func decode(w *httptest.ResponseRecorder) map[string]any {
	var body map[string]any
	So(json.Unmarshal(w.Body.Bytes(), &body), ShouldBeNil)
	return body
}

func TestServer_Register(t *testing.T) {
	Convey("Given a new API server", t, func() {
		deps := &mockDependencies{
			ready: true,
			sources: []service.SourceStats{
				{Name: "github", Type: "github", Status: service.StatusIdle, IntervalSeconds: 300},
			},
		}
		stats := &mockStatsProvider{}
		mux := http.NewServeMux()
		api.NewServer(deps, stats).Register(context.Background(), mux)

		Convey("Health reports ok when ready", func() {
			w := serve(mux, http.MethodGet, "/healthz")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(decode(w)["status"], ShouldEqual, "ok")
		})

		Convey("Health reports unavailable before start", func() {
			deps.ready = false
			w := serve(mux, http.MethodGet, "/healthz")
			So(w.Code, ShouldEqual, http.StatusServiceUnavailable)
			So(decode(w)["code"], ShouldEqual, "unavailable")
		})

		Convey("Stats are served as JSON", func() {
			w := serve(mux, http.MethodGet, "/stats")
			So(w.Code, ShouldEqual, http.StatusOK)
			body := decode(w)
			So(body["store_backend"], ShouldEqual, "fs")
			So(body["summarizer"], ShouldEqual, "extractive")
		})

		Convey("Stats fail with 503 before start", func() {
			stats.err = service.ErrNotStarted
			w := serve(mux, http.MethodGet, "/stats")
			So(w.Code, ShouldEqual, http.StatusServiceUnavailable)
		})

		Convey("Metrics are exposed", func() {
			w := serve(mux, http.MethodGet, "/metrics")
			So(w.Code, ShouldEqual, http.StatusOK)
		})

		Convey("Unknown paths are not found", func() {
			w := serve(mux, http.MethodGet, "/unknown")
			So(w.Code, ShouldEqual, http.StatusNotFound)
		})
	})
}

func TestObservationsHandler(t *testing.T) {
	Convey("Given the recent observations endpoint", t, func() {
		deps := &mockDependencies{ready: true}
		mux := http.NewServeMux()
		api.NewServer(deps, &mockStatsProvider{}).Register(context.Background(), mux)

		Convey("Without hours the default window is used", func() {
			w := serve(mux, http.MethodGet, "/observations/recent")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(deps.hours, ShouldResemble, []float64{24})
			body := decode(w)
			So(body["timespan_hours"], ShouldEqual, 24.0)
			So(body["message"], ShouldEqual, query.NoObservations)
		})

		Convey("Fractional hours are accepted", func() {
			w := serve(mux, http.MethodGet, "/observations/recent?hours=1.5")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(deps.hours, ShouldResemble, []float64{1.5})
		})

		Convey("Zero hours is accepted", func() {
			w := serve(mux, http.MethodGet, "/observations/recent?hours=0")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(deps.hours, ShouldResemble, []float64{0})
		})

		Convey("Malformed or negative hours are rejected before querying", func() {
			for _, v := range []string{"abc", "-1"} {
				w := serve(mux, http.MethodGet, "/observations/recent?hours="+v)
				So(w.Code, ShouldEqual, http.StatusBadRequest)
				So(decode(w)["code"], ShouldEqual, "bad_request")
			}
			So(deps.hours, ShouldBeEmpty)
		})

		Convey("Query validation errors map to 400", func() {
			deps.recentErr = fmt.Errorf("%w: too large", query.ErrInvalidHours)
			w := serve(mux, http.MethodGet, "/observations/recent?hours=1e12")
			So(w.Code, ShouldEqual, http.StatusBadRequest)
		})

		Convey("Store failures map to 500", func() {
			deps.recentErr = errors.New("disk on fire")
			w := serve(mux, http.MethodGet, "/observations/recent")
			So(w.Code, ShouldEqual, http.StatusInternalServerError)
			So(decode(w)["message"], ShouldContainSubstring, "disk on fire")
		})

		Convey("Other methods are not found", func() {
			w := serve(mux, http.MethodPost, "/observations/recent")
			So(w.Code, ShouldEqual, http.StatusNotFound)
		})
	})
}

func TestSourcesHandler(t *testing.T) {
	Convey("Given the sources endpoints", t, func() {
		deps := &mockDependencies{ready: true}
		mux := http.NewServeMux()
		api.NewServer(deps, &mockStatsProvider{}).Register(context.Background(), mux)

		Convey("An empty source list is an empty array", func() {
			w := serve(mux, http.MethodGet, "/sources")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(strings.TrimSpace(w.Body.String()), ShouldEqual, "[]")
		})

		Convey("Sources are listed with their status", func() {
			deps.sources = []service.SourceStats{
				{Name: "email", Status: service.StatusDisabled},
				{Name: "spool", Type: "spool", Status: service.StatusIdle, ObservationsWritten: 2},
			}
			w := serve(mux, http.MethodGet, "/sources")
			So(w.Code, ShouldEqual, http.StatusOK)
			var got []service.SourceStats
			So(json.Unmarshal(w.Body.Bytes(), &got), ShouldBeNil)
			So(got, ShouldHaveLength, 2)
			So(got[0].Status, ShouldEqual, service.StatusDisabled)
			So(got[1].ObservationsWritten, ShouldEqual, 2)
		})

		Convey("Refresh returns the cycle result", func() {
			deps.refreshRes = service.CycleResult{Source: "spool", Outcome: "success", ObservationID: "obs-1", Events: 2}
			w := serve(mux, http.MethodPost, "/sources/spool/refresh")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(deps.refreshed, ShouldResemble, []string{"spool"})
			body := decode(w)
			So(body["observation_id"], ShouldEqual, "obs-1")
			So(body["events"], ShouldEqual, 2.0)
		})

		Convey("A failed cycle is still reported with its error", func() {
			deps.refreshRes = service.CycleResult{Source: "spool", Outcome: "failure", Error: "boom"}
			deps.refreshErr = errors.New("boom")
			w := serve(mux, http.MethodPost, "/sources/spool/refresh")
			So(w.Code, ShouldEqual, http.StatusOK)
			So(decode(w)["error"], ShouldEqual, "boom")
		})

		Convey("Refresh errors map to status codes", func() {
			cases := []struct {
				err  error
				code int
			}{
				{service.ErrUnknownSource, http.StatusNotFound},
				{service.ErrSourceDisabled, http.StatusConflict},
				{service.ErrCycleRunning, http.StatusConflict},
				{service.ErrNotStarted, http.StatusServiceUnavailable},
				{errors.New("unexpected"), http.StatusInternalServerError},
			}
			for _, c := range cases {
				deps.refreshRes = service.CycleResult{}
				deps.refreshErr = fmt.Errorf("refresh jira: %w", c.err)
				w := serve(mux, http.MethodPost, "/sources/jira/refresh")
				So(w.Code, ShouldEqual, c.code)
			}
		})

		Convey("Refresh requires POST", func() {
			w := serve(mux, http.MethodGet, "/sources/spool/refresh")
			So(w.Code, ShouldEqual, http.StatusMethodNotAllowed)
			So(deps.refreshed, ShouldBeEmpty)
		})
	})
}

func TestErrors(t *testing.T) {
	Convey("Kinded errors match both kind and cause", t, func() {
		cause := errors.New("cause")
		err := api.WrapKind("op", api.ErrConflict, cause)
		So(errors.Is(err, api.ErrConflict), ShouldBeTrue)
		So(errors.Is(err, cause), ShouldBeTrue)
		So(err.Error(), ShouldEqual, "op: conflict: cause")
		So(api.NewKind("op", api.ErrNotFound).Error(), ShouldEqual, "op: not found")
		So(api.Wrap("op", nil), ShouldBeNil)
	})
}

func TestMetricsMiddleware(t *testing.T) {
	Convey("Given a handler wrapped with metrics", t, func() {
		h := api.MetricsMiddleware(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTeapot)
			_, _ = w.Write([]byte("short and stout"))
		}, "teapot")

		Convey("The wrapped status and body pass through", func() {
			w := httptest.NewRecorder()
			h(w, httptest.NewRequest(http.MethodGet, "/teapot", nil))
			So(w.Code, ShouldEqual, http.StatusTeapot)
			So(w.Body.String(), ShouldEqual, "short and stout")
		})
	})
}
