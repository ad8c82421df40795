package source_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/okian/lookout/internal/adapters/source"
	"github.com/okian/lookout/internal/config"
	"github.com/okian/lookout/internal/domain/model"
	. "github.com/smartystreets/goconvey/convey"
)

// The unread list spans two pages linked with rel="next".
const (
	githubPage1 = `[
  {"id":"101","reason":"review_requested","updated_at":"2026-03-01T11:00:00Z",
   "subject":{"title":"Add retry","url":"https://api.github.com/repos/acme/api/pulls/7","type":"PullRequest"},
   "repository":{"full_name":"acme/api","html_url":"https://github.com/acme/api"}},
  {"id":"","reason":"mention"}
]`
	githubPage2 = `[
  {"id":"102","reason":"mention","updated_at":"2026-03-01T11:30:00Z",
   "subject":{"title":"Crash on start","url":"https://api.github.com/repos/other/web/issues/3","type":"Issue"},
   "repository":{"full_name":"other/web","html_url":"https://github.com/other/web"}}
]`
	githubAcmeAPI = `[
  {"id":"101","reason":"review_requested","updated_at":"2026-03-01T11:00:00Z",
   "subject":{"title":"Add retry","url":"https://api.github.com/repos/acme/api/pulls/7","type":"PullRequest"},
   "repository":{"full_name":"acme/api","html_url":"https://github.com/acme/api"}}
]`
)

func githubServer(status int) (*httptest.Server, *[]string) {
	var (
		mu      sync.Mutex
		patched []string
	)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /rate_limit", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer gh-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{}`))
	})
	mux.HandleFunc("GET /notifications", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			_, _ = w.Write([]byte(githubPage2))
			return
		}
		next := "http://" + r.Host + "/notifications?all=false&per_page=50&page=2"
		w.Header().Set("Link", `<`+next+`>; rel="next", <`+next+`>; rel="last"`)
		_, _ = w.Write([]byte(githubPage1))
	})
	mux.HandleFunc("GET /repos/{owner}/{repo}/notifications", func(w http.ResponseWriter, r *http.Request) {
		if !strings.EqualFold(r.PathValue("owner")+"/"+r.PathValue("repo"), "acme/api") {
			_, _ = w.Write([]byte(`[]`))
			return
		}
		_, _ = w.Write([]byte(githubAcmeAPI))
	})
	mux.HandleFunc("PATCH /notifications/threads/{id}", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		patched = append(patched, r.PathValue("id"))
		mu.Unlock()
		w.WriteHeader(http.StatusResetContent)
	})
	return httptest.NewServer(mux), &patched
}

func TestGitHub(t *testing.T) {
	Convey("Given a GitHub API", t, func() {
		srv, patched := githubServer(http.StatusOK)
		defer srv.Close()
		cfg := config.SourceConfig{Enabled: true, Token: "gh-token", BaseURL: srv.URL}

		Convey("When connecting without a token", func() {
			g := source.NewGitHub(config.SourceConfig{BaseURL: srv.URL})
			err := g.Connect(ctx)

			Convey("Then a connection error is returned", func() {
				So(errors.Is(err, source.ErrConnection), ShouldBeTrue)
			})
		})

		Convey("When the token is rejected", func() {
			g := source.NewGitHub(config.SourceConfig{Token: "wrong", BaseURL: srv.URL})
			err := g.Connect(ctx)

			Convey("Then a connection error is returned", func() {
				So(errors.Is(err, source.ErrConnection), ShouldBeTrue)
			})
		})

		Convey("When observing before connecting", func() {
			g := source.NewGitHub(cfg)
			_, errs := drain(g.Observe(ctx))

			Convey("Then the sequence reports it", func() {
				So(errs, ShouldHaveLength, 1)
				So(errors.Is(errs[0], source.ErrNotConnected), ShouldBeTrue)
			})
		})

		Convey("When connected and observing", func() {
			g := source.NewGitHub(cfg, source.WithClock(clock))
			So(g.Connect(ctx), ShouldBeNil)
			events, errs := drain(g.Observe(ctx))

			Convey("Then every page of notifications becomes events", func() {
				So(events, ShouldHaveLength, 2)
				So(events[0].ID, ShouldEqual, "101")
				So(events[0].SourceType, ShouldEqual, model.SourceGitHub)
				So(events[0].Title, ShouldEqual, "Add retry")
				So(events[0].URL, ShouldEqual, "https://github.com/acme/api/pull/7")
				So(events[0].Detail, ShouldEqual, "PullRequest in acme/api (review_requested)")
				So(events[0].RawSource, ShouldNotBeEmpty)
			})

			Convey("Then the item without an id is reported as malformed", func() {
				So(errs, ShouldHaveLength, 1)
				So(errors.Is(errs[0], source.ErrMalformed), ShouldBeTrue)
			})

			Convey("Then committing marks each thread read", func() {
				So(g.Commit(ctx, events), ShouldBeNil)
				So(*patched, ShouldResemble, []string{"101", "102"})
			})
		})

		Convey("When a repository filter is configured", func() {
			filtered := cfg
			filtered.Repositories = []string{"ACME/api", "other/empty"}
			g := source.NewGitHub(filtered)
			So(g.Connect(ctx), ShouldBeNil)
			events, _ := drain(g.Observe(ctx))

			Convey("Then only those repositories are read from the API", func() {
				So(events, ShouldHaveLength, 1)
				So(events[0].ID, ShouldEqual, "101")
			})
		})

		Convey("When disconnecting twice", func() {
			g := source.NewGitHub(cfg)
			So(g.Disconnect(ctx), ShouldBeNil)
			So(g.Disconnect(ctx), ShouldBeNil)

			Convey("Then commit needs a new connection", func() {
				So(errors.Is(g.Commit(ctx, nil), source.ErrNotConnected), ShouldBeTrue)
			})
		})
	})

	Convey("Given a GitHub API that is failing", t, func() {
		srv, _ := githubServer(http.StatusBadGateway)
		defer srv.Close()
		g := source.NewGitHub(config.SourceConfig{Token: "gh-token", BaseURL: srv.URL})

		Convey("Then connect reports a request error", func() {
			err := g.Connect(ctx)
			So(errors.Is(err, source.ErrRequest), ShouldBeTrue)
		})
	})
}
