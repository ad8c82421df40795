package source

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/okian/lookout/internal/config"
	"github.com/okian/lookout/internal/domain/model"
)

const (
	defaultGitHubBaseURL = "https://api.github.com"
	githubPageSize       = "50"
	// Unread notifications past this many pages are read on a later cycle,
	// once the committed ones drop out of the unread list.
	maxGitHubPages = 20
)

// GitHub observes unread notifications and marks committed threads as read.
type GitHub struct {
	token string
	base  string
	repos []string
	opts  options

	mu  sync.Mutex
	api *apiClient
}

var (
	_ Observer  = (*GitHub)(nil)
	_ Committer = (*GitHub)(nil)
)

// NewGitHub builds a GitHub observer. Repositories, when set, restrict
// notifications to those owner/name pairs; the filter is applied by the API
// so unread notifications of other repositories never crowd out a page.
func NewGitHub(cfg config.SourceConfig, opts ...Option) *GitHub {
	g := &GitHub{
		token: cfg.Token,
		base:  cfg.BaseURL,
		repos: slices.Sorted(slices.Values(cfg.Repositories)),
		opts:  applyOptions(opts),
	}
	if g.base == "" {
		g.base = defaultGitHubBaseURL
	}
	return g
}

func (g *GitHub) Type() model.SourceType { return model.SourceGitHub }

func (g *GitHub) Connect(ctx context.Context) error {
	if g.token == "" {
		return fmt.Errorf("%w: github: no token configured", ErrConnection)
	}
	api := &apiClient{
		base:  g.base,
		token: g.token,
		http:  g.opts.httpClient,
		headers: map[string]string{
			"Accept":               "application/vnd.github+json",
			"X-GitHub-Api-Version": "2022-11-28",
		},
	}
	if err := api.do(ctx, http.MethodGet, "/rate_limit", nil, nil, nil); err != nil {
		return fmt.Errorf("github: %w", err)
	}
	g.mu.Lock()
	g.api = api
	g.mu.Unlock()
	return nil
}

type githubNotification struct {
	ID        string    `json:"id"`
	Reason    string    `json:"reason"`
	UpdatedAt time.Time `json:"updated_at"`
	Subject   struct {
		Title string `json:"title"`
		URL   string `json:"url"`
		Type  string `json:"type"`
	} `json:"subject"`
	Repository struct {
		FullName string `json:"full_name"`
		HTMLURL  string `json:"html_url"`
	} `json:"repository"`
}

func (g *GitHub) client() *apiClient {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.api
}

// endpoints lists the notification collections to read.
func (g *GitHub) endpoints() []string {
	if len(g.repos) == 0 {
		return []string{"/notifications"}
	}
	paths := make([]string, 0, len(g.repos))
	for _, r := range g.repos {
		owner, name, _ := strings.Cut(strings.TrimSpace(r), "/")
		paths = append(paths, "/repos/"+url.PathEscape(owner)+"/"+url.PathEscape(name)+"/notifications")
	}
	return paths
}

func (g *GitHub) Observe(ctx context.Context) iter.Seq2[model.Event, error] {
	api := g.client()
	if api == nil {
		return notConnected(model.SourceGitHub)
	}

	return func(yield func(model.Event, error) bool) {
		for _, path := range g.endpoints() {
			next := path
			q := url.Values{"all": {"false"}, "per_page": {githubPageSize}}
			for page := 0; next != "" && page < maxGitHubPages; page++ {
				var raw []json.RawMessage
				h, err := api.send(ctx, http.MethodGet, next, q, nil, &raw)
				if err != nil {
					yield(model.Event{}, fmt.Errorf("github: %w", err))
					return
				}
				for _, item := range raw {
					if !g.emit(item, yield) {
						return
					}
				}
				// The next link carries its own query.
				next, q = nextLink(h), nil
			}
		}
	}
}

func (g *GitHub) emit(item json.RawMessage, yield func(model.Event, error) bool) bool {
	var n githubNotification
	if err := json.Unmarshal(item, &n); err != nil {
		return yield(model.Event{}, fmt.Errorf("%w: github notification: %w", ErrMalformed, err))
	}
	if n.ID == "" {
		return yield(model.Event{}, fmt.Errorf("%w: github notification without id", ErrMalformed))
	}
	ev := model.Event{
		ID:         n.ID,
		SourceType: model.SourceGitHub,
		Timestamp:  n.UpdatedAt,
		Title:      n.Subject.Title,
		URL:        githubHTMLURL(n.Subject.URL, n.Repository.HTMLURL),
		Detail:     fmt.Sprintf("%s in %s (%s)", n.Subject.Type, n.Repository.FullName, n.Reason),
		RawSource:  item,
	}
	ev.Normalize(g.opts.now())
	return yield(ev, nil)
}

// Commit marks each notification thread as read.
func (g *GitHub) Commit(ctx context.Context, events []model.Event) error {
	api := g.client()
	if api == nil {
		return fmt.Errorf("%w: github", ErrNotConnected)
	}
	for _, ev := range events {
		if err := api.do(ctx, http.MethodPatch, "/notifications/threads/"+url.PathEscape(ev.ID), nil, nil, nil); err != nil {
			return fmt.Errorf("github: mark %s read: %w", ev.ID, err)
		}
	}
	return nil
}

func (g *GitHub) Disconnect(_ context.Context) error {
	g.mu.Lock()
	g.api = nil
	g.mu.Unlock()
	return nil
}

// githubHTMLURL maps an API subject URL to the page a person would open.
func githubHTMLURL(apiURL, repoURL string) string {
	u, err := url.Parse(apiURL)
	if err != nil || apiURL == "" {
		return repoURL
	}
	path, ok := strings.CutPrefix(u.Path, "/repos/")
	if !ok {
		return repoURL
	}
	path = strings.Replace(path, "/pulls/", "/pull/", 1)
	path = strings.Replace(path, "/commits/", "/commit/", 1)
	host := strings.TrimPrefix(u.Host, "api.")
	return "https://" + host + "/" + path
}
