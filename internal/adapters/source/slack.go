package source

import (
	"context"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/okian/lookout/internal/config"
	"github.com/okian/lookout/internal/domain/model"
)

const (
	defaultSlackBaseURL = "https://slack.com/api"
	slackPageSize       = "200"
)

// Slack observes channel history. A per-channel cursor advances only when
// events are committed, so an unpersisted cycle is read again next time.
type Slack struct {
	token    string
	base     string
	channels []string
	opts     options

	mu      sync.Mutex
	api     *apiClient
	cursors map[string]time.Time
}

var (
	_ Observer  = (*Slack)(nil)
	_ Committer = (*Slack)(nil)
)

// NewSlack builds a Slack observer for the configured channels.
func NewSlack(cfg config.SourceConfig, opts ...Option) *Slack {
	s := &Slack{
		token:    cfg.Token,
		base:     cfg.BaseURL,
		channels: cfg.Channels,
		opts:     applyOptions(opts),
		cursors:  make(map[string]time.Time),
	}
	if s.base == "" {
		s.base = defaultSlackBaseURL
	}
	return s
}

func (s *Slack) Type() model.SourceType { return model.SourceSlack }

type slackEnvelope struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func (e slackEnvelope) err(method string) error {
	if e.OK {
		return nil
	}
	switch e.Error {
	case "invalid_auth", "not_authed", "account_inactive", "token_revoked", "token_expired":
		return fmt.Errorf("%w: slack %s: %s", ErrConnection, method, e.Error)
	}
	return fmt.Errorf("%w: slack %s: %s", ErrRequest, method, e.Error)
}

func (s *Slack) Connect(ctx context.Context) error {
	if s.token == "" {
		return fmt.Errorf("%w: slack: no token configured", ErrConnection)
	}
	api := &apiClient{base: s.base, token: s.token, http: s.opts.httpClient}
	var res slackEnvelope
	if err := api.do(ctx, http.MethodPost, "/auth.test", nil, nil, &res); err != nil {
		return fmt.Errorf("slack: %w", err)
	}
	if err := res.err("auth.test"); err != nil {
		return err
	}
	s.mu.Lock()
	s.api = api
	s.mu.Unlock()
	return nil
}

type slackMessage struct {
	TS       string `json:"ts"`
	User     string `json:"user"`
	Text     string `json:"text"`
	ThreadTS string `json:"thread_ts"`
}

type slackHistory struct {
	slackEnvelope
	Messages         []slackMessage `json:"messages"`
	HasMore          bool           `json:"has_more"`
	ResponseMetadata struct {
		NextCursor string `json:"next_cursor"`
	} `json:"response_metadata"`
}

// history reads every page after oldest, newest first. The whole chain is
// read because Commit moves the cursor to the newest message; stopping
// early would skip the older pages for good.
func (s *Slack) history(ctx context.Context, api *apiClient, channel string, oldest time.Time) ([]slackMessage, error) {
	var (
		all  []slackMessage
		seen = make(map[string]struct{})
	)
	q := url.Values{
		"channel": {channel},
		"oldest":  {formatSlackTS(oldest)},
		"limit":   {slackPageSize},
	}
	for {
		var res slackHistory
		if err := api.do(ctx, http.MethodGet, "/conversations.history", q, nil, &res); err != nil {
			return nil, fmt.Errorf("slack: %w", err)
		}
		if err := res.err("conversations.history"); err != nil {
			return nil, err
		}
		all = append(all, res.Messages...)

		next := res.ResponseMetadata.NextCursor
		if !res.HasMore || next == "" {
			return all, nil
		}
		if _, dup := seen[next]; dup {
			return nil, fmt.Errorf("%w: slack conversations.history: cursor %q repeated", ErrRequest, next)
		}
		seen[next] = struct{}{}
		q.Set("cursor", next)
	}
}

func (s *Slack) Observe(ctx context.Context) iter.Seq2[model.Event, error] {
	s.mu.Lock()
	api := s.api
	s.mu.Unlock()
	if api == nil {
		return notConnected(model.SourceSlack)
	}

	return func(yield func(model.Event, error) bool) {
		for _, channel := range s.channels {
			oldest := s.cursor(channel)
			msgs, err := s.history(ctx, api, channel, oldest)
			if err != nil {
				yield(model.Event{}, err)
				return
			}
			// History comes newest first; emit in chronological order.
			for i := len(msgs) - 1; i >= 0; i-- {
				m := msgs[i]
				ts, ok := parseSlackTS(m.TS)
				if !ok {
					if !yield(model.Event{}, fmt.Errorf("%w: slack ts %q", ErrMalformed, m.TS)) {
						return
					}
					continue
				}
				if !ts.After(oldest) {
					continue
				}
				ev := model.Event{
					ID:         channel + "-" + m.TS,
					SourceType: model.SourceSlack,
					Timestamp:  ts,
					Title:      firstLine(m.Text),
					Actor:      m.User,
					Detail:     m.Text,
				}
				ev.Normalize(s.opts.now())
				if !yield(ev, nil) {
					return
				}
			}
		}
	}
}

// cursor returns the last committed timestamp of channel, or the lookback
// horizon if nothing was committed yet.
func (s *Slack) cursor(channel string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.cursors[channel]; ok {
		return c
	}
	c := s.opts.now().Add(-s.opts.lookback)
	s.cursors[channel] = c
	return c
}

// Commit advances each channel cursor to the newest committed message.
func (s *Slack) Commit(_ context.Context, events []model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range events {
		channel, _, ok := strings.Cut(ev.ID, "-")
		if !ok {
			continue
		}
		if ev.Timestamp.After(s.cursors[channel]) {
			s.cursors[channel] = ev.Timestamp
		}
	}
	return nil
}

func (s *Slack) Disconnect(_ context.Context) error {
	s.mu.Lock()
	s.api = nil
	s.mu.Unlock()
	return nil
}

// parseSlackTS parses "seconds.micros" message timestamps.
func parseSlackTS(ts string) (time.Time, bool) {
	secStr, fracStr, _ := strings.Cut(ts, ".")
	sec, err := strconv.ParseInt(secStr, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	var micros int64
	if fracStr != "" {
		fracStr = (fracStr + "000000")[:6]
		if micros, err = strconv.ParseInt(fracStr, 10, 64); err != nil {
			return time.Time{}, false
		}
	}
	return time.Unix(sec, micros*int64(time.Microsecond)).UTC(), true
}

func formatSlackTS(t time.Time) string {
	return fmt.Sprintf("%d.%06d", t.Unix(), t.Nanosecond()/int(time.Microsecond))
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	if r := []rune(line); len(r) > 80 {
		return string(r[:80]) + "..."
	}
	return line
}
