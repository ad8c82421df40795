package source

import (
	"context"
	"errors"
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
	defaultGmailBaseURL = "https://gmail.googleapis.com/gmail/v1"
	gmailThreadURL      = "https://mail.google.com/mail/u/0/#inbox/"
	unreadLabel         = "UNREAD"
)

// Email observes unread Gmail messages through the REST API. The token is a
// ready-made OAuth access token; Commit removes the UNREAD label.
type Email struct {
	token string
	base  string
	opts  options

	mu  sync.Mutex
	api *apiClient
}

var (
	_ Observer  = (*Email)(nil)
	_ Committer = (*Email)(nil)
)

// NewEmail builds a Gmail observer.
func NewEmail(cfg config.SourceConfig, opts ...Option) *Email {
	e := &Email{token: cfg.Token, base: cfg.BaseURL, opts: applyOptions(opts)}
	if e.base == "" {
		e.base = defaultGmailBaseURL
	}
	return e
}

func (e *Email) Type() model.SourceType { return model.SourceEmail }

func (e *Email) Connect(ctx context.Context) error {
	if e.token == "" {
		return fmt.Errorf("%w: email: no token configured", ErrConnection)
	}
	api := &apiClient{base: e.base, token: e.token, http: e.opts.httpClient}
	if err := api.do(ctx, http.MethodGet, "/users/me/profile", nil, nil, nil); err != nil {
		return fmt.Errorf("email: %w", err)
	}
	e.mu.Lock()
	e.api = api
	e.mu.Unlock()
	return nil
}

type gmailList struct {
	Messages []struct {
		ID       string `json:"id"`
		ThreadID string `json:"threadId"`
	} `json:"messages"`
}

type gmailMessage struct {
	ID           string   `json:"id"`
	ThreadID     string   `json:"threadId"`
	LabelIDs     []string `json:"labelIds"`
	Snippet      string   `json:"snippet"`
	InternalDate string   `json:"internalDate"`
	Payload      struct {
		Headers []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"headers"`
	} `json:"payload"`
}

func (m *gmailMessage) header(name string) string {
	for _, h := range m.Payload.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

func (e *Email) Observe(ctx context.Context) iter.Seq2[model.Event, error] {
	e.mu.Lock()
	api := e.api
	e.mu.Unlock()
	if api == nil {
		return notConnected(model.SourceEmail)
	}
	var list gmailList
	q := url.Values{"q": {"is:unread"}, "maxResults": {"50"}}
	if err := api.do(ctx, http.MethodGet, "/users/me/messages", q, nil, &list); err != nil {
		return failed(fmt.Errorf("email: %w", err))
	}

	return func(yield func(model.Event, error) bool) {
		for _, ref := range list.Messages {
			var msg gmailMessage
			mq := url.Values{
				"format":          {"metadata"},
				"metadataHeaders": {"Subject", "From"},
			}
			if err := api.do(ctx, http.MethodGet, "/users/me/messages/"+url.PathEscape(ref.ID), mq, nil, &msg); err != nil {
				// Deleted between list and fetch: skip it, keep the rest.
				if errors.Is(err, ErrNotFound) {
					if !yield(model.Event{}, fmt.Errorf("%w: email message %s: %w", ErrMalformed, ref.ID, err)) {
						return
					}
					continue
				}
				yield(model.Event{}, fmt.Errorf("email: %w", err))
				return
			}
			ev := model.Event{
				ID:         msg.ID,
				SourceType: model.SourceEmail,
				Timestamp:  gmailTime(msg.InternalDate),
				Title:      msg.header("Subject"),
				Actor:      msg.header("From"),
				Detail:     msg.Snippet,
			}
			if msg.ThreadID != "" {
				ev.URL = gmailThreadURL + msg.ThreadID
			}
			ev.Normalize(e.opts.now())
			if !yield(ev, nil) {
				return
			}
		}
	}
}

// Commit removes the UNREAD label from the committed messages.
func (e *Email) Commit(ctx context.Context, events []model.Event) error {
	e.mu.Lock()
	api := e.api
	e.mu.Unlock()
	if api == nil {
		return fmt.Errorf("%w: email", ErrNotConnected)
	}
	if len(events) == 0 {
		return nil
	}
	ids := make([]string, 0, len(events))
	for _, ev := range events {
		ids = append(ids, ev.ID)
	}
	body := map[string]any{"ids": ids, "removeLabelIds": []string{unreadLabel}}
	if err := api.do(ctx, http.MethodPost, "/users/me/messages/batchModify", nil, body, nil); err != nil {
		return fmt.Errorf("email: mark read: %w", err)
	}
	return nil
}

func (e *Email) Disconnect(_ context.Context) error {
	e.mu.Lock()
	e.api = nil
	e.mu.Unlock()
	return nil
}

// gmailTime parses internalDate, epoch milliseconds as a string.
func gmailTime(ms string) time.Time {
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil || n <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(n).UTC()
}
