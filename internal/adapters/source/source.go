// Package source implements the observers that poll external streams and
// normalize what they find into model.Event values.
package source

import (
	"context"
	"iter"
	"net/http"
	"time"

	"github.com/okian/lookout/internal/domain/model"
)

// Observer polls one external source.
//
// Connect fails with ErrConnection on credential or network problems and never
// retries on its own. Observe yields everything new since the last committed
// cycle; it may repeat items already seen, so callers dedupe on Event.Key.
// Disconnect is idempotent and safe without a successful Connect.
type Observer interface {
	Type() model.SourceType
	Connect(ctx context.Context) error
	Observe(ctx context.Context) iter.Seq2[model.Event, error]
	Disconnect(ctx context.Context) error
}

// Committer is implemented by observers with "mark as read" semantics. Commit
// is only called once the events are durably recorded.
type Committer interface {
	Commit(ctx context.Context, events []model.Event) error
}

const (
	defaultHTTPTimeout = 30 * time.Second
	defaultLookback    = 24 * time.Hour
	maxResponseBytes   = 10 << 20
)

type options struct {
	httpClient *http.Client
	now        func() time.Time
	lookback   time.Duration
}

func defaultOptions() options {
	return options{
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
		now:        time.Now,
		lookback:   defaultLookback,
	}
}

// Option configures an observer.
type Option func(*options)

// WithHTTPClient replaces the HTTP client used by API-backed observers.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		if c != nil {
			o.httpClient = c
		}
	}
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLookback bounds how far back a cursor-based observer reads on its
// first cycle.
func WithLookback(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.lookback = d
		}
	}
}

func applyOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
