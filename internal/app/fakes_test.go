package service_test

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/okian/lookout/internal/adapters/source"
	"github.com/okian/lookout/internal/domain/model"
	"github.com/okian/lookout/internal/domain/summarizer"
	"github.com/okian/lookout/pkg/logger"
)

func init() {
	if err := logger.Init(); err != nil {
		panic(err)
	}
}

type fakeObserver struct {
	typ        model.SourceType
	connectErr error
	// gate, when set, blocks Connect until it is closed.
	gate chan struct{}

	mu        sync.Mutex
	items     []item
	committed [][]model.Event
	connects  atomic.Int32
	discs     atomic.Int32
}

type item struct {
	ev  model.Event
	err error
}

func (f *fakeObserver) Type() model.SourceType { return f.typ }

func (f *fakeObserver) Connect(ctx context.Context) error {
	f.connects.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.connectErr
}

func (f *fakeObserver) Observe(_ context.Context) iter.Seq2[model.Event, error] {
	f.mu.Lock()
	items := append([]item(nil), f.items...)
	f.mu.Unlock()
	return func(yield func(model.Event, error) bool) {
		for _, it := range items {
			if !yield(it.ev, it.err) {
				return
			}
		}
	}
}

func (f *fakeObserver) Disconnect(_ context.Context) error {
	f.discs.Add(1)
	return nil
}

func (f *fakeObserver) Commit(_ context.Context, events []model.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = append(f.committed, events)
	return nil
}

func (f *fakeObserver) set(items ...item) {
	f.mu.Lock()
	f.items = items
	f.mu.Unlock()
}

func (f *fakeObserver) commits() [][]model.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]model.Event(nil), f.committed...)
}

var _ source.Committer = (*fakeObserver)(nil)

func event(src model.SourceType, id string) item {
	return item{ev: model.Event{ID: id, SourceType: src, Title: "title " + id, Timestamp: now}}
}

type fakeSummarizer struct {
	mu    sync.Mutex
	fail  bool
	calls int
}

func (f *fakeSummarizer) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func (f *fakeSummarizer) Summarize(_ context.Context, req summarizer.Request) (summarizer.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail {
		return summarizer.Result{}, fmt.Errorf("%w: model unavailable", summarizer.ErrSummarization)
	}
	return summarizer.Result{Text: fmt.Sprintf("%d events", len(req.Events)), Importance: 0.6}, nil
}
