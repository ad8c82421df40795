package source

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/okian/lookout/internal/config"
	"github.com/okian/lookout/internal/domain/model"
)

const (
	spoolDoneDir   = "done"
	spoolFailedDir = "failed"
)

// Spool reads event files dropped into a directory. Each *.json file holds a
// single event object or an array of them. Committed files move to done/,
// unreadable ones to failed/.
type Spool struct {
	dir  string
	opts options

	mu        sync.Mutex
	connected bool
	// pending maps an event key to every file it was read from.
	pending map[string]map[string]struct{}
}

var (
	_ Observer  = (*Spool)(nil)
	_ Committer = (*Spool)(nil)
)

// NewSpool builds a spool observer over cfg.Dir.
func NewSpool(cfg config.SourceConfig, opts ...Option) *Spool {
	return &Spool{dir: cfg.Dir, opts: applyOptions(opts), pending: make(map[string]map[string]struct{})}
}

func (s *Spool) Type() model.SourceType { return model.SourceSpool }

func (s *Spool) Connect(_ context.Context) error {
	if s.dir == "" {
		return fmt.Errorf("%w: spool: no directory configured", ErrConnection)
	}
	for _, sub := range []string{s.dir, filepath.Join(s.dir, spoolDoneDir), filepath.Join(s.dir, spoolFailedDir)} {
		if err := os.MkdirAll(sub, 0o755); err != nil {
			return fmt.Errorf("%w: spool: %w", ErrConnection, err)
		}
	}
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	return nil
}

func (s *Spool) Observe(ctx context.Context) iter.Seq2[model.Event, error] {
	s.mu.Lock()
	connected := s.connected
	s.mu.Unlock()
	if !connected {
		return notConnected(model.SourceSpool)
	}
	files, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return failed(fmt.Errorf("%w: spool: %w", ErrRequest, err))
	}
	slices.Sort(files)

	return func(yield func(model.Event, error) bool) {
		for _, path := range files {
			if err := ctx.Err(); err != nil {
				yield(model.Event{}, err)
				return
			}
			events, err := s.readFile(path)
			if err != nil {
				_ = os.Rename(path, filepath.Join(s.dir, spoolFailedDir, filepath.Base(path)))
				if !yield(model.Event{}, fmt.Errorf("%w: spool %s: %w", ErrMalformed, filepath.Base(path), err)) {
					return
				}
				continue
			}
			for _, ev := range events {
				s.track(ev.Key(), path)
				if !yield(ev, nil) {
					return
				}
			}
		}
	}
}

func (s *Spool) track(key, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	paths, ok := s.pending[key]
	if !ok {
		paths = make(map[string]struct{})
		s.pending[key] = paths
	}
	paths[path] = struct{}{}
}

func (s *Spool) readFile(path string) ([]model.Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raws []json.RawMessage
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(data, &raws); err != nil {
			return nil, err
		}
	} else {
		raws = []json.RawMessage{json.RawMessage(trimmed)}
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	events := make([]model.Event, 0, len(raws))
	for i, raw := range raws {
		var ev model.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, err
		}
		if ev.SourceType == "" {
			ev.SourceType = model.SourceSpool
		}
		if ev.ID == "" {
			ev.ID = stem
			if len(raws) > 1 {
				ev.ID += "-" + strconv.Itoa(i)
			}
		}
		if ev.RawSource == nil {
			ev.RawSource = raw
		}
		ev.Normalize(info.ModTime())
		events = append(events, ev)
	}
	return events, nil
}

// Commit moves the files the committed events came from into done/.
func (s *Spool) Commit(_ context.Context, events []model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return fmt.Errorf("%w: spool", ErrNotConnected)
	}
	files := make(map[string]struct{})
	for _, ev := range events {
		key := ev.Key()
		for path := range s.pending[key] {
			files[path] = struct{}{}
		}
		delete(s.pending, key)
	}
	for path := range files {
		err := os.Rename(path, filepath.Join(s.dir, spoolDoneDir, filepath.Base(path)))
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("%w: spool: %w", ErrRequest, err)
		}
	}
	return nil
}

func (s *Spool) Disconnect(_ context.Context) error {
	s.mu.Lock()
	s.connected = false
	clear(s.pending)
	s.mu.Unlock()
	return nil
}
