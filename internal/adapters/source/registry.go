package source

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/okian/lookout/internal/config"
)

// Factory builds an observer from its configuration block.
type Factory func(cfg config.SourceConfig, opts ...Option) (Observer, error)

// Entry is one enabled source ready to be scheduled.
type Entry struct {
	Name     string
	Interval time.Duration
	Observer Observer
}

// Registry maps source names to observer factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry with the built-in observers registered.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("github", func(cfg config.SourceConfig, opts ...Option) (Observer, error) {
		return NewGitHub(cfg, opts...), nil
	})
	r.Register("slack", func(cfg config.SourceConfig, opts ...Option) (Observer, error) {
		return NewSlack(cfg, opts...), nil
	})
	r.Register("email", func(cfg config.SourceConfig, opts ...Option) (Observer, error) {
		return NewEmail(cfg, opts...), nil
	})
	r.Register("spool", func(cfg config.SourceConfig, opts ...Option) (Observer, error) {
		return NewSpool(cfg, opts...), nil
	})
	return r
}

// Register adds or replaces the factory for name.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	r.factories[name] = f
	r.mu.Unlock()
}

// Names returns the registered source names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Build instantiates every enabled source, sorted by name. Disabled sources
// are skipped entirely; an enabled source without a factory is an error.
func (r *Registry) Build(sources map[string]config.SourceConfig, opts ...Option) ([]Entry, error) {
	names := make([]string, 0, len(sources))
	for name, sc := range sources {
		if sc.Enabled {
			names = append(names, name)
		}
	}
	slices.Sort(names)

	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := make([]Entry, 0, len(names))
	for _, name := range names {
		f, ok := r.factories[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownSource, name)
		}
		sc := sources[name]
		obs, err := f(sc, opts...)
		if err != nil {
			return nil, fmt.Errorf("build source %s: %w", name, err)
		}
		entries = append(entries, Entry{Name: name, Interval: sc.Interval(), Observer: obs})
	}
	return entries, nil
}
