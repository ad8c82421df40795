// Package dedupe tracks which source events have already been recorded so that
// re-observing an item does not produce a second raw observation.
package dedupe

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
)

const defaultMaxSize = 50_000

// Deduper records seen event keys.
type Deduper interface {
	// SeenAndRecord atomically checks if key was seen and records it if not.
	// Returns true if key was already seen, false if it was newly recorded.
	SeenAndRecord(ctx context.Context, key string) bool
	// Unrecord removes a key so a later observation is accepted again. Used
	// when a batch was recorded but could not be persisted.
	Unrecord(ctx context.Context, key string)
	Size() int64
}

// inMemoryDeduper is a set bounded by insertion order: once full, the oldest
// key is evicted. maxSize <= 0 means unbounded.
type inMemoryDeduper struct {
	mu      sync.Mutex
	seen    map[string]*list.Element
	order   *list.List
	maxSize int
	size    atomic.Int64
}

// NewInMemoryDeduper creates a new in-memory deduper with configuration options.
func NewInMemoryDeduper(opts ...Option) Deduper {
	d := &inMemoryDeduper{
		maxSize: defaultMaxSize,
		seen:    make(map[string]*list.Element),
		order:   list.New(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *inMemoryDeduper) SeenAndRecord(_ context.Context, key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[key]; ok {
		return true
	}
	if d.maxSize > 0 && len(d.seen) >= d.maxSize {
		d.evictOldest()
	}
	d.seen[key] = d.order.PushBack(key)
	d.size.Add(1)
	return false
}

func (d *inMemoryDeduper) Unrecord(_ context.Context, key string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	el, ok := d.seen[key]
	if !ok {
		return
	}
	d.order.Remove(el)
	delete(d.seen, key)
	d.size.Add(-1)
}

// evictOldest must be called with d.mu held.
func (d *inMemoryDeduper) evictOldest() {
	front := d.order.Front()
	if front == nil {
		return
	}
	d.order.Remove(front)
	delete(d.seen, front.Value.(string))
	d.size.Add(-1)
}

func (d *inMemoryDeduper) Size() int64 {
	return d.size.Load()
}
