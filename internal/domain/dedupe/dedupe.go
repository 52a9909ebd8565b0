// Package dedupe tracks event keys already seen within one fetch.
package dedupe

import (
	"context"
	"sync"
)

// Deduper records seen keys.
type Deduper interface {
	// SeenAndRecord reports whether key was seen before and records it if not.
	SeenAndRecord(ctx context.Context, key string) bool
	// Unrecord forgets key so it can be seen again.
	Unrecord(ctx context.Context, key string)
	Size() int
}

// inMemoryDeduper keeps keys in a map. In bounded mode the oldest key is
// evicted first, using a ring of insertion order.
type inMemoryDeduper struct {
	mu      sync.Mutex
	seen    map[string]int // key -> ring slot, -1 when unbounded
	ring    []string
	next    int
	maxSize int
}

// NewInMemoryDeduper creates an unbounded deduper unless WithMaxSize is given.
func NewInMemoryDeduper(opts ...Option) Deduper {
	d := &inMemoryDeduper{}
	for _, opt := range opts {
		opt(d)
	}
	d.seen = make(map[string]int)
	if d.maxSize > 0 {
		d.ring = make([]string, d.maxSize)
	}
	return d
}

func (d *inMemoryDeduper) SeenAndRecord(_ context.Context, key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[key]; ok {
		return true
	}
	if d.maxSize <= 0 {
		d.seen[key] = -1
		return false
	}

	if old := d.ring[d.next]; old != "" {
		delete(d.seen, old)
	}
	d.ring[d.next] = key
	d.seen[key] = d.next
	d.next = (d.next + 1) % d.maxSize
	return false
}

func (d *inMemoryDeduper) Unrecord(_ context.Context, key string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	slot, ok := d.seen[key]
	if !ok {
		return
	}
	delete(d.seen, key)
	if slot >= 0 {
		d.ring[slot] = ""
	}
}

func (d *inMemoryDeduper) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
