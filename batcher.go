package main

import (
	"log/slog"
	"sync"
	"time"
)

// Batcher collects items over a time window and hands them to flushFn in one
// call. Items added twice under the same key within a window are flushed once.
//
// The serve command uses it to turn a trickle of live events into one
// profile/reaction lookup per window instead of one per event.
type Batcher[V any] struct {
	name     string
	flushFn  func(items []V)
	window   time.Duration
	maxBatch int

	mu      sync.Mutex
	order   []string
	pending map[string]V
	timer   *time.Timer
	stopped bool
	wg      sync.WaitGroup
}

// NewBatcher creates a batcher. maxBatch 0 means only the window triggers a flush.
func NewBatcher[V any](name string, flushFn func(items []V), window time.Duration, maxBatch int) *Batcher[V] {
	return &Batcher[V]{
		name:     name,
		flushFn:  flushFn,
		window:   window,
		maxBatch: maxBatch,
		pending:  make(map[string]V),
	}
}

// Add queues v under key
func (b *Batcher[V]) Add(key string, v V) {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	if _, ok := b.pending[key]; !ok {
		b.order = append(b.order, key)
	}
	b.pending[key] = v

	if b.maxBatch > 0 && len(b.order) >= b.maxBatch {
		if b.timer != nil {
			b.timer.Stop()
			b.timer = nil
		}
		items := b.takeLocked()
		b.wg.Add(1)
		b.mu.Unlock()
		go b.run(items)
		return
	}
	if b.timer == nil {
		b.timer = time.AfterFunc(b.window, b.flush)
	}
	b.mu.Unlock()
}

// Pending returns the number of queued items
func (b *Batcher[V]) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.order)
}

// Stop drops queued items and waits for running flushes
func (b *Batcher[V]) Stop() {
	b.mu.Lock()
	b.stopped = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.order = nil
	b.pending = make(map[string]V)
	b.mu.Unlock()
	b.wg.Wait()
}

func (b *Batcher[V]) flush() {
	b.mu.Lock()
	b.timer = nil
	if b.stopped {
		b.mu.Unlock()
		return
	}
	items := b.takeLocked()
	b.wg.Add(1)
	b.mu.Unlock()
	b.run(items)
}

func (b *Batcher[V]) takeLocked() []V {
	items := make([]V, 0, len(b.order))
	for _, key := range b.order {
		items = append(items, b.pending[key])
	}
	b.order = nil
	b.pending = make(map[string]V)
	return items
}

func (b *Batcher[V]) run(items []V) {
	defer b.wg.Done()
	if len(items) == 0 {
		return
	}
	slog.Debug("batcher: flushing", "name", b.name, "items", len(items))
	b.flushFn(items)
}
