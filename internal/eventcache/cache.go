// Package eventcache is the content-addressed event store that collapses
// duplicate deliveries from many relays into one canonical record.
package eventcache

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync"

	"bookstr/internal/types"
)

const (
	DefaultHorizon  = 30 * time.Minute
	DefaultCapacity = 10000
)

// AdmitResult reports whether an admission was the first for its id
type AdmitResult struct {
	IsNew     bool
	Canonical types.Event
}

// Options configure a Cache
type Options struct {
	Horizon       time.Duration // entries admitted longer ago are evicted
	Capacity      int           // oldest-admitted entries are evicted above this
	SweepInterval time.Duration
	Now           func() time.Time
}

type entry struct {
	event      types.Event
	admittedAt time.Time

	mu      sync.Mutex
	pins    int
	evicted bool
}

type admission struct {
	id    string
	entry *entry
}

// Stats are cumulative counters for metrics
type Stats struct {
	Admitted   int64
	Duplicates int64
	Evicted    int64
	Size       int
}

// Cache holds canonical events keyed by id
type Cache struct {
	entries  *xsync.MapOf[string, *entry]
	horizon  time.Duration
	capacity int
	now      func() time.Time

	orderMu sync.Mutex
	order   []admission // admission FIFO, may hold stale items

	admitted   atomic.Int64
	duplicates atomic.Int64
	evicted    atomic.Int64

	stopCh    chan struct{}
	closeOnce sync.Once
}

// New creates a cache and starts its background sweep
func New(opts Options) *Cache {
	if opts.Horizon <= 0 {
		opts.Horizon = DefaultHorizon
	}
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	c := &Cache{
		entries:  xsync.NewMapOf[*entry](),
		horizon:  opts.Horizon,
		capacity: opts.Capacity,
		now:      opts.Now,
		stopCh:   make(chan struct{}),
	}
	go c.cleanupLoop(opts.SweepInterval)
	return c
}

// Admit stores evt if its id is unseen. The first admission wins and later
// ones are reported as duplicates; admitting the same event again has no
// further effect.
func (c *Cache) Admit(evt types.Event) AdmitResult {
	return c.admit(evt, false)
}

// AdmitPinned admits evt and pins the canonical entry in one step, so it
// can't be evicted between admission and pinning.
func (c *Cache) AdmitPinned(evt types.Event) AdmitResult {
	return c.admit(evt, true)
}

func (c *Cache) admit(evt types.Event, pin bool) AdmitResult {
	fresh := &entry{event: evt.Clone(), admittedAt: c.now()}
	if pin {
		fresh.pins = 1
	}

	for {
		actual, loaded := c.entries.LoadOrStore(evt.ID, fresh)
		if !loaded {
			break
		}
		actual.mu.Lock()
		if actual.evicted {
			// lost a race with eviction; the id is gone from the map now
			actual.mu.Unlock()
			continue
		}
		if pin {
			actual.pins++
		}
		actual.mu.Unlock()
		c.duplicates.Add(1)
		return AdmitResult{IsNew: false, Canonical: actual.event}
	}

	c.admitted.Add(1)
	c.orderMu.Lock()
	c.order = append(c.order, admission{id: evt.ID, entry: fresh})
	over := c.entries.Size() > c.capacity
	c.orderMu.Unlock()
	if over {
		c.Sweep()
	}
	return AdmitResult{IsNew: true, Canonical: fresh.event}
}

// Get returns the canonical event for id
func (c *Cache) Get(id string) (types.Event, bool) {
	e, ok := c.entries.Load(id)
	if !ok {
		return types.Event{}, false
	}
	return e.event, true
}

// Contains reports whether id is cached
func (c *Cache) Contains(id string) bool {
	_, ok := c.entries.Load(id)
	return ok
}

// Len returns the number of cached events
func (c *Cache) Len() int {
	return c.entries.Size()
}

// Pin protects id from eviction until a matching Unpin
func (c *Cache) Pin(id string) bool {
	e, ok := c.entries.Load(id)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.evicted {
		return false
	}
	e.pins++
	return true
}

// Unpin releases one pin for each id
func (c *Cache) Unpin(ids ...string) {
	for _, id := range ids {
		e, ok := c.entries.Load(id)
		if !ok {
			continue
		}
		e.mu.Lock()
		if e.pins > 0 {
			e.pins--
		}
		e.mu.Unlock()
	}
}

// Sweep evicts entries past the horizon, then the oldest admitted entries
// while above capacity. Pinned entries are skipped. Returns the number
// evicted.
func (c *Cache) Sweep() int {
	cutoff := c.now().Add(-c.horizon)

	c.orderMu.Lock()
	defer c.orderMu.Unlock()

	evicted := 0
	kept := make([]admission, 0, len(c.order))
	for i, item := range c.order {
		current, ok := c.entries.Load(item.id)
		if !ok || current != item.entry {
			continue // stale
		}

		stale := item.entry.admittedAt.Before(cutoff)
		over := c.entries.Size() > c.capacity
		if !stale && !over {
			kept = append(kept, c.order[i:]...)
			break
		}
		if c.evict(item) {
			evicted++
			continue
		}
		kept = append(kept, item)
	}
	c.order = kept

	if evicted > 0 {
		c.evicted.Add(int64(evicted))
		slog.Debug("event cache sweep", "evicted", evicted, "size", c.entries.Size())
	}
	return evicted
}

func (c *Cache) evict(item admission) bool {
	item.entry.mu.Lock()
	defer item.entry.mu.Unlock()
	if item.entry.pins > 0 {
		return false
	}
	item.entry.evicted = true
	c.entries.Delete(item.id)
	return true
}

// Stats returns cumulative counters
func (c *Cache) Stats() Stats {
	return Stats{
		Admitted:   c.admitted.Load(),
		Duplicates: c.duplicates.Load(),
		Evicted:    c.evicted.Load(),
		Size:       c.entries.Size(),
	}
}

// Close stops the background sweep
func (c *Cache) Close() {
	c.closeOnce.Do(func() {
		close(c.stopCh)
	})
}

func (c *Cache) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}
