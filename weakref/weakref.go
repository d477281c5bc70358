// Package weakref implements a weak-reference cache variant: a handle
// registry where each entry's continued validity is decided by a
// caller-supplied liveness probe rather than by the cache itself owning
// the value's lifetime.
//
// Go had no language-level weak reference prior to runtime.AddCleanup
// and the weak package (Go 1.24), so this is built as a plain map
// holding a value plus a Liveness collaborator, swept by a periodic
// compactor. The compactor reuses the stop-channel janitor shape of
// memory.Cache and disk.Cache, generalized from "sweep expired
// deadlines" to "sweep dead handles".
package weakref

import (
	"fmt"
	"sync"
	"time"

	tierbox "github.com/arka-mehta/tierbox"
	"github.com/arka-mehta/tierbox/events"
	"github.com/arka-mehta/tierbox/internal/clock"
	"github.com/arka-mehta/tierbox/stats"
)

// Liveness reports whether a handle's backing value is still valid.
// Callers typically implement this over a weak OS handle, a
// reference-counted resource, or a process/connection health check.
type Liveness interface {
	Alive() bool
}

// LivenessFunc adapts a plain func to Liveness.
type LivenessFunc func() bool

func (f LivenessFunc) Alive() bool { return f() }

type handle[T any] struct {
	value        T
	liveness     Liveness
	createdAt    time.Time
	lastAccessAt time.Time
}

// Cache is a registry of handles keyed by K, each guarded by its own
// Liveness probe. The zero value is not usable; construct one with New.
type Cache[K comparable, T any] struct {
	mu      sync.Mutex
	entries map[K]*handle[T]
	clock   clock.Clock
	logger  tierbox.Logger
	bus     *events.Bus

	counters stats.Counters

	compactInterval time.Duration
	stopCh          chan struct{}
	wg              sync.WaitGroup
	closeOnce       sync.Once
}

// Option configures a Cache constructed by New.
type Option[K comparable, T any] func(*Cache[K, T])

// WithCompactInterval enables a background sweep that drops entries
// whose Liveness reports false every d. Zero (the default) disables
// the sweep; dead entries are still dropped lazily on Get.
func WithCompactInterval[K comparable, T any](d time.Duration) Option[K, T] {
	return func(c *Cache[K, T]) { c.compactInterval = d }
}

// WithLogger overrides the discard logger.
func WithLogger[K comparable, T any](l tierbox.Logger) Option[K, T] {
	return func(c *Cache[K, T]) { c.logger = l }
}

// WithClock overrides the time source, primarily for tests.
func WithClock[K comparable, T any](cl clock.Clock) Option[K, T] {
	return func(c *Cache[K, T]) { c.clock = cl }
}

// WithEventBus attaches an events.Bus for mutation notifications.
func WithEventBus[K comparable, T any](bus *events.Bus) Option[K, T] {
	return func(c *Cache[K, T]) { c.bus = bus }
}

// New constructs a ready-to-use Cache and starts its compactor if
// WithCompactInterval was given.
func New[K comparable, T any](opts ...Option[K, T]) *Cache[K, T] {
	c := &Cache[K, T]{
		entries: make(map[K]*handle[T]),
		clock:   clock.Real{},
		logger:  tierbox.DiscardLogger(),
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.compactInterval > 0 {
		c.startCompactor()
	}
	return c
}

func (c *Cache[K, T]) startCompactor() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.compactInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.Compact()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Close stops the background compactor, if any. Safe to call more
// than once.
func (c *Cache[K, T]) Close() {
	c.closeOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *Cache[K, T]) publish(ev events.Event) {
	if c.bus != nil {
		c.bus.Publish(ev)
	}
}

func (c *Cache[K, T]) keyString(key K) string {
	if s, ok := any(key).(string); ok {
		return s
	}
	if s, ok := any(key).(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%v", key)
}

// Set registers value under key, guarded by liveness. A nil liveness
// is never alive and the entry behaves as already dead.
func (c *Cache[K, T]) Set(key K, value T, liveness Liveness) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	_, existed := c.entries[key]
	c.entries[key] = &handle[T]{value: value, liveness: liveness, createdAt: now, lastAccessAt: now}

	if existed {
		c.publish(events.Event{Kind: events.Updated, Key: c.keyString(key)})
	} else {
		c.publish(events.Event{Kind: events.Added, Key: c.keyString(key)})
	}
}

// Get returns key's value if present and its Liveness still reports
// true. A dead handle is removed and reported as a miss, the same way
// a past-deadline entry is in the other tiers.
func (c *Cache[K, T]) Get(key K) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero T
	h, ok := c.entries[key]
	if !ok {
		c.counters.Misses++
		return zero, false
	}
	if h.liveness == nil || !h.liveness.Alive() {
		delete(c.entries, key)
		c.counters.Misses++
		c.counters.Expirations++
		c.publish(events.Event{Kind: events.Expired, Key: c.keyString(key)})
		return zero, false
	}

	h.lastAccessAt = c.clock.Now()
	c.counters.Hits++
	return h.value, true
}

// Contains reports whether key is present and alive, without updating
// access metadata.
func (c *Cache[K, T]) Contains(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	h, ok := c.entries[key]
	if !ok {
		return false
	}
	return h.liveness != nil && h.liveness.Alive()
}

// Remove drops key unconditionally.
func (c *Cache[K, T]) Remove(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; !ok {
		return
	}
	delete(c.entries, key)
	c.publish(events.Event{Kind: events.Removed, Key: c.keyString(key)})
}

// RemoveAll clears every entry.
func (c *Cache[K, T]) RemoveAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[K]*handle[T])
	c.publish(events.Event{Kind: events.Cleared})
}

// Compact sweeps every entry and drops those whose Liveness reports
// false, returning the count removed.
func (c *Cache[K, T]) Compact() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, h := range c.entries {
		if h.liveness == nil || !h.liveness.Alive() {
			delete(c.entries, key)
			c.counters.Expirations++
			removed++
			c.publish(events.Event{Kind: events.Expired, Key: c.keyString(key)})
		}
	}
	return removed
}

// Len returns the number of registered handles, live or not.
func (c *Cache[K, T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a point-in-time snapshot of hit/miss/expiration
// counters plus the current handle count.
func (c *Cache[K, T]) Stats() stats.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters.Snapshot(len(c.entries), 0)
}
