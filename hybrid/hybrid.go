// Package hybrid composes a fast in-memory front with a persistent
// on-disk tier: reads consult memory first and fall through to disk,
// optionally promoting the value back into memory; writes land in
// memory synchronously and reach disk either synchronously
// (write-through) or via a deferred, per-key-coalesced flush
// (write-back).
package hybrid

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	tierbox "github.com/arka-mehta/tierbox"
	"github.com/arka-mehta/tierbox/codec"
	"github.com/arka-mehta/tierbox/disk"
	"github.com/arka-mehta/tierbox/events"
	"github.com/arka-mehta/tierbox/expire"
	"github.com/arka-mehta/tierbox/memory"
)

// Source identifies which inner tier served a read.
type Source int

const (
	SourceMemory Source = iota
	SourceDisk
)

func (s Source) String() string {
	if s == SourceDisk {
		return "disk"
	}
	return "memory"
}

// Stats are the hybrid tier's own hit/miss counters. They are
// maintained independently of the inner tiers' Stats(), since either
// inner tier may be cleared (ClearMemory/ClearDisk) without that
// clearing being a hybrid-level miss event.
type Stats struct {
	MemoryHits uint64
	DiskHits   uint64
	Misses     uint64
}

const defaultFlushDelay = 500 * time.Millisecond

type pendingWrite[V any] struct {
	value      V
	expiration expire.Expiration
	priority   tierbox.Priority
}

// Cache composes one memory tier and one disk tier.
type Cache[K comparable, V any] struct {
	mem *memory.Cache[K, V]
	dsk *disk.Cache[V]

	keyFunc func(K) string
	logger  tierbox.Logger
	bus     *events.Bus

	writeToDiskOnSet bool
	promoteOnDiskHit bool
	flushDelay       time.Duration

	statsMu  sync.Mutex
	stats    Stats

	pendingMu  sync.Mutex
	pending    map[K]pendingWrite[V]
	flushTimer *time.Timer

	closeOnce sync.Once
}

// Option configures a Cache constructed by New.
type Option[K comparable, V any] func(*config[K, V])

type config[K comparable, V any] struct {
	memOpts          []memory.Option[K, V]
	diskOpts         []disk.Option[V]
	keyFunc          func(K) string
	logger           tierbox.Logger
	bus              *events.Bus
	writeToDiskOnSet bool
	promoteOnDiskHit bool
	cleanupInterval  time.Duration
	flushDelay       time.Duration
	registry         prometheus.Registerer
	tierName         string
}

// WithMemoryOptions forwards options to the inner memory tier.
func WithMemoryOptions[K comparable, V any](opts ...memory.Option[K, V]) Option[K, V] {
	return func(cfg *config[K, V]) { cfg.memOpts = append(cfg.memOpts, opts...) }
}

// WithMaxDiskBytes forwards a byte budget to the inner disk tier.
func WithMaxDiskBytes[K comparable, V any](n int64) Option[K, V] {
	return func(cfg *config[K, V]) { cfg.diskOpts = append(cfg.diskOpts, disk.WithMaxBytes[V](n)) }
}

// WithWriteToDiskOnSet makes Set write through to disk synchronously
// (the default is true). When false, Set enqueues a coalesced deferred
// write instead; see Flush.
func WithWriteToDiskOnSet[K comparable, V any](b bool) Option[K, V] {
	return func(cfg *config[K, V]) { cfg.writeToDiskOnSet = b }
}

// WithPromoteOnDiskHit writes a disk-served value back into memory
// before returning it.
func WithPromoteOnDiskHit[K comparable, V any](b bool) Option[K, V] {
	return func(cfg *config[K, V]) { cfg.promoteOnDiskHit = b }
}

// WithCleanupInterval is shared by both inner tiers' background
// janitors.
func WithCleanupInterval[K comparable, V any](d time.Duration) Option[K, V] {
	return func(cfg *config[K, V]) { cfg.cleanupInterval = d }
}

// WithFlushDelay overrides the default ~500ms debounce delay for
// deferred disk writes.
func WithFlushDelay[K comparable, V any](d time.Duration) Option[K, V] {
	return func(cfg *config[K, V]) { cfg.flushDelay = d }
}

// WithKeyFunc overrides how a K is rendered to the string key the disk
// tier requires. The default renders a string K as itself, a
// fmt.Stringer via String(), and anything else via fmt.Sprintf("%v").
func WithKeyFunc[K comparable, V any](f func(K) string) Option[K, V] {
	return func(cfg *config[K, V]) { cfg.keyFunc = f }
}

// WithLogger overrides the discard logger.
func WithLogger[K comparable, V any](l tierbox.Logger) Option[K, V] {
	return func(cfg *config[K, V]) { cfg.logger = l }
}

// WithEventBus attaches an events.Bus, forwarded to both inner tiers.
func WithEventBus[K comparable, V any](bus *events.Bus) Option[K, V] {
	return func(cfg *config[K, V]) { cfg.bus = bus }
}

// WithMetrics registers a prometheus.Collector reporting the hybrid
// tier's own Stats() under tierName with reg. The inner tiers are not
// registered here; the memory tier's counters can be registered by
// passing memory.WithMetrics through WithMemoryOptions, while the inner
// disk tier has no metrics option reachable from this package. Passing
// nil for reg is a no-op.
func WithMetrics[K comparable, V any](reg prometheus.Registerer, tierName string) Option[K, V] {
	return func(cfg *config[K, V]) {
		cfg.registry = reg
		cfg.tierName = tierName
	}
}

func defaultKeyFunc[K comparable](key K) string {
	if s, ok := any(key).(string); ok {
		return s
	}
	if s, ok := any(key).(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%v", key)
}

// New constructs a hybrid tier backed by a disk tier rooted at
// filepath.Join(diskRoot, diskName). cd encodes values for disk
// persistence; the memory tier's own size accounting, if enabled via
// WithMemoryOptions(memory.WithCodec(...)), is independent.
func New[K comparable, V any](diskRoot, diskName string, cd codec.Codec[V], opts ...Option[K, V]) (*Cache[K, V], error) {
	cfg := config[K, V]{
		writeToDiskOnSet: true,
		flushDelay:       defaultFlushDelay,
		logger:           tierbox.DiscardLogger(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.keyFunc == nil {
		cfg.keyFunc = defaultKeyFunc[K]
	}

	memOpts := cfg.memOpts
	if cfg.cleanupInterval > 0 {
		memOpts = append(memOpts, memory.WithCleanupInterval[K, V](cfg.cleanupInterval))
	}
	if cfg.bus != nil {
		memOpts = append(memOpts, memory.WithEventBus[K, V](cfg.bus))
	}
	mem := memory.New[K, V](memOpts...)

	diskOpts := append([]disk.Option[V]{disk.WithCodec[V](cd)}, cfg.diskOpts...)
	if cfg.cleanupInterval > 0 {
		diskOpts = append(diskOpts, disk.WithCleanupInterval[V](cfg.cleanupInterval))
	}
	if cfg.bus != nil {
		diskOpts = append(diskOpts, disk.WithEventBus[V](cfg.bus))
	}
	dsk, err := disk.New[V](diskRoot, diskName, diskOpts...)
	if err != nil {
		return nil, err
	}

	c := &Cache[K, V]{
		mem:              mem,
		dsk:              dsk,
		keyFunc:          cfg.keyFunc,
		logger:           cfg.logger,
		bus:              cfg.bus,
		writeToDiskOnSet: cfg.writeToDiskOnSet,
		promoteOnDiskHit: cfg.promoteOnDiskHit,
		flushDelay:       cfg.flushDelay,
		pending:          make(map[K]pendingWrite[V]),
	}

	if cfg.registry != nil {
		name := cfg.tierName
		if name == "" {
			name = "hybrid"
		}
		if err := cfg.registry.Register(newCollector(name, c.Stats)); err != nil {
			cfg.logger.Printf("hybrid: registering metrics collector: %v", err)
		}
	}
	return c, nil
}

func (c *Cache[K, V]) publish(ev events.Event) {
	if c.bus != nil {
		c.bus.Publish(ev)
	}
}

// Get consults memory first: a memory hit returns immediately;
// otherwise disk is consulted, optionally promoting the value back into
// memory.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	v, _, ok := c.GetWithSource(key)
	return v, ok
}

// GetWithSource behaves like Get but also reports which tier served the
// value.
func (c *Cache[K, V]) GetWithSource(key K) (V, Source, bool) {
	if v, ok := c.mem.Get(key); ok {
		c.statsMu.Lock()
		c.stats.MemoryHits++
		c.statsMu.Unlock()
		return v, SourceMemory, true
	}

	v, ok := c.dsk.Get(c.keyFunc(key))
	if !ok {
		c.statsMu.Lock()
		c.stats.Misses++
		c.statsMu.Unlock()
		var zero V
		return zero, SourceMemory, false
	}

	c.statsMu.Lock()
	c.stats.DiskHits++
	c.statsMu.Unlock()

	if c.promoteOnDiskHit {
		c.mem.Set(key, v)
	}
	return v, SourceDisk, true
}

// SetOption customizes an individual Set call.
type SetOption func(*setConfig)

type setConfig struct {
	expiration expire.Expiration
	priority   tierbox.Priority
	skipMemory bool
	skipDisk   bool
}

// WithExpiration attaches a deadline to both tiers' write.
func WithExpiration(e expire.Expiration) SetOption {
	return func(cfg *setConfig) { cfg.expiration = e }
}

// WithPriority marks the entry's eviction exemption level in both tiers.
func WithPriority(p tierbox.Priority) SetOption {
	return func(cfg *setConfig) { cfg.priority = p }
}

// SkipMemory omits the memory-tier write.
func SkipMemory() SetOption { return func(cfg *setConfig) { cfg.skipMemory = true } }

// SkipDisk omits the disk-tier write (synchronous or deferred).
func SkipDisk() SetOption { return func(cfg *setConfig) { cfg.skipDisk = true } }

// Set writes value under key. The memory write, if not skipped, is
// always synchronous. The disk write, if not skipped, is synchronous
// when WithWriteToDiskOnSet is in effect; otherwise it is coalesced into
// a pending-writes map flushed after a debounce delay (see Flush).
func (c *Cache[K, V]) Set(key K, value V, opts ...SetOption) error {
	cfg := setConfig{expiration: expire.NeverExpire(), priority: tierbox.PriorityNormal}
	for _, opt := range opts {
		opt(&cfg)
	}

	if !cfg.skipMemory {
		if err := c.mem.Set(key, value, memory.WithExpiration(cfg.expiration), memory.WithPriority(cfg.priority)); err != nil {
			return err
		}
	}

	if cfg.skipDisk {
		return nil
	}

	if c.writeToDiskOnSet {
		if err := c.dsk.Set(c.keyFunc(key), value, disk.WithExpiration(cfg.expiration), disk.WithPriority(cfg.priority)); err != nil {
			c.logger.Printf("hybrid: synchronous disk write for key failed: %v", err)
		}
		return nil
	}

	c.enqueueDeferredWrite(key, pendingWrite[V]{value: value, expiration: cfg.expiration, priority: cfg.priority})
	return nil
}

func (c *Cache[K, V]) enqueueDeferredWrite(key K, w pendingWrite[V]) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	c.pending[key] = w // later writes to the same key coalesce with earlier ones
	if c.flushTimer == nil {
		c.flushTimer = time.AfterFunc(c.flushDelay, c.Flush)
	} else {
		c.flushTimer.Reset(c.flushDelay)
	}
}

// Flush drains every pending deferred write to disk.
func (c *Cache[K, V]) Flush() {
	c.pendingMu.Lock()
	batch := c.pending
	c.pending = make(map[K]pendingWrite[V])
	c.pendingMu.Unlock()

	for key, w := range batch {
		if err := c.dsk.Set(c.keyFunc(key), w.value, disk.WithExpiration(w.expiration), disk.WithPriority(w.priority)); err != nil {
			c.logger.Printf("hybrid: deferred disk write for key failed: %v", err)
		}
	}
}

// Remove deletes key from both tiers and drops any pending deferred
// write under it.
func (c *Cache[K, V]) Remove(key K) error {
	c.mem.Delete(key)

	c.pendingMu.Lock()
	delete(c.pending, key)
	c.pendingMu.Unlock()

	return c.dsk.Remove(c.keyFunc(key))
}

// RemoveAll clears both tiers and drops all pending writes.
func (c *Cache[K, V]) RemoveAll() error {
	c.mem.RemoveAll()

	c.pendingMu.Lock()
	c.pending = make(map[K]pendingWrite[V])
	if c.flushTimer != nil {
		c.flushTimer.Stop()
	}
	c.pendingMu.Unlock()

	return c.dsk.RemoveAll()
}

// Preload reads each key from disk and writes it into memory directly,
// bypassing a disk rewrite.
func (c *Cache[K, V]) Preload(keys []K) {
	for _, key := range keys {
		if v, ok := c.dsk.Get(c.keyFunc(key)); ok {
			c.mem.Set(key, v)
		}
	}
}

// GetFromMemory reads key from the memory tier only, with no
// coordination with disk.
func (c *Cache[K, V]) GetFromMemory(key K) (V, bool) {
	v, ok := c.mem.Get(key)
	if ok {
		c.statsMu.Lock()
		c.stats.MemoryHits++
		c.statsMu.Unlock()
	}
	return v, ok
}

// GetFromDisk reads key from the disk tier only, with no coordination
// with memory.
func (c *Cache[K, V]) GetFromDisk(key K) (V, bool) { return c.dsk.Get(c.keyFunc(key)) }

// ClearMemory clears only the memory tier.
func (c *Cache[K, V]) ClearMemory() { c.mem.RemoveAll() }

// ClearDisk clears only the disk tier.
func (c *Cache[K, V]) ClearDisk() error { return c.dsk.RemoveAll() }

// Stats returns the hybrid tier's own memory-hit/disk-hit/miss counters.
func (c *Cache[K, V]) Stats() Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats
}

// Close stops both inner tiers' background janitors concurrently and
// cancels the pending deferred-write timer. Pending writes that have not
// yet been flushed are discarded, not drained; call Flush first if that
// matters to the caller.
func (c *Cache[K, V]) Close() error {
	c.closeOnce.Do(func() {
		c.pendingMu.Lock()
		if c.flushTimer != nil {
			c.flushTimer.Stop()
		}
		c.pendingMu.Unlock()
	})

	var eg errgroup.Group
	eg.Go(func() error {
		c.mem.Close()
		return nil
	})
	eg.Go(func() error {
		c.dsk.Close()
		return nil
	})
	return eg.Wait()
}
