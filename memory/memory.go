// Package memory implements the bounded in-memory cache tier: a generic
// key/value store with pluggable eviction, per-entry expiration, and a
// background janitor. Eviction is delegated to evictindex rather than a
// hard-coded container/list, since the tier supports every policy in the
// table, not just LRU.
package memory

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	tierbox "github.com/arka-mehta/tierbox"
	"github.com/arka-mehta/tierbox/codec"
	"github.com/arka-mehta/tierbox/events"
	"github.com/arka-mehta/tierbox/evictindex"
	"github.com/arka-mehta/tierbox/expire"
	"github.com/arka-mehta/tierbox/internal/clock"
	"github.com/arka-mehta/tierbox/stats"
)

// PolicyKind selects which evictindex implementation backs a Cache.
type PolicyKind int

const (
	PolicyLRU PolicyKind = iota
	PolicyFIFO
	PolicyLFU
	PolicyTTL
	PolicyRandom
	PolicySize
)

func newIndex[K comparable](kind PolicyKind, cl clock.Clock) evictindex.Index[K] {
	switch kind {
	case PolicyFIFO:
		return evictindex.NewFIFO[K]()
	case PolicyLFU:
		return evictindex.NewLFUWithClock[K](cl)
	case PolicyTTL:
		return evictindex.NewTTL[K]()
	case PolicyRandom:
		return evictindex.NewRandom[K]()
	case PolicySize:
		return evictindex.NewSize[K]()
	default:
		return evictindex.NewLRU[K]()
	}
}

// Metadata is a read-only snapshot of an entry's bookkeeping, returned by
// GetWithMetadata.
type Metadata struct {
	CreatedAt    time.Time
	LastAccessAt time.Time
	AccessCount  uint64
	SizeBytes    int64
	ExpiresAt    time.Time
	HasDeadline  bool
	Priority     tierbox.Priority
	Tags         []string
}

type entry[V any] struct {
	value        V
	createdAt    time.Time
	lastAccessAt time.Time
	accessCount  uint64
	sizeBytes    int64
	expiresAt    time.Time
	hasDeadline  bool
	priority     tierbox.Priority
	policy       expire.Policy
	tags         []string
}

func (e *entry[V]) meta() Metadata {
	return Metadata{
		CreatedAt:    e.createdAt,
		LastAccessAt: e.lastAccessAt,
		AccessCount:  e.accessCount,
		SizeBytes:    e.sizeBytes,
		ExpiresAt:    e.expiresAt,
		HasDeadline:  e.hasDeadline,
		Priority:     e.priority,
		Tags:         e.tags,
	}
}

func (e *entry[V]) expireMeta() expire.Metadata {
	return expire.Metadata{
		CreatedAt:    e.createdAt,
		LastAccessAt: e.lastAccessAt,
		AccessCount:  e.accessCount,
		SizeBytes:    e.sizeBytes,
		Tags:         e.tags,
	}
}

func (e *entry[V]) indexMeta() evictindex.Metadata {
	return evictindex.Metadata{
		ExpiresAt:   e.expiresAt,
		HasDeadline: e.hasDeadline,
		SizeBytes:   e.sizeBytes,
		Priority:    e.priority,
	}
}

// Cache is a bounded, in-process key/value store. The zero value is not
// usable; construct one with New.
type Cache[K comparable, V any] struct {
	mu       sync.Mutex
	items    map[K]*entry[V]
	policy   PolicyKind
	index    evictindex.Index[K]
	codec    codec.Codec[V]
	clock    clock.Clock
	logger   tierbox.Logger
	bus      *events.Bus
	counters stats.Counters
	registry prometheus.Registerer
	tierName string

	maxItems int
	maxBytes int64
	curBytes int64

	cleanupInterval time.Duration
	stopCh          chan struct{}
	wg              sync.WaitGroup
	closeOnce       sync.Once
}

// Option configures a Cache constructed by New.
type Option[K comparable, V any] func(*Cache[K, V])

// WithPolicy selects the eviction policy. The default is LRU.
func WithPolicy[K comparable, V any](kind PolicyKind) Option[K, V] {
	return func(c *Cache[K, V]) { c.policy = kind }
}

// WithMaxItems bounds the number of entries. Zero means unbounded.
func WithMaxItems[K comparable, V any](n int) Option[K, V] {
	return func(c *Cache[K, V]) { c.maxItems = n }
}

// WithMaxBytes bounds the total estimated size of all entries. Zero means
// unbounded.
func WithMaxBytes[K comparable, V any](n int64) Option[K, V] {
	return func(c *Cache[K, V]) { c.maxBytes = n }
}

// WithCleanupInterval enables a background janitor that calls
// RemoveExpired every d. Zero (the default) disables the janitor; callers
// then rely on lazy (on-Get) expiration alone.
func WithCleanupInterval[K comparable, V any](d time.Duration) Option[K, V] {
	return func(c *Cache[K, V]) { c.cleanupInterval = d }
}

// WithCodec supplies the codec used to estimate an entry's byte size when
// WithMaxBytes is in effect. Without one, size accounting is skipped and
// only WithMaxItems is enforced.
func WithCodec[K comparable, V any](cd codec.Codec[V]) Option[K, V] {
	return func(c *Cache[K, V]) { c.codec = cd }
}

// WithLogger overrides the discard logger used to report a failed metrics
// collector registration.
func WithLogger[K comparable, V any](l tierbox.Logger) Option[K, V] {
	return func(c *Cache[K, V]) { c.logger = l }
}

// WithClock overrides the time source, primarily for deterministic tests.
func WithClock[K comparable, V any](cl clock.Clock) Option[K, V] {
	return func(c *Cache[K, V]) { c.clock = cl }
}

// WithEventBus attaches an events.Bus that Set/Remove/RemoveAll/eviction/
// expiration publish to. Without one, mutations are silent.
func WithEventBus[K comparable, V any](bus *events.Bus) Option[K, V] {
	return func(c *Cache[K, V]) { c.bus = bus }
}

// WithMetrics registers a prometheus.Collector reporting this cache's
// Stats() under the given tier name (e.g. "memory", "session-cache")
// with reg. Passing nil for reg is a no-op.
func WithMetrics[K comparable, V any](reg prometheus.Registerer, tierName string) Option[K, V] {
	return func(c *Cache[K, V]) {
		c.registry = reg
		c.tierName = tierName
	}
}

// New constructs a ready-to-use Cache and starts its janitor if
// WithCleanupInterval was given.
func New[K comparable, V any](opts ...Option[K, V]) *Cache[K, V] {
	c := &Cache[K, V]{
		items:  make(map[K]*entry[V]),
		clock:  clock.Real{},
		logger: tierbox.DiscardLogger(),
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	// The index is built after all options have applied so an LFU index
	// observes the same clock WithClock installed.
	c.index = newIndex[K](c.policy, c.clock)

	if c.registry != nil {
		name := c.tierName
		if name == "" {
			name = "memory"
		}
		if err := c.registry.Register(stats.NewCollector(name, c.Stats)); err != nil {
			c.logger.Printf("memory: registering metrics collector: %v", err)
		}
	}

	if c.cleanupInterval > 0 {
		c.startJanitor()
	}
	return c
}

func (c *Cache[K, V]) startJanitor() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.RemoveExpired()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Close stops the background janitor, if any. Safe to call more than
// once and safe to call when no janitor was started.
func (c *Cache[K, V]) Close() {
	c.closeOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// sizeOf estimates v's encoded size for byte-budget accounting. Without a
// codec, size accounting is skipped entirely and 0 is returned with no
// error. With a codec, an encode failure is returned to the caller rather
// than treated as a zero-sized entry.
func (c *Cache[K, V]) sizeOf(v V) (int64, error) {
	if c.codec == nil {
		return 0, nil
	}
	data, err := c.codec.Encode(v)
	if err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

func (c *Cache[K, V]) isExpired(e *entry[V], now time.Time) bool {
	if e.hasDeadline && !now.Before(e.expiresAt) {
		return true
	}
	if e.policy != nil && e.policy.ShouldExpire(e.expireMeta(), now) {
		return true
	}
	return false
}

// removeLocked deletes key from items and the eviction index. Caller
// must hold c.mu.
func (c *Cache[K, V]) removeLocked(key K, e *entry[V]) {
	delete(c.items, key)
	c.index.OnRemove(key)
	c.curBytes -= e.sizeBytes
}

func (c *Cache[K, V]) publish(ev events.Event) {
	if c.bus != nil {
		c.bus.Publish(ev)
	}
}

// Get looks up key. A present-but-expired entry is removed and reported
// as a miss.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.items[key]
	if !ok {
		c.counters.Misses++
		return zero, false
	}

	now := c.clock.Now()
	if c.isExpired(e, now) {
		c.removeLocked(key, e)
		c.counters.Misses++
		c.counters.Expirations++
		c.publish(events.Event{Kind: events.Expired, Key: keyString(key)})
		return zero, false
	}

	e.lastAccessAt = now
	e.accessCount++
	c.index.OnAccess(key)
	c.counters.Hits++
	return e.value, true
}

// GetWithMetadata behaves like Get but also returns a snapshot of the
// entry's bookkeeping. It counts as an access.
func (c *Cache[K, V]) GetWithMetadata(key K) (V, Metadata, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.items[key]
	if !ok {
		c.counters.Misses++
		return zero, Metadata{}, false
	}

	now := c.clock.Now()
	if c.isExpired(e, now) {
		c.removeLocked(key, e)
		c.counters.Misses++
		c.counters.Expirations++
		c.publish(events.Event{Kind: events.Expired, Key: keyString(key)})
		return zero, Metadata{}, false
	}

	e.lastAccessAt = now
	e.accessCount++
	c.index.OnAccess(key)
	c.counters.Hits++
	return e.value, e.meta(), true
}

// Contains reports whether key is present and unexpired, without
// mutating access metadata.
func (c *Cache[K, V]) Contains(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok {
		return false
	}
	return !c.isExpired(e, c.clock.Now())
}

// SetOption customizes an individual Set call.
type SetOption func(*setConfig)

type setConfig struct {
	expiration expire.Expiration
	priority   tierbox.Priority
	policy     expire.Policy
	tags       []string
}

// WithExpiration attaches a deadline, resolved against the cache's clock
// at Set time.
func WithExpiration(e expire.Expiration) SetOption {
	return func(cfg *setConfig) { cfg.expiration = e }
}

// WithPriority marks the entry's eviction exemption level. The default
// is tierbox.PriorityNormal.
func WithPriority(p tierbox.Priority) SetOption {
	return func(cfg *setConfig) { cfg.priority = p }
}

// WithExpirationPolicy attaches an extension policy consulted alongside
// the deadline on every Get.
func WithExpirationPolicy(p expire.Policy) SetOption {
	return func(cfg *setConfig) { cfg.policy = p }
}

// WithTags attaches tags used by tag-based expiration policies such as
// expire.RetiredTags.
func WithTags(tags ...string) SetOption {
	return func(cfg *setConfig) { cfg.tags = tags }
}

// Set inserts or replaces key, evicting existing entries as needed to
// stay within the configured budgets. It returns tierbox.ErrorKind
// CapacityExceeded if eviction cannot make room because every remaining
// candidate is tierbox.PriorityCritical, or tierbox.CodecEncodeFailure if
// WithCodec is in effect and encoding value for its size estimate fails.
func (c *Cache[K, V]) Set(key K, value V, opts ...SetOption) error {
	cfg := setConfig{expiration: expire.NeverExpire(), priority: tierbox.PriorityNormal}
	for _, opt := range opts {
		opt(&cfg)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	newSize, err := c.sizeOf(value)
	if err != nil {
		return tierbox.NewError(tierbox.CodecEncodeFailure, "memory: encoding value for size estimate: %v", err)
	}

	existing, hasExisting := c.items[key]
	required := newSize
	if hasExisting {
		required = newSize - existing.sizeBytes
	}

	if err := c.makeRoomLocked(key, required); err != nil {
		return err
	}

	deadline, hasDeadline := cfg.expiration.Resolve(now)

	e := &entry[V]{
		value:       value,
		createdAt:   now,
		lastAccessAt: now,
		sizeBytes:   newSize,
		expiresAt:   deadline,
		hasDeadline: hasDeadline,
		priority:    cfg.priority,
		policy:      cfg.policy,
		tags:        cfg.tags,
	}
	if hasExisting {
		e.createdAt = existing.createdAt
		e.accessCount = existing.accessCount
	}

	c.items[key] = e
	c.curBytes += newSize
	if hasExisting {
		c.curBytes -= existing.sizeBytes
		c.index.OnUpdate(key, e.indexMeta())
		c.publish(events.Event{Kind: events.Updated, Key: keyString(key)})
	} else {
		c.index.OnInsert(key, e.indexMeta())
		c.publish(events.Event{Kind: events.Added, Key: keyString(key)})
	}
	return nil
}

// makeRoomLocked evicts until both the count and byte budgets would be
// satisfied by the pending Set. Caller must hold c.mu. required is the
// net byte delta the pending Set will add.
func (c *Cache[K, V]) makeRoomLocked(settingKey K, required int64) error {
	_, replacing := c.items[settingKey]
	itemBudgetOK := func() bool {
		if c.maxItems <= 0 {
			return true
		}
		if replacing {
			return true
		}
		return len(c.items) < c.maxItems
	}
	byteBudgetOK := func() bool {
		if c.maxBytes <= 0 {
			return true
		}
		return c.curBytes+required <= c.maxBytes
	}

	if required <= 0 && itemBudgetOK() {
		return nil
	}

	for !itemBudgetOK() || !byteBudgetOK() {
		// Request two candidates: if replacing an existing key, that key
		// is still present in the index (it has not been removed yet) and
		// must not be evicted as a victim for its own Set.
		victims := c.index.PickVictims(2, nil)
		var victimKey K
		found := false
		for _, v := range victims {
			if v != settingKey {
				victimKey = v
				found = true
				break
			}
		}
		if !found {
			return tierbox.NewError(tierbox.CapacityExceeded,
				"memory: cannot make room for key, only critical-priority entries remain")
		}
		victim := c.items[victimKey]
		c.removeLocked(victimKey, victim)

		reason := events.ReasonCapacity
		if c.maxBytes > 0 && !byteBudgetOK() {
			reason = events.ReasonByteLimit
		}
		c.counters.Evictions++
		c.publish(events.Event{Kind: events.Evicted, Key: keyString(victimKey), Reason: reason})
	}
	return nil
}

// Delete removes key, if present.
func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok {
		return
	}
	c.removeLocked(key, e)
	c.publish(events.Event{Kind: events.Removed, Key: keyString(key)})
}

// RemoveAll clears every entry.
func (c *Cache[K, V]) RemoveAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.items {
		c.index.OnRemove(key)
	}
	c.items = make(map[K]*entry[V])
	c.curBytes = 0
	c.publish(events.Event{Kind: events.Cleared})
}

// RemoveExpired sweeps every entry and removes those past their deadline
// or rejected by their extension policy, returning the count removed.
func (c *Cache[K, V]) RemoveExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	removed := 0
	for key, e := range c.items {
		if c.isExpired(e, now) {
			c.removeLocked(key, e)
			c.counters.Expirations++
			removed++
			c.publish(events.Event{Kind: events.Expired, Key: keyString(key)})
		}
	}
	return removed
}

// UpdateExpiration replaces the deadline of an existing entry without
// affecting its value, access metadata, or eviction-index position. It
// reports false if key is absent.
func (c *Cache[K, V]) UpdateExpiration(key K, expiration expire.Expiration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok {
		return false
	}
	deadline, hasDeadline := expiration.Resolve(c.clock.Now())
	e.expiresAt = deadline
	e.hasDeadline = hasDeadline
	return true
}

// EvictPercentage requests eviction of approximately p percent of
// current entries, selected by the configured policy. It is intended for
// use by memory-pressure collaborators, not ordinary capacity management.
func (c *Cache[K, V]) EvictPercentage(p float64) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p <= 0 || len(c.items) == 0 {
		return 0
	}
	n := int(float64(len(c.items)) * p / 100)
	if n <= 0 {
		n = 1
	}

	victims := c.index.PickVictims(n, nil)
	for _, key := range victims {
		e := c.items[key]
		c.removeLocked(key, e)
		c.counters.Evictions++
		c.publish(events.Event{Kind: events.Evicted, Key: keyString(key), Reason: events.ReasonPercentage})
	}
	return len(victims)
}

// Stats returns a point-in-time snapshot of hit/miss/eviction counters
// plus current item and byte totals.
func (c *Cache[K, V]) Stats() stats.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters.Snapshot(len(c.items), c.curBytes)
}

func keyString[K comparable](key K) string {
	return toStringer(key)
}

func toStringer[K comparable](key K) string {
	if s, ok := any(key).(string); ok {
		return s
	}
	if s, ok := any(key).(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%v", key)
}
