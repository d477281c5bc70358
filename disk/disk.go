// Package disk implements the size-bounded on-disk cache tier: each
// entry is materialised as exactly one file, with a manifest document
// recording byte accounting and expiration for the whole directory.
// Both data files and the manifest itself are published atomically via
// utils/tempfile plus os.Rename, so a reader never observes a partially
// written file.
package disk

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/djherbis/atime"
	"github.com/prometheus/client_golang/prometheus"

	tierbox "github.com/arka-mehta/tierbox"
	"github.com/arka-mehta/tierbox/codec"
	"github.com/arka-mehta/tierbox/events"
	"github.com/arka-mehta/tierbox/evictindex"
	"github.com/arka-mehta/tierbox/expire"
	"github.com/arka-mehta/tierbox/internal/clock"
	"github.com/arka-mehta/tierbox/stats"
	"github.com/arka-mehta/tierbox/utils/tempfile"
)

const manifestVersion uint32 = 1

// record is the manifest entry for one key. It never holds the value
// itself; only the bookkeeping needed to serve Get without reading the
// file, and to drive eviction and expiration.
type record struct {
	Key          string
	FileName     string // basename under data/
	SizeBytes    int64
	CreatedAt    time.Time
	LastAccessAt time.Time
	AccessCount  uint64
	ExpiresAt    time.Time
	HasDeadline  bool
	Priority     tierbox.Priority
}

// manifest is the serialised form of the directory's bookkeeping.
type manifest struct {
	Version uint32
	Records map[string]record // keyed by the original cache key
}

// Cache is the on-disk cache tier. The zero value is not usable;
// construct one with New.
type Cache[V any] struct {
	mu sync.Mutex

	root string // <cache_root>/<name>
	data string // root/data
	temp string // root/temp

	codec   codec.Codec[V]
	clock   clock.Clock
	logger  tierbox.Logger
	bus     *events.Bus
	tmp     *tempfile.Creator
	policy  expire.Policy

	manifest manifest
	maxBytes int64
	curBytes int64
	index    evictindex.Index[string]

	counters stats.Counters
	registry prometheus.Registerer
	tierName string

	cleanupInterval time.Duration
	stopCh          chan struct{}
	wg              sync.WaitGroup
	closeOnce       sync.Once
}

// Option configures a Cache constructed by New.
type Option[V any] func(*Cache[V])

// WithMaxBytes bounds the total size of data/ the tier will retain before
// evicting. Zero means unbounded.
func WithMaxBytes[V any](n int64) Option[V] {
	return func(c *Cache[V]) { c.maxBytes = n }
}

// WithCodec supplies the codec used to encode values to bytes and back.
// Required: disk storage has no other way to persist a value.
func WithCodec[V any](cd codec.Codec[V]) Option[V] {
	return func(c *Cache[V]) { c.codec = cd }
}

// WithCleanupInterval enables a background janitor that calls
// RemoveExpired every d.
func WithCleanupInterval[V any](d time.Duration) Option[V] {
	return func(c *Cache[V]) { c.cleanupInterval = d }
}

// WithLogger overrides the discard logger.
func WithLogger[V any](l tierbox.Logger) Option[V] {
	return func(c *Cache[V]) { c.logger = l }
}

// WithClock overrides the time source, primarily for tests.
func WithClock[V any](cl clock.Clock) Option[V] {
	return func(c *Cache[V]) { c.clock = cl }
}

// WithEventBus attaches an events.Bus for mutation notifications.
func WithEventBus[V any](bus *events.Bus) Option[V] {
	return func(c *Cache[V]) { c.bus = bus }
}

// WithExpirationPolicy attaches an extension policy consulted, alongside
// each record's deadline, on every Get and during RemoveExpired.
func WithExpirationPolicy[V any](p expire.Policy) Option[V] {
	return func(c *Cache[V]) { c.policy = p }
}

// WithMetrics registers a prometheus.Collector reporting this tier's
// Stats() under tierName with reg. Passing nil for reg is a no-op.
func WithMetrics[V any](reg prometheus.Registerer, tierName string) Option[V] {
	return func(c *Cache[V]) {
		c.registry = reg
		c.tierName = tierName
	}
}

// New opens (or creates) a disk cache tier rooted at filepath.Join(root,
// name). It loads any existing manifest and logs every file under data/
// that the manifest does not record; such orphan files are left in place
// for VerifyIntegrity to remove.
func New[V any](root, name string, opts ...Option[V]) (*Cache[V], error) {
	base := filepath.Join(root, name)
	c := &Cache[V]{
		root:     base,
		data:     filepath.Join(base, "data"),
		temp:     filepath.Join(base, "temp"),
		clock:    clock.Real{},
		logger:   tierbox.DiscardLogger(),
		tmp:      tempfile.NewCreator(),
		manifest: manifest{Version: manifestVersion, Records: make(map[string]record)},
		index:    evictindex.NewLRU[string](),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.codec == nil {
		return nil, tierbox.NewError(tierbox.CodecEncodeFailure, "disk: WithCodec is required")
	}

	for _, dir := range []string{c.root, c.data, c.temp} {
		if err := os.MkdirAll(dir, 0775); err != nil {
			return nil, tierbox.NewError(tierbox.DiskIOFailure, "disk: creating %s: %v", dir, err)
		}
	}

	if err := c.loadManifest(); err != nil {
		c.logger.Printf("disk: starting with empty manifest: %v", err)
		c.manifest = manifest{Version: manifestVersion, Records: make(map[string]record)}
	}
	c.reconcileOnStartup()

	if c.registry != nil {
		tierName := c.tierName
		if tierName == "" {
			tierName = "disk"
		}
		if err := c.registry.Register(stats.NewCollector(tierName, c.Stats)); err != nil {
			c.logger.Printf("disk: registering metrics collector: %v", err)
		}
	}

	if c.cleanupInterval > 0 {
		c.startJanitor()
	}
	return c, nil
}

func (c *Cache[V]) manifestPath() string { return filepath.Join(c.root, "manifest") }

func (c *Cache[V]) loadManifest() error {
	data, err := ioutil.ReadFile(c.manifestPath())
	if err != nil {
		return err
	}
	dec := codec.Binary[manifest]()
	m, err := dec.Decode(data)
	if err != nil {
		return err
	}
	if m.Version != manifestVersion {
		return fmt.Errorf("disk: unsupported manifest version %d", m.Version)
	}
	if m.Records == nil {
		m.Records = make(map[string]record)
	}
	c.manifest = m
	for key, r := range m.Records {
		c.curBytes += r.SizeBytes
		c.index.OnInsert(key, evictindex.Metadata{
			ExpiresAt:   r.ExpiresAt,
			HasDeadline: r.HasDeadline,
			SizeBytes:   r.SizeBytes,
			Priority:    r.Priority,
		})
	}
	return nil
}

func (c *Cache[V]) persistManifestLocked() error {
	data, err := codec.Binary[manifest]().Encode(c.manifest)
	if err != nil {
		err = tierbox.NewError(tierbox.CodecEncodeFailure, "disk: encoding manifest: %v", err)
	} else {
		err = writeAtomic(c.tmp, c.temp, c.manifestPath(), data)
	}
	if err != nil {
		c.logger.Printf("disk: persisting manifest: %v", err)
	}
	return err
}

func writeAtomic(tmp *tempfile.Creator, tempDir, finalPath string, data []byte) error {
	f, _, err := tmp.Create(filepath.Join(tempDir, "write"))
	if err != nil {
		return tierbox.NewError(tierbox.DiskIOFailure, "disk: creating temp file: %v", err)
	}
	tempName := f.Name()

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tempName)
		return tierbox.NewError(tierbox.DiskIOFailure, "disk: writing temp file: %v", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tempName)
		return tierbox.NewError(tierbox.DiskIOFailure, "disk: syncing temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tempName)
		return tierbox.NewError(tierbox.DiskIOFailure, "disk: closing temp file: %v", err)
	}
	if err := os.Rename(tempName, finalPath); err != nil {
		os.Remove(tempName)
		return tierbox.NewError(tierbox.DiskIOFailure, "disk: renaming into place: %v", err)
	}
	return nil
}

// fileNameForKey returns the canonical data/ basename for key: the full
// hex-encoded SHA-256 digest of its textual rendering, plus a .blob
// suffix. A shorter digest would risk filename collisions between
// distinct keys.
func fileNameForKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:]) + ".blob"
}

// reconcileOnStartup walks data/ in atime order and logs each file that
// the manifest does not already know about (for example because the
// manifest write that would have recorded it never completed). No record
// is created for such a file and it is not deleted here.
func (c *Cache[V]) reconcileOnStartup() {
	entries, err := ioutil.ReadDir(c.data)
	if err != nil {
		c.logger.Printf("disk: reading data dir: %v", err)
		return
	}

	known := make(map[string]bool, len(c.manifest.Records))
	for _, r := range c.manifest.Records {
		known[r.FileName] = true
	}

	sort.Slice(entries, func(i, j int) bool {
		return atime.Get(entries[i]).Before(atime.Get(entries[j]))
	})

	for _, fi := range entries {
		if known[fi.Name()] {
			continue
		}
		// An orphan file with no manifest record: we cannot recover its
		// original key from the hash alone, so it is left for
		// VerifyIntegrity (or manual cleanup) rather than guessed at.
		c.logger.Printf("disk: found orphan file %s with no manifest record", fi.Name())
	}
}

func (c *Cache[V]) startJanitor() {
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

// Close stops the background janitor. Safe to call more than once.
func (c *Cache[V]) Close() {
	c.closeOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *Cache[V]) publish(ev events.Event) {
	if c.bus != nil {
		c.bus.Publish(ev)
	}
}

func (c *Cache[V]) isExpiredLocked(r record, now time.Time) bool {
	if r.HasDeadline && !now.Before(r.ExpiresAt) {
		return true
	}
	if c.policy != nil {
		meta := expire.Metadata{
			CreatedAt:    r.CreatedAt,
			LastAccessAt: r.LastAccessAt,
			AccessCount:  r.AccessCount,
			SizeBytes:    r.SizeBytes,
		}
		if c.policy.ShouldExpire(meta, now) {
			return true
		}
	}
	return false
}

// removeRecordLocked drops key's bookkeeping and deletes its file, if
// any. Caller must hold c.mu. Manifest persistence is the caller's
// responsibility.
func (c *Cache[V]) removeRecordLocked(key string, r record) {
	delete(c.manifest.Records, key)
	c.index.OnRemove(key)
	c.curBytes -= r.SizeBytes
	if err := os.Remove(filepath.Join(c.data, r.FileName)); err != nil && !os.IsNotExist(err) {
		c.logger.Printf("disk: removing %s: %v", r.FileName, err)
	}
}

// Get reads key's value. A present-but-expired entry is removed and
// reported as a miss. A present-but-undecodable entry is removed and
// reported as an integrity eviction; a missing or unreadable backing file is
// reported as a plain miss and the record is left for VerifyIntegrity to
// reconcile on its next pass.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	var zero V

	r, ok := c.manifest.Records[key]
	if !ok {
		c.counters.Misses++
		c.mu.Unlock()
		return zero, false
	}

	now := c.clock.Now()
	if c.isExpiredLocked(r, now) {
		c.removeRecordLocked(key, r)
		c.counters.Misses++
		c.counters.Expirations++
		c.persistManifestLocked()
		c.mu.Unlock()
		c.publish(events.Event{Kind: events.Expired, Key: key})
		return zero, false
	}

	path := filepath.Join(c.data, r.FileName)
	c.mu.Unlock()

	data, err := ioutil.ReadFile(path)
	if err != nil {
		// The file is missing or unreadable, but the record itself may still
		// be sound (e.g. the file was deleted out-of-band); leave it for
		// VerifyIntegrity to reconcile rather than removing it here.
		c.mu.Lock()
		c.counters.Misses++
		c.mu.Unlock()
		return zero, false
	}

	value, err := c.codec.Decode(data)
	if err != nil {
		c.mu.Lock()
		c.removeRecordLocked(key, r)
		c.counters.Misses++
		c.counters.Evictions++
		c.persistManifestLocked()
		c.mu.Unlock()
		c.publish(events.Event{Kind: events.Evicted, Key: key, Reason: events.ReasonIntegrity})
		return zero, false
	}

	c.mu.Lock()
	if cur, stillPresent := c.manifest.Records[key]; stillPresent {
		cur.LastAccessAt = now
		cur.AccessCount++
		c.manifest.Records[key] = cur
		c.index.OnAccess(key)
	}
	c.counters.Hits++
	c.mu.Unlock()

	return value, true
}

// Contains reports presence respecting expiration, without touching
// access metadata or the filesystem.
func (c *Cache[V]) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.manifest.Records[key]
	if !ok {
		return false
	}
	return !c.isExpiredLocked(r, c.clock.Now())
}

// SetOption customizes an individual Set call.
type SetOption func(*setConfig)

type setConfig struct {
	expiration expire.Expiration
	priority   tierbox.Priority
}

// WithExpiration attaches a deadline, resolved at Set time.
func WithExpiration(e expire.Expiration) SetOption {
	return func(cfg *setConfig) { cfg.expiration = e }
}

// WithPriority marks the entry's eviction exemption level.
func WithPriority(p tierbox.Priority) SetOption {
	return func(cfg *setConfig) { cfg.priority = p }
}

// Set encodes value and writes it to disk, evicting existing entries by
// LRU-on-last_access_at as needed to stay within the byte budget. The
// disk tier's eviction policy is fixed regardless of what the memory
// tier uses.
func (c *Cache[V]) Set(key string, value V, opts ...SetOption) error {
	cfg := setConfig{expiration: expire.NeverExpire(), priority: tierbox.PriorityNormal}
	for _, opt := range opts {
		opt(&cfg)
	}

	data, err := c.codec.Encode(value)
	if err != nil {
		return tierbox.NewError(tierbox.CodecEncodeFailure, "disk: encoding value for %q: %v", key, err)
	}
	newSize := int64(len(data))

	c.mu.Lock()

	existing, hasExisting := c.manifest.Records[key]
	required := newSize
	if hasExisting {
		required = newSize - existing.SizeBytes
	}
	if err := c.makeRoomLocked(key, required); err != nil {
		c.mu.Unlock()
		return err
	}

	fileName := fileNameForKey(key)
	finalPath := filepath.Join(c.data, fileName)
	c.mu.Unlock()

	if err := writeAtomic(c.tmp, c.temp, finalPath, data); err != nil {
		return err
	}

	now := c.clock.Now()
	deadline, hasDeadline := cfg.expiration.Resolve(now)

	c.mu.Lock()
	r := record{
		Key: key, FileName: fileName, SizeBytes: newSize,
		CreatedAt: now, LastAccessAt: now,
		ExpiresAt: deadline, HasDeadline: hasDeadline,
		Priority: cfg.priority,
	}
	if hasExisting {
		r.CreatedAt = existing.CreatedAt
		r.AccessCount = existing.AccessCount
		c.curBytes -= existing.SizeBytes
	}
	c.manifest.Records[key] = r
	c.curBytes += newSize

	meta := evictindex.Metadata{ExpiresAt: r.ExpiresAt, HasDeadline: r.HasDeadline, SizeBytes: r.SizeBytes, Priority: r.Priority}
	if hasExisting {
		c.index.OnUpdate(key, meta)
	} else {
		c.index.OnInsert(key, meta)
	}
	perr := c.persistManifestLocked()
	c.mu.Unlock()

	if perr != nil {
		return perr
	}

	kind := events.Added
	if hasExisting {
		kind = events.Updated
	}
	c.publish(events.Event{Kind: kind, Key: key})
	return nil
}

func (c *Cache[V]) makeRoomLocked(settingKey string, required int64) error {
	if c.maxBytes <= 0 {
		return nil
	}
	for c.curBytes+required > c.maxBytes {
		victims := c.index.PickVictims(2, nil)
		victimKey := ""
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
				"disk: cannot make room for key, only critical-priority entries remain")
		}
		victim := c.manifest.Records[victimKey]
		c.removeRecordLocked(victimKey, victim)
		c.counters.Evictions++
		c.publish(events.Event{Kind: events.Evicted, Key: victimKey, Reason: events.ReasonByteLimit})
	}
	return nil
}

// Remove deletes key's file (ignoring not-found) and manifest record.
func (c *Cache[V]) Remove(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.manifest.Records[key]
	if !ok {
		return nil
	}
	c.removeRecordLocked(key, r)
	err := c.persistManifestLocked()
	c.publish(events.Event{Kind: events.Removed, Key: key})
	return err
}

// RemoveAll deletes the data/ directory tree, recreates it empty, and
// clears the manifest.
func (c *Cache[V]) RemoveAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.RemoveAll(c.data); err != nil {
		return tierbox.NewError(tierbox.DiskIOFailure, "disk: clearing data dir: %v", err)
	}
	if err := os.MkdirAll(c.data, 0775); err != nil {
		return tierbox.NewError(tierbox.DiskIOFailure, "disk: recreating data dir: %v", err)
	}
	c.manifest.Records = make(map[string]record)
	c.index = evictindex.NewLRU[string]()
	c.curBytes = 0
	err := c.persistManifestLocked()
	c.publish(events.Event{Kind: events.Cleared})
	return err
}

// RemoveExpired scans the manifest and removes records past their
// deadline, returning the count removed.
func (c *Cache[V]) RemoveExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	removed := 0
	for key, r := range c.manifest.Records {
		if c.isExpiredLocked(r, now) {
			c.removeRecordLocked(key, r)
			c.counters.Expirations++
			removed++
			c.publish(events.Event{Kind: events.Expired, Key: key})
		}
	}
	if removed > 0 {
		c.persistManifestLocked()
	}
	return removed
}

// VerifyIntegrity requires every manifest record's file to exist with
// the recorded byte size, removing divergent records, and deletes any
// file under data/ that no surviving record references (this is the
// mechanism by which orphan files discovered at startup get reconciled).
// It returns the total number of removals and reports each as an
// eviction of reason ReasonIntegrity.
func (c *Cache[V]) VerifyIntegrity() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	referenced := make(map[string]bool, len(c.manifest.Records))
	for key, r := range c.manifest.Records {
		path := filepath.Join(c.data, r.FileName)
		info, err := os.Stat(path)
		if err != nil || info.Size() != r.SizeBytes {
			c.removeRecordLocked(key, r)
			c.counters.Evictions++
			removed++
			c.publish(events.Event{Kind: events.Evicted, Key: key, Reason: events.ReasonIntegrity})
			continue
		}
		referenced[r.FileName] = true
	}

	// Orphan files carry no manifest record (a lost or version-rejected
	// manifest, or a crash between the data rename and the manifest
	// persist), so they are keyed by file name in the eviction event.
	entries, err := ioutil.ReadDir(c.data)
	if err != nil {
		c.logger.Printf("disk: reading data dir: %v", err)
	} else {
		for _, fi := range entries {
			if referenced[fi.Name()] {
				continue
			}
			if err := os.Remove(filepath.Join(c.data, fi.Name())); err != nil {
				c.logger.Printf("disk: removing orphan file %s: %v", fi.Name(), err)
				continue
			}
			c.counters.Evictions++
			removed++
			c.publish(events.Event{Kind: events.Evicted, Key: fi.Name(), Reason: events.ReasonIntegrity})
		}
	}

	if removed > 0 {
		c.persistManifestLocked()
	}
	return removed
}

// ComputeDiskUsage sums the actual file sizes under data/, as a
// cross-check against the manifest's tracked total.
func (c *Cache[V]) ComputeDiskUsage() (int64, error) {
	c.mu.Lock()
	dataDir := c.data
	c.mu.Unlock()

	entries, err := ioutil.ReadDir(dataDir)
	if err != nil {
		return 0, tierbox.NewError(tierbox.DiskIOFailure, "disk: reading data dir: %v", err)
	}
	var total int64
	for _, fi := range entries {
		total += fi.Size()
	}
	return total, nil
}

// EvictPercentage evicts approximately p percent of records, chosen by
// least-recent last_access_at.
func (c *Cache[V]) EvictPercentage(p float64) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p <= 0 || len(c.manifest.Records) == 0 {
		return 0
	}
	n := int(float64(len(c.manifest.Records)) * p / 100)
	if n <= 0 {
		n = 1
	}

	victims := c.index.PickVictims(n, nil)
	for _, key := range victims {
		r := c.manifest.Records[key]
		c.removeRecordLocked(key, r)
		c.counters.Evictions++
		c.publish(events.Event{Kind: events.Evicted, Key: key, Reason: events.ReasonPercentage})
	}
	if len(victims) > 0 {
		c.persistManifestLocked()
	}
	return len(victims)
}

// Stats returns a point-in-time snapshot of counters plus current item
// and byte totals.
func (c *Cache[V]) Stats() stats.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters.Snapshot(len(c.manifest.Records), c.curBytes)
}
