// Package evictindex implements pluggable victim-selection structures
// that the memory and disk tiers consult when they need to shed entries
// to stay within budget. Six policies are provided: LRU, FIFO, LFU, TTL,
// Random, and Size.
package evictindex

import (
	"container/list"
	"math/rand"
	"time"

	tierbox "github.com/arka-mehta/tierbox"
	"github.com/arka-mehta/tierbox/internal/clock"
)

// Priority re-exports the root package's Priority so callers need not
// import both packages to use PickVictims.
type Priority = tierbox.Priority

// Metadata is the bookkeeping an Index needs about a key, independent of
// which policy is in use. Fields a given policy ignores may be left zero.
type Metadata struct {
	ExpiresAt   time.Time
	HasDeadline bool
	SizeBytes   int64
	Priority    Priority
}

// Index answers "which key should leave next" under a named policy. All
// operations are expected to be O(1) amortised except PickVictims for the
// scanning policies (LFU, TTL, Random, Size), which visit every key on
// each call; LFU, TTL and Size also insertion-sort all candidates, which
// is O(n^2) in the worst case.
//
// Implementations are not safe for concurrent use; the owning tier
// serializes access under its own mutex.
type Index[K comparable] interface {
	OnInsert(key K, meta Metadata)
	OnAccess(key K)
	OnUpdate(key K, meta Metadata)
	OnRemove(key K)

	// PickVictims returns up to n candidate keys for eviction, in the
	// policy's preferred order, skipping any key whose priority appears
	// (with a true value) in excluded. A nil excluded map excludes
	// nothing beyond the implicit PriorityCritical skip.
	PickVictims(n int, excluded map[Priority]bool) []K

	Len() int
}

func isExcluded(p Priority, excluded map[Priority]bool) bool {
	if p == tierbox.PriorityCritical {
		return true
	}
	return excluded != nil && excluded[p]
}

// --- LRU -------------------------------------------------------------

type lruEntry[K comparable] struct {
	key  K
	meta Metadata
}

// LRU evicts the least recently used key first. Access and update (same
// key re-set) both move the entry to the most-recently-used end.
type LRU[K comparable] struct {
	ll    *list.List
	items map[K]*list.Element
}

// NewLRU returns an empty LRU index.
func NewLRU[K comparable]() *LRU[K] {
	return &LRU[K]{ll: list.New(), items: make(map[K]*list.Element)}
}

func (idx *LRU[K]) OnInsert(key K, meta Metadata) {
	if el, ok := idx.items[key]; ok {
		el.Value.(*lruEntry[K]).meta = meta
		idx.ll.MoveToFront(el)
		return
	}
	el := idx.ll.PushFront(&lruEntry[K]{key: key, meta: meta})
	idx.items[key] = el
}

func (idx *LRU[K]) OnAccess(key K) {
	if el, ok := idx.items[key]; ok {
		idx.ll.MoveToFront(el)
	}
}

func (idx *LRU[K]) OnUpdate(key K, meta Metadata) {
	idx.OnInsert(key, meta) // update counts as access (move to front)
}

func (idx *LRU[K]) OnRemove(key K) {
	if el, ok := idx.items[key]; ok {
		idx.ll.Remove(el)
		delete(idx.items, key)
	}
}

func (idx *LRU[K]) PickVictims(n int, excluded map[Priority]bool) []K {
	var victims []K
	for el := idx.ll.Back(); el != nil && len(victims) < n; el = el.Prev() {
		e := el.Value.(*lruEntry[K])
		if isExcluded(e.meta.Priority, excluded) {
			continue
		}
		victims = append(victims, e.key)
	}
	return victims
}

func (idx *LRU[K]) Len() int { return len(idx.items) }

// --- FIFO --------------------------------------------------------------

// FIFO evicts keys in strict insertion order; access and update never
// change an entry's position.
type FIFO[K comparable] struct {
	ll    *list.List
	items map[K]*list.Element
}

// NewFIFO returns an empty FIFO index.
func NewFIFO[K comparable]() *FIFO[K] {
	return &FIFO[K]{ll: list.New(), items: make(map[K]*list.Element)}
}

func (idx *FIFO[K]) OnInsert(key K, meta Metadata) {
	if el, ok := idx.items[key]; ok {
		el.Value.(*lruEntry[K]).meta = meta
		return
	}
	el := idx.ll.PushBack(&lruEntry[K]{key: key, meta: meta})
	idx.items[key] = el
}

func (idx *FIFO[K]) OnAccess(K) {}

func (idx *FIFO[K]) OnUpdate(key K, meta Metadata) {
	if el, ok := idx.items[key]; ok {
		el.Value.(*lruEntry[K]).meta = meta
	}
}

func (idx *FIFO[K]) OnRemove(key K) {
	if el, ok := idx.items[key]; ok {
		idx.ll.Remove(el)
		delete(idx.items, key)
	}
}

func (idx *FIFO[K]) PickVictims(n int, excluded map[Priority]bool) []K {
	var victims []K
	for el := idx.ll.Front(); el != nil && len(victims) < n; el = el.Next() {
		e := el.Value.(*lruEntry[K])
		if isExcluded(e.meta.Priority, excluded) {
			continue
		}
		victims = append(victims, e.key)
	}
	return victims
}

func (idx *FIFO[K]) Len() int { return len(idx.items) }

// --- LFU -----------------------------------------------------------------

type lfuEntry[K comparable] struct {
	key          K
	meta         Metadata
	count        uint64
	lastAccessAt time.Time
}

// LFU evicts the key with the smallest access count, breaking ties by the
// oldest last_access_at.
type LFU[K comparable] struct {
	items map[K]*lfuEntry[K]
	clock clock.Clock
}

// NewLFU returns an empty LFU index stamping access times from the
// system clock.
func NewLFU[K comparable]() *LFU[K] {
	return NewLFUWithClock[K](clock.Real{})
}

// NewLFUWithClock returns an empty LFU index stamping access times from
// cl, so the oldest-last-access tie-break can be driven deterministically
// in tests.
func NewLFUWithClock[K comparable](cl clock.Clock) *LFU[K] {
	return &LFU[K]{items: make(map[K]*lfuEntry[K]), clock: cl}
}

func (idx *LFU[K]) OnInsert(key K, meta Metadata) {
	idx.items[key] = &lfuEntry[K]{key: key, meta: meta, lastAccessAt: idx.clock.Now()}
}

func (idx *LFU[K]) OnAccess(key K) {
	if e, ok := idx.items[key]; ok {
		e.count++
		e.lastAccessAt = idx.clock.Now()
	}
}

func (idx *LFU[K]) OnUpdate(key K, meta Metadata) {
	if e, ok := idx.items[key]; ok {
		e.meta = meta
		return
	}
	idx.OnInsert(key, meta)
}

func (idx *LFU[K]) OnRemove(key K) { delete(idx.items, key) }

func (idx *LFU[K]) PickVictims(n int, excluded map[Priority]bool) []K {
	candidates := make([]*lfuEntry[K], 0, len(idx.items))
	for _, e := range idx.items {
		if isExcluded(e.meta.Priority, excluded) {
			continue
		}
		candidates = append(candidates, e)
	}
	sortLFU(candidates)
	if n < len(candidates) {
		candidates = candidates[:n]
	}
	victims := make([]K, len(candidates))
	for i, e := range candidates {
		victims[i] = e.key
	}
	return victims
}

func sortLFU[K comparable](candidates []*lfuEntry[K]) {
	// Insertion sort over every non-excluded key, not just the n victims
	// returned; it avoids sort.Slice's reflection overhead.
	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0 && lfuLess(candidates[j], candidates[j-1]); j-- {
			candidates[j], candidates[j-1] = candidates[j-1], candidates[j]
		}
	}
}

func lfuLess[K comparable](a, b *lfuEntry[K]) bool {
	if a.count != b.count {
		return a.count < b.count
	}
	return a.lastAccessAt.Before(b.lastAccessAt)
}

func (idx *LFU[K]) Len() int { return len(idx.items) }

// --- TTL -----------------------------------------------------------------

// TTL evicts the key with the smallest ExpiresAt; entries with no
// deadline are always last.
type TTL[K comparable] struct {
	items map[K]Metadata
}

// NewTTL returns an empty TTL index.
func NewTTL[K comparable]() *TTL[K] {
	return &TTL[K]{items: make(map[K]Metadata)}
}

func (idx *TTL[K]) OnInsert(key K, meta Metadata) { idx.items[key] = meta }
func (idx *TTL[K]) OnAccess(K)                    {}
func (idx *TTL[K]) OnUpdate(key K, meta Metadata) { idx.items[key] = meta }
func (idx *TTL[K]) OnRemove(key K)                { delete(idx.items, key) }

func (idx *TTL[K]) PickVictims(n int, excluded map[Priority]bool) []K {
	type cand struct {
		key  K
		meta Metadata
	}
	candidates := make([]cand, 0, len(idx.items))
	for k, m := range idx.items {
		if isExcluded(m.Priority, excluded) {
			continue
		}
		candidates = append(candidates, cand{k, m})
	}
	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0 && ttlLess(candidates[j].meta, candidates[j-1].meta); j-- {
			candidates[j], candidates[j-1] = candidates[j-1], candidates[j]
		}
	}
	if n < len(candidates) {
		candidates = candidates[:n]
	}
	victims := make([]K, len(candidates))
	for i, c := range candidates {
		victims[i] = c.key
	}
	return victims
}

func ttlLess(a, b Metadata) bool {
	if a.HasDeadline != b.HasDeadline {
		return a.HasDeadline // deadline-bearing entries sort before no-deadline ones
	}
	if !a.HasDeadline {
		return false
	}
	return a.ExpiresAt.Before(b.ExpiresAt)
}

func (idx *TTL[K]) Len() int { return len(idx.items) }

// --- Random --------------------------------------------------------------

// Random evicts a uniform random sample of keys, ignoring access
// patterns entirely.
type Random[K comparable] struct {
	items map[K]Metadata
}

// NewRandom returns an empty Random index.
func NewRandom[K comparable]() *Random[K] {
	return &Random[K]{items: make(map[K]Metadata)}
}

func (idx *Random[K]) OnInsert(key K, meta Metadata) { idx.items[key] = meta }
func (idx *Random[K]) OnAccess(K)                    {}
func (idx *Random[K]) OnUpdate(key K, meta Metadata) { idx.items[key] = meta }
func (idx *Random[K]) OnRemove(key K)                { delete(idx.items, key) }

func (idx *Random[K]) PickVictims(n int, excluded map[Priority]bool) []K {
	candidates := make([]K, 0, len(idx.items))
	for k, m := range idx.items {
		if isExcluded(m.Priority, excluded) {
			continue
		}
		candidates = append(candidates, k)
	}
	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	if n < len(candidates) {
		candidates = candidates[:n]
	}
	return candidates
}

func (idx *Random[K]) Len() int { return len(idx.items) }

// --- Size ------------------------------------------------------------

// Size evicts the largest entries first, by SizeBytes.
type Size[K comparable] struct {
	items map[K]Metadata
}

// NewSize returns an empty Size index.
func NewSize[K comparable]() *Size[K] {
	return &Size[K]{items: make(map[K]Metadata)}
}

func (idx *Size[K]) OnInsert(key K, meta Metadata) { idx.items[key] = meta }
func (idx *Size[K]) OnAccess(K)                    {}
func (idx *Size[K]) OnUpdate(key K, meta Metadata) { idx.items[key] = meta }
func (idx *Size[K]) OnRemove(key K)                { delete(idx.items, key) }

func (idx *Size[K]) PickVictims(n int, excluded map[Priority]bool) []K {
	type cand struct {
		key  K
		size int64
	}
	candidates := make([]cand, 0, len(idx.items))
	for k, m := range idx.items {
		if isExcluded(m.Priority, excluded) {
			continue
		}
		candidates = append(candidates, cand{k, m.SizeBytes})
	}
	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0 && candidates[j].size > candidates[j-1].size; j-- {
			candidates[j], candidates[j-1] = candidates[j-1], candidates[j]
		}
	}
	if n < len(candidates) {
		candidates = candidates[:n]
	}
	victims := make([]K, len(candidates))
	for i, c := range candidates {
		victims[i] = c.key
	}
	return victims
}

func (idx *Size[K]) Len() int { return len(idx.items) }
