// Package stats defines the hit/miss/eviction/expiration counters shared
// by the memory, disk, and hybrid tiers.
package stats

// Snapshot is a point-in-time copy of a tier's counters. Hits, Misses,
// Evictions, and Expirations are monotonically increasing; Items and Bytes
// track current state.
//
// Counters are plain, non-atomic integers confined to a single tier's
// own mutex; Snapshot takes a copy under that lock. Cross-cache
// aggregation is the caller's job.
type Snapshot struct {
	Hits        uint64
	Misses      uint64
	Evictions   uint64
	Expirations uint64
	Items       int
	Bytes       int64
}

// HitRate returns Hits / (Hits + Misses), or 0 if there have been no
// lookups yet.
func (s Snapshot) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Counters is the mutable bookkeeping embedded in each tier. It has no
// locking of its own; the owning tier's mutex protects it.
type Counters struct {
	Hits        uint64
	Misses      uint64
	Evictions   uint64
	Expirations uint64
}

// Snapshot builds a Snapshot from the counters plus the current item/byte
// counts. The caller must hold whatever lock protects c, items, and bytes.
func (c *Counters) Snapshot(items int, bytes int64) Snapshot {
	return Snapshot{
		Hits:        c.Hits,
		Misses:      c.Misses,
		Evictions:   c.Evictions,
		Expirations: c.Expirations,
		Items:       items,
		Bytes:       bytes,
	}
}
