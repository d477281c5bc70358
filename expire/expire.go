// Package expire describes when a cache entry becomes stale: a value
// type resolved to an absolute deadline once at Set time, plus a
// predicate interface for extension policies that can observe more than
// just elapsed time.
package expire

import "time"

// Kind distinguishes the three primitive Expiration forms.
type Kind int

const (
	Never Kind = iota
	AfterDuration
	AtInstant
)

// Expiration describes when an entry should be considered stale. It is
// resolved once, at Set time, into an absolute deadline.
type Expiration struct {
	kind     Kind
	duration time.Duration
	instant  time.Time
}

// NeverExpire returns an Expiration that never resolves to a deadline.
func NeverExpire() Expiration { return Expiration{kind: Never} }

// After returns an Expiration that resolves to now+d when Resolve is called.
func After(d time.Duration) Expiration {
	return Expiration{kind: AfterDuration, duration: d}
}

// At returns an Expiration that resolves to the fixed instant t.
func At(t time.Time) Expiration {
	return Expiration{kind: AtInstant, instant: t}
}

// Resolve computes the absolute deadline for this Expiration given the
// reference instant now. The second return value is false for Never.
func (e Expiration) Resolve(now time.Time) (time.Time, bool) {
	switch e.kind {
	case AfterDuration:
		return now.Add(e.duration), true
	case AtInstant:
		return e.instant, true
	default:
		return time.Time{}, false
	}
}

// Metadata is the read-only snapshot of an entry's bookkeeping that
// extension policies are evaluated against. It deliberately excludes the
// value itself: policies reason about access patterns and size, not content.
type Metadata struct {
	CreatedAt     time.Time
	LastAccessAt  time.Time
	AccessCount   uint64
	SizeBytes     int64
	Tags          []string
}

// Policy is a pure predicate over a Metadata snapshot. Tiers consult it
// on every Get before returning a value, and during the bulk purge
// sweep.
type Policy interface {
	ShouldExpire(meta Metadata, now time.Time) bool
}

// PolicyFunc adapts a plain function to the Policy interface.
type PolicyFunc func(meta Metadata, now time.Time) bool

func (f PolicyFunc) ShouldExpire(meta Metadata, now time.Time) bool { return f(meta, now) }

// Field selects which Metadata timestamp a TimeSince policy measures from.
type Field int

const (
	SinceCreated Field = iota
	SinceLastAccess
)

// TimeSince expires an entry once d has elapsed since the chosen Field.
func TimeSince(field Field, d time.Duration) Policy {
	return PolicyFunc(func(meta Metadata, now time.Time) bool {
		var from time.Time
		switch field {
		case SinceLastAccess:
			from = meta.LastAccessAt
		default:
			from = meta.CreatedAt
		}
		return now.Sub(from) >= d
	})
}

// AccessCountAtLeast expires an entry once it has been accessed n or more
// times.
func AccessCountAtLeast(n uint64) Policy {
	return PolicyFunc(func(meta Metadata, _ time.Time) bool {
		return meta.AccessCount >= n
	})
}

// SizeGreaterThan expires an entry whose estimated size exceeds n bytes.
func SizeGreaterThan(n int64) Policy {
	return PolicyFunc(func(meta Metadata, _ time.Time) bool {
		return meta.SizeBytes > n
	})
}

// SlidingWindow expires an entry once it has been idle (unaccessed) for
// idle, or optionally once maxLifetime has elapsed since creation
// regardless of access. Pass maxLifetime <= 0 to disable the lifetime cap.
func SlidingWindow(idle, maxLifetime time.Duration) Policy {
	return PolicyFunc(func(meta Metadata, now time.Time) bool {
		if now.Sub(meta.LastAccessAt) >= idle {
			return true
		}
		if maxLifetime > 0 && now.Sub(meta.CreatedAt) >= maxLifetime {
			return true
		}
		return false
	})
}

// RetiredTags expires an entry if any of its tags intersect the supplied
// retired-tag set.
func RetiredTags(retired map[string]struct{}) Policy {
	return PolicyFunc(func(meta Metadata, _ time.Time) bool {
		for _, tag := range meta.Tags {
			if _, ok := retired[tag]; ok {
				return true
			}
		}
		return false
	})
}

// All returns a Policy that expires an entry only when every sub-policy
// agrees it should expire (logical AND fold). An empty All never expires.
func All(policies ...Policy) Policy {
	return PolicyFunc(func(meta Metadata, now time.Time) bool {
		if len(policies) == 0 {
			return false
		}
		for _, p := range policies {
			if !p.ShouldExpire(meta, now) {
				return false
			}
		}
		return true
	})
}

// Any returns a Policy that expires an entry when at least one sub-policy
// agrees it should expire (logical OR fold).
func Any(policies ...Policy) Policy {
	return PolicyFunc(func(meta Metadata, now time.Time) bool {
		for _, p := range policies {
			if p.ShouldExpire(meta, now) {
				return true
			}
		}
		return false
	})
}
