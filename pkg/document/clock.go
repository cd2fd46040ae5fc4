// Package document implements the per-document LWW resolver, delta log,
// and vector clock described in the sync protocol: a single-writer actor
// that serializes field mutations so the resolved map, delta log, and
// vector clock always move together.
package document

// VectorClock maps a client id to its last-seen counter. The zero value is
// a valid empty clock.
type VectorClock map[string]uint64

// Get returns the counter for k, or 0 if absent.
func (c VectorClock) Get(k string) uint64 {
	return c[k]
}

// Clone returns an independent copy.
func (c VectorClock) Clone() VectorClock {
	out := make(VectorClock, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Merge returns the pointwise max of a and b. Idempotent and commutative.
func Merge(a, b VectorClock) VectorClock {
	out := make(VectorClock, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		if v > out[k] {
			out[k] = v
		}
	}
	return out
}

// Increment returns a new clock with k bumped by 1.
func (c VectorClock) Increment(k string) VectorClock {
	out := c.Clone()
	out[k] = out[k] + 1
	return out
}

// HappensBefore reports whether a causally precedes b: every component of a
// is <= the matching component of b, and at least one is strictly less.
func HappensBefore(a, b VectorClock) bool {
	strictlyLess := false
	for k, av := range a {
		if av > b.Get(k) {
			return false
		}
		if av < b.Get(k) {
			strictlyLess = true
		}
	}
	for k, bv := range b {
		if _, ok := a[k]; !ok && bv > 0 {
			strictlyLess = true
		}
	}
	return strictlyLess
}

// Equal reports whether a and b have identical counters for every key
// either mentions.
func Equal(a, b VectorClock) bool {
	for k, av := range a {
		if av != b.Get(k) {
			return false
		}
	}
	for k, bv := range b {
		if av := a.Get(k); av != bv {
			return false
		}
	}
	return true
}

// Concurrent reports whether neither clock is <= the other: neither
// happens-before the other and the two are not equal.
func Concurrent(a, b VectorClock) bool {
	return !HappensBefore(a, b) && !HappensBefore(b, a) && !Equal(a, b)
}

// LessOrEqual reports a <= b pointwise (used by the deltas-since query: a
// delta is excluded once its clock is <= the client's known clock).
func LessOrEqual(a, b VectorClock) bool {
	for k, av := range a {
		if av > b.Get(k) {
			return false
		}
	}
	return true
}
