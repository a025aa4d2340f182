package clock

// Ordering is the result of a causal comparison between two vector clocks.
type Ordering int

const (
	// OrderEqual means both clocks carry identical entries.
	OrderEqual Ordering = iota
	// OrderBefore means the receiver happens-before the argument.
	OrderBefore
	// OrderAfter means the argument happens-before the receiver.
	OrderAfter
	// OrderConcurrent means neither clock dominates the other.
	OrderConcurrent
)

// String returns a human-readable name for the ordering.
func (o Ordering) String() string {
	switch o {
	case OrderEqual:
		return "equal"
	case OrderBefore:
		return "before"
	case OrderAfter:
		return "after"
	case OrderConcurrent:
		return "concurrent"
	default:
		return "unknown"
	}
}

// Vector is a vector clock: a map from replica id to that replica's event
// counter. A missing entry is treated as zero. Vector values are not safe for
// concurrent mutation; owners serialize access (the replica apply loop is the
// single writer).
type Vector map[string]uint64

// NewVector returns an empty vector clock.
func NewVector() Vector {
	return make(Vector)
}

// Clone returns an independent copy.
func (v Vector) Clone() Vector {
	out := make(Vector, len(v))
	for id, n := range v {
		out[id] = n
	}
	return out
}

// Tick increments the owning replica's entry and returns the new counter.
func (v Vector) Tick(replicaID string) uint64 {
	v[replicaID]++
	return v[replicaID]
}

// Get returns the counter for a replica, zero if absent.
func (v Vector) Get(replicaID string) uint64 {
	return v[replicaID]
}

// Merge folds another clock into this one, taking the entry-wise maximum.
// Merge is commutative, associative, and idempotent.
func (v Vector) Merge(other Vector) {
	for id, n := range other {
		if n > v[id] {
			v[id] = n
		}
	}
}

// Merged returns a new clock that is the entry-wise maximum of both inputs,
// leaving the receiver untouched.
func (v Vector) Merged(other Vector) Vector {
	out := v.Clone()
	out.Merge(other)
	return out
}

// Compare performs the causal comparison. v happens-before other iff every
// entry of v is <= the corresponding entry of other and at least one is
// strictly less; concurrent iff neither dominates.
func (v Vector) Compare(other Vector) Ordering {
	vLess := false
	oLess := false

	for id, n := range v {
		switch o := other[id]; {
		case n < o:
			vLess = true
		case n > o:
			oLess = true
		}
	}
	for id, o := range other {
		if _, ok := v[id]; !ok && o > 0 {
			vLess = true
		}
	}

	switch {
	case vLess && oLess:
		return OrderConcurrent
	case vLess:
		return OrderBefore
	case oLess:
		return OrderAfter
	default:
		return OrderEqual
	}
}

// HappensBefore reports whether v causally precedes other.
func (v Vector) HappensBefore(other Vector) bool {
	return v.Compare(other) == OrderBefore
}

// Concurrent reports whether neither clock dominates the other.
func (v Vector) Concurrent(other Vector) bool {
	return v.Compare(other) == OrderConcurrent
}

// Dominates reports whether v has observed everything other has
// (entry-wise >=). Used for causal-stability checks such as tombstone GC.
func (v Vector) Dominates(other Vector) bool {
	for id, o := range other {
		if v[id] < o {
			return false
		}
	}
	return true
}
