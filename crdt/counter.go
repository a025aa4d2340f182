// Package crdt implements the conflict-free replicated data types that back
// every mutable field of a replicated memory entry. All shapes obey the
// join-semilattice laws: Merge is commutative, associative, and idempotent.
// Violating those laws is a programming error, not a runtime condition, so
// the shapes panic on structural misuse instead of returning errors.
package crdt

import "encoding/json"

// GCounter is a grow-only counter. Each replica owns one slot that only it
// increments; Merge takes the per-replica maximum and Value sums all slots.
type GCounter struct {
	counts map[string]uint64
}

// NewGCounter returns an empty grow-only counter.
func NewGCounter() *GCounter {
	return &GCounter{counts: make(map[string]uint64)}
}

// Increment adds delta to the replica's own slot.
func (c *GCounter) Increment(replicaID string, delta uint64) {
	if replicaID == "" {
		panic("crdt: GCounter.Increment with empty replica id")
	}
	c.counts[replicaID] += delta
}

// Merge returns the join of both counters: per-replica maximum.
func (c *GCounter) Merge(other *GCounter) *GCounter {
	out := NewGCounter()
	for id, n := range c.counts {
		out.counts[id] = n
	}
	for id, n := range other.counts {
		if n > out.counts[id] {
			out.counts[id] = n
		}
	}
	return out
}

// Value returns the total across all replicas.
func (c *GCounter) Value() uint64 {
	var total uint64
	for _, n := range c.counts {
		total += n
	}
	return total
}

// Contribution returns a single replica's slot.
func (c *GCounter) Contribution(replicaID string) uint64 {
	return c.counts[replicaID]
}

// Clone returns an independent copy.
func (c *GCounter) Clone() *GCounter {
	out := NewGCounter()
	for id, n := range c.counts {
		out.counts[id] = n
	}
	return out
}

// MarshalJSON encodes the per-replica slots.
func (c *GCounter) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.counts)
}

// UnmarshalJSON decodes the per-replica slots.
func (c *GCounter) UnmarshalJSON(data []byte) error {
	c.counts = make(map[string]uint64)
	return json.Unmarshal(data, &c.counts)
}

// PNCounter is a counter supporting both increments and decrements, built
// from a pair of grow-only counters. Value = increments - decrements.
type PNCounter struct {
	pos *GCounter
	neg *GCounter
}

// NewPNCounter returns an empty positive/negative counter.
func NewPNCounter() *PNCounter {
	return &PNCounter{pos: NewGCounter(), neg: NewGCounter()}
}

// Increment adds delta to the replica's positive slot.
func (c *PNCounter) Increment(replicaID string, delta uint64) {
	c.pos.Increment(replicaID, delta)
}

// Decrement adds delta to the replica's negative slot.
func (c *PNCounter) Decrement(replicaID string, delta uint64) {
	c.neg.Increment(replicaID, delta)
}

// Merge returns the join of both counters.
func (c *PNCounter) Merge(other *PNCounter) *PNCounter {
	return &PNCounter{
		pos: c.pos.Merge(other.pos),
		neg: c.neg.Merge(other.neg),
	}
}

// Value returns increments minus decrements.
func (c *PNCounter) Value() int64 {
	return int64(c.pos.Value()) - int64(c.neg.Value()) //nolint:gosec // counters stay far below overflow in practice
}

// Clone returns an independent copy.
func (c *PNCounter) Clone() *PNCounter {
	return &PNCounter{pos: c.pos.Clone(), neg: c.neg.Clone()}
}

type pnCounterJSON struct {
	Pos *GCounter `json:"pos"`
	Neg *GCounter `json:"neg"`
}

// MarshalJSON encodes both halves.
func (c *PNCounter) MarshalJSON() ([]byte, error) {
	return json.Marshal(pnCounterJSON{Pos: c.pos, Neg: c.neg})
}

// UnmarshalJSON decodes both halves.
func (c *PNCounter) UnmarshalJSON(data []byte) error {
	var v pnCounterJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	if v.Pos == nil {
		v.Pos = NewGCounter()
	}
	if v.Neg == nil {
		v.Neg = NewGCounter()
	}
	c.pos, c.neg = v.Pos, v.Neg
	return nil
}
