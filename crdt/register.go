package crdt

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/chrysalis-ai/memsync/clock"
)

// Register is a last-writer-wins register stamped with a vector clock.
// When one write causally dominates the other, the later write wins. Under
// exact concurrency the winner is chosen by a deterministic total order
// (total events observed, then writer replica id, then the serialized
// stamp), so every replica resolves the same value. Procedural memories use
// one register per skill id.
type Register struct {
	value  string
	stamp  clock.Vector
	writer string
}

// NewRegister returns an unset register.
func NewRegister() *Register {
	return &Register{stamp: clock.NewVector()}
}

// Set records a write with its causal stamp and writing replica.
func (r *Register) Set(value string, stamp clock.Vector, writer string) {
	if writer == "" {
		panic("crdt: Register.Set with empty writer")
	}
	r.value = value
	r.stamp = stamp.Clone()
	r.writer = writer
}

// Value returns the current value.
func (r *Register) Value() string {
	return r.value
}

// Stamp returns the causal stamp of the current value.
func (r *Register) Stamp() clock.Vector {
	return r.stamp.Clone()
}

// Writer returns the replica id that wrote the current value.
func (r *Register) Writer() string {
	return r.writer
}

// Merge returns the register holding the winning write.
func (r *Register) Merge(other *Register) *Register {
	if other.writer == "" {
		return r.Clone()
	}
	if r.writer == "" {
		return other.Clone()
	}

	switch r.stamp.Compare(other.stamp) {
	case clock.OrderAfter:
		return r.Clone()
	case clock.OrderBefore:
		return other.Clone()
	}

	// Concurrent or identical stamps: fall back to the deterministic order.
	if registerLess(other, r) {
		return r.Clone()
	}
	return other.Clone()
}

// Clone returns an independent copy.
func (r *Register) Clone() *Register {
	return &Register{value: r.value, stamp: r.stamp.Clone(), writer: r.writer}
}

// registerLess reports whether a sorts strictly before b in the tie-break
// order. The order refines causal domination: a strictly dominated stamp
// always has a smaller event total.
func registerLess(a, b *Register) bool {
	if at, bt := stampTotal(a.stamp), stampTotal(b.stamp); at != bt {
		return at < bt
	}
	if a.writer != b.writer {
		return a.writer < b.writer
	}
	return canonicalStamp(a.stamp) < canonicalStamp(b.stamp)
}

func stampTotal(v clock.Vector) uint64 {
	var total uint64
	for _, n := range v {
		total += n
	}
	return total
}

func canonicalStamp(v clock.Vector) string {
	ids := make([]string, 0, len(v))
	for id := range v {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var b strings.Builder
	for _, id := range ids {
		b.WriteString(id)
		b.WriteByte('=')
		b.WriteString(uitoa(v[id]))
		b.WriteByte(';')
	}
	return b.String()
}

func uitoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

type registerJSON struct {
	Value  string       `json:"value"`
	Stamp  clock.Vector `json:"stamp"`
	Writer string       `json:"writer"`
}

// MarshalJSON encodes value, stamp, and writer.
func (r *Register) MarshalJSON() ([]byte, error) {
	return json.Marshal(registerJSON{Value: r.value, Stamp: r.stamp, Writer: r.writer})
}

// UnmarshalJSON decodes value, stamp, and writer.
func (r *Register) UnmarshalJSON(data []byte) error {
	var v registerJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	if v.Stamp == nil {
		v.Stamp = clock.NewVector()
	}
	r.value, r.stamp, r.writer = v.Value, v.Stamp, v.Writer
	return nil
}

// MaxRegister is a last-writer-wins-maximum register over a real number in
// [0, 1]: merges and sets always keep the higher value, so it can never
// decrease. Importance and confidence use this shape.
type MaxRegister struct {
	value float64
}

// NewMaxRegister returns a register holding the given initial value.
func NewMaxRegister(value float64) *MaxRegister {
	if value < 0 || value > 1 {
		panic("crdt: MaxRegister value outside [0,1]")
	}
	return &MaxRegister{value: value}
}

// Raise sets the value if the new one is higher; lower writes are ignored.
func (r *MaxRegister) Raise(value float64) {
	if value < 0 || value > 1 {
		panic("crdt: MaxRegister value outside [0,1]")
	}
	if value > r.value {
		r.value = value
	}
}

// Merge returns the register holding the maximum of both values.
func (r *MaxRegister) Merge(other *MaxRegister) *MaxRegister {
	if other.value > r.value {
		return &MaxRegister{value: other.value}
	}
	return &MaxRegister{value: r.value}
}

// Value returns the current value.
func (r *MaxRegister) Value() float64 {
	return r.value
}

// MarshalJSON encodes the value.
func (r *MaxRegister) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.value)
}

// UnmarshalJSON decodes the value.
func (r *MaxRegister) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &r.value)
}
