package crdt

import (
	"encoding/json"
	"sort"
)

// GSet is a grow-only set of strings. Elements can only be added; Merge is
// set union. Episodic memories use this shape for their event streams, since
// experience records are never retracted.
type GSet struct {
	elements map[string]struct{}
}

// NewGSet returns an empty grow-only set.
func NewGSet() *GSet {
	return &GSet{elements: make(map[string]struct{})}
}

// Add inserts an element. Adding an existing element is a no-op.
func (s *GSet) Add(element string) {
	s.elements[element] = struct{}{}
}

// Contains reports whether the element is present.
func (s *GSet) Contains(element string) bool {
	_, ok := s.elements[element]
	return ok
}

// Merge returns the union of both sets.
func (s *GSet) Merge(other *GSet) *GSet {
	out := NewGSet()
	for e := range s.elements {
		out.elements[e] = struct{}{}
	}
	for e := range other.elements {
		out.elements[e] = struct{}{}
	}
	return out
}

// Elements returns the members in sorted order for deterministic output.
func (s *GSet) Elements() []string {
	out := make([]string, 0, len(s.elements))
	for e := range s.elements {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of elements.
func (s *GSet) Len() int {
	return len(s.elements)
}

// Clone returns an independent copy.
func (s *GSet) Clone() *GSet {
	out := NewGSet()
	for e := range s.elements {
		out.elements[e] = struct{}{}
	}
	return out
}

// MarshalJSON encodes the set as a sorted array.
func (s *GSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Elements())
}

// UnmarshalJSON decodes the set from an array.
func (s *GSet) UnmarshalJSON(data []byte) error {
	var elems []string
	if err := json.Unmarshal(data, &elems); err != nil {
		return err
	}
	s.elements = make(map[string]struct{}, len(elems))
	for _, e := range elems {
		s.elements[e] = struct{}{}
	}
	return nil
}
