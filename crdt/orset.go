package crdt

import (
	"encoding/json"
	"sort"

	"github.com/google/uuid"
)

// ORSet is an observed-remove set of strings. Every add carries a unique
// per-operation tag; a remove records the add-tags observed at remove time.
// An element is present iff it still has at least one add-tag outside the
// remove-tag set, so a remove never cancels a causally independent add.
// Semantic fact sets and memory entry tags use this shape.
type ORSet struct {
	adds    map[string]map[string]struct{} // element -> add tags
	removes map[string]map[string]struct{} // element -> removed tags
}

// NewORSet returns an empty observed-remove set.
func NewORSet() *ORSet {
	return &ORSet{
		adds:    make(map[string]map[string]struct{}),
		removes: make(map[string]map[string]struct{}),
	}
}

// Add inserts an element under a fresh unique tag and returns the tag.
func (s *ORSet) Add(element string) string {
	tag := uuid.New().String()
	s.AddWithTag(element, tag)
	return tag
}

// AddWithTag inserts an element under the caller-supplied tag. Used when
// replaying the durable log, where the original tag must be preserved.
func (s *ORSet) AddWithTag(element, tag string) {
	if tag == "" {
		panic("crdt: ORSet.AddWithTag with empty tag")
	}
	if s.adds[element] == nil {
		s.adds[element] = make(map[string]struct{})
	}
	s.adds[element][tag] = struct{}{}
}

// Remove tombstones every add-tag currently observed for the element and
// returns those tags. Removing an absent element is a no-op.
func (s *ORSet) Remove(element string) []string {
	observed := s.adds[element]
	if len(observed) == 0 {
		return nil
	}
	if s.removes[element] == nil {
		s.removes[element] = make(map[string]struct{})
	}
	tags := make([]string, 0, len(observed))
	for tag := range observed {
		s.removes[element][tag] = struct{}{}
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// RemoveTags tombstones specific tags, e.g. when applying a remote remove.
func (s *ORSet) RemoveTags(element string, tags []string) {
	if len(tags) == 0 {
		return
	}
	if s.removes[element] == nil {
		s.removes[element] = make(map[string]struct{})
	}
	for _, tag := range tags {
		s.removes[element][tag] = struct{}{}
	}
}

// Contains reports whether the element has a live add-tag.
func (s *ORSet) Contains(element string) bool {
	removed := s.removes[element]
	for tag := range s.adds[element] {
		if _, gone := removed[tag]; !gone {
			return true
		}
	}
	return false
}

// Merge returns the join of both sets: the union of add-tags and the union
// of remove-tags per element.
func (s *ORSet) Merge(other *ORSet) *ORSet {
	out := s.Clone()
	for element, tags := range other.adds {
		if out.adds[element] == nil {
			out.adds[element] = make(map[string]struct{}, len(tags))
		}
		for tag := range tags {
			out.adds[element][tag] = struct{}{}
		}
	}
	for element, tags := range other.removes {
		if out.removes[element] == nil {
			out.removes[element] = make(map[string]struct{}, len(tags))
		}
		for tag := range tags {
			out.removes[element][tag] = struct{}{}
		}
	}
	return out
}

// Elements returns the live members in sorted order.
func (s *ORSet) Elements() []string {
	out := make([]string, 0, len(s.adds))
	for element := range s.adds {
		if s.Contains(element) {
			out = append(out, element)
		}
	}
	sort.Strings(out)
	return out
}

// Tags returns the live add-tags for an element, sorted.
func (s *ORSet) Tags(element string) []string {
	removed := s.removes[element]
	var out []string
	for tag := range s.adds[element] {
		if _, gone := removed[tag]; !gone {
			out = append(out, tag)
		}
	}
	sort.Strings(out)
	return out
}

// RemovedTags returns the tombstoned tags for an element, sorted. The merge
// engine uses this to ship removes to peers.
func (s *ORSet) RemovedTags(element string) []string {
	out := make([]string, 0, len(s.removes[element]))
	for tag := range s.removes[element] {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// Compact drops the given tombstoned tags from both tag sets. Callers must
// only compact tags whose removal is causally stable (observed by every
// roster member); compacting earlier can resurrect concurrent adds.
func (s *ORSet) Compact(element string, tags []string) {
	for _, tag := range tags {
		if add, ok := s.adds[element]; ok {
			delete(add, tag)
		}
		if rem, ok := s.removes[element]; ok {
			delete(rem, tag)
		}
	}
	if len(s.adds[element]) == 0 {
		delete(s.adds, element)
	}
	if len(s.removes[element]) == 0 {
		delete(s.removes, element)
	}
}

// Clone returns an independent copy.
func (s *ORSet) Clone() *ORSet {
	out := NewORSet()
	for element, tags := range s.adds {
		m := make(map[string]struct{}, len(tags))
		for tag := range tags {
			m[tag] = struct{}{}
		}
		out.adds[element] = m
	}
	for element, tags := range s.removes {
		m := make(map[string]struct{}, len(tags))
		for tag := range tags {
			m[tag] = struct{}{}
		}
		out.removes[element] = m
	}
	return out
}

type orSetJSON struct {
	Adds    map[string][]string `json:"adds"`
	Removes map[string][]string `json:"removes,omitempty"`
}

// MarshalJSON encodes both tag maps with sorted tag arrays.
func (s *ORSet) MarshalJSON() ([]byte, error) {
	v := orSetJSON{
		Adds:    make(map[string][]string, len(s.adds)),
		Removes: make(map[string][]string, len(s.removes)),
	}
	for element, tags := range s.adds {
		v.Adds[element] = sortedTags(tags)
	}
	for element, tags := range s.removes {
		v.Removes[element] = sortedTags(tags)
	}
	return json.Marshal(v)
}

// UnmarshalJSON decodes both tag maps.
func (s *ORSet) UnmarshalJSON(data []byte) error {
	var v orSetJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*s = *NewORSet()
	for element, tags := range v.Adds {
		for _, tag := range tags {
			s.AddWithTag(element, tag)
		}
	}
	for element, tags := range v.Removes {
		s.RemoveTags(element, tags)
	}
	return nil
}

func sortedTags(tags map[string]struct{}) []string {
	out := make([]string, 0, len(tags))
	for tag := range tags {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}
