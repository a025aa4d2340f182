package memory

import (
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/chrysalis-ai/memsync/clock"
	"github.com/chrysalis-ai/memsync/crdt"
)

// NewEntryParams carries the creation-time fields of a memory entry.
type NewEntryParams struct {
	Content       string
	Class         Class
	Importance    float64
	Confidence    float64
	Tags          []string
	OriginReplica string
	CausalStamp   clock.Vector
	Tier          Tier
	Namespace     string
}

// NewEntry creates a memory entry with a fresh ULID id and CRDT-wrapped
// mutable fields. The id is assigned once and never reused.
func NewEntry(p NewEntryParams) (*Entry, error) {
	if strings.TrimSpace(p.Content) == "" {
		return nil, NewValidationError("entry content is empty", "")
	}
	if !p.Class.Valid() {
		return nil, NewValidationError(fmt.Sprintf("unknown memory class %q", p.Class), "")
	}
	if !p.Tier.Valid() {
		return nil, NewValidationError(fmt.Sprintf("unknown tier %q", p.Tier), "")
	}
	if p.OriginReplica == "" {
		return nil, NewValidationError("origin replica is empty", "")
	}
	if p.Importance < 0 || p.Importance > 1 {
		return nil, NewValidationError(fmt.Sprintf("importance %v outside [0,1]", p.Importance), "")
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return nil, NewValidationError(fmt.Sprintf("confidence %v outside [0,1]", p.Confidence), "")
	}

	e := &Entry{
		ID:            ulid.Make().String(),
		Content:       p.Content,
		Class:         p.Class,
		Importance:    crdt.NewMaxRegister(p.Importance),
		Confidence:    crdt.NewMaxRegister(p.Confidence),
		Tags:          crdt.NewORSet(),
		AccessCount:   crdt.NewGCounter(),
		OriginReplica: p.OriginReplica,
		CausalStamp:   p.CausalStamp.Clone(),
		Tier:          p.Tier,
		Namespace:     p.Namespace,
		CreatedAt:     time.Now().UTC(),
	}
	for _, tag := range p.Tags {
		e.Tags.Add(tag)
	}

	switch p.Class {
	case ClassEpisodic:
		e.Events = crdt.NewGSet()
	case ClassSemantic:
		e.Facts = crdt.NewORSet()
	case ClassProcedural:
		e.Skills = make(map[string]*crdt.Register)
	}
	return e, nil
}

// Validate checks the boundary invariants of a received entry. Malformed
// entries are rejected whole, never partially applied.
func (e *Entry) Validate() error {
	if e.ID == "" {
		return NewValidationError("entry id is empty", "")
	}
	if strings.TrimSpace(e.Content) == "" {
		return NewValidationError("entry content is empty", e.ID)
	}
	if !e.Class.Valid() {
		return NewValidationError(fmt.Sprintf("unknown memory class %q", e.Class), e.ID)
	}
	if !e.Tier.Valid() {
		return NewValidationError(fmt.Sprintf("unknown tier %q", e.Tier), e.ID)
	}
	if e.OriginReplica == "" {
		return NewValidationError("origin replica is empty", e.ID)
	}
	if e.Importance == nil || e.Confidence == nil || e.Tags == nil || e.AccessCount == nil {
		return NewValidationError("entry is missing CRDT fields", e.ID)
	}
	return nil
}

// CheckSameIdentity verifies that a remote entry claiming this entry's id
// agrees on every immutable field. A mismatch means a malformed or forged
// delta and is rejected at the boundary.
func (e *Entry) CheckSameIdentity(other *Entry) error {
	if e.ID != other.ID {
		return NewValidationError("entry id mismatch", e.ID)
	}
	if e.Content != other.Content {
		return NewValidationError("immutable content differs for same entry id", e.ID)
	}
	if e.Class != other.Class {
		return NewValidationError("memory class differs for same entry id", e.ID)
	}
	if e.OriginReplica != other.OriginReplica {
		return NewValidationError("origin replica differs for same entry id", e.ID)
	}
	if e.Namespace != other.Namespace {
		return NewValidationError("namespace differs for same entry id", e.ID)
	}
	return nil
}

// Merge joins two versions of the same entry field-wise. The result is
// independent of merge order: every mutable field is a CRDT join. Merging
// entries with different ids or classes is a programming error.
func (e *Entry) Merge(other *Entry) *Entry {
	if e.ID != other.ID {
		panic("memory: merging entries with different ids")
	}
	if e.Class != other.Class {
		panic("memory: merging entries with different classes")
	}

	out := &Entry{
		ID:            e.ID,
		Content:       e.Content,
		Class:         e.Class,
		Importance:    e.Importance.Merge(other.Importance),
		Confidence:    e.Confidence.Merge(other.Confidence),
		Tags:          e.Tags.Merge(other.Tags),
		AccessCount:   e.AccessCount.Merge(other.AccessCount),
		OriginReplica: e.OriginReplica,
		CausalStamp:   e.CausalStamp.Clone(),
		Tier:          e.Tier,
		Namespace:     e.Namespace,
		Supersedes:    unionStrings(e.Supersedes, other.Supersedes),
		CreatedAt:     e.CreatedAt,
	}

	switch e.Class {
	case ClassEpisodic:
		out.Events = e.Events.Merge(other.Events)
	case ClassSemantic:
		out.Facts = e.Facts.Merge(other.Facts)
	case ClassProcedural:
		out.Skills = mergeSkills(e.Skills, other.Skills)
	}
	return out
}

// Touch records a read by the given replica on the access counter.
func (e *Entry) Touch(replicaID string) {
	e.AccessCount.Increment(replicaID, 1)
}

// Clone returns a deep copy of the entry.
func (e *Entry) Clone() *Entry {
	out := &Entry{
		ID:            e.ID,
		Content:       e.Content,
		Class:         e.Class,
		Importance:    e.Importance.Merge(crdt.NewMaxRegister(0)),
		Confidence:    e.Confidence.Merge(crdt.NewMaxRegister(0)),
		Tags:          e.Tags.Clone(),
		AccessCount:   e.AccessCount.Clone(),
		OriginReplica: e.OriginReplica,
		CausalStamp:   e.CausalStamp.Clone(),
		Tier:          e.Tier,
		Namespace:     e.Namespace,
		Supersedes:    append([]string(nil), e.Supersedes...),
		CreatedAt:     e.CreatedAt,
	}
	if e.Events != nil {
		out.Events = e.Events.Clone()
	}
	if e.Facts != nil {
		out.Facts = e.Facts.Clone()
	}
	if e.Skills != nil {
		out.Skills = make(map[string]*crdt.Register, len(e.Skills))
		for id, reg := range e.Skills {
			out.Skills[id] = reg.Clone()
		}
	}
	return out
}

func mergeSkills(a, b map[string]*crdt.Register) map[string]*crdt.Register {
	out := make(map[string]*crdt.Register, len(a)+len(b))
	for id, reg := range a {
		out[id] = reg.Clone()
	}
	for id, reg := range b {
		if existing, ok := out[id]; ok {
			out[id] = existing.Merge(reg)
		} else {
			out[id] = reg.Clone()
		}
	}
	return out
}

func unionStrings(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(a)+len(b))
	var out []string
	for _, s := range a {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	for _, s := range b {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}
