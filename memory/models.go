// Package memory defines the replicated memory entry, its CRDT-backed field
// layout, and the merge and deduplication machinery that reconciles entries
// across replicas.
package memory

import (
	"time"

	"github.com/chrysalis-ai/memsync/clock"
	"github.com/chrysalis-ai/memsync/crdt"
)

// Class describes the kind of memory an entry holds. The class determines
// which CRDT shape wraps the entry's mutable body.
type Class string

const (
	// ClassEpisodic entries accumulate an append-only stream of events.
	ClassEpisodic Class = "episodic"
	// ClassSemantic entries hold an add/remove set of facts.
	ClassSemantic Class = "semantic"
	// ClassProcedural entries hold last-writer-wins registers keyed by skill id.
	ClassProcedural Class = "procedural"
)

// Valid reports whether the class is one of the three known kinds.
func (c Class) Valid() bool {
	return c == ClassEpisodic || c == ClassSemantic || c == ClassProcedural
}

// Tier is the access scope a replica operates under.
type Tier string

const (
	// TierSystem replicas read and write the full merge log directly.
	TierSystem Tier = "system"
	// TierInternal replicas are confined to their declared namespace.
	TierInternal Tier = "internal"
	// TierExternal sessions are ephemeral: their writes never reach the
	// persisted merge log and are discarded on session end or TTL expiry.
	TierExternal Tier = "external"
)

// Valid reports whether the tier is one of the three known scopes.
func (t Tier) Valid() bool {
	return t == TierSystem || t == TierInternal || t == TierExternal
}

// Entry is the unit of replicated knowledge. Immutable fields (ID, Content,
// Class, OriginReplica, CausalStamp, Tier, Namespace) are assigned once at
// creation; every mutable field is a CRDT so that two replicas holding the
// same id always merge to an identical result regardless of arrival order.
type Entry struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Class   Class  `json:"class"`

	// Class-specific body. Exactly one of these is populated.
	Events *crdt.GSet                `json:"events,omitempty"` // episodic
	Facts  *crdt.ORSet               `json:"facts,omitempty"`  // semantic
	Skills map[string]*crdt.Register `json:"skills,omitempty"` // procedural, by skill id

	Importance  *crdt.MaxRegister `json:"importance"`
	Confidence  *crdt.MaxRegister `json:"confidence"`
	Tags        *crdt.ORSet       `json:"tags"`
	AccessCount *crdt.GCounter    `json:"access_count"`

	OriginReplica string       `json:"origin_replica"`
	CausalStamp   clock.Vector `json:"causal_stamp"`
	Tier          Tier         `json:"tier"`
	Namespace     string       `json:"namespace"`

	// Supersedes references the entry ids this entry replaced during
	// duplicate fusion, kept for audit. Empty for ordinary entries.
	Supersedes []string `json:"supersedes,omitempty"`

	// CreatedAt is wall-clock provenance for display only. It is never
	// consulted for ordering decisions.
	CreatedAt time.Time `json:"created_at"`
}

// Tombstone marks a removed element so that late-arriving concurrent adds
// resolve correctly. It is retained until the removal is causally stable.
type Tombstone struct {
	EntryID string       `json:"entry_id"`
	Element string       `json:"element"`
	Tags    []string     `json:"tags"`
	Stamp   clock.Vector `json:"stamp"`
}

// MergeReport summarizes the outcome of merging an incoming delta batch.
type MergeReport struct {
	Accepted   []string `json:"accepted"`
	Rejected   []string `json:"rejected"`
	Superseded []string `json:"superseded"`
	// HeldForReview lists duplicates whose score landed exactly at the
	// threshold under the manual-review policy; they await a reviewer.
	HeldForReview []string `json:"held_for_review,omitempty"`
}

// Snapshot is a read-only view of merged state scoped to a namespace/tier.
type Snapshot struct {
	Namespace string       `json:"namespace"`
	Tier      Tier         `json:"tier"`
	Clock     clock.Vector `json:"clock"`
	Entries   []*Entry     `json:"entries"`
	TakenAt   time.Time    `json:"taken_at"`
}
