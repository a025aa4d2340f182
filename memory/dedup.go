package memory

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/chrysalis-ai/memsync/clock"
	"github.com/chrysalis-ai/memsync/crdt"
)

// DedupPolicy decides what happens when two entries score at or above the
// similarity threshold.
type DedupPolicy string

const (
	// PolicyAuto fuses duplicates into a superseding entry without review.
	PolicyAuto DedupPolicy = "auto"
	// PolicyManualReview holds a duplicate whose score lands exactly on the
	// threshold for a reviewer; strictly higher scores still fuse.
	PolicyManualReview DedupPolicy = "manual_review"
)

// Valid reports whether the policy is a known one.
func (p DedupPolicy) Valid() bool {
	return p == PolicyAuto || p == PolicyManualReview
}

// DefaultDedupThreshold is the similarity score at which two entries are
// considered duplicates.
const DefaultDedupThreshold = 0.9

// DedupResult describes the outcome of checking a candidate entry against
// the existing corpus.
type DedupResult struct {
	// Fused is the superseding entry, set when a duplicate was found and the
	// policy allowed automatic fusion. Nil when the candidate is novel.
	Fused *Entry
	// Duplicate is the existing entry the candidate matched, if any.
	Duplicate *Entry
	// Score is the similarity score against Duplicate.
	Score float64
}

// Deduper detects near-duplicate entries by content similarity and fuses
// them into superseding entries. Fusion is monotone: already-committed
// merges are never retracted, the duplicates are marked superseded and a new
// entry carries their union forward.
type Deduper struct {
	scorer    Scorer
	threshold float64
	policy    DedupPolicy
	logger    zerolog.Logger
}

// NewDeduper creates a deduper. A threshold of 0 selects the default.
func NewDeduper(scorer Scorer, threshold float64, policy DedupPolicy, replicaID string, logger zerolog.Logger) (*Deduper, error) {
	if threshold == 0 {
		threshold = DefaultDedupThreshold
	}
	if threshold < 0 || threshold > 1 {
		return nil, NewValidationError(fmt.Sprintf("dedup threshold %v outside [0,1]", threshold), "")
	}
	if !policy.Valid() {
		return nil, NewValidationError(fmt.Sprintf("unknown dedup policy %q", policy), "")
	}
	return &Deduper{
		scorer:    scorer,
		threshold: threshold,
		policy:    policy,
		logger:    logger.With().Str("component", "dedup").Str("replica_id", replicaID).Logger(),
	}, nil
}

// Check scores the candidate against existing entries of the same class and
// namespace. If the best score reaches the threshold the candidate is fused
// with that entry (or, under manual review, a score landing exactly on the
// threshold is held as unresolved). Ties on score resolve toward the entry
// with the causally earlier stamp, then the smaller id, so every replica
// fuses against the same partner.
func (d *Deduper) Check(ctx context.Context, candidate *Entry, existing []*Entry) (*DedupResult, error) {
	var best *Entry
	var bestScore float64

	for _, e := range existing {
		if e.ID == candidate.ID || e.Class != candidate.Class || e.Namespace != candidate.Namespace {
			continue
		}
		score, err := d.scorer.Score(ctx, candidate, e)
		if err != nil {
			return nil, err
		}
		if score > bestScore || (score == bestScore && best != nil && preferDuplicate(e, best)) {
			best, bestScore = e, score
		}
	}

	if best == nil || bestScore < d.threshold {
		return &DedupResult{}, nil
	}

	// A score strictly above the threshold is an unambiguous duplicate and
	// fuses under either policy. Manual review exists for the boundary case
	// where the score lands exactly on the threshold.
	if d.policy == PolicyManualReview && bestScore == d.threshold {
		d.logger.Info().
			Str("candidate", candidate.ID).
			Str("duplicate", best.ID).
			Float64("score", bestScore).
			Msg("duplicate held for manual review")
		return nil, NewMergeUnresolved(
			fmt.Sprintf("entries %s and %s score %.3f, review required", candidate.ID, best.ID, bestScore),
			candidate.ID,
		)
	}

	fused := d.Fuse(candidate, best)
	d.logger.Info().
		Str("candidate", candidate.ID).
		Str("duplicate", best.ID).
		Str("fused", fused.ID).
		Float64("score", bestScore).
		Msg("fused duplicate entries")
	return &DedupResult{Fused: fused, Duplicate: best, Score: bestScore}, nil
}

// Fuse builds the superseding entry for two duplicates. Every identity field
// of the result is a pure function of the two sources, so replicas that fuse
// the same pair independently produce byte-identical successors: the id is
// derived from the superseded id set, the content comes from the
// higher-importance source, and the stamp is the join of both source stamps.
// Both inputs must share a class and namespace.
func (d *Deduper) Fuse(a, b *Entry) *Entry {
	if a.Class != b.Class {
		panic("memory: fusing entries with different classes")
	}

	primary := a
	if preferEntry(b, a) {
		primary = b
	}

	supersedes := unionStrings(
		append(append([]string(nil), a.Supersedes...), a.ID),
		append(append([]string(nil), b.Supersedes...), b.ID),
	)

	createdAt := a.CreatedAt
	if b.CreatedAt.After(createdAt) {
		createdAt = b.CreatedAt
	}

	out := &Entry{
		ID:            fusedID(supersedes),
		Content:       primary.Content,
		Class:         primary.Class,
		Importance:    a.Importance.Merge(b.Importance),
		Confidence:    a.Confidence.Merge(b.Confidence),
		Tags:          a.Tags.Merge(b.Tags),
		AccessCount:   a.AccessCount.Merge(b.AccessCount),
		OriginReplica: primary.OriginReplica,
		CausalStamp:   a.CausalStamp.Merged(b.CausalStamp),
		Tier:          primary.Tier,
		Namespace:     primary.Namespace,
		Supersedes:    supersedes,
		CreatedAt:     createdAt,
	}

	switch primary.Class {
	case ClassEpisodic:
		out.Events = mergeGSets(a.Events, b.Events)
	case ClassSemantic:
		out.Facts = mergeORSets(a.Facts, b.Facts)
	case ClassProcedural:
		out.Skills = mergeSkills(a.Skills, b.Skills)
	}
	return out
}

// fusedID derives the successor id from the set of superseded ids. The id is
// the same no matter which replica fuses or in which order the sources were
// seen, which lets independent fusions of the same pair converge through the
// ordinary same-id merge path.
func fusedID(supersedes []string) string {
	sorted := append([]string(nil), supersedes...)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "\x00")))
	var id ulid.ULID
	copy(id[:], sum[:len(id)])
	return id.String()
}

// preferEntry reports whether a should supply the canonical content over b:
// higher importance first, then the causally earlier stamp, then the
// lexicographically smaller id.
func preferEntry(a, b *Entry) bool {
	ai, bi := a.Importance.Value(), b.Importance.Value()
	if ai != bi {
		return ai > bi
	}
	return preferDuplicate(a, b)
}

// preferDuplicate orders two equal-score duplicate candidates: the causally
// earlier entry wins, and concurrent or equal stamps fall back to the smaller
// id. Wall-clock-derived ids alone cannot decide this, so the stamps come
// first.
func preferDuplicate(a, b *Entry) bool {
	switch a.CausalStamp.Compare(b.CausalStamp) {
	case clock.OrderBefore:
		return true
	case clock.OrderAfter:
		return false
	}
	return a.ID < b.ID
}

func mergeGSets(a, b *crdt.GSet) *crdt.GSet {
	if a == nil {
		a = crdt.NewGSet()
	}
	if b == nil {
		b = crdt.NewGSet()
	}
	return a.Merge(b)
}

func mergeORSets(a, b *crdt.ORSet) *crdt.ORSet {
	if a == nil {
		a = crdt.NewORSet()
	}
	if b == nil {
		b = crdt.NewORSet()
	}
	return a.Merge(b)
}
