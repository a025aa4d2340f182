// Package replica hosts the engine core: one replica's merged memory state,
// its clocks, and the apply path every mutation funnels through. Mutations
// are serialized per replica while reads return consistent snapshots, and
// every accepted change is appended to the durable log before it is
// acknowledged.
package replica

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/chrysalis-ai/memsync/clock"
	"github.com/chrysalis-ai/memsync/consensus"
	"github.com/chrysalis-ai/memsync/memory"
	"github.com/chrysalis-ai/memsync/sessionstore"
	"github.com/chrysalis-ai/memsync/wal"
)

// Options assembles a replica from its collaborators. Log and Sessions may
// be nil in tests; state is then memory-only.
type Options struct {
	ID        string
	Tier      memory.Tier
	Namespace string
	Roster    []string
	Deduper   *memory.Deduper
	Log       *wal.Log
	Sessions  *sessionstore.Store
	Consensus *consensus.Engine
	Logger    zerolog.Logger
}

// Replica is a single agent instance's view of the shared memory. It is
// single-writer: every mutation passes through one internal lock, while
// concurrent readers get valid, possibly slightly stale, snapshots.
type Replica struct {
	id        string
	tier      memory.Tier
	namespace string
	roster    []string

	lamport *clock.Lamport

	mu         sync.RWMutex
	vclock     clock.Vector
	entries    map[string]*memory.Entry
	modStamps  map[string]clock.Vector
	superseded map[string]string // superseded id -> superseding id
	tombstones []memory.Tombstone
	ephemeral  map[string][]*memory.Entry // session id -> unpersisted entries
	expiries   map[string]time.Time       // session id -> TTL deadline
	lastErrors map[string]string          // peer replica id -> last error

	deduper   *memory.Deduper
	log       *wal.Log
	sessions  *sessionstore.Store
	consensus *consensus.Engine
	logger    zerolog.Logger
}

// New assembles a replica.
func New(opts Options) (*Replica, error) {
	if opts.ID == "" {
		return nil, fmt.Errorf("replica id is required")
	}
	if !opts.Tier.Valid() {
		return nil, fmt.Errorf("unknown tier %q", opts.Tier)
	}
	return &Replica{
		id:         opts.ID,
		tier:       opts.Tier,
		namespace:  opts.Namespace,
		roster:     append([]string(nil), opts.Roster...),
		lamport:    clock.NewLamportWithReplicaID(opts.ID),
		vclock:     clock.NewVector(),
		entries:    make(map[string]*memory.Entry),
		modStamps:  make(map[string]clock.Vector),
		superseded: make(map[string]string),
		ephemeral:  make(map[string][]*memory.Entry),
		expiries:   make(map[string]time.Time),
		lastErrors: make(map[string]string),
		deduper:    opts.Deduper,
		log:        opts.Log,
		sessions:   opts.Sessions,
		consensus:  opts.Consensus,
		logger:     opts.Logger.With().Str("component", "replica").Str("replica_id", opts.ID).Logger(),
	}, nil
}

// ID returns the replica id.
func (r *Replica) ID() string {
	return r.id
}

// Clock returns a snapshot of the replica's vector clock.
func (r *Replica) Clock() clock.Vector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.vclock.Clone()
}

// ApplyLocalExperience records a locally observed experience as a new
// memory entry, runs duplicate detection against the merged corpus, appends
// the result to the durable log, and returns the surviving entry id.
func (r *Replica) ApplyLocalExperience(ctx context.Context, params memory.NewEntryParams) (string, error) {
	if r.tier == memory.TierInternal && params.Namespace != r.namespace {
		return "", memory.NewScopeViolation(
			fmt.Sprintf("internal-tier replica %s cannot write namespace %q", r.id, params.Namespace), "")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.lamport.Tick()
	r.vclock.Tick(r.id)
	params.OriginReplica = r.id
	params.CausalStamp = r.vclock.Clone()

	entry, err := memory.NewEntry(params)
	if err != nil {
		return "", err
	}

	entry, err = r.absorbLocked(ctx, entry, true)
	if err != nil {
		return "", err
	}
	return entry.ID, nil
}

// MergeIncomingBatch merges a delta set received from a peer. Each entry is
// validated and merged independently: one malformed entry is rejected whole
// without poisoning the rest of the batch. The report lists accepted,
// rejected, and superseded entry ids.
func (r *Replica) MergeIncomingBatch(ctx context.Context, senderID string, deltas []*memory.Entry) (*memory.MergeReport, error) {
	if senderID == "" {
		return nil, memory.NewValidationError("sender replica id is empty", "")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	report := &memory.MergeReport{}
	for _, delta := range deltas {
		if err := r.validateInboundLocked(delta); err != nil {
			report.Rejected = append(report.Rejected, delta.ID)
			r.lastErrors[senderID] = err.Error()
			r.logger.Warn().Err(err).Str("sender", senderID).Str("entry", delta.ID).Msg("rejected inbound delta")
			continue
		}

		r.lamport.Observe(stampMax(delta.CausalStamp))
		r.vclock.Merge(delta.CausalStamp)

		merged, err := r.absorbLocked(ctx, delta.Clone(), true)
		if err != nil {
			if memory.IsMergeUnresolved(err) {
				report.HeldForReview = append(report.HeldForReview, delta.ID)
			} else {
				report.Rejected = append(report.Rejected, delta.ID)
			}
			r.lastErrors[senderID] = err.Error()
			continue
		}
		if merged.ID != delta.ID {
			report.Superseded = append(report.Superseded, delta.ID)
		}
		report.Accepted = append(report.Accepted, delta.ID)
	}

	if r.sessions != nil {
		if err := r.sessions.SavePeerDigest(ctx, senderID, r.vclock.Clone()); err != nil {
			r.logger.Warn().Err(err).Str("sender", senderID).Msg("failed to persist peer digest")
		}
	}
	return report, nil
}

// validateInboundLocked rejects malformed or out-of-scope deltas at the
// boundary.
func (r *Replica) validateInboundLocked(delta *memory.Entry) error {
	if err := delta.Validate(); err != nil {
		return err
	}
	if existing, ok := r.entries[delta.ID]; ok {
		if err := existing.CheckSameIdentity(delta); err != nil {
			return err
		}
	}
	if r.tier == memory.TierInternal && delta.Namespace != r.namespace {
		return memory.NewScopeViolation(
			fmt.Sprintf("delta %s targets namespace %q outside replica scope", delta.ID, delta.Namespace), delta.ID)
	}
	return nil
}

// absorbLocked is the single apply path for both local and inbound entries.
// Same-id entries join field-wise; different-id near-duplicates fuse into a
// superseding entry. Accepted state is appended to the log before the call
// returns.
func (r *Replica) absorbLocked(ctx context.Context, entry *memory.Entry, persist bool) (*memory.Entry, error) {
	// A delta for an already-superseded id folds into its successor.
	if successor, ok := r.resolveSuccessorLocked(entry.ID); ok {
		entry = successor.Merge(rebaseForMerge(successor, entry))
		r.storeLocked(entry)
		return entry, r.persistLocked(ctx, entry, persist)
	}

	if existing, ok := r.entries[entry.ID]; ok {
		entry = existing.Merge(entry)
		r.storeLocked(entry)
		return entry, r.persistLocked(ctx, entry, persist)
	}

	// An incoming entry that supersedes others is a fusion a peer already
	// committed. Adopting it instead of running the deduper again keeps the
	// successor id stable everywhere: live local constituents join into it,
	// and every superseded id is retired so late deltas fold forward.
	if len(entry.Supersedes) > 0 {
		for _, staleID := range entry.Supersedes {
			if stale, ok := r.entries[staleID]; ok {
				if stale.Class != entry.Class {
					// A cross-class supersession claim is bogus; leave the
					// local entry alone.
					continue
				}
				entry = entry.Merge(rebaseForMerge(entry, stale))
			}
			if _, retired := r.superseded[staleID]; !retired {
				r.retireLocked(staleID, entry.ID)
			}
		}
		r.storeLocked(entry)
		return entry, r.persistLocked(ctx, entry, persist)
	}

	if r.deduper != nil {
		others := lo.Values(r.entries)
		res, err := r.deduper.Check(ctx, entry, others)
		if err != nil {
			return nil, err
		}
		if res.Fused != nil {
			r.retireLocked(res.Duplicate.ID, res.Fused.ID)
			r.retireLocked(entry.ID, res.Fused.ID)
			r.storeLocked(res.Fused)
			return res.Fused, r.persistLocked(ctx, res.Fused, persist)
		}
	}

	r.storeLocked(entry)
	return entry, r.persistLocked(ctx, entry, persist)
}

// resolveSuccessorLocked follows the supersession chain from a retired id to
// the live entry that absorbed it.
func (r *Replica) resolveSuccessorLocked(id string) (*memory.Entry, bool) {
	next, ok := r.superseded[id]
	if !ok {
		return nil, false
	}
	for {
		if entry, live := r.entries[next]; live {
			return entry, true
		}
		next, ok = r.superseded[next]
		if !ok {
			return nil, false
		}
	}
}

func (r *Replica) storeLocked(entry *memory.Entry) {
	r.entries[entry.ID] = entry
	r.modStamps[entry.ID] = r.vclock.Clone()
}

func (r *Replica) retireLocked(id, successor string) {
	delete(r.entries, id)
	delete(r.modStamps, id)
	r.superseded[id] = successor
}

func (r *Replica) persistLocked(ctx context.Context, entry *memory.Entry, persist bool) error {
	if !persist || r.log == nil {
		return nil
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return memory.NewValidationError("failed to encode entry for the log", entry.ID)
	}
	if _, err := r.log.Append(ctx, wal.KindDelta, r.id, entry.Namespace, payload); err != nil {
		// The in-memory merge already happened and stays intact; the caller
		// sees the storage failure and may retry.
		return err
	}
	return nil
}

// RemoveTag removes a tag from an entry under observed-remove semantics and
// retains a tombstone until the removal is causally stable.
func (r *Replica) RemoveTag(ctx context.Context, entryID, tag string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[entryID]
	if !ok {
		return memory.NewValidationError("unknown entry", entryID)
	}
	r.lamport.Tick()
	r.vclock.Tick(r.id)
	removed := entry.Tags.Remove(tag)
	if len(removed) == 0 {
		return nil
	}
	t := memory.Tombstone{
		EntryID: entryID,
		Element: tag,
		Tags:    removed,
		Stamp:   r.vclock.Clone(),
	}
	r.tombstones = append(r.tombstones, t)
	r.storeLocked(entry)
	if err := r.persistLocked(ctx, entry, true); err != nil {
		return err
	}
	// The tombstone is logged with the stamp its removal consumed, so replay
	// restores both the pending removal and the clock tick behind it.
	return r.persistTombstoneLocked(ctx, wal.KindTombstone, t)
}

func (r *Replica) persistTombstoneLocked(ctx context.Context, kind wal.RecordKind, t memory.Tombstone) error {
	if r.log == nil {
		return nil
	}
	payload, err := json.Marshal(t)
	if err != nil {
		return memory.NewValidationError("failed to encode tombstone", t.EntryID)
	}
	_, err = r.log.Append(ctx, kind, r.id, "", payload)
	return err
}

// CollectTombstones drops every tombstone whose removal has been observed by
// the entire roster, compacting the underlying observed-remove sets. The
// collection itself is logged so replay converges to the same state.
func (r *Replica) CollectTombstones(ctx context.Context) (int, error) {
	acked := map[string]clock.Vector{}
	if r.sessions != nil {
		var err error
		acked, err = r.sessions.AllAckedClocks(ctx)
		if err != nil {
			return 0, err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	stable := func(t memory.Tombstone) bool {
		for _, member := range r.roster {
			if member == r.id {
				continue
			}
			clk, ok := acked[member]
			if !ok || !clk.Dominates(t.Stamp) {
				return false
			}
		}
		return true
	}

	var kept []memory.Tombstone
	collected := 0
	for _, t := range r.tombstones {
		if !stable(t) {
			kept = append(kept, t)
			continue
		}
		if entry, ok := r.entries[t.EntryID]; ok {
			entry.Tags.Compact(t.Element, t.Tags)
		}
		if err := r.persistTombstoneLocked(ctx, wal.KindTombstoneGC, t); err != nil {
			return collected, err
		}
		collected++
	}
	r.tombstones = kept
	if collected > 0 {
		r.logger.Info().Int("collected", collected).Msg("collected causally stable tombstones")
	}
	return collected, nil
}

// QueryMergedState returns a read snapshot of the merged entries visible in
// the given namespace and tier. System tier sees every namespace; other
// tiers see only the requested namespace. Unexpired external-session writes
// are included; expired ones are not.
func (r *Replica) QueryMergedState(namespace string, tier memory.Tier) (*memory.Snapshot, error) {
	if !tier.Valid() {
		return nil, memory.NewValidationError(fmt.Sprintf("unknown tier %q", tier), "")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	visible := func(e *memory.Entry) bool {
		return tier == memory.TierSystem || e.Namespace == namespace
	}

	var entries []*memory.Entry
	for _, e := range r.entries {
		if visible(e) {
			entries = append(entries, e.Clone())
		}
	}
	for sessionID, list := range r.ephemeral {
		if deadline, ok := r.expiries[sessionID]; ok && now.After(deadline) {
			continue
		}
		for _, e := range list {
			if visible(e) {
				entries = append(entries, e.Clone())
			}
		}
	}

	return &memory.Snapshot{
		Namespace: namespace,
		Tier:      tier,
		Clock:     r.vclock.Clone(),
		Entries:   entries,
		TakenAt:   now,
	}, nil
}

// ApplyEphemeral records an external-tier session write. It never touches
// the durable log and is discarded with the session.
func (r *Replica) ApplyEphemeral(sessionID string, params memory.NewEntryParams, expiresAt time.Time) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lamport.Tick()
	r.vclock.Tick(r.id)
	params.OriginReplica = r.id
	params.CausalStamp = r.vclock.Clone()
	params.Tier = memory.TierExternal

	entry, err := memory.NewEntry(params)
	if err != nil {
		return "", err
	}
	r.ephemeral[sessionID] = append(r.ephemeral[sessionID], entry)
	r.expiries[sessionID] = expiresAt
	return entry.ID, nil
}

// DropSession discards all state held for an external session.
func (r *Replica) DropSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.ephemeral, sessionID)
	delete(r.expiries, sessionID)
}

// DeltasSince returns the entries modified since the given vector clock, as
// seen from this replica. It is the per-peer delta set for gossip.
func (r *Replica) DeltasSince(since clock.Vector) []*memory.Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*memory.Entry
	for id, stamp := range r.modStamps {
		switch stamp.Compare(since) {
		case clock.OrderAfter, clock.OrderConcurrent:
			out = append(out, r.entries[id].Clone())
		}
	}
	return out
}

// ProposeConsensus opens a Byzantine agreement round over the given value
// and returns the round id along with the signed proposal for broadcast.
func (r *Replica) ProposeConsensus(value json.RawMessage) (string, consensus.Proposal, error) {
	if r.consensus == nil {
		return "", consensus.Proposal{}, fmt.Errorf("replica %s has no consensus engine", r.id)
	}
	r.mu.Lock()
	r.lamport.Tick()
	r.vclock.Tick(r.id)
	stamp := r.vclock.Clone()
	r.mu.Unlock()

	p, err := r.consensus.Propose(value, stamp)
	if err != nil {
		return "", consensus.Proposal{}, err
	}
	return p.ID, p, nil
}

// RecordDecision durably records a committed consensus decision.
func (r *Replica) RecordDecision(ctx context.Context, d *consensus.Decision) error {
	if r.log == nil {
		return nil
	}
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to encode decision: %w", err)
	}
	_, err = r.log.Append(ctx, wal.KindDecision, r.id, "", payload)
	return err
}

// LastError returns the last recorded error for a peer, if any. Errors are
// reported here without ever stopping background gossip.
func (r *Replica) LastError(replicaID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	msg, ok := r.lastErrors[replicaID]
	return msg, ok
}

// RecordAck stores the vector clock a roster member has acknowledged, both
// in memory and durably for tombstone stability checks.
func (r *Replica) RecordAck(ctx context.Context, replicaID string, clk clock.Vector) error {
	if r.sessions == nil {
		return nil
	}
	return r.sessions.SaveAckedClock(ctx, replicaID, clk)
}

// Replay rebuilds the replica's merged state from offset zero of the log.
// Replayed deltas are not re-appended.
func (r *Replica) Replay(ctx context.Context) error {
	if r.log == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	err := r.log.Replay(ctx, func(rec wal.Record) error {
		switch rec.Kind {
		case wal.KindDelta:
			entry := &memory.Entry{}
			if err := json.Unmarshal(rec.Payload, entry); err != nil {
				return fmt.Errorf("offset %d: malformed delta: %w", rec.Offset, err)
			}
			if existing, ok := r.entries[entry.ID]; ok {
				entry = existing.Merge(entry)
			}
			for _, superseded := range entry.Supersedes {
				r.retireLocked(superseded, entry.ID)
			}
			r.entries[entry.ID] = entry
			r.vclock.Merge(entry.CausalStamp)
			r.modStamps[entry.ID] = r.vclock.Clone()
			count++
		case wal.KindTombstone:
			var t memory.Tombstone
			if err := json.Unmarshal(rec.Payload, &t); err != nil {
				return fmt.Errorf("offset %d: malformed tombstone record: %w", rec.Offset, err)
			}
			// The pending removal and the clock tick its stamp consumed both
			// survive a restart.
			r.tombstones = append(r.tombstones, t)
			r.vclock.Merge(t.Stamp)
		case wal.KindTombstoneGC:
			var t memory.Tombstone
			if err := json.Unmarshal(rec.Payload, &t); err != nil {
				return fmt.Errorf("offset %d: malformed tombstone record: %w", rec.Offset, err)
			}
			if entry, ok := r.entries[t.EntryID]; ok {
				entry.Tags.Compact(t.Element, t.Tags)
			}
			r.dropTombstoneLocked(t)
		case wal.KindDecision:
			// Decisions are audit records; they do not mutate entry state.
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.lamport.Restore(stampMax(r.vclock))
	r.logger.Info().Int("deltas", count).Msg("replayed durable log")
	return nil
}

// dropTombstoneLocked removes the pending tombstone matching a collected one.
func (r *Replica) dropTombstoneLocked(collected memory.Tombstone) {
	for i, t := range r.tombstones {
		if t.EntryID == collected.EntryID && t.Element == collected.Element {
			r.tombstones = append(r.tombstones[:i], r.tombstones[i+1:]...)
			return
		}
	}
}

// rebaseForMerge aligns an entry that arrived under a superseded id with its
// successor so the CRDT join applies. Identity fields follow the successor.
func rebaseForMerge(successor, stale *memory.Entry) *memory.Entry {
	aligned := stale.Clone()
	aligned.ID = successor.ID
	aligned.Content = successor.Content
	aligned.OriginReplica = successor.OriginReplica
	aligned.Tier = successor.Tier
	aligned.Namespace = successor.Namespace
	return aligned
}

func stampMax(v clock.Vector) uint64 {
	var max uint64
	for _, n := range v {
		if n > max {
			max = n
		}
	}
	return max
}
