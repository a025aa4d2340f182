package consensus

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/chrysalis-ai/memsync/clock"
)

// Engine drives consensus rounds for one replica. It verifies every inbound
// proposal and vote against the roster keyring, serializes round state, and
// hands re-proposals back to the caller for broadcast; it performs no
// network I/O itself.
type Engine struct {
	mu sync.Mutex

	signer  *Signer
	keyring Keyring
	roster  []string
	f       int

	roundTimeout time.Duration
	maxEpochs    int

	rounds    map[string]*Round
	decisions map[string]*Decision
	logger    zerolog.Logger
}

// DefaultRoundTimeout bounds vote collection for a single epoch.
const DefaultRoundTimeout = 5 * time.Second

// DefaultMaxEpochs bounds how many proposer rotations a proposal survives
// before it is dropped.
const DefaultMaxEpochs = 3

// NewEngine validates the roster size against the failure budget and
// returns an engine. The roster must satisfy n >= 3f+1.
func NewEngine(signer *Signer, keyring Keyring, roster []string, f int, roundTimeout time.Duration, logger zerolog.Logger) (*Engine, error) {
	if f < 0 {
		return nil, fmt.Errorf("negative failure budget %d", f)
	}
	if len(roster) < 3*f+1 {
		return nil, fmt.Errorf("roster of %d cannot tolerate %d byzantine replicas, need at least %d", len(roster), f, 3*f+1)
	}
	if roundTimeout <= 0 {
		roundTimeout = DefaultRoundTimeout
	}
	sorted := append([]string(nil), roster...)
	sort.Strings(sorted)
	return &Engine{
		signer:       signer,
		keyring:      keyring,
		roster:       sorted,
		f:            f,
		roundTimeout: roundTimeout,
		maxEpochs:    DefaultMaxEpochs,
		rounds:       make(map[string]*Round),
		decisions:    make(map[string]*Decision),
		logger:       logger.With().Str("component", "consensus").Logger(),
	}, nil
}

// Quorum returns the matching-vote count required to decide.
func (e *Engine) Quorum() int {
	return 2*e.f + 1
}

// ProposerFor returns the replica expected to lead the given epoch. The
// rotation is a pure function of the sorted roster, so every honest replica
// agrees on the leader without communication.
func (e *Engine) ProposerFor(epoch uint64) string {
	return e.roster[int(epoch%uint64(len(e.roster)))]
}

// Propose signs a new proposal for epoch 0 and opens its round locally. The
// caller broadcasts the returned proposal to the roster.
func (e *Engine) Propose(value json.RawMessage, stamp clock.Vector) (Proposal, error) {
	p := Proposal{
		ID:         uuid.NewString(),
		ProposerID: e.signer.ReplicaID(),
		Epoch:      0,
		Value:      value,
		Stamp:      stamp.Clone(),
	}
	p.Signature = e.signer.Sign(p.SigningBytes())

	e.mu.Lock()
	defer e.mu.Unlock()
	e.rounds[p.ID] = NewRound(p, e.f, time.Now().Add(e.roundTimeout))
	e.logger.Info().Str("proposal", p.ID).Msg("opened consensus round")
	return p, nil
}

// HandleProposal verifies and opens a round for a peer's proposal. Replays
// of an already-known proposal are absorbed.
func (e *Engine) HandleProposal(p Proposal) error {
	if !e.inRoster(p.ProposerID) {
		return fmt.Errorf("proposer %s is not in the roster", p.ProposerID)
	}
	if !e.keyring.Verify(p.ProposerID, p.SigningBytes(), p.Signature) {
		return fmt.Errorf("proposal %s has an invalid signature", p.ID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, done := e.decisions[p.ID]; done {
		return nil
	}
	if existing, seen := e.rounds[p.ID]; seen {
		// A higher epoch means the previous round timed out and the rotated
		// leader re-proposed. The stale round is replaced; replays are
		// absorbed.
		if p.Epoch <= existing.Proposal().Epoch {
			return nil
		}
		if p.ProposerID != e.ProposerFor(p.Epoch) {
			return fmt.Errorf("epoch %d proposal from %s, expected leader %s", p.Epoch, p.ProposerID, e.ProposerFor(p.Epoch))
		}
	}
	e.rounds[p.ID] = NewRound(p, e.f, time.Now().Add(e.roundTimeout*time.Duration(1<<p.Epoch)))
	return nil
}

// CastVote signs this replica's verdict on a proposal and counts it
// locally. The caller broadcasts the returned vote.
func (e *Engine) CastVote(proposalID string, accept bool, confidence float64) (Vote, *Decision, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	round, ok := e.rounds[proposalID]
	if !ok {
		return Vote{}, nil, fmt.Errorf("unknown proposal %s", proposalID)
	}
	v := Vote{
		ProposalID: proposalID,
		VoterID:    e.signer.ReplicaID(),
		Epoch:      round.Proposal().Epoch,
		Accept:     accept,
		Confidence: confidence,
	}
	v.Signature = e.signer.Sign(v.SigningBytes())

	round.RecordVote(v)
	decision := e.tryCommitLocked(round)
	return v, decision, nil
}

// HandleVote verifies and counts a peer's vote, returning the decision if
// this vote completes a quorum.
func (e *Engine) HandleVote(v Vote) (*Decision, error) {
	if !e.inRoster(v.VoterID) {
		return nil, fmt.Errorf("voter %s is not in the roster", v.VoterID)
	}
	if !e.keyring.Verify(v.VoterID, v.SigningBytes(), v.Signature) {
		return nil, fmt.Errorf("vote on %s from %s has an invalid signature", v.ProposalID, v.VoterID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if d, done := e.decisions[v.ProposalID]; done {
		return d, nil
	}
	round, ok := e.rounds[v.ProposalID]
	if !ok {
		return nil, fmt.Errorf("unknown proposal %s", v.ProposalID)
	}
	if v.Epoch != round.Proposal().Epoch {
		return nil, fmt.Errorf("vote for epoch %d on round in epoch %d", v.Epoch, round.Proposal().Epoch)
	}
	round.RecordVote(v)
	return e.tryCommitLocked(round), nil
}

// Decision returns the committed outcome for a proposal, if any.
func (e *Engine) Decision(proposalID string) (*Decision, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.decisions[proposalID]
	return d, ok
}

// Expire times out overdue rounds. For each timed-out round whose epoch
// budget remains, it returns a carry-forward proposal for the next epoch;
// if this replica is the rotated leader the proposal is signed and its round
// opened, ready for broadcast.
func (e *Engine) Expire(now time.Time) ([]Proposal, []*TimeoutError) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var reproposals []Proposal
	var timeouts []*TimeoutError

	for id, round := range e.rounds {
		te := round.Expire(now)
		if te == nil {
			continue
		}
		timeouts = append(timeouts, te)
		delete(e.rounds, id)
		e.logger.Warn().
			Str("proposal", id).
			Uint64("epoch", te.Epoch).
			Int("votes", te.Votes).
			Msg("consensus round timed out")

		prev := round.Proposal()
		nextEpoch := prev.Epoch + 1
		if int(nextEpoch) >= e.maxEpochs {
			continue
		}
		if e.ProposerFor(nextEpoch) != e.signer.ReplicaID() {
			continue
		}

		next := Proposal{
			ID:         prev.ID,
			ProposerID: e.signer.ReplicaID(),
			Epoch:      nextEpoch,
			Value:      prev.Value,
			Stamp:      prev.Stamp.Clone(),
		}
		next.Signature = e.signer.Sign(next.SigningBytes())
		// Each epoch waits longer than the last before giving up.
		deadline := now.Add(e.roundTimeout * time.Duration(1<<nextEpoch))
		e.rounds[next.ID] = NewRound(next, e.f, deadline)
		reproposals = append(reproposals, next)
	}
	return reproposals, timeouts
}

func (e *Engine) tryCommitLocked(round *Round) *Decision {
	d, ok := round.TryDecide()
	if !ok {
		return nil
	}
	e.decisions[d.ProposalID] = d
	delete(e.rounds, d.ProposalID)
	e.logger.Info().
		Str("proposal", d.ProposalID).
		Bool("accepted", d.Accepted).
		Float64("confidence", d.Confidence).
		Int("voters", len(d.Voters)).
		Msg("consensus decision committed")
	return d
}

func (e *Engine) inRoster(replicaID string) bool {
	i := sort.SearchStrings(e.roster, replicaID)
	return i < len(e.roster) && e.roster[i] == replicaID
}
