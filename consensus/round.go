// Package consensus implements Byzantine-tolerant agreement over critical
// memory updates. A round decides once 2f+1 matching signed votes arrive
// from a roster of n >= 3f+1 replicas; anything less by the deadline times
// the round out and carries the value into the next epoch under a rotated
// proposer.
package consensus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/chrysalis-ai/memsync/clock"
)

// State is the lifecycle phase of a consensus round.
type State string

const (
	StateProposed   State = "proposed"
	StateCollecting State = "collecting_votes"
	StateDecided    State = "decided"
	StateTimedOut   State = "timed_out"
)

// Proposal is a value put forward for agreement.
type Proposal struct {
	ID         string          `json:"id"`
	ProposerID string          `json:"proposer_id"`
	Epoch      uint64          `json:"epoch"`
	Value      json.RawMessage `json:"value"`
	Stamp      clock.Vector    `json:"stamp"`
	Signature  []byte          `json:"signature"`
}

// SigningBytes returns the canonical byte string covered by the proposal
// signature.
func (p *Proposal) SigningBytes() []byte {
	return []byte(fmt.Sprintf("proposal|%s|%s|%d|%s", p.ID, p.ProposerID, p.Epoch, p.Value))
}

// Vote is one replica's signed verdict on a proposal.
type Vote struct {
	ProposalID string  `json:"proposal_id"`
	VoterID    string  `json:"voter_id"`
	Epoch      uint64  `json:"epoch"`
	Accept     bool    `json:"accept"`
	Confidence float64 `json:"confidence"`
	Signature  []byte  `json:"signature"`
}

// SigningBytes returns the canonical byte string covered by the vote
// signature. Confidence is excluded so a voter cannot equivocate by varying
// it: one verdict, one signature.
func (v *Vote) SigningBytes() []byte {
	return []byte(fmt.Sprintf("vote|%s|%s|%d|%t", v.ProposalID, v.VoterID, v.Epoch, v.Accept))
}

// Decision is the committed outcome of a round.
type Decision struct {
	ProposalID string          `json:"proposal_id"`
	Epoch      uint64          `json:"epoch"`
	Accepted   bool            `json:"accepted"`
	Value      json.RawMessage `json:"value"`
	// Confidence aggregates the quorum's vote confidences with a trimmed
	// mean, so a single outlier cannot drag the committed figure.
	Confidence float64  `json:"confidence"`
	Voters     []string `json:"voters"`
}

// Round tracks vote collection for one proposal in one epoch. It is not
// safe for concurrent use; the engine serializes access.
type Round struct {
	proposal Proposal
	state    State
	deadline time.Time
	f        int

	votes map[string]Vote // by voter id
	// equivocators sent conflicting verdicts; their votes never count.
	equivocators map[string]struct{}
}

// NewRound starts vote collection for a proposal.
func NewRound(p Proposal, f int, deadline time.Time) *Round {
	return &Round{
		proposal:     p,
		state:        StateCollecting,
		deadline:     deadline,
		f:            f,
		votes:        make(map[string]Vote),
		equivocators: make(map[string]struct{}),
	}
}

// Proposal returns the proposal under vote.
func (r *Round) Proposal() Proposal {
	return r.proposal
}

// State returns the round's current phase.
func (r *Round) State() State {
	return r.state
}

// Quorum returns the number of matching votes required to decide.
func (r *Round) Quorum() int {
	return 2*r.f + 1
}

// VoteCount returns the number of counted votes.
func (r *Round) VoteCount() int {
	return len(r.votes)
}

// RecordVote counts a verified vote. A repeated identical verdict is
// absorbed; a conflicting verdict from the same voter is equivocation and
// discards that voter entirely.
func (r *Round) RecordVote(v Vote) {
	if r.state != StateCollecting {
		return
	}
	if _, bad := r.equivocators[v.VoterID]; bad {
		return
	}
	if prev, ok := r.votes[v.VoterID]; ok {
		if prev.Accept != v.Accept {
			delete(r.votes, v.VoterID)
			r.equivocators[v.VoterID] = struct{}{}
		}
		return
	}
	r.votes[v.VoterID] = v
}

// TryDecide commits the round if either verdict holds a 2f+1 quorum.
func (r *Round) TryDecide() (*Decision, bool) {
	if r.state != StateCollecting {
		return nil, false
	}
	var accepts, rejects []Vote
	for _, v := range r.votes {
		if v.Accept {
			accepts = append(accepts, v)
		} else {
			rejects = append(rejects, v)
		}
	}

	commit := func(matching []Vote, accepted bool) *Decision {
		r.state = StateDecided
		voters := make([]string, 0, len(matching))
		confidences := make([]float64, 0, len(matching))
		for _, v := range matching {
			voters = append(voters, v.VoterID)
			confidences = append(confidences, v.Confidence)
		}
		return &Decision{
			ProposalID: r.proposal.ID,
			Epoch:      r.proposal.Epoch,
			Accepted:   accepted,
			Value:      r.proposal.Value,
			Confidence: TrimmedMean(confidences, 0.1),
			Voters:     voters,
		}
	}

	if len(accepts) >= r.Quorum() {
		return commit(accepts, true), true
	}
	if len(rejects) >= r.Quorum() {
		return commit(rejects, false), true
	}
	return nil, false
}

// Expire times the round out if the deadline has passed without a decision.
func (r *Round) Expire(now time.Time) *TimeoutError {
	if r.state != StateCollecting || now.Before(r.deadline) {
		return nil
	}
	r.state = StateTimedOut
	return &TimeoutError{
		ProposalID: r.proposal.ID,
		Epoch:      r.proposal.Epoch,
		Votes:      len(r.votes),
		Needed:     r.Quorum(),
	}
}
