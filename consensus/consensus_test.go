package consensus

import (
	"encoding/json"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/chrysalis-ai/memsync/clock"
)

type cluster struct {
	signers map[string]*Signer
	keyring Keyring
	roster  []string
}

func newCluster(t *testing.T, ids ...string) *cluster {
	t.Helper()
	c := &cluster{
		signers: make(map[string]*Signer),
		keyring: make(Keyring),
		roster:  ids,
	}
	for _, id := range ids {
		s, err := NewSigner(id)
		if err != nil {
			t.Fatalf("signer %s: %v", id, err)
		}
		c.signers[id] = s
		c.keyring[id] = s.PublicKey()
	}
	return c
}

func (c *cluster) engine(t *testing.T, id string, f int) *Engine {
	t.Helper()
	e, err := NewEngine(c.signers[id], c.keyring, c.roster, f, time.Minute, zerolog.Nop())
	if err != nil {
		t.Fatalf("engine %s: %v", id, err)
	}
	return e
}

func (c *cluster) signedVote(id, proposalID string, epoch uint64, accept bool, confidence float64) Vote {
	v := Vote{ProposalID: proposalID, VoterID: id, Epoch: epoch, Accept: accept, Confidence: confidence}
	v.Signature = c.signers[id].Sign(v.SigningBytes())
	return v
}

func TestEngineRejectsUndersizedRoster(t *testing.T) {
	c := newCluster(t, "a", "b", "c")
	if _, err := NewEngine(c.signers["a"], c.keyring, c.roster, 1, time.Minute, zerolog.Nop()); err == nil {
		t.Fatalf("roster of 3 accepted for f=1, need 3f+1=4")
	}
}

func TestQuorumDecidesRound(t *testing.T) {
	c := newCluster(t, "a", "b", "c", "d")
	e := c.engine(t, "a", 1)

	p, err := e.Propose(json.RawMessage(`{"op":"promote"}`), clock.Vector{"a": 1})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}

	if _, d, err := e.CastVote(p.ID, true, 0.9); err != nil || d != nil {
		t.Fatalf("own vote: decision=%v err=%v", d, err)
	}
	if d, err := e.HandleVote(c.signedVote("b", p.ID, 0, true, 0.8)); err != nil || d != nil {
		t.Fatalf("second vote: decision=%v err=%v", d, err)
	}

	d, err := e.HandleVote(c.signedVote("c", p.ID, 0, true, 0.7))
	if err != nil {
		t.Fatalf("third vote: %v", err)
	}
	if d == nil || !d.Accepted {
		t.Fatalf("2f+1 matching votes did not decide: %+v", d)
	}
	if len(d.Voters) != 3 {
		t.Fatalf("decision counted %d voters, want 3", len(d.Voters))
	}

	// Late votes return the committed decision unchanged.
	again, err := e.HandleVote(c.signedVote("d", p.ID, 0, true, 0.6))
	if err != nil || again == nil || again.Accepted != d.Accepted {
		t.Fatalf("late vote changed the decision: %+v, %v", again, err)
	}
}

func TestForgedVoteRejected(t *testing.T) {
	c := newCluster(t, "a", "b", "c", "d")
	e := c.engine(t, "a", 1)

	p, _ := e.Propose(json.RawMessage(`{}`), clock.NewVector())

	v := c.signedVote("b", p.ID, 0, true, 0.9)
	v.Accept = false // verdict no longer matches the signature
	if _, err := e.HandleVote(v); err == nil {
		t.Fatalf("tampered vote accepted")
	}

	outsider, _ := NewSigner("z")
	vz := Vote{ProposalID: p.ID, VoterID: "z", Epoch: 0, Accept: true}
	vz.Signature = outsider.Sign(vz.SigningBytes())
	if _, err := e.HandleVote(vz); err == nil {
		t.Fatalf("vote from outside the roster accepted")
	}
}

func TestEquivocatingVoterIsDiscarded(t *testing.T) {
	c := newCluster(t, "a", "b", "c", "d")
	e := c.engine(t, "a", 1)

	p, _ := e.Propose(json.RawMessage(`{}`), clock.NewVector())

	if _, err := e.HandleVote(c.signedVote("b", p.ID, 0, true, 0.9)); err != nil {
		t.Fatalf("first verdict: %v", err)
	}
	if _, err := e.HandleVote(c.signedVote("b", p.ID, 0, false, 0.9)); err != nil {
		t.Fatalf("conflicting verdict: %v", err)
	}

	// b's vote no longer counts: a + c + d are needed to decide.
	if _, d, _ := e.CastVote(p.ID, true, 0.9); d != nil {
		t.Fatalf("decided with an equivocator in the quorum")
	}
	d, err := e.HandleVote(c.signedVote("c", p.ID, 0, true, 0.9))
	if err != nil || d != nil {
		t.Fatalf("two honest votes should not decide: %+v, %v", d, err)
	}
	d, err = e.HandleVote(c.signedVote("d", p.ID, 0, true, 0.9))
	if err != nil || d == nil {
		t.Fatalf("three honest votes should decide: %+v, %v", d, err)
	}
}

func TestTimeoutRotatesProposer(t *testing.T) {
	c := newCluster(t, "a", "b", "c", "d")
	// Sorted roster is [a b c d]; epoch 1 belongs to "b".
	e := c.engine(t, "b", 1)

	p := Proposal{
		ID:         "prop-1",
		ProposerID: "a",
		Epoch:      0,
		Value:      json.RawMessage(`{"v":1}`),
		Stamp:      clock.NewVector(),
	}
	p.Signature = c.signers["a"].Sign(p.SigningBytes())
	if err := e.HandleProposal(p); err != nil {
		t.Fatalf("proposal: %v", err)
	}

	reproposals, timeouts := e.Expire(time.Now().Add(2 * time.Minute))
	if len(timeouts) != 1 {
		t.Fatalf("got %d timeouts, want 1", len(timeouts))
	}
	if !IsTimeout(timeouts[0]) {
		t.Fatalf("timeout error has the wrong type")
	}
	if len(reproposals) != 1 {
		t.Fatalf("rotated leader did not re-propose: %d", len(reproposals))
	}
	next := reproposals[0]
	if next.Epoch != 1 || next.ProposerID != "b" || next.ID != p.ID {
		t.Fatalf("carry-forward proposal wrong: %+v", next)
	}
	if string(next.Value) != `{"v":1}` {
		t.Fatalf("carried value changed: %s", next.Value)
	}
}

// TestByzantineSafety runs randomized trials on a four-replica roster with
// one byzantine voter that sends different verdicts to different replicas.
// Whenever two honest replicas both commit a decision for the same proposal,
// the decisions must agree.
func TestByzantineSafety(t *testing.T) {
	c := newCluster(t, "a", "b", "c", "d")
	rng := rand.New(rand.NewSource(42))

	const trials = 1000
	for trial := 0; trial < trials; trial++ {
		honest := []string{"a", "b", "c"}
		byz := "d"

		engines := make(map[string]*Engine, len(honest))
		for _, id := range honest {
			engines[id] = c.engine(t, id, 1)
		}

		p := Proposal{
			ID:         "prop",
			ProposerID: "a",
			Epoch:      0,
			Value:      json.RawMessage(`{"v":1}`),
			Stamp:      clock.NewVector(),
		}
		p.Signature = c.signers["a"].Sign(p.SigningBytes())
		for _, id := range honest {
			if err := engines[id].HandleProposal(p); err != nil {
				t.Fatalf("trial %d: proposal: %v", trial, err)
			}
		}

		// Each honest replica evaluates the proposal locally and broadcasts
		// one signed verdict. The byzantine replica signs both verdicts and
		// sends an arbitrary one to each peer.
		votes := make(map[string]Vote, len(honest))
		for _, id := range honest {
			votes[id] = c.signedVote(id, p.ID, 0, rng.Intn(4) != 0, rng.Float64())
		}

		for _, receiver := range honest {
			order := rng.Perm(len(honest))
			for _, i := range order {
				// Random partial delivery.
				if rng.Intn(5) == 0 {
					continue
				}
				_, _ = engines[receiver].HandleVote(votes[honest[i]])
			}
			_, _ = engines[receiver].HandleVote(c.signedVote(byz, p.ID, 0, rng.Intn(2) == 0, rng.Float64()))
		}

		var committed *Decision
		for _, id := range honest {
			d, ok := engines[id].Decision(p.ID)
			if !ok {
				continue
			}
			if committed == nil {
				committed = d
				continue
			}
			if committed.Accepted != d.Accepted {
				t.Fatalf("trial %d: honest replicas committed conflicting decisions", trial)
			}
		}
	}
}

func TestTrimmedMeanAndMedian(t *testing.T) {
	values := []float64{0.9, 0.8, 0.85, 0.1, 0.95, 0.9, 0.88, 0.92, 0.87, 0.91}
	tm := TrimmedMean(values, 0.1)
	plain := TrimmedMean(values, 0)
	if tm <= plain {
		t.Fatalf("trimming the 0.1 outlier should raise the mean: %v vs %v", tm, plain)
	}

	if got := Median([]float64{0.3, 0.9, 0.5}); got != 0.5 {
		t.Fatalf("median = %v, want 0.5", got)
	}
	if got := Median([]float64{0.4, 0.6}); math.Abs(got-0.5) > 1e-9 {
		t.Fatalf("even median = %v, want 0.5", got)
	}
	if got := TrimmedMean(nil, 0.1); got != 0 {
		t.Fatalf("empty mean = %v, want 0", got)
	}
}
