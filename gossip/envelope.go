// Package gossip implements epidemic dissemination of memory deltas: each
// replica periodically pushes its recent changes to a random bounded subset
// of peers and pulls theirs back, reaching the whole roster in an expected
// logarithmic number of rounds. Duplicate and out-of-order delivery are
// absorbed by CRDT idempotence, never tracked.
package gossip

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/chrysalis-ai/memsync/clock"
	"github.com/chrysalis-ai/memsync/consensus"
	"github.com/chrysalis-ai/memsync/memory"
)

// Envelope is the signed wire frame for every peer message. The signature
// covers the payload together with the vector clock, so a payload cannot be
// replayed under stale causal metadata.
type Envelope struct {
	SenderID    string          `json:"sender_id"`
	Signature   []byte          `json:"signature"`
	VectorClock clock.Vector    `json:"vector_clock"`
	Payload     json.RawMessage `json:"payload"`
}

// SigningBytes returns the byte string the envelope signature covers.
func (e *Envelope) SigningBytes() []byte {
	var b strings.Builder
	b.Write(e.Payload)
	b.WriteByte('|')
	ids := make([]string, 0, len(e.VectorClock))
	for id := range e.VectorClock {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		b.WriteString(id)
		b.WriteByte('=')
		b.WriteString(strconv.FormatUint(e.VectorClock[id], 10))
		b.WriteByte(';')
	}
	return []byte(b.String())
}

// Seal signs a payload into an envelope.
func Seal(signer *consensus.Signer, clk clock.Vector, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode gossip payload: %w", err)
	}
	env := &Envelope{
		SenderID:    signer.ReplicaID(),
		VectorClock: clk.Clone(),
		Payload:     raw,
	}
	env.Signature = signer.Sign(env.SigningBytes())
	return env, nil
}

// OpenInto verifies the envelope against the keyring and decodes its
// payload.
func OpenInto(keyring consensus.Keyring, env *Envelope, out any) error {
	if env.SenderID == "" {
		return memory.NewValidationError("gossip envelope has no sender", "")
	}
	if !keyring.Verify(env.SenderID, env.SigningBytes(), env.Signature) {
		return memory.NewValidationError(
			fmt.Sprintf("gossip envelope from %s failed signature verification", env.SenderID), "")
	}
	if err := json.Unmarshal(env.Payload, out); err != nil {
		return memory.NewValidationError("malformed gossip payload", "")
	}
	return nil
}

// MessageKind distinguishes gossip payloads.
type MessageKind string

const (
	// KindPushPull carries the sender's deltas and asks for the receiver's
	// deltas since the embedded clock in one round trip.
	KindPushPull MessageKind = "push_pull"
	// KindDeltas is the reply: deltas only, nothing requested back.
	KindDeltas MessageKind = "deltas"
	// KindProposal and KindVote carry consensus traffic over the same links.
	KindProposal MessageKind = "proposal"
	KindVote     MessageKind = "vote"
)

// Message is the decoded gossip payload.
type Message struct {
	Kind MessageKind `json:"kind"`

	// Deltas are entries changed since the receiver's last exchange.
	Deltas []*memory.Entry `json:"deltas,omitempty"`
	// Since is the clock the sender last saw from the receiver; the reply
	// carries deltas newer than this.
	Since clock.Vector `json:"since,omitempty"`

	Proposal *consensus.Proposal `json:"proposal,omitempty"`
	Vote     *consensus.Vote     `json:"vote,omitempty"`
}
