package gossip

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/chrysalis-ai/memsync/clock"
	"github.com/chrysalis-ai/memsync/consensus"
	"github.com/chrysalis-ai/memsync/replica"
)

// Peer identifies a gossip neighbor.
type Peer struct {
	ID   string `json:"id" yaml:"id"`
	Addr string `json:"addr" yaml:"addr"`
	// PublicKey is the peer's base64-encoded ed25519 verification key.
	PublicKey string `json:"public_key,omitempty" yaml:"public_key,omitempty"`
}

// Transport delivers a signed envelope to a peer and returns its signed
// reply.
type Transport interface {
	Exchange(ctx context.Context, peer Peer, env *Envelope) (*Envelope, error)
}

// DefaultFanout is how many peers each round contacts.
const DefaultFanout = 3

// DefaultInterval is the pause between gossip rounds.
const DefaultInterval = 500 * time.Millisecond

// DefaultAntiEntropyEvery is how many ordinary rounds pass between full
// anti-entropy exchanges.
const DefaultAntiEntropyEvery = 20

// Stats counts dissemination work for observability.
type Stats struct {
	Rounds      uint64 `json:"rounds"`
	AntiEntropy uint64 `json:"anti_entropy"`
	Sent        uint64 `json:"sent"`
	Merged      uint64 `json:"merged"`
	Failed      uint64 `json:"failed"`
}

// ExpectedRounds estimates how many rounds full dissemination takes across
// n replicas at the given fanout: ceil(log_fanout n).
func ExpectedRounds(n, fanout int) int {
	if n <= 1 || fanout < 2 {
		return n
	}
	return int(math.Ceil(math.Log(float64(n)) / math.Log(float64(fanout))))
}

// Gossiper drives the epidemic exchange loop for one replica.
type Gossiper struct {
	replica   *replica.Replica
	signer    *consensus.Signer
	keyring   consensus.Keyring
	transport Transport
	peers     []Peer
	fanout    int
	interval  time.Duration
	logger    zerolog.Logger

	mu       sync.Mutex
	lastSeen map[string]clock.Vector // peer id -> clock at last completed exchange
	stats    Stats
	rng      *rand.Rand

	// onDecision receives consensus traffic forwarded off the gossip links.
	consensusEngine *consensus.Engine
}

// Options configures a Gossiper.
type Options struct {
	Replica   *replica.Replica
	Signer    *consensus.Signer
	Keyring   consensus.Keyring
	Transport Transport
	Peers     []Peer
	Fanout    int
	Interval  time.Duration
	Consensus *consensus.Engine
	Logger    zerolog.Logger
	Seed      int64
}

// New creates a gossiper.
func New(opts Options) *Gossiper {
	fanout := opts.Fanout
	if fanout <= 0 {
		fanout = DefaultFanout
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Gossiper{
		replica:         opts.Replica,
		signer:          opts.Signer,
		keyring:         opts.Keyring,
		transport:       opts.Transport,
		peers:           append([]Peer(nil), opts.Peers...),
		fanout:          fanout,
		interval:        interval,
		logger:          opts.Logger.With().Str("component", "gossip").Logger(),
		lastSeen:        make(map[string]clock.Vector),
		rng:             rand.New(rand.NewSource(seed)),
		consensusEngine: opts.Consensus,
	}
}

// Stats returns a copy of the dissemination counters.
func (g *Gossiper) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stats
}

// Run gossips until the context is cancelled, interleaving a full
// anti-entropy exchange every DefaultAntiEntropyEvery rounds.
func (g *Gossiper) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	round := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			round++
			if round%DefaultAntiEntropyEvery == 0 {
				g.AntiEntropy(ctx)
			} else {
				g.Round(ctx)
			}
		}
	}
}

// Round contacts up to fanout random peers with a push-pull exchange of
// deltas since the last completed exchange with each.
func (g *Gossiper) Round(ctx context.Context) {
	for _, peer := range g.pickPeers(g.fanout) {
		g.exchangeWith(ctx, peer, g.sinceFor(peer.ID))
	}
	g.mu.Lock()
	g.stats.Rounds++
	g.mu.Unlock()
}

// AntiEntropy runs a full-state exchange with every peer, repairing any
// divergence that incremental rounds missed.
func (g *Gossiper) AntiEntropy(ctx context.Context) {
	g.mu.Lock()
	peers := append([]Peer(nil), g.peers...)
	g.mu.Unlock()

	for _, peer := range peers {
		g.exchangeWith(ctx, peer, clock.NewVector())
	}
	g.mu.Lock()
	g.stats.AntiEntropy++
	g.mu.Unlock()
}

func (g *Gossiper) sinceFor(peerID string) clock.Vector {
	g.mu.Lock()
	defer g.mu.Unlock()
	if clk, ok := g.lastSeen[peerID]; ok {
		return clk.Clone()
	}
	return clock.NewVector()
}

func (g *Gossiper) pickPeers(n int) []Peer {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.peers) == 0 {
		return nil
	}
	shuffled := append([]Peer(nil), g.peers...)
	g.rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	return shuffled[:lo.Min([]int{n, len(shuffled)})]
}

func (g *Gossiper) exchangeWith(ctx context.Context, peer Peer, since clock.Vector) {
	deltas := g.replica.DeltasSince(since)
	msg := Message{
		Kind:   KindPushPull,
		Deltas: deltas,
		Since:  since,
	}
	env, err := Seal(g.signer, g.replica.Clock(), msg)
	if err != nil {
		g.fail(peer.ID, err)
		return
	}

	reply, err := g.transport.Exchange(ctx, peer, env)
	if err != nil {
		g.fail(peer.ID, err)
		return
	}

	var replyMsg Message
	if err := OpenInto(g.keyring, reply, &replyMsg); err != nil {
		g.fail(peer.ID, err)
		return
	}

	report, err := g.replica.MergeIncomingBatch(ctx, reply.SenderID, replyMsg.Deltas)
	if err != nil {
		g.fail(peer.ID, err)
		return
	}

	if err := g.replica.RecordAck(ctx, reply.SenderID, reply.VectorClock); err != nil {
		g.logger.Warn().Err(err).Str("peer", peer.ID).Msg("failed to persist peer ack")
	}

	g.mu.Lock()
	g.lastSeen[peer.ID] = reply.VectorClock.Clone()
	g.stats.Sent += uint64(len(deltas))
	g.stats.Merged += uint64(len(report.Accepted))
	g.mu.Unlock()

	g.logger.Debug().
		Str("peer", peer.ID).
		Int("pushed", len(deltas)).
		Int("pulled", len(replyMsg.Deltas)).
		Int("accepted", len(report.Accepted)).
		Msg("completed gossip exchange")
}

func (g *Gossiper) fail(peerID string, err error) {
	g.mu.Lock()
	g.stats.Failed++
	g.mu.Unlock()
	g.logger.Warn().Err(err).Str("peer", peerID).Msg("gossip exchange failed")
}

// HandleEnvelope is the receiving side of an exchange. It verifies the
// envelope, merges pushed deltas, forwards consensus traffic, and returns a
// signed reply carrying this replica's deltas since the sender's clock.
func (g *Gossiper) HandleEnvelope(ctx context.Context, env *Envelope) (*Envelope, error) {
	var msg Message
	if err := OpenInto(g.keyring, env, &msg); err != nil {
		return nil, err
	}

	switch msg.Kind {
	case KindProposal:
		if g.consensusEngine != nil && msg.Proposal != nil {
			if err := g.consensusEngine.HandleProposal(*msg.Proposal); err != nil {
				return nil, err
			}
		}
		return Seal(g.signer, g.replica.Clock(), Message{Kind: KindDeltas})
	case KindVote:
		if g.consensusEngine != nil && msg.Vote != nil {
			if d, err := g.consensusEngine.HandleVote(*msg.Vote); err != nil {
				return nil, err
			} else if d != nil {
				if err := g.replica.RecordDecision(ctx, d); err != nil {
					g.logger.Warn().Err(err).Str("proposal", d.ProposalID).Msg("failed to record decision")
				}
			}
		}
		return Seal(g.signer, g.replica.Clock(), Message{Kind: KindDeltas})
	}

	if _, err := g.replica.MergeIncomingBatch(ctx, env.SenderID, msg.Deltas); err != nil {
		return nil, err
	}
	if err := g.replica.RecordAck(ctx, env.SenderID, env.VectorClock); err != nil {
		g.logger.Warn().Err(err).Str("peer", env.SenderID).Msg("failed to persist peer ack")
	}

	reply := Message{
		Kind:   KindDeltas,
		Deltas: g.replica.DeltasSince(msg.Since),
	}

	g.mu.Lock()
	g.lastSeen[env.SenderID] = env.VectorClock.Clone()
	g.mu.Unlock()

	return Seal(g.signer, g.replica.Clock(), reply)
}

// Broadcast sends a consensus payload to every peer.
func (g *Gossiper) Broadcast(ctx context.Context, msg Message) {
	g.mu.Lock()
	peers := append([]Peer(nil), g.peers...)
	g.mu.Unlock()

	for _, peer := range peers {
		env, err := Seal(g.signer, g.replica.Clock(), msg)
		if err != nil {
			g.fail(peer.ID, err)
			continue
		}
		if _, err := g.transport.Exchange(ctx, peer, env); err != nil {
			g.fail(peer.ID, err)
		}
	}
}
