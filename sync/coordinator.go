// Package sync orchestrates experience synchronization per replica: which
// protocol drives exchanges (continuous, batched, scheduled), the
// reciprocity gate in front of pulls, and the three-tier access scoping of
// session writes.
package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/chrysalis-ai/memsync/clock"
	"github.com/chrysalis-ai/memsync/consensus"
	"github.com/chrysalis-ai/memsync/gossip"
	"github.com/chrysalis-ai/memsync/memory"
	"github.com/chrysalis-ai/memsync/notify"
	"github.com/chrysalis-ai/memsync/replica"
	"github.com/chrysalis-ai/memsync/sessionstore"
)

// Protocol selects how a replica exchanges experiences with the roster.
type Protocol string

const (
	// ProtocolContinuous applies merges as gossip arrives.
	ProtocolContinuous Protocol = "continuous"
	// ProtocolBatched accumulates deltas and exchanges on a fixed interval.
	ProtocolBatched Protocol = "batched"
	// ProtocolScheduled runs a full-state reconciliation on a cron trigger.
	ProtocolScheduled Protocol = "scheduled"
)

// Valid reports whether the protocol is a known one.
func (p Protocol) Valid() bool {
	return p == ProtocolContinuous || p == ProtocolBatched || p == ProtocolScheduled
}

// DefaultSessionTTL bounds external-tier session lifetime.
const DefaultSessionTTL = 30 * time.Minute

// Options assembles a Coordinator.
type Options struct {
	Replica       *replica.Replica
	Gossiper      *gossip.Gossiper
	Sessions      *sessionstore.Store
	Notifier      notify.Sink
	Protocol      Protocol
	Schedule      string // cron expression or duration, scheduled protocol only
	BatchInterval time.Duration
	SessionTTL    time.Duration
	Logger        zerolog.Logger
}

// Coordinator drives the sync lifecycle for one replica.
type Coordinator struct {
	replica    *replica.Replica
	gossiper   *gossip.Gossiper
	sessions   *sessionstore.Store
	notifier   notify.Sink
	protocol   Protocol
	schedule   string
	batchEvery time.Duration
	sessionTTL time.Duration
	logger     zerolog.Logger
}

// NewCoordinator validates the protocol selection and assembles a
// coordinator.
func NewCoordinator(opts Options) (*Coordinator, error) {
	if !opts.Protocol.Valid() {
		return nil, fmt.Errorf("unknown sync protocol %q", opts.Protocol)
	}
	if opts.Protocol == ProtocolScheduled {
		if _, err := ParseSchedule(opts.Schedule); err != nil {
			return nil, fmt.Errorf("scheduled protocol: %w", err)
		}
	}
	batchEvery := opts.BatchInterval
	if batchEvery <= 0 {
		batchEvery = 30 * time.Second
	}
	ttl := opts.SessionTTL
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = notify.NewLogSink(opts.Logger)
	}
	return &Coordinator{
		replica:    opts.Replica,
		gossiper:   opts.Gossiper,
		sessions:   opts.Sessions,
		notifier:   notifier,
		protocol:   opts.Protocol,
		schedule:   opts.Schedule,
		batchEvery: batchEvery,
		sessionTTL: ttl,
		logger:     opts.Logger.With().Str("component", "sync").Logger(),
	}, nil
}

// OpenSession starts a sync session for a peer replica or collaborator.
// External-tier sessions get a TTL; their writes stay ephemeral.
func (c *Coordinator) OpenSession(ctx context.Context, peerID string, tier memory.Tier, namespace string) (*sessionstore.Session, error) {
	if !tier.Valid() {
		return nil, memory.NewValidationError(fmt.Sprintf("unknown tier %q", tier), "")
	}
	if peerID == "" {
		return nil, memory.NewValidationError("peer id is empty", "")
	}

	now := time.Now().UTC()
	session := &sessionstore.Session{
		ID:           uuid.NewString(),
		PeerID:       peerID,
		Protocol:     string(c.protocol),
		State:        sessionstore.StateActive,
		Tier:         string(tier),
		Namespace:    namespace,
		StartedAt:    now,
		LastExchange: now,
		PeerClock:    clock.NewVector(),
	}
	if tier == memory.TierExternal {
		session.ExpiresAt = now.Add(c.sessionTTL)
	}
	if err := c.sessions.SaveSession(ctx, session); err != nil {
		return nil, err
	}
	c.logger.Info().
		Str("session", session.ID).
		Str("peer", peerID).
		Str("tier", string(tier)).
		Msg("opened sync session")
	return session, nil
}

// Write applies a session-scoped experience under tier rules: system writes
// anywhere, internal writes only inside its namespace, external writes stay
// off the durable merge log entirely.
func (c *Coordinator) Write(ctx context.Context, sessionID string, params memory.NewEntryParams) (string, error) {
	session, err := c.activeSession(ctx, sessionID)
	if err != nil {
		return "", err
	}

	switch memory.Tier(session.Tier) {
	case memory.TierSystem:
		return c.writeDurable(ctx, session, params)
	case memory.TierInternal:
		if params.Namespace != session.Namespace {
			violation := memory.NewScopeViolation(
				fmt.Sprintf("session %s is scoped to namespace %q, write targeted %q",
					sessionID, session.Namespace, params.Namespace), "")
			c.notifyEvent(ctx, notify.KindScopeViolation, session.PeerID, violation.Error())
			return "", violation
		}
		return c.writeDurable(ctx, session, params)
	case memory.TierExternal:
		return c.replica.ApplyEphemeral(sessionID, params, session.ExpiresAt)
	}
	return "", memory.NewValidationError(fmt.Sprintf("session %s has unknown tier %q", sessionID, session.Tier), "")
}

func (c *Coordinator) writeDurable(ctx context.Context, session *sessionstore.Session, params memory.NewEntryParams) (string, error) {
	id, err := c.replica.ApplyLocalExperience(ctx, params)
	if memory.IsMergeUnresolved(err) {
		c.notifyEvent(ctx, notify.KindMergeReview, session.PeerID, err.Error())
	}
	return id, err
}

// Push merges a peer's delta set through its session and credits the
// contribution for the reciprocity gate.
func (c *Coordinator) Push(ctx context.Context, sessionID string, deltas []*memory.Entry) (*memory.MergeReport, error) {
	session, err := c.activeSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if memory.Tier(session.Tier) == memory.TierExternal {
		violation := memory.NewScopeViolation(
			fmt.Sprintf("external session %s cannot write the merge log", sessionID), "")
		c.notifyEvent(ctx, notify.KindScopeViolation, session.PeerID, violation.Error())
		return nil, violation
	}

	report, err := c.replica.MergeIncomingBatch(ctx, session.PeerID, deltas)
	if err != nil {
		return nil, err
	}
	for _, id := range report.HeldForReview {
		c.notifyEvent(ctx, notify.KindMergeReview, session.PeerID,
			fmt.Sprintf("entry %s held for duplicate review", id))
	}

	// Only accepted deltas count as contributed; rejected garbage does not
	// advance the reciprocity clock.
	accepted := make(map[string]struct{}, len(report.Accepted))
	for _, id := range report.Accepted {
		accepted[id] = struct{}{}
	}
	for _, d := range deltas {
		if _, ok := accepted[d.ID]; ok {
			session.PeerClock.Merge(d.CausalStamp)
		}
	}
	session.PushedCount += len(report.Accepted)
	session.LastExchange = time.Now().UTC()
	if err := c.sessions.SaveSession(ctx, session); err != nil {
		return nil, err
	}
	return report, nil
}

// Pull returns the deltas the peer has not yet acknowledged. The
// reciprocity gate runs first: a peer whose declared clock shows unshared
// local deltas must push them before it may pull.
func (c *Coordinator) Pull(ctx context.Context, sessionID string, declared clock.Vector) ([]*memory.Entry, error) {
	session, err := c.activeSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if declared.Get(session.PeerID) > session.PeerClock.Get(session.PeerID) {
		violation := memory.NewScopeViolation(
			fmt.Sprintf("peer %s holds unshared deltas (declared %d, pushed through %d); push before pulling",
				session.PeerID, declared.Get(session.PeerID), session.PeerClock.Get(session.PeerID)), "")
		c.notifyEvent(ctx, notify.KindScopeViolation, session.PeerID, violation.Error())
		return nil, violation
	}

	deltas := c.replica.DeltasSince(session.PeerClock)
	session.PeerClock.Merge(c.replica.Clock())
	session.PulledCount += len(deltas)
	session.LastExchange = time.Now().UTC()
	if err := c.sessions.SaveSession(ctx, session); err != nil {
		return nil, err
	}
	if err := c.replica.RecordAck(ctx, session.PeerID, declared); err != nil {
		c.logger.Warn().Err(err).Str("peer", session.PeerID).Msg("failed to persist peer ack")
	}
	return deltas, nil
}

// Status returns the most recent session for a peer replica, with the last
// recorded merge error attached. Background gossip keeps running regardless
// of what is reported here.
func (c *Coordinator) Status(ctx context.Context, peerID string) (*sessionstore.Session, error) {
	sessions, err := c.sessions.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	var latest *sessionstore.Session
	for _, s := range sessions {
		if s.PeerID != peerID {
			continue
		}
		if latest == nil || s.StartedAt.After(latest.StartedAt) {
			latest = s
		}
	}
	if latest == nil {
		return nil, sessionstore.ErrNotFound
	}
	if msg, ok := c.replica.LastError(peerID); ok {
		latest.LastError = msg
	}
	return latest, nil
}

// CloseSession ends a session. External-session state is discarded.
func (c *Coordinator) CloseSession(ctx context.Context, sessionID string) error {
	session, err := c.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	session.State = sessionstore.StateClosed
	if memory.Tier(session.Tier) == memory.TierExternal {
		c.replica.DropSession(sessionID)
	}
	return c.sessions.SaveSession(ctx, session)
}

// ExpireSessions marks overdue external sessions expired and discards their
// ephemeral state. Returns how many sessions expired.
func (c *Coordinator) ExpireSessions(ctx context.Context, now time.Time) (int, error) {
	sessions, err := c.sessions.ListSessions(ctx)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, s := range sessions {
		if s.State != sessionstore.StateActive || s.ExpiresAt.IsZero() || now.Before(s.ExpiresAt) {
			continue
		}
		s.State = sessionstore.StateExpired
		c.replica.DropSession(s.ID)
		if err := c.sessions.SaveSession(ctx, s); err != nil {
			return expired, err
		}
		expired++
		c.logger.Info().Str("session", s.ID).Str("peer", s.PeerID).Msg("expired external session")
	}
	return expired, nil
}

// HandleConsensusTimeouts reports round timeouts through the notification
// sink. Timeouts are transient: the engine has already rotated the proposer.
func (c *Coordinator) HandleConsensusTimeouts(ctx context.Context, timeouts []*consensus.TimeoutError) {
	for _, te := range timeouts {
		c.notifyEvent(ctx, notify.KindConsensusTimeout, "", te.Error())
	}
}

// Run drives the configured protocol until the context is cancelled. An
// expiry sweep for external sessions runs alongside every protocol.
func (c *Coordinator) Run(ctx context.Context) error {
	go c.expiryLoop(ctx)

	switch c.protocol {
	case ProtocolContinuous:
		return c.gossiper.Run(ctx)
	case ProtocolBatched:
		ticker := time.NewTicker(c.batchEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				c.gossiper.Round(ctx)
			}
		}
	case ProtocolScheduled:
		schedule, err := ParseSchedule(c.schedule)
		if err != nil {
			return err
		}
		for {
			next := schedule.Next(time.Now())
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Until(next)):
				c.gossiper.AntiEntropy(ctx)
			}
		}
	}
	return fmt.Errorf("unknown sync protocol %q", c.protocol)
}

func (c *Coordinator) expiryLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.ExpireSessions(ctx, time.Now()); err != nil {
				c.logger.Warn().Err(err).Msg("session expiry sweep failed")
			}
		}
	}
}

func (c *Coordinator) activeSession(ctx context.Context, sessionID string) (*sessionstore.Session, error) {
	session, err := c.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.State != sessionstore.StateActive {
		return nil, memory.NewValidationError(
			fmt.Sprintf("session %s is %s", sessionID, session.State), "")
	}
	if !session.ExpiresAt.IsZero() && time.Now().After(session.ExpiresAt) {
		return nil, memory.NewValidationError(fmt.Sprintf("session %s has expired", sessionID), "")
	}
	return session, nil
}

func (c *Coordinator) notifyEvent(ctx context.Context, kind notify.Kind, replicaID, message string) {
	event := notify.Event{Kind: kind, ReplicaID: replicaID, Message: message, At: time.Now().UTC()}
	if err := c.notifier.Notify(ctx, event); err != nil {
		c.logger.Warn().Err(err).Str("kind", string(kind)).Msg("notification delivery failed")
	}
}
