package sync

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrysalis-ai/memsync/clock"
	"github.com/chrysalis-ai/memsync/memory"
	"github.com/chrysalis-ai/memsync/notify"
	"github.com/chrysalis-ai/memsync/replica"
	"github.com/chrysalis-ai/memsync/sessionstore"
)

type captureSink struct {
	events []notify.Event
}

func (s *captureSink) Notify(_ context.Context, event notify.Event) error {
	s.events = append(s.events, event)
	return nil
}

type fixture struct {
	coordinator *Coordinator
	replica     *replica.Replica
	peer        *replica.Replica
	sink        *captureSink
}

func newFixture(t *testing.T, ttl time.Duration) *fixture {
	t.Helper()

	sessions, err := sessionstore.Open(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sessions.Close() })

	local, err := replica.New(replica.Options{
		ID: "ra", Tier: memory.TierSystem, Namespace: "agent-7", Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	peer, err := replica.New(replica.Options{
		ID: "rb", Tier: memory.TierSystem, Namespace: "agent-7", Logger: zerolog.Nop(),
	})
	require.NoError(t, err)

	sink := &captureSink{}
	coordinator, err := NewCoordinator(Options{
		Replica:    local,
		Sessions:   sessions,
		Notifier:   sink,
		Protocol:   ProtocolBatched,
		SessionTTL: ttl,
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)

	return &fixture{coordinator: coordinator, replica: local, peer: peer, sink: sink}
}

func params(content, namespace string) memory.NewEntryParams {
	return memory.NewEntryParams{
		Content:    content,
		Class:      memory.ClassSemantic,
		Importance: 0.5,
		Confidence: 0.5,
		Tier:       memory.TierInternal,
		Namespace:  namespace,
	}
}

func TestReciprocityGateBlocksFreeRiders(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Hour)

	// The local replica holds state worth pulling.
	_, err := f.replica.ApplyLocalExperience(ctx, params("shared knowledge", "agent-7"))
	require.NoError(t, err)

	session, err := f.coordinator.OpenSession(ctx, "rb", memory.TierInternal, "agent-7")
	require.NoError(t, err)

	// The peer wrote locally but pushed nothing: its declared clock is ahead
	// of anything it has shared. The pull is rejected, never silent.
	_, err = f.peer.ApplyLocalExperience(ctx, params("hoarded delta", "agent-7"))
	require.NoError(t, err)
	_, err = f.coordinator.Pull(ctx, session.ID, f.peer.Clock())
	require.Error(t, err)
	assert.True(t, memory.IsScopeViolation(err))
	require.NotEmpty(t, f.sink.events)
	assert.Equal(t, notify.KindScopeViolation, f.sink.events[0].Kind)

	// After pushing its deltas the pull succeeds.
	report, err := f.coordinator.Push(ctx, session.ID, f.peer.DeltasSince(clock.NewVector()))
	require.NoError(t, err)
	assert.Len(t, report.Accepted, 1)

	deltas, err := f.coordinator.Pull(ctx, session.ID, f.peer.Clock())
	require.NoError(t, err)
	assert.NotEmpty(t, deltas)
}

func TestPullWithNothingToShareIsAllowed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Hour)

	_, err := f.replica.ApplyLocalExperience(ctx, params("existing state", "agent-7"))
	require.NoError(t, err)

	session, err := f.coordinator.OpenSession(ctx, "rb", memory.TierInternal, "agent-7")
	require.NoError(t, err)

	// A fresh peer with an empty clock has nothing unshared.
	deltas, err := f.coordinator.Pull(ctx, session.ID, clock.NewVector())
	require.NoError(t, err)
	assert.Len(t, deltas, 1)
}

func TestInternalSessionCannotWriteForeignNamespace(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Hour)

	session, err := f.coordinator.OpenSession(ctx, "rb", memory.TierInternal, "agent-7")
	require.NoError(t, err)

	_, err = f.coordinator.Write(ctx, session.ID, params("cross-namespace write", "agent-9"))
	require.Error(t, err)
	assert.True(t, memory.IsScopeViolation(err))

	// The in-scope write succeeds.
	id, err := f.coordinator.Write(ctx, session.ID, params("in-scope write", "agent-7"))
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestExternalSessionWritesVanishAfterTTL(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 50*time.Millisecond)

	session, err := f.coordinator.OpenSession(ctx, "visitor", memory.TierExternal, "agent-7")
	require.NoError(t, err)

	_, err = f.coordinator.Write(ctx, session.ID, params("ephemeral note", "agent-7"))
	require.NoError(t, err)

	snap, err := f.replica.QueryMergedState("agent-7", memory.TierInternal)
	require.NoError(t, err)
	assert.Len(t, snap.Entries, 1, "unexpired session write should be visible")

	// External sessions may never push to the merge log at all.
	_, err = f.coordinator.Push(ctx, session.ID, nil)
	require.Error(t, err)
	assert.True(t, memory.IsScopeViolation(err))

	expired, err := f.coordinator.ExpireSessions(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	snap, err = f.replica.QueryMergedState("agent-7", memory.TierInternal)
	require.NoError(t, err)
	assert.Empty(t, snap.Entries, "expired session writes must not appear in merged state")

	status, err := f.coordinator.Status(ctx, "visitor")
	require.NoError(t, err)
	assert.Equal(t, sessionstore.StateExpired, status.State)
}

func TestCloseSessionDiscardsEphemeralState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Hour)

	session, err := f.coordinator.OpenSession(ctx, "visitor", memory.TierExternal, "agent-7")
	require.NoError(t, err)
	_, err = f.coordinator.Write(ctx, session.ID, params("note", "agent-7"))
	require.NoError(t, err)

	require.NoError(t, f.coordinator.CloseSession(ctx, session.ID))

	snap, err := f.replica.QueryMergedState("agent-7", memory.TierInternal)
	require.NoError(t, err)
	assert.Empty(t, snap.Entries)

	// Writes through a closed session are refused.
	_, err = f.coordinator.Write(ctx, session.ID, params("late note", "agent-7"))
	require.Error(t, err)
}

func TestStatusSurfacesLastError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Hour)

	session, err := f.coordinator.OpenSession(ctx, "rb", memory.TierInternal, "agent-7")
	require.NoError(t, err)

	// A malformed delta is rejected and remembered per peer.
	bad := &memory.Entry{ID: "x"}
	report, err := f.coordinator.Push(ctx, session.ID, []*memory.Entry{bad})
	require.NoError(t, err)
	assert.Len(t, report.Rejected, 1)

	status, err := f.coordinator.Status(ctx, "rb")
	require.NoError(t, err)
	assert.Equal(t, session.ID, status.ID)
	assert.NotEmpty(t, status.LastError)
}

type stubScorer struct{ score float64 }

func (s stubScorer) Score(_ context.Context, _, _ *memory.Entry) (float64, error) {
	return s.score, nil
}

func TestPushHoldsDuplicatesForManualReview(t *testing.T) {
	ctx := context.Background()

	sessions, err := sessionstore.Open(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sessions.Close() })

	// Exactly at the threshold: the boundary case manual review exists for.
	deduper, err := memory.NewDeduper(stubScorer{score: 0.9}, 0.9,
		memory.PolicyManualReview, "ra", zerolog.Nop())
	require.NoError(t, err)

	local, err := replica.New(replica.Options{
		ID: "ra", Tier: memory.TierSystem, Namespace: "agent-7",
		Deduper: deduper, Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	peer, err := replica.New(replica.Options{
		ID: "rb", Tier: memory.TierSystem, Namespace: "agent-7", Logger: zerolog.Nop(),
	})
	require.NoError(t, err)

	sink := &captureSink{}
	coordinator, err := NewCoordinator(Options{
		Replica:  local,
		Sessions: sessions,
		Notifier: sink,
		Protocol: ProtocolBatched,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)

	_, err = local.ApplyLocalExperience(ctx, params("user likes dark mode", "agent-7"))
	require.NoError(t, err)
	_, err = peer.ApplyLocalExperience(ctx, params("user prefers dark mode", "agent-7"))
	require.NoError(t, err)

	session, err := coordinator.OpenSession(ctx, "rb", memory.TierInternal, "agent-7")
	require.NoError(t, err)

	report, err := coordinator.Push(ctx, session.ID, peer.DeltasSince(clock.NewVector()))
	require.NoError(t, err)
	assert.Len(t, report.HeldForReview, 1)
	assert.Empty(t, report.Accepted)

	require.NotEmpty(t, sink.events)
	assert.Equal(t, notify.KindMergeReview, sink.events[0].Kind)
}

func TestParseSchedule(t *testing.T) {
	cases := []struct {
		name    string
		expr    string
		wantErr bool
	}{
		{"five-field cron", "*/15 * * * *", false},
		{"six-field cron", "0 */15 * * * *", false},
		{"duration", "90s", false},
		{"descriptor", "@hourly", false},
		{"empty", "", true},
		{"garbage", "whenever", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			parser, err := ParseSchedule(tc.expr)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			next := parser.Next(time.Now())
			assert.True(t, next.After(time.Now().Add(-time.Second)))
		})
	}
}

func TestCoordinatorRejectsUnknownProtocol(t *testing.T) {
	_, err := NewCoordinator(Options{Protocol: "psychic", Logger: zerolog.Nop()})
	require.Error(t, err)

	_, err = NewCoordinator(Options{Protocol: ProtocolScheduled, Schedule: "nope", Logger: zerolog.Nop()})
	require.Error(t, err)
}
