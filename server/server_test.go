package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrysalis-ai/memsync/clock"
	"github.com/chrysalis-ai/memsync/consensus"
	"github.com/chrysalis-ai/memsync/gossip"
	"github.com/chrysalis-ai/memsync/memory"
	"github.com/chrysalis-ai/memsync/replica"
	"github.com/chrysalis-ai/memsync/sessionstore"
	syncpkg "github.com/chrysalis-ai/memsync/sync"
)

type fixture struct {
	server     *httptest.Server
	replica    *replica.Replica
	peer       *replica.Replica
	peerSigner *consensus.Signer
	keyring    consensus.Keyring
}

func newFixture(t *testing.T) *fixture {
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

	localSigner, err := consensus.NewSigner("ra")
	require.NoError(t, err)
	peerSigner, err := consensus.NewSigner("rb")
	require.NoError(t, err)
	keyring := consensus.Keyring{
		"ra": localSigner.PublicKey(),
		"rb": peerSigner.PublicKey(),
	}

	gossiper := gossip.New(gossip.Options{
		Replica:   local,
		Signer:    localSigner,
		Keyring:   keyring,
		Transport: gossip.NewMemoryTransport(),
		Logger:    zerolog.Nop(),
	})

	coordinator, err := syncpkg.NewCoordinator(syncpkg.Options{
		Replica:  local,
		Sessions: sessions,
		Protocol: syncpkg.ProtocolBatched,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)

	srv := New("127.0.0.1:0", local, coordinator, gossiper, zerolog.Nop())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &fixture{server: ts, replica: local, peer: peer, peerSigner: peerSigner, keyring: keyring}
}

func (f *fixture) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(f.server.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func semanticParams(content string) memory.NewEntryParams {
	return memory.NewEntryParams{
		Content:    content,
		Class:      memory.ClassSemantic,
		Importance: 0.5,
		Confidence: 0.5,
		Tier:       memory.TierInternal,
		Namespace:  "agent-7",
	}
}

func TestApplyExperienceAndQueryState(t *testing.T) {
	f := newFixture(t)

	resp := f.post(t, "/v1/experiences", semanticParams("user prefers dark mode"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[map[string]string](t, resp)
	require.NotEmpty(t, created["entry_id"])

	resp, err := http.Get(f.server.URL + "/v1/state?namespace=agent-7&tier=internal")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	snap := decode[memory.Snapshot](t, resp)
	require.Len(t, snap.Entries, 1)
	assert.Equal(t, created["entry_id"], snap.Entries[0].ID)
}

func TestMalformedBodyIsBadRequest(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Post(f.server.URL+"/v1/experiences", "application/json",
		strings.NewReader("{not json"))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decode[map[string]string](t, resp)
	assert.Equal(t, "validation", body["type"])
}

func TestInvalidEntryIsBadRequest(t *testing.T) {
	f := newFixture(t)

	params := semanticParams("")
	resp := f.post(t, "/v1/experiences", params)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSessionScopeViolationIsForbidden(t *testing.T) {
	f := newFixture(t)

	resp := f.post(t, "/v1/sessions", map[string]string{
		"peer_id": "rb", "tier": "internal", "namespace": "agent-7",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	session := decode[sessionstore.Session](t, resp)

	params := semanticParams("cross-namespace write")
	params.Namespace = "agent-9"
	resp = f.post(t, fmt.Sprintf("/v1/sessions/%s/entries", session.ID), params)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	body := decode[map[string]string](t, resp)
	assert.Equal(t, "scope_violation", body["type"])
}

func TestSessionPushPullRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	_, err := f.replica.ApplyLocalExperience(ctx, semanticParams("local knowledge"))
	require.NoError(t, err)
	_, err = f.peer.ApplyLocalExperience(ctx, semanticParams("peer knowledge"))
	require.NoError(t, err)

	resp := f.post(t, "/v1/sessions", map[string]string{
		"peer_id": "rb", "tier": "internal", "namespace": "agent-7",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	session := decode[sessionstore.Session](t, resp)

	resp = f.post(t, fmt.Sprintf("/v1/sessions/%s/push", session.ID), map[string]any{
		"deltas": f.peer.DeltasSince(clock.NewVector()),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	report := decode[memory.MergeReport](t, resp)
	assert.Len(t, report.Accepted, 1)

	resp = f.post(t, fmt.Sprintf("/v1/sessions/%s/pull", session.ID), map[string]any{
		"clock": f.peer.Clock(),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	pulled := decode[map[string][]*memory.Entry](t, resp)
	assert.NotEmpty(t, pulled["deltas"])

	resp, err = http.Get(f.server.URL + "/v1/sessions/peer/rb")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := decode[sessionstore.Session](t, resp)
	assert.Equal(t, session.ID, status.ID)

	req, err := http.NewRequest(http.MethodDelete,
		fmt.Sprintf("%s/v1/sessions/%s", f.server.URL, session.ID), nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestFreeRiderPullIsForbidden(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	_, err := f.replica.ApplyLocalExperience(ctx, semanticParams("shared knowledge"))
	require.NoError(t, err)
	_, err = f.peer.ApplyLocalExperience(ctx, semanticParams("hoarded delta"))
	require.NoError(t, err)

	resp := f.post(t, "/v1/sessions", map[string]string{
		"peer_id": "rb", "tier": "internal", "namespace": "agent-7",
	})
	session := decode[sessionstore.Session](t, resp)

	resp = f.post(t, fmt.Sprintf("/v1/sessions/%s/pull", session.ID), map[string]any{
		"clock": f.peer.Clock(),
	})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestUnknownSessionIsNotFound(t *testing.T) {
	f := newFixture(t)

	resp := f.post(t, "/v1/sessions/nope/push", map[string]any{"deltas": nil})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	body := decode[map[string]string](t, resp)
	assert.Equal(t, "not_found", body["type"])
}

func TestGossipEndpointAnswersSignedEnvelopes(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	_, err := f.replica.ApplyLocalExperience(ctx, semanticParams("local knowledge"))
	require.NoError(t, err)
	_, err = f.peer.ApplyLocalExperience(ctx, semanticParams("peer knowledge"))
	require.NoError(t, err)

	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/gossip"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	msg := gossip.Message{
		Kind:   gossip.KindPushPull,
		Deltas: f.peer.DeltasSince(clock.NewVector()),
		Since:  clock.NewVector(),
	}
	env, err := gossip.Seal(f.peerSigner, f.peer.Clock(), msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(env))

	var reply gossip.Envelope
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "ra", reply.SenderID)

	var replyMsg gossip.Message
	require.NoError(t, gossip.OpenInto(f.keyring, &reply, &replyMsg))
	assert.Equal(t, gossip.KindDeltas, replyMsg.Kind)
	require.Len(t, replyMsg.Deltas, 2, "reply carries both the local entry and the just-pushed one")

	snap, err := f.replica.QueryMergedState("agent-7", memory.TierInternal)
	require.NoError(t, err)
	assert.Len(t, snap.Entries, 2)
}

func TestGossipEndpointDropsTamperedEnvelope(t *testing.T) {
	f := newFixture(t)

	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/gossip"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	env, err := gossip.Seal(f.peerSigner, clock.NewVector(), gossip.Message{Kind: gossip.KindPushPull})
	require.NoError(t, err)
	env.Payload = json.RawMessage(`{"kind":"push_pull","deltas":null}`)
	require.NoError(t, conn.WriteJSON(env))

	// The server closes the connection instead of answering a bad signature.
	var reply gossip.Envelope
	require.Error(t, conn.ReadJSON(&reply))
}
