// Package server exposes the engine to collaborators over HTTP and serves
// the peer gossip endpoint over websocket. All bodies are JSON; peer frames
// are signed envelopes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/chrysalis-ai/memsync/clock"
	"github.com/chrysalis-ai/memsync/consensus"
	"github.com/chrysalis-ai/memsync/gossip"
	"github.com/chrysalis-ai/memsync/memory"
	"github.com/chrysalis-ai/memsync/replica"
	"github.com/chrysalis-ai/memsync/sessionstore"
	syncpkg "github.com/chrysalis-ai/memsync/sync"
	"github.com/chrysalis-ai/memsync/wal"
)

// Server wires the collaborator API and the peer endpoint.
type Server struct {
	replica     *replica.Replica
	coordinator *syncpkg.Coordinator
	gossiper    *gossip.Gossiper
	upgrader    websocket.Upgrader
	logger      zerolog.Logger

	httpServer *http.Server
}

// New assembles a server.
func New(addr string, rep *replica.Replica, coordinator *syncpkg.Coordinator, gossiper *gossip.Gossiper, logger zerolog.Logger) *Server {
	s := &Server{
		replica:     rep,
		coordinator: coordinator,
		gossiper:    gossiper,
		upgrader:    websocket.Upgrader{ReadBufferSize: 1 << 16, WriteBufferSize: 1 << 16},
		logger:      logger.With().Str("component", "server").Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/experiences", s.handleApplyExperience)
	mux.HandleFunc("POST /v1/merge", s.handleMergeBatch)
	mux.HandleFunc("GET /v1/state", s.handleQueryState)
	mux.HandleFunc("POST /v1/consensus/proposals", s.handlePropose)
	mux.HandleFunc("POST /v1/sessions", s.handleOpenSession)
	mux.HandleFunc("POST /v1/sessions/{id}/entries", s.handleSessionWrite)
	mux.HandleFunc("POST /v1/sessions/{id}/push", s.handleSessionPush)
	mux.HandleFunc("POST /v1/sessions/{id}/pull", s.handleSessionPull)
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.handleCloseSession)
	mux.HandleFunc("GET /v1/sessions/peer/{replica_id}", s.handleSessionStatus)
	mux.HandleFunc("GET /gossip", s.handleGossip)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving requests until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("listening")
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Serve serves on an existing listener, for tests.
func (s *Server) Serve(l net.Listener) error {
	err := s.httpServer.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Handler returns the root handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleApplyExperience(w http.ResponseWriter, r *http.Request) {
	var params memory.NewEntryParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		s.writeError(w, memory.NewValidationError("malformed request body", ""))
		return
	}
	id, err := s.replica.ApplyLocalExperience(r.Context(), params)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"entry_id": id})
}

func (s *Server) handleMergeBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReplicaID string          `json:"replica_id"`
		Deltas    []*memory.Entry `json:"deltas"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, memory.NewValidationError("malformed request body", ""))
		return
	}
	report, err := s.replica.MergeIncomingBatch(r.Context(), req.ReplicaID, req.Deltas)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleQueryState(w http.ResponseWriter, r *http.Request) {
	namespace := r.URL.Query().Get("namespace")
	tier := memory.Tier(r.URL.Query().Get("tier"))
	if tier == "" {
		tier = memory.TierInternal
	}
	snap, err := s.replica.QueryMergedState(namespace, tier)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value json.RawMessage `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Value) == 0 {
		s.writeError(w, memory.NewValidationError("malformed proposal body", ""))
		return
	}
	roundID, proposal, err := s.replica.ProposeConsensus(req.Value)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if s.gossiper != nil {
		s.gossiper.Broadcast(r.Context(), gossip.Message{Kind: gossip.KindProposal, Proposal: &proposal})
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"round_id": roundID})
}

func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PeerID    string `json:"peer_id"`
		Tier      string `json:"tier"`
		Namespace string `json:"namespace"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, memory.NewValidationError("malformed request body", ""))
		return
	}
	session, err := s.coordinator.OpenSession(r.Context(), req.PeerID, memory.Tier(req.Tier), req.Namespace)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleSessionWrite(w http.ResponseWriter, r *http.Request) {
	var params memory.NewEntryParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		s.writeError(w, memory.NewValidationError("malformed request body", ""))
		return
	}
	id, err := s.coordinator.Write(r.Context(), r.PathValue("id"), params)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"entry_id": id})
}

func (s *Server) handleSessionPush(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Deltas []*memory.Entry `json:"deltas"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, memory.NewValidationError("malformed request body", ""))
		return
	}
	report, err := s.coordinator.Push(r.Context(), r.PathValue("id"), req.Deltas)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleSessionPull(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Clock clock.Vector `json:"clock"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, memory.NewValidationError("malformed request body", ""))
		return
	}
	deltas, err := s.coordinator.Pull(r.Context(), r.PathValue("id"), req.Clock)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"deltas": deltas})
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	if err := s.coordinator.CloseSession(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	session, err := s.coordinator.Status(r.Context(), r.PathValue("replica_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, session)
}

// handleGossip upgrades the connection and answers signed peer envelopes
// until the peer hangs up.
func (s *Server) handleGossip(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	for {
		var env gossip.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		reply, err := s.gossiper.HandleEnvelope(r.Context(), &env)
		if err != nil {
			s.logger.Warn().Err(err).Str("sender", env.SenderID).Msg("rejected peer envelope")
			return
		}
		if err := conn.WriteJSON(reply); err != nil {
			return
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn().Err(err).Msg("failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	kind := "internal"

	var memErr *memory.Error
	switch {
	case errors.As(err, &memErr):
		kind = string(memErr.Type)
		switch memErr.Type {
		case memory.ErrorTypeValidation:
			status = http.StatusBadRequest
		case memory.ErrorTypeScopeViolation:
			status = http.StatusForbidden
		case memory.ErrorTypeMergeUnresolved:
			status = http.StatusConflict
		}
	case errors.Is(err, sessionstore.ErrNotFound):
		status, kind = http.StatusNotFound, "not_found"
	case consensus.IsTimeout(err):
		status, kind = http.StatusGatewayTimeout, "consensus_timeout"
	case wal.IsStorageFailure(err):
		status, kind = http.StatusServiceUnavailable, "storage_failure"
	}

	s.writeJSON(w, status, map[string]string{"error": err.Error(), "type": kind})
}
