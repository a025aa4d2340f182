package gossip

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebsocketTransport exchanges envelopes over a short-lived websocket
// connection per exchange. The peer address is a host:port; the gossip
// endpoint lives at /gossip.
type WebsocketTransport struct {
	dialer  *websocket.Dialer
	timeout time.Duration
}

// NewWebsocketTransport returns a transport with the given per-exchange
// timeout.
func NewWebsocketTransport(timeout time.Duration) *WebsocketTransport {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebsocketTransport{
		dialer:  &websocket.Dialer{HandshakeTimeout: timeout},
		timeout: timeout,
	}
}

// Exchange implements Transport.
func (t *WebsocketTransport) Exchange(ctx context.Context, peer Peer, env *Envelope) (*Envelope, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	url := fmt.Sprintf("ws://%s/gossip", peer.Addr)
	conn, _, err := t.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial peer %s: %w", peer.ID, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
		_ = conn.SetReadDeadline(deadline)
	}

	if err := conn.WriteJSON(env); err != nil {
		return nil, fmt.Errorf("failed to send to peer %s: %w", peer.ID, err)
	}
	var reply Envelope
	if err := conn.ReadJSON(&reply); err != nil {
		return nil, fmt.Errorf("failed to read reply from peer %s: %w", peer.ID, err)
	}
	return &reply, nil
}

// Handler is anything that can answer an inbound envelope; the server wires
// a Gossiper here.
type Handler interface {
	HandleEnvelope(ctx context.Context, env *Envelope) (*Envelope, error)
}

// MemoryTransport routes exchanges directly between in-process handlers.
// Used by tests and single-process clusters.
type MemoryTransport struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	// Partitioned peers drop every exchange, for failure injection.
	partitioned map[string]bool
}

// NewMemoryTransport returns an empty in-process switchboard.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		handlers:    make(map[string]Handler),
		partitioned: make(map[string]bool),
	}
}

// Register attaches a handler under a peer id.
func (t *MemoryTransport) Register(peerID string, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[peerID] = h
}

// Partition toggles packet loss to a peer.
func (t *MemoryTransport) Partition(peerID string, dropped bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.partitioned[peerID] = dropped
}

// Exchange implements Transport.
func (t *MemoryTransport) Exchange(ctx context.Context, peer Peer, env *Envelope) (*Envelope, error) {
	t.mu.RLock()
	h, ok := t.handlers[peer.ID]
	dropped := t.partitioned[peer.ID]
	t.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown peer %s", peer.ID)
	}
	if dropped {
		return nil, fmt.Errorf("peer %s unreachable", peer.ID)
	}
	return h.HandleEnvelope(ctx, env)
}
