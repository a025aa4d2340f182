// Package clock provides the logical clocks used to order replicated memory
// events without trusting wall-clock time. Causal comparison of vector clocks
// is the sole ordering authority for merge and deduplication decisions;
// wall-clock timestamps are carried for display only.
package clock

import (
	"sync"

	"github.com/google/uuid"
)

// Lamport is a Lamport logical clock: a single monotonically increasing
// counter per replica. It orders events totally but loses concurrency
// information; use Vector when happens-before must be distinguished from
// concurrent.
type Lamport struct {
	mu        sync.Mutex
	counter   uint64
	replicaID string
}

// NewLamport creates a Lamport clock with a fresh random replica id.
func NewLamport() *Lamport {
	return &Lamport{replicaID: uuid.New().String()}
}

// NewLamportWithReplicaID creates a Lamport clock owned by the given replica.
// Used when restoring a replica's identity from durable state.
func NewLamportWithReplicaID(replicaID string) *Lamport {
	return &Lamport{replicaID: replicaID}
}

// Tick increments the counter before a local event and returns the new value.
func (l *Lamport) Tick() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.counter++
	return l.counter
}

// Observe folds in a timestamp received from a remote replica:
// counter = max(counter, remote) + 1. Returns the new local value.
func (l *Lamport) Observe(remote uint64) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	if remote > l.counter {
		l.counter = remote
	}
	l.counter++
	return l.counter
}

// Now returns the current counter without advancing it.
func (l *Lamport) Now() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.counter
}

// ReplicaID returns the id of the replica that owns this clock.
func (l *Lamport) ReplicaID() string {
	return l.replicaID
}

// Restore sets the counter, e.g. after replaying the durable log.
func (l *Lamport) Restore(counter uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.counter = counter
}
