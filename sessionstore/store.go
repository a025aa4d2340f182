// Package sessionstore persists sync session records and per-peer exchange
// bookkeeping in a local bolt database, so a restarted replica resumes delta
// tracking where it left off instead of re-sending full state.
package sessionstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/chrysalis-ai/memsync/clock"
)

var (
	sessionBucket = []byte("sessions")
	ackedBucket   = []byte("acked_clocks")
	digestBucket  = []byte("peer_digests")
)

var (
	// ErrNotFound is returned when a key has no stored value.
	ErrNotFound = errors.New("sessionstore: not found")
	// ErrClosed is returned when the store has been closed.
	ErrClosed = errors.New("sessionstore: store closed")
)

// State is the lifecycle phase of a sync session.
type State string

const (
	StateActive  State = "active"
	StateClosed  State = "closed"
	StateExpired State = "expired"
)

// Session is the persisted record of an experience-sync session with a peer.
type Session struct {
	ID           string       `json:"id"`
	PeerID       string       `json:"peer_id"`
	Protocol     string       `json:"protocol"`
	State        State        `json:"state"`
	Tier         string       `json:"tier"`
	Namespace    string       `json:"namespace"`
	StartedAt    time.Time    `json:"started_at"`
	LastExchange time.Time    `json:"last_exchange"`
	ExpiresAt    time.Time    `json:"expires_at,omitempty"`
	PushedCount  int          `json:"pushed_count"`
	PulledCount  int          `json:"pulled_count"`
	PeerClock    clock.Vector `json:"peer_clock"`
	LastError    string       `json:"last_error,omitempty"`
}

// Store is the bolt-backed session database.
type Store struct {
	db *bbolt.DB
}

// Open opens (or creates) the session database at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open session database: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{sessionBucket, ackedBucket, digestBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// SaveSession stores or updates a session record keyed by its id.
func (s *Store) SaveSession(_ context.Context, session *Session) error {
	if s.db == nil {
		return ErrClosed
	}
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(sessionBucket).Put([]byte(session.ID), data)
	})
}

// GetSession retrieves a session by id.
func (s *Store) GetSession(_ context.Context, id string) (*Session, error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	var session *Session
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(sessionBucket).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		session = &Session{}
		if err := json.Unmarshal(data, session); err != nil {
			return fmt.Errorf("failed to unmarshal session: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// ListSessions returns every stored session record.
func (s *Store) ListSessions(_ context.Context) ([]*Session, error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	var out []*Session
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(sessionBucket).ForEach(func(_, data []byte) error {
			session := &Session{}
			if err := json.Unmarshal(data, session); err != nil {
				return fmt.Errorf("failed to unmarshal session: %w", err)
			}
			out = append(out, session)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteSession removes a session record. Deleting a missing id is a no-op.
func (s *Store) DeleteSession(_ context.Context, id string) error {
	if s.db == nil {
		return ErrClosed
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(sessionBucket).Delete([]byte(id))
	})
}

// SaveAckedClock records the last vector clock a roster replica has
// acknowledged. Tombstone collection consults these to establish causal
// stability.
func (s *Store) SaveAckedClock(_ context.Context, replicaID string, clk clock.Vector) error {
	if s.db == nil {
		return ErrClosed
	}
	data, err := json.Marshal(clk)
	if err != nil {
		return fmt.Errorf("failed to marshal clock: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(ackedBucket).Put([]byte(replicaID), data)
	})
}

// GetAckedClock returns the last acknowledged clock for a replica.
func (s *Store) GetAckedClock(_ context.Context, replicaID string) (clock.Vector, error) {
	return s.getClock(ackedBucket, replicaID)
}

// AllAckedClocks returns the acknowledged clock of every known replica.
func (s *Store) AllAckedClocks(_ context.Context) (map[string]clock.Vector, error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	out := make(map[string]clock.Vector)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(ackedBucket).ForEach(func(key, data []byte) error {
			clk := clock.NewVector()
			if err := json.Unmarshal(data, &clk); err != nil {
				return fmt.Errorf("failed to unmarshal clock: %w", err)
			}
			out[string(key)] = clk
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SavePeerDigest records the vector clock as of the last completed exchange
// with a gossip peer. Deltas for the next round are computed against it.
func (s *Store) SavePeerDigest(_ context.Context, peerID string, clk clock.Vector) error {
	if s.db == nil {
		return ErrClosed
	}
	data, err := json.Marshal(clk)
	if err != nil {
		return fmt.Errorf("failed to marshal clock: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(digestBucket).Put([]byte(peerID), data)
	})
}

// GetPeerDigest returns the last exchanged clock for a peer.
func (s *Store) GetPeerDigest(_ context.Context, peerID string) (clock.Vector, error) {
	return s.getClock(digestBucket, peerID)
}

func (s *Store) getClock(bucket []byte, key string) (clock.Vector, error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	var clk clock.Vector
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}
		clk = clock.NewVector()
		return json.Unmarshal(data, &clk)
	})
	if err != nil {
		return nil, err
	}
	return clk, nil
}
