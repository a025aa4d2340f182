package consensus

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
)

// Signer holds a replica's ed25519 keypair and signs its votes and
// proposals.
type Signer struct {
	replicaID string
	priv      ed25519.PrivateKey
	pub       ed25519.PublicKey
}

// NewSigner generates a fresh keypair for the replica.
func NewSigner(replicaID string) (*Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	return &Signer{replicaID: replicaID, priv: priv, pub: pub}, nil
}

// LoadOrCreateSigner reads the base64-encoded ed25519 seed at path,
// generating and persisting a fresh one when the file does not exist.
func LoadOrCreateSigner(path, replicaID string) (*Signer, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		seed, decodeErr := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
		if decodeErr != nil || len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("malformed signing key at %s", path)
		}
		priv := ed25519.NewKeyFromSeed(seed)
		return &Signer{replicaID: replicaID, priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
	case os.IsNotExist(err):
		s, newErr := NewSigner(replicaID)
		if newErr != nil {
			return nil, newErr
		}
		encoded := base64.StdEncoding.EncodeToString(s.priv.Seed())
		if writeErr := os.WriteFile(path, []byte(encoded+"\n"), 0o600); writeErr != nil {
			return nil, fmt.Errorf("failed to persist signing key: %w", writeErr)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}
}

// ReplicaID returns the owning replica's id.
func (s *Signer) ReplicaID() string {
	return s.replicaID
}

// PublicKey returns the verification key to publish in the roster.
func (s *Signer) PublicKey() ed25519.PublicKey {
	return s.pub
}

// Sign signs the given message bytes.
func (s *Signer) Sign(msg []byte) []byte {
	return ed25519.Sign(s.priv, msg)
}

// Keyring maps roster replica ids to their published verification keys.
type Keyring map[string]ed25519.PublicKey

// Verify checks sig over msg against the named replica's key.
func (k Keyring) Verify(replicaID string, msg, sig []byte) bool {
	pub, ok := k[replicaID]
	if !ok {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}
