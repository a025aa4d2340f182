package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Dedup.Threshold != 0.9 {
		t.Fatalf("default threshold = %v, want 0.9", cfg.Dedup.Threshold)
	}
	if cfg.Consensus.RoundTimeout != 5*time.Second {
		t.Fatalf("default round timeout = %v", cfg.Consensus.RoundTimeout)
	}
	if cfg.Sync.Protocol != "continuous" {
		t.Fatalf("default protocol = %q", cfg.Sync.Protocol)
	}
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memsync.yaml")
	raw := `
replica_id: ra
namespace: agent-7
dedup:
  threshold: 0.85
  policy: manual_review
peers:
  - id: rb
    addr: 127.0.0.1:7947
`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ReplicaID != "ra" || cfg.Namespace != "agent-7" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Dedup.Threshold != 0.85 || cfg.Dedup.Policy != "manual_review" {
		t.Fatalf("dedup overrides not applied: %+v", cfg.Dedup)
	}
	// Untouched fields keep their defaults.
	if cfg.Gossip.Fanout != 3 {
		t.Fatalf("default fanout lost: %d", cfg.Gossip.Fanout)
	}
	if len(cfg.Peers) != 1 || cfg.Peers[0].ID != "rb" {
		t.Fatalf("peers not parsed: %+v", cfg.Peers)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err == nil {
		t.Fatalf("missing replica_id accepted")
	}

	cfg.ReplicaID = "ra"
	cfg.Consensus.FaultBudget = 1
	if err := cfg.Validate(); err == nil {
		t.Fatalf("undersized roster accepted for f=1")
	}

	cfg.Consensus.FaultBudget = 0
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}
