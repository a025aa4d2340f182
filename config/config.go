// Package config loads the daemon configuration: YAML on disk merged over
// built-in defaults, with file values taking precedence.
package config

import (
	"fmt"
	"os"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/chrysalis-ai/memsync/gossip"
)

// GossipConfig tunes the epidemic dissemination loop.
type GossipConfig struct {
	Fanout   int           `yaml:"fanout,omitempty"`
	Interval time.Duration `yaml:"interval,omitempty"`
}

// DedupConfig tunes duplicate detection.
type DedupConfig struct {
	Threshold float64 `yaml:"threshold,omitempty"` // similarity score in [0,1]
	Policy    string  `yaml:"policy,omitempty"`    // auto | manual_review
	// OllamaModel enables the embedding scorer when set; empty selects the
	// lexical scorer.
	OllamaModel string `yaml:"ollama_model,omitempty"`
	CachePairs  int64  `yaml:"cache_pairs,omitempty"`
}

// ConsensusConfig tunes Byzantine agreement.
type ConsensusConfig struct {
	FaultBudget  int           `yaml:"fault_budget,omitempty"` // f, roster must hold n >= 3f+1
	RoundTimeout time.Duration `yaml:"round_timeout,omitempty"`
}

// SyncConfig selects the sync protocol and session policy.
type SyncConfig struct {
	Protocol      string        `yaml:"protocol,omitempty"` // continuous | batched | scheduled
	Schedule      string        `yaml:"schedule,omitempty"` // cron expression or duration
	BatchInterval time.Duration `yaml:"batch_interval,omitempty"`
	SessionTTL    time.Duration `yaml:"session_ttl,omitempty"`
}

// StorageConfig locates the durable stores.
type StorageConfig struct {
	WALPath        string `yaml:"wal_path,omitempty"`
	MigrationsPath string `yaml:"migrations_path,omitempty"`
	SessionsPath   string `yaml:"sessions_path,omitempty"`
	KeyPath        string `yaml:"key_path,omitempty"`
}

// Config is the full daemon configuration.
type Config struct {
	ReplicaID  string        `yaml:"replica_id,omitempty"`
	Tier       string        `yaml:"tier,omitempty"` // system | internal | external
	Namespace  string        `yaml:"namespace,omitempty"`
	ListenAddr string        `yaml:"listen_addr,omitempty"`
	Peers      []gossip.Peer `yaml:"peers,omitempty"`

	Gossip    GossipConfig    `yaml:"gossip,omitempty"`
	Dedup     DedupConfig     `yaml:"dedup,omitempty"`
	Consensus ConsensusConfig `yaml:"consensus,omitempty"`
	Sync      SyncConfig      `yaml:"sync,omitempty"`
	Storage   StorageConfig   `yaml:"storage,omitempty"`

	LogFile   string `yaml:"log_file,omitempty"`
	PrettyLog bool   `yaml:"pretty_log,omitempty"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Tier:       "system",
		Namespace:  "default",
		ListenAddr: "127.0.0.1:7946",
		Gossip: GossipConfig{
			Fanout:   gossip.DefaultFanout,
			Interval: gossip.DefaultInterval,
		},
		Dedup: DedupConfig{
			Threshold:  0.9,
			Policy:     "auto",
			CachePairs: 10_000,
		},
		Consensus: ConsensusConfig{
			FaultBudget:  1,
			RoundTimeout: 5 * time.Second,
		},
		Sync: SyncConfig{
			Protocol:      "continuous",
			BatchInterval: 30 * time.Second,
			SessionTTL:    30 * time.Minute,
		},
		Storage: StorageConfig{
			WALPath:        "memsync.db",
			MigrationsPath: "migrations",
			SessionsPath:   "sessions.db",
			KeyPath:        "memsync.key",
		},
		LogFile: "memsyncd.log",
	}
}

// Load reads the YAML file at path and merges it over the defaults, file
// values taking precedence. A missing path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var fileCfg Config
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := mergo.Merge(&cfg, fileCfg, mergo.WithOverride); err != nil {
		return cfg, fmt.Errorf("failed to merge config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.ReplicaID == "" {
		return fmt.Errorf("replica_id is required")
	}
	if c.Dedup.Threshold < 0 || c.Dedup.Threshold > 1 {
		return fmt.Errorf("dedup.threshold %v outside [0,1]", c.Dedup.Threshold)
	}
	if c.Consensus.FaultBudget > 0 && len(c.Peers)+1 < 3*c.Consensus.FaultBudget+1 {
		return fmt.Errorf("roster of %d cannot tolerate %d byzantine replicas",
			len(c.Peers)+1, c.Consensus.FaultBudget)
	}
	return nil
}
