package main

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chrysalis-ai/memsync/config"
	"github.com/chrysalis-ai/memsync/consensus"
	"github.com/chrysalis-ai/memsync/gossip"
	memsynclogger "github.com/chrysalis-ai/memsync/logger"
	"github.com/chrysalis-ai/memsync/memory"
	"github.com/chrysalis-ai/memsync/memory/ollama"
	"github.com/chrysalis-ai/memsync/notify"
	"github.com/chrysalis-ai/memsync/replica"
	"github.com/chrysalis-ai/memsync/server"
	"github.com/chrysalis-ai/memsync/sessionstore"
	syncpkg "github.com/chrysalis-ai/memsync/sync"
	"github.com/chrysalis-ai/memsync/wal"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "memsync.yaml", "Path to YAML configuration file")
		listenAddr = flag.String("listen", "", "HTTP listen address. Overrides the config file")
		logFile    = flag.String("logfile", "", "Path to log file. If not set, logs to stdout/stderr")
		pretty     = flag.Bool("pretty", false, "Use pretty console output (only valid when logfile is not set)")
	)
	flag.Parse()

	if *logFile != "" && *pretty {
		return fmt.Errorf("--logfile and --pretty are mutually exclusive")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Command-line flags override the config file.
	logPath, prettyLog := cfg.LogFile, cfg.PrettyLog
	if *logFile != "" || *pretty {
		logPath, prettyLog = *logFile, *pretty
	}
	logger, err := memsynclogger.InitWithOptions(logPath, prettyLog)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	logger.Info().
		Str("replica_id", cfg.ReplicaID).
		Str("tier", cfg.Tier).
		Str("namespace", cfg.Namespace).
		Str("listen", cfg.ListenAddr).
		Int("peers", len(cfg.Peers)).
		Msg("memsyncd starting")

	// ---------------------------
	// 1. Durable stores
	// ---------------------------

	log, err := wal.Open(cfg.Storage.WALPath, cfg.Storage.MigrationsPath, logger)
	if err != nil {
		return fmt.Errorf("failed to open write-ahead log: %w", err)
	}
	defer log.Close() //nolint:errcheck // No remedy for db close errors

	sessions, err := sessionstore.Open(cfg.Storage.SessionsPath)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer sessions.Close() //nolint:errcheck // No remedy for db close errors

	// ---------------------------
	// 2. Identity and roster keys
	// ---------------------------

	signer, err := consensus.LoadOrCreateSigner(cfg.Storage.KeyPath, cfg.ReplicaID)
	if err != nil {
		return fmt.Errorf("failed to load signing key: %w", err)
	}

	keyring := consensus.Keyring{cfg.ReplicaID: signer.PublicKey()}
	roster := []string{cfg.ReplicaID}
	for _, peer := range cfg.Peers {
		roster = append(roster, peer.ID)
		if peer.PublicKey == "" {
			logger.Warn().Str("peer", peer.ID).Msg("peer has no public key, its envelopes will be rejected")
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(peer.PublicKey)
		if err != nil || len(raw) != ed25519.PublicKeySize {
			return fmt.Errorf("malformed public key for peer %s", peer.ID)
		}
		keyring[peer.ID] = ed25519.PublicKey(raw)
	}

	var engine *consensus.Engine
	if cfg.Consensus.FaultBudget > 0 {
		engine, err = consensus.NewEngine(signer, keyring, roster,
			cfg.Consensus.FaultBudget, cfg.Consensus.RoundTimeout, logger)
		if err != nil {
			return fmt.Errorf("failed to create consensus engine: %w", err)
		}
		logger.Info().
			Int("fault_budget", cfg.Consensus.FaultBudget).
			Int("roster", len(roster)).
			Msg("Byzantine consensus enabled")
	} else {
		logger.Info().Msg("Byzantine consensus disabled")
	}

	// ---------------------------
	// 3. Similarity scoring and dedup
	// ---------------------------

	var scorer memory.Scorer
	if cfg.Dedup.OllamaModel != "" {
		embedder, err := ollama.NewEmbedder(ollama.Model(cfg.Dedup.OllamaModel))
		if err != nil {
			return fmt.Errorf("failed to create ollama embedder: %w", err)
		}
		scorer = memory.NewEmbeddingScorer(embedder)
		logger.Info().Str("model", cfg.Dedup.OllamaModel).Msg("Using embedding similarity scorer")
	} else {
		scorer = memory.NewLexicalScorer()
		logger.Info().Msg("Using lexical similarity scorer")
	}
	if cfg.Dedup.CachePairs > 0 {
		scorer, err = memory.NewCachedScorer(scorer, cfg.Dedup.CachePairs)
		if err != nil {
			return fmt.Errorf("failed to create scorer cache: %w", err)
		}
	}

	deduper, err := memory.NewDeduper(scorer, cfg.Dedup.Threshold,
		memory.DedupPolicy(cfg.Dedup.Policy), cfg.ReplicaID, logger)
	if err != nil {
		return fmt.Errorf("failed to create deduper: %w", err)
	}

	// ---------------------------
	// 4. Replica state and recovery
	// ---------------------------

	rep, err := replica.New(replica.Options{
		ID:        cfg.ReplicaID,
		Tier:      memory.Tier(cfg.Tier),
		Namespace: cfg.Namespace,
		Roster:    roster,
		Deduper:   deduper,
		Log:       log,
		Sessions:  sessions,
		Consensus: engine,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create replica: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rep.Replay(ctx); err != nil {
		return fmt.Errorf("failed to replay write-ahead log: %w", err)
	}

	// ---------------------------
	// 5. Gossip and sync coordinator
	// ---------------------------

	gossiper := gossip.New(gossip.Options{
		Replica:   rep,
		Signer:    signer,
		Keyring:   keyring,
		Transport: gossip.NewWebsocketTransport(10 * time.Second),
		Peers:     cfg.Peers,
		Fanout:    cfg.Gossip.Fanout,
		Interval:  cfg.Gossip.Interval,
		Consensus: engine,
		Logger:    logger,
	})

	notifier := notify.NewMultiSink(
		notify.NewLogSink(logger),
		notify.NewDesktopSink("memsyncd"),
	)

	coordinator, err := syncpkg.NewCoordinator(syncpkg.Options{
		Replica:       rep,
		Gossiper:      gossiper,
		Sessions:      sessions,
		Notifier:      notifier,
		Protocol:      syncpkg.Protocol(cfg.Sync.Protocol),
		Schedule:      cfg.Sync.Schedule,
		BatchInterval: cfg.Sync.BatchInterval,
		SessionTTL:    cfg.Sync.SessionTTL,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create sync coordinator: %w", err)
	}

	go func() {
		if err := coordinator.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("sync coordinator stopped")
		}
	}()

	if engine != nil {
		go expireConsensusRounds(ctx, engine, coordinator, gossiper, logger)
	}

	// ---------------------------
	// 6. HTTP server
	// ---------------------------

	srv := server.New(cfg.ListenAddr, rep, coordinator, gossiper, logger)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("Received shutdown signal")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Failed to drain server cleanly")
		}
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info().Msg("memsyncd shutdown complete")
	return nil
}

// expireConsensusRounds periodically sweeps consensus rounds past their
// deadline, surfaces the timeouts, and re-broadcasts any proposals this
// replica now leads after rotation.
func expireConsensusRounds(ctx context.Context, engine *consensus.Engine, coordinator *syncpkg.Coordinator, gossiper *gossip.Gossiper, logger zerolog.Logger) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			reproposals, timeouts := engine.Expire(now)
			if len(timeouts) > 0 {
				coordinator.HandleConsensusTimeouts(ctx, timeouts)
			}
			for i := range reproposals {
				logger.Info().
					Str("proposal_id", reproposals[i].ID).
					Uint64("epoch", reproposals[i].Epoch).
					Msg("re-broadcasting proposal after leader rotation")
				gossiper.Broadcast(ctx, gossip.Message{
					Kind:     gossip.KindProposal,
					Proposal: &reproposals[i],
				})
			}
		}
	}
}
