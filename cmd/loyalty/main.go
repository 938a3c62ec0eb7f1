// Loyalty - Profit-safe reward engine for gaming platforms.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/loyalty/internal/api"
	"github.com/opensource-finance/loyalty/internal/bus"
	"github.com/opensource-finance/loyalty/internal/config"
	"github.com/opensource-finance/loyalty/internal/domain"
	"github.com/opensource-finance/loyalty/internal/fraud"
	"github.com/opensource-finance/loyalty/internal/kv"
	"github.com/opensource-finance/loyalty/internal/ledger"
	"github.com/opensource-finance/loyalty/internal/pipeline"
	"github.com/opensource-finance/loyalty/internal/repository"
	"github.com/opensource-finance/loyalty/internal/rules"
	"github.com/opensource-finance/loyalty/internal/safety"
	"github.com/opensource-finance/loyalty/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(newLogger(cfg.Logging))

	slog.Info("starting loyalty",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"kv", cfg.KV.Type,
		"eventbus", cfg.EventBus.Type,
		"tracing", cfg.Tracing.Enabled,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize KV store (cap counters and wallet locks)
	store, err := kv.New(cfg.KV)
	if err != nil {
		slog.Error("failed to initialize kv store", "error", err)
		os.Exit(1)
	}
	defer store.Close()
	slog.Info("kv store initialized", "type", cfg.KV.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize Rule Engine from the database
	engine := rules.NewEngine(cfg.Rules)
	failures, err := engine.Refresh(ctx, repo)
	if err != nil {
		slog.Warn("failed to load rules from database", "error", err)
	}
	if engine.RulesCount() == 0 {
		slog.Info("no active rules in database - configure via POST /rules API")
	}
	slog.Info("rule engine initialized",
		"rules_count", engine.RulesCount(),
		"invalid_count", len(failures),
	)

	gate := safety.NewProfitGate(cfg.Profit, store)

	scorer, err := fraud.NewScorer(cfg.Fraud)
	if err != nil {
		slog.Error("failed to initialize fraud scorer", "error", err)
		os.Exit(1)
	}
	slog.Info("fraud scorer initialized", "custom_rules", len(cfg.Fraud.CustomRules))

	walletLedger := ledger.New(repo, store, cfg.Ledger)

	proc := pipeline.New(engine, gate, scorer, walletLedger, repo, busImpl, pipeline.Config{
		Pipeline:     cfg.Pipeline,
		Segmentation: cfg.Segmentation,
		MaxWorkers:   cfg.Rules.MaxWorkers,
	})

	// The worker always runs the expiry sweep; the bus consumer only when enabled.
	asyncWorker := worker.NewWorker(busImpl, proc, walletLedger)
	workerCfg := worker.Config{
		ExpirySweepInterval: cfg.Ledger.ExpirySweepInterval,
		SweepOnly:           !cfg.AsyncWorker,
	}
	if err := asyncWorker.Start(workerCfg); err != nil {
		slog.Error("failed to start worker", "error", err)
	}

	srv := api.NewServer(api.Config{ServerConfig: cfg.Server, Version: Version}, api.Dependencies{
		Repo:     repo,
		KV:       store,
		Bus:      busImpl,
		Engine:   engine,
		Scorer:   scorer,
		Ledger:   walletLedger,
		Pipeline: proc,
		Sweeper:  asyncWorker,
	})

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("loyalty is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	<-ctx.Done()
	slog.Info("shutting down...")

	if err := asyncWorker.Stop(); err != nil {
		slog.Error("failed to stop worker", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("loyalty shutdown complete")
}

func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  LOYALTY - profit-safe rewards")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /evaluate                      - Run one reward cycle")
	fmt.Println("    POST /evaluate/batch                - Run many players")
	fmt.Println("    GET  /decisions/{id}                - Get a reward decision")
	fmt.Println("    GET  /rules                         - List loaded rules")
	fmt.Println("    POST /rules                         - Save a rule")
	fmt.Println("    POST /rules/reload                  - Hot-reload rules from database")
	fmt.Println("    GET  /wallets/{playerID}            - Get a wallet")
	fmt.Println("    GET  /wallets/{playerID}/transactions")
	fmt.Println("    POST /wallets/{playerID}/wager      - Count a wager towards a bonus")
	fmt.Println("    POST /wallets/{playerID}/deduct     - Debit a balance")
	fmt.Println("    POST /bonuses/expire                - Run the bonus expiry sweep")
	fmt.Println("    POST /players/{playerID}/review     - Flag a player for review")
	fmt.Println("    GET  /health                        - Health check")
	fmt.Println()
}
