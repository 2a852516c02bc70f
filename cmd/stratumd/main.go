// Package main is the entry point for the KawPoW solo-mining Stratum server.
// It handles configuration loading, logger initialization, upstream
// liveness checks, and graceful shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kawpowd/stratum/internal/blockstore"
	"github.com/kawpowd/stratum/internal/config"
	"github.com/kawpowd/stratum/internal/jobcache"
	"github.com/kawpowd/stratum/internal/kawpow"
	"github.com/kawpowd/stratum/internal/logging"
	"github.com/kawpowd/stratum/internal/mining"
	"github.com/kawpowd/stratum/internal/protocol"
	"github.com/kawpowd/stratum/internal/registry"
	"github.com/kawpowd/stratum/internal/server"
	"github.com/kawpowd/stratum/internal/upstream"
)

var (
	configPath = flag.String("config", "configs/config.yaml", "Path to configuration file")
	version    = "1.0.0"
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting stratum server",
		zap.String("version", version),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobCache, err := jobcache.New(ctx, cfg.Redis, logger)
	if err != nil {
		logger.Fatal("failed to connect to Redis", zap.Error(err))
	}
	defer jobCache.Close()

	if snapshot, err := jobCache.GetCachedJob(ctx); err != nil {
		logger.Warn("failed to read cached job snapshot", zap.Error(err))
	} else if snapshot != nil {
		logger.Info("found job snapshot from previous run", zap.ByteString("snapshot", snapshot))
	}

	blocks, err := blockstore.New(ctx, cfg.Postgres, logger)
	if err != nil {
		logger.Fatal("failed to connect to PostgreSQL", zap.Error(err))
	}
	defer blocks.Close()

	rpc := upstream.New(cfg.Upstream, logger)
	if err := waitForUpstream(ctx, rpc, cfg.Upstream, logger); err != nil {
		logger.Fatal("upstream node never became reachable", zap.Error(err))
	}

	reg := registry.New(logger, jobCache)

	jobManager := mining.NewJobManager(cfg.Mining, cfg.Coin, logger, rpc, jobCache)
	if err := jobManager.Init(ctx); err != nil {
		logger.Fatal("initial block template acquisition failed", zap.Error(err))
	}
	go runPollLoop(ctx, jobManager, cfg.Mining, logger)

	// The real KawPoW search is an opaque, externally-verified primitive
	// (see internal/kawpow); this reference stub stands in until a cgo
	// binding to the coin daemon's verifier is wired.
	verifier := kawpow.ReferenceVerifier{}
	logger.Warn("using reference KawPoW verifier stub, not production-grade PoW verification")

	shareValidator := mining.NewShareValidator(logger, jobManager, verifier, rpc, blocks)

	varDiffCfg := protocol.VarDiffConfig{
		Enabled:          cfg.VarDiff.Enabled,
		MinDiff:          cfg.VarDiff.MinDiff,
		MaxDiff:          cfg.VarDiff.MaxDiff,
		TargetShareTime:  cfg.VarDiff.TargetShareTime,
		RetargetTime:     cfg.VarDiff.RetargetTime,
		VariancePercent:  cfg.VarDiff.VariancePercent,
		AdjustmentFactor: cfg.VarDiff.AdjustmentFactor,
		UseProportional:  cfg.VarDiff.UseProportional,
	}
	varDiff := protocol.NewVarDiff(varDiffCfg)

	srv, err := server.New(cfg.Server, cfg.Mining, logger, reg, jobManager, shareValidator, varDiff, blocks, jobCache)
	if err != nil {
		logger.Fatal("failed to create server", zap.Error(err))
	}

	go func() {
		if err := srv.Start(ctx); err != nil {
			logger.Error("server error", zap.Error(err))
			cancel()
		}
	}()

	if cfg.Server.Metrics.Enabled {
		go func() {
			if err := srv.StartMetricsServer(); err != nil {
				logger.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("error during shutdown", zap.Error(err))
	}

	logger.Info("server shutdown complete")
}

// waitForUpstream blocks until the coin daemon answers getblockchaininfo or
// the configured startup retry budget is exhausted.
func waitForUpstream(ctx context.Context, rpc *upstream.Client, cfg config.UpstreamConfig, logger *zap.Logger) error {
	var lastErr error
	for attempt := 1; attempt <= cfg.StartupRetryAttempts; attempt++ {
		if _, err := rpc.GetBlockchainInfo(ctx); err == nil {
			return nil
		} else {
			lastErr = err
			logger.Warn("upstream not yet reachable",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", cfg.StartupRetryAttempts),
				zap.Error(err),
			)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cfg.StartupRetryDelay):
		}
	}
	return fmt.Errorf("exhausted %d startup attempts: %w", cfg.StartupRetryAttempts, lastErr)
}

// runPollLoop drives the job manager's periodic block-template polling and
// refresh triggers (spec.md §4.1 triggers 1 and 3).
func runPollLoop(ctx context.Context, jm *mining.JobManager, cfg config.MiningConfig, logger *zap.Logger) {
	pollTicker := time.NewTicker(cfg.BlockPollInterval)
	defer pollTicker.Stop()

	refreshTicker := time.NewTicker(cfg.JobUpdateInterval)
	defer refreshTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pollTicker.C:
			jm.PollForNewBlock(ctx)
		case <-refreshTicker.C:
			jm.Refresh(ctx)
		}
	}
}
