package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/omtx-labs/gpu-orchestrator/internal/aggregator"
	"github.com/omtx-labs/gpu-orchestrator/internal/api"
	"github.com/omtx-labs/gpu-orchestrator/internal/completion"
	"github.com/omtx-labs/gpu-orchestrator/internal/config"
	"github.com/omtx-labs/gpu-orchestrator/internal/dispatch"
	"github.com/omtx-labs/gpu-orchestrator/internal/jobstore"
	"github.com/omtx-labs/gpu-orchestrator/internal/obs"
	"github.com/omtx-labs/gpu-orchestrator/internal/quota"
	"github.com/omtx-labs/gpu-orchestrator/internal/ratelimit"
	"github.com/omtx-labs/gpu-orchestrator/internal/reconciler"
	"github.com/omtx-labs/gpu-orchestrator/internal/redisclient"
	"github.com/omtx-labs/gpu-orchestrator/internal/storagegw"
	"go.uber.org/zap"
)

var version = "dev"

func main() {
	var configPath string
	var showVersion bool

	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to application YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")

	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse flags: %v\n", err)
		os.Exit(2)
	}

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	rdb := redisclient.New(cfg)
	defer rdb.Close()

	gw, err := storagegw.NewS3Gateway(cfg, logger)
	if err != nil {
		logger.Fatal("failed to init storage gateway", obs.Err(err))
	}

	store := jobstore.NewRedisStore(rdb, gw, logger)
	ledger := quota.NewRedisLedger(rdb, logger)
	limiter := ratelimit.NewRedisLimiter(rdb, cfg, logger)
	queue := dispatch.NewRedisTaskQueue(rdb, cfg)
	disp := dispatch.NewDispatcher(store, queue, cfg, logger)
	agg := aggregator.New(store, gw, ledger, logger)
	comp := completion.New(store, gw, ledger, agg, cfg, logger)
	recon := reconciler.New(store, queue, comp, agg, ledger, cfg, logger)

	handler := api.NewHandler(store, gw, ledger, limiter, disp, agg, comp, cfg, logger)
	server := api.NewServer(cfg, handler, limiter, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go handleSignals(cancel, logger)
	go recon.Run(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("submission api server stopped", obs.Err(err))
		}
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown failed", obs.Err(err))
		}
	}
}

func handleSignals(cancel context.CancelFunc, logger *zap.Logger) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
	cancel()

	select {
	case sig2 := <-sigCh:
		logger.Warn("second signal received, forcing exit", obs.String("signal", sig2.String()))
		os.Exit(1)
	case <-time.After(5 * time.Second):
	}
}
