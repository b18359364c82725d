// Package main implements the entry point for the syncengine daemon.
// Syncengine is an offline-first synchronization engine: it routes reads
// through a policy-driven response cache, queues writes durably while
// disconnected, and drains them to the remote endpoint with conflict
// resolution when connectivity returns.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/c360/syncengine/config"
	"github.com/c360/syncengine/engine"
	"github.com/c360/syncengine/metric"
	"github.com/c360/syncengine/queue"
	"github.com/c360/syncengine/scheduler"
	"github.com/c360/syncengine/storage"
	"github.com/c360/syncengine/storage/badgerstore"
	"github.com/c360/syncengine/storage/memstore"
	"github.com/c360/syncengine/storage/natskv"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "syncengine"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting syncengine (offline-first synchronization)",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	if cfg.Remote.SyncURL == "" {
		return fmt.Errorf("remote.sync_url is required to run (use -validate to check config only)")
	}

	ctx := context.Background()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open storage backend: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("closing storage backend failed", "error", err)
		}
	}()

	registry := metric.NewRegistry()
	var metricsServer *metric.Server
	if cfg.Metrics.Port > 0 {
		metricsServer = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, registry)
		metricsServer.Start()
		defer func() {
			if err := metricsServer.Stop(5 * time.Second); err != nil {
				slog.Warn("metrics server shutdown failed", "error", err)
			}
		}()
	}

	httpClient := &http.Client{Timeout: cfg.Remote.Timeout.Std()}
	eng, err := engine.New(engine.Options{
		Config:    cfg,
		Store:     store,
		Fetcher:   newHTTPFetcher(httpClient),
		Transport: newHTTPTransport(httpClient, cfg.Remote.SyncURL),
		Logger:    logger,
		Metrics:   registry.Metrics,
		Notify: engine.Notifications{
			DeadLetter: func(item *queue.Item) {
				slog.Warn("mutation dead-lettered",
					"id", item.ID, "tag", item.Tag, "attempts", item.Attempts,
					"last_error", item.LastError)
			},
			DrainDone: func(res scheduler.DrainResult) {
				slog.Info("drain finished",
					"tag", res.Tag, "outcome", res.Outcome,
					"delivered", res.Delivered, "failed", res.Failed,
					"duration", res.Duration)
			},
			GenerationActivated: func(generation uint64) {
				slog.Info("generation activated", "generation", generation)
			},
		},
	})
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	return runWithSignalHandling(ctx, eng, cliCfg.ShutdownTimeout)
}

// openStore builds the durable backend selected in configuration.
func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case config.StorageMemory:
		slog.Warn("using in-memory storage, queued mutations will not survive restart")
		return memstore.New(), nil
	case config.StorageBadger:
		bcfg := badgerstore.DefaultConfig(cfg.Storage.Path)
		bcfg.SyncWrites = cfg.Storage.SyncWrites
		bcfg.Logger = slog.Default()
		return badgerstore.Open(bcfg)
	case config.StorageNATSKV:
		ncfg := natskv.DefaultConfig(cfg.Storage.NATSURL)
		if cfg.Storage.BucketPrefix != "" {
			ncfg.BucketPrefix = cfg.Storage.BucketPrefix
		}
		return natskv.Connect(ctx, ncfg)
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
}

// runWithSignalHandling blocks until SIGINT/SIGTERM, then shuts down.
func runWithSignalHandling(ctx context.Context, eng *engine.Engine, timeout time.Duration) error {
	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-sigCtx.Done()
	slog.Info("Shutdown signal received", "timeout", timeout)

	stopCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := eng.Stop(stopCtx, timeout); err != nil {
		return fmt.Errorf("engine shutdown: %w", err)
	}
	slog.Info("Shutdown complete")
	return nil
}
