package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/g960059/dbsyncd/internal/api"
	"github.com/g960059/dbsyncd/internal/config"
	"github.com/g960059/dbsyncd/internal/master"
	"github.com/g960059/dbsyncd/internal/regdb"
)

func main() {
	cfg := config.DefaultConfig()
	flag.StringVar(&cfg.SocketPath, "socket", cfg.SocketPath, "UDS path for dbsyncd")
	flag.StringVar(&cfg.MasterDBPath, "master-db", cfg.MasterDBPath, "path to the master SQLite database")
	flag.StringVar(&cfg.RegistryDBPath, "registry-db", cfg.RegistryDBPath, "path to the slave registry SQLite database")
	flag.StringVar(&cfg.TempDir, "temp-dir", cfg.TempDir, "scratch directory for initial-seed backup copies")
	flag.DurationVar(&cfg.SyncInterval, "sync-interval", cfg.SyncInterval, "periodic scheduler interval")
	flag.DurationVar(&cfg.SlaveSpacing, "slave-spacing", cfg.SlaveSpacing, "spacing between per-slave sync attempts within a tick")
	flag.IntVar(&cfg.SeedBatchSize, "seed-batch-size", cfg.SeedBatchSize, "row batch size for initial seed copy")
	flag.DurationVar(&cfg.RealtimePollInterval, "realtime-poll-interval", cfg.RealtimePollInterval, "realtime dispatcher poll interval")
	flag.IntVar(&cfg.RealtimeBatchLimit, "realtime-batch-limit", cfg.RealtimeBatchLimit, "max unprocessed changes read per dispatcher tick")
	autostartScheduler := flag.Bool("start-scheduler", true, "start the periodic sync scheduler on boot")
	autostartRealtime := flag.Bool("start-realtime", false, "start the realtime change dispatcher on boot")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	registry, err := regdb.Open(ctx, cfg.RegistryDBPath)
	if err != nil {
		fatal(fmt.Errorf("open registry: %w", err))
	}
	defer registry.Close() //nolint:errcheck

	masterGW, err := master.Open(ctx, cfg.MasterDBPath)
	if err != nil {
		fatal(fmt.Errorf("open master: %w", err))
	}
	defer masterGW.Close() //nolint:errcheck

	if err := masterGW.InstallCapture(ctx); err != nil {
		fatal(fmt.Errorf("install change capture: %w", err))
	}

	srv := api.NewServer(cfg, registry, masterGW)
	startRetentionLoop(ctx, masterGW, cfg)

	if *autostartScheduler {
		srv.StartScheduler()
	}
	if *autostartRealtime {
		srv.StartRealtime()
	}

	if err := srv.Start(ctx); err != nil && err != context.Canceled {
		fatal(err)
	}
}

// startRetentionLoop periodically purges processed-change cursors
// older than the configured retention window so `_sync_processed_changes`
// does not grow unbounded on a long-running master.
func startRetentionLoop(ctx context.Context, masterGW *master.Gateway, cfg config.Config) {
	run := func() {
		cutoff := time.Now().Add(-cfg.ProcessedCursorRetention)
		if _, err := masterGW.PurgeProcessedOlderThan(ctx, cutoff); err != nil {
			logErr("retention purge", err)
		}
	}

	run()
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				run()
			}
		}
	}()
}

func logErr(scope string, err error) {
	_, _ = fmt.Fprintf(os.Stderr, "dbsyncd: %s: %v\n", scope, err)
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "dbsyncd: %v\n", err)
	os.Exit(1)
}
