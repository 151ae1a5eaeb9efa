package config

import (
	"os"
	"path/filepath"
	"time"
)

type Config struct {
	MasterDBPath             string
	RegistryDBPath           string
	SocketPath               string
	TempDir                  string
	SyncInterval             time.Duration
	SlaveSpacing             time.Duration
	TimestampBackshift       time.Duration
	SeedBatchSize            int
	RealtimePollInterval     time.Duration
	RealtimeBatchLimit       int
	RealtimeQueueDepth       int
	RealtimeWorkerBackoff    time.Duration
	WorkerJoinTimeout        time.Duration
	ProcessedCursorRetention time.Duration
	ClockDriftThreshold      time.Duration
	ConvergenceSampleSize    int
	IgnoredTables            []string
}

func DefaultConfig() Config {
	return Config{
		MasterDBPath:             defaultMasterDBPath(),
		RegistryDBPath:           defaultRegistryDBPath(),
		SocketPath:               defaultSocketPath(),
		TempDir:                  os.TempDir(),
		SyncInterval:             60 * time.Second,
		SlaveSpacing:             1 * time.Second,
		TimestampBackshift:       30 * time.Second,
		SeedBatchSize:            1000,
		RealtimePollInterval:     500 * time.Millisecond,
		RealtimeBatchLimit:       100,
		RealtimeQueueDepth:       256,
		RealtimeWorkerBackoff:    2 * time.Second,
		WorkerJoinTimeout:        5 * time.Second,
		ProcessedCursorRetention: 14 * 24 * time.Hour,
		ClockDriftThreshold:      5 * time.Minute,
		ConvergenceSampleSize:    5,
	}
}

func defaultSocketPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		return filepath.Join(runtimeDir, "dbsyncd", "dbsyncd.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".dbsyncd.sock"
	}
	return filepath.Join(home, ".local", "state", "dbsyncd", "dbsyncd.sock")
}

func defaultMasterDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "master.db"
	}
	return filepath.Join(home, ".local", "state", "dbsyncd", "master.db")
}

func defaultRegistryDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "registry.db"
	}
	return filepath.Join(home, ".local", "state", "dbsyncd", "registry.db")
}
