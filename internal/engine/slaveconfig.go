package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/g960059/dbsyncd/internal/master"
)

const epochTimestamp = "1970-01-01 00:00:00"

// EnsureSlaveConfig creates the slave's single-row _sync_config table
// if absent, seeding the periodic watermark at the epoch so a fresh
// slave's first incremental sync sees every change as candidate.
func EnsureSlaveConfig(ctx context.Context, slaveGW *master.Gateway, masterDBPath string) error {
	if _, err := slaveGW.DB().ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS _sync_config (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	last_sync_timestamp TEXT NOT NULL,
	master_db_path TEXT NOT NULL
)`); err != nil {
		return fmt.Errorf("create _sync_config: %w", err)
	}

	var exists int
	err := slaveGW.DB().QueryRowContext(ctx, `SELECT 1 FROM _sync_config WHERE id = 1`).Scan(&exists)
	if err == sql.ErrNoRows {
		_, err = slaveGW.DB().ExecContext(ctx, `
INSERT INTO _sync_config(id, last_sync_timestamp, master_db_path) VALUES (1, ?, ?)`,
			epochTimestamp, masterDBPath)
		if err != nil {
			return fmt.Errorf("seed _sync_config: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("check _sync_config: %w", err)
	}
	return nil
}

// GetSlaveCursor reads the periodic watermark.
func GetSlaveCursor(ctx context.Context, slaveGW *master.Gateway) (time.Time, error) {
	var raw string
	err := slaveGW.DB().QueryRowContext(ctx, `SELECT last_sync_timestamp FROM _sync_config WHERE id = 1`).Scan(&raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("read slave cursor: %w", err)
	}
	for _, layout := range []string{"2006-01-02 15:04:05.000", "2006-01-02 15:04:05", time.RFC3339Nano} {
		if t, perr := time.Parse(layout, raw); perr == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("parse slave cursor %q", raw)
}

// SetSlaveCursor advances the periodic watermark to ts.
func SetSlaveCursor(ctx context.Context, slaveGW *master.Gateway, ts time.Time) error {
	_, err := slaveGW.DB().ExecContext(ctx, `UPDATE _sync_config SET last_sync_timestamp = ? WHERE id = 1`,
		ts.UTC().Format("2006-01-02 15:04:05.000"))
	if err != nil {
		return fmt.Errorf("advance slave cursor: %w", err)
	}
	return nil
}
