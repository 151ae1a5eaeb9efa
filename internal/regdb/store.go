// Package regdb is the Slave Registry: the persistent catalog of
// replication targets, their ignored-table sets, and their append-only
// sync logs.
package regdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/g960059/dbsyncd/internal/engine"
	"github.com/g960059/dbsyncd/internal/master"
	"github.com/g960059/dbsyncd/internal/model"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate")
)

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping registry: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("chmod registry path: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// AddSlave inserts a new slave, validating name uniqueness, and
// prepares the target slave DB by ensuring its _sync_tracking shape
// matches what the replication engine expects (slaves may locally
// track for diagnostic purposes even though replication is one-way).
func (s *Store) AddSlave(ctx context.Context, slave model.Slave) (int64, error) {
	name := strings.TrimSpace(slave.Name)
	if name == "" {
		return 0, fmt.Errorf("name is required")
	}
	if strings.TrimSpace(slave.DBPath) == "" {
		return 0, fmt.Errorf("db_path is required")
	}
	if err := prepareSlaveDB(ctx, slave.DBPath); err != nil {
		return 0, fmt.Errorf("prepare slave db: %w", err)
	}
	now := time.Now().UTC()
	status := slave.Status
	if status == "" {
		status = model.SlaveInactive
	}

	res, err := s.db.ExecContext(ctx, `
INSERT INTO slaves(name, db_path, server_address, status, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
`, name, slave.DBPath, slave.ServerAddress, string(status), ts(now), ts(now))
	if err != nil {
		if isUniqueErr(err) {
			return 0, ErrDuplicate
		}
		return 0, fmt.Errorf("add slave: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("add slave id: %w", err)
	}
	for _, table := range dedupeNonEmpty(slave.IgnoredTables) {
		if err := s.AddIgnoredTable(ctx, id, table); err != nil {
			return 0, err
		}
	}
	return id, nil
}

// UpdateSlave applies a partial update; zero-value fields are left
// untouched except where the caller explicitly wants to overwrite them
// (name, db_path, server_address, status are applied verbatim — callers
// are expected to read-modify-write via GetSlave first).
func (s *Store) UpdateSlave(ctx context.Context, slave model.Slave) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
UPDATE slaves SET name = ?, db_path = ?, server_address = ?, status = ?, updated_at = ?
WHERE id = ?
`, strings.TrimSpace(slave.Name), slave.DBPath, slave.ServerAddress, string(slave.Status), ts(now), slave.ID)
	if err != nil {
		if isUniqueErr(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("update slave: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update slave rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeleteSlave(ctx context.Context, slaveID int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM slaves WHERE id = ?`, slaveID)
	if err != nil {
		return fmt.Errorf("delete slave: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete slave rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) GetSlave(ctx context.Context, slaveID int64) (model.Slave, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, name, db_path, server_address, status, last_sync, created_at, updated_at
FROM slaves WHERE id = ?
`, slaveID)
	slave, err := scanSlave(row)
	if err != nil {
		return model.Slave{}, err
	}
	tables, err := s.ignoredTables(ctx, slaveID)
	if err != nil {
		return model.Slave{}, err
	}
	slave.IgnoredTables = tables
	return slave, nil
}

func (s *Store) ListSlaves(ctx context.Context) ([]model.Slave, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, name, db_path, server_address, status, last_sync, created_at, updated_at
FROM slaves ORDER BY name ASC
`)
	if err != nil {
		return nil, fmt.Errorf("list slaves: %w", err)
	}
	defer rows.Close()

	out := make([]model.Slave, 0)
	for rows.Next() {
		slave, err := scanSlave(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, slave)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter slaves: %w", err)
	}
	for i := range out {
		tables, err := s.ignoredTables(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].IgnoredTables = tables
	}
	return out, nil
}

// UpdateSyncStatus writes the slave's status and, when the transition
// lands on a successful outcome, stamps last_sync with the current wall
// clock — mirroring the registry's own narrower rule (stamp only on
// success) rather than the broader "active/syncing" wording some
// descriptions of this behaviour use.
//
// A completed successful sync (succeeded=true) is always written
// verbatim: it is ground truth from an attempt that actually ran to
// completion, not a racy placeholder, and must be able to clear a
// prior "error". Every other transition — the "syncing" marker set
// before an attempt starts, and an "error" outcome — is resolved
// against the slave's current status via engine.ResolveStatus first,
// so a scheduler tick and an admin-triggered sync racing on the same
// slave can never have a stale "syncing" write clobber an "error" that
// a concurrent attempt already landed, or vice versa.
func (s *Store) UpdateSyncStatus(ctx context.Context, slaveID int64, status model.SlaveStatus, succeeded bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update sync status: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM slaves WHERE id = ?`, slaveID).Scan(&current)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read current status: %w", err)
	}
	resolved := status
	if !succeeded {
		resolved = engine.ResolveStatus(model.SlaveStatus(current), status)
	}

	now := ts(time.Now().UTC())
	var res sql.Result
	if succeeded {
		res, err = tx.ExecContext(ctx, `
UPDATE slaves SET status = ?, last_sync = ?, updated_at = ? WHERE id = ?
`, string(resolved), now, now, slaveID)
	} else {
		res, err = tx.ExecContext(ctx, `
UPDATE slaves SET status = ?, updated_at = ? WHERE id = ?
`, string(resolved), now, slaveID)
	}
	if err != nil {
		return fmt.Errorf("update sync status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update sync status rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// SetLastSync propagates an authoritative timestamp from the slave side
// back into the registry (used by timestamp reconciliation when drift
// exceeds the configured threshold).
func (s *Store) SetLastSync(ctx context.Context, slaveID int64, lastSync time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE slaves SET last_sync = ?, updated_at = ? WHERE id = ?
`, ts(lastSync), ts(time.Now().UTC()), slaveID)
	if err != nil {
		return fmt.Errorf("set last sync: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set last sync rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) AddIgnoredTable(ctx context.Context, slaveID int64, table string) error {
	table = strings.TrimSpace(table)
	if table == "" {
		return fmt.Errorf("table_name is required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT OR IGNORE INTO ignored_tables(slave_id, table_name, created_at)
VALUES (?, ?, ?)
`, slaveID, table, ts(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("add ignored table: %w", err)
	}
	return nil
}

func (s *Store) RemoveIgnoredTable(ctx context.Context, slaveID int64, table string) error {
	_, err := s.db.ExecContext(ctx, `
DELETE FROM ignored_tables WHERE slave_id = ? AND table_name = ?
`, slaveID, strings.TrimSpace(table))
	if err != nil {
		return fmt.Errorf("remove ignored table: %w", err)
	}
	return nil
}

func (s *Store) ignoredTables(ctx context.Context, slaveID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT table_name FROM ignored_tables WHERE slave_id = ? ORDER BY table_name ASC
`, slaveID)
	if err != nil {
		return nil, fmt.Errorf("list ignored tables: %w", err)
	}
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan ignored table: %w", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (s *Store) AddSyncLog(ctx context.Context, entry model.SyncLogEntry) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
INSERT INTO sync_logs(slave_id, status, message, changes_count, duration_seconds, created_at)
VALUES (?, ?, ?, ?, ?, ?)
`, entry.SlaveID, string(entry.Status), entry.Message, entry.ChangesCount, entry.DurationSecs, ts(time.Now().UTC()))
	if err != nil {
		return 0, fmt.Errorf("add sync log: %w", err)
	}
	return res.LastInsertId()
}

func (s *Store) ListSyncLogs(ctx context.Context, slaveID *int64, limit int) ([]model.SyncLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
SELECT id, slave_id, status, message, changes_count, duration_seconds, created_at
FROM sync_logs`
	args := make([]any, 0, 2)
	if slaveID != nil {
		query += ` WHERE slave_id = ?`
		args = append(args, *slaveID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sync logs: %w", err)
	}
	defer rows.Close()

	out := make([]model.SyncLogEntry, 0)
	for rows.Next() {
		var (
			entry     model.SyncLogEntry
			status    string
			createdAt string
		)
		if err := rows.Scan(&entry.ID, &entry.SlaveID, &status, &entry.Message, &entry.ChangesCount, &entry.DurationSecs, &createdAt); err != nil {
			return nil, fmt.Errorf("scan sync log: %w", err)
		}
		entry.Status = model.SyncOutcome(status)
		t, err := parseTS(createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse sync log created_at: %w", err)
		}
		entry.CreatedAt = t
		out = append(out, entry)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSlave(row scanner) (model.Slave, error) {
	var (
		slave     model.Slave
		status    string
		lastSync  sql.NullString
		createdAt string
		updatedAt string
	)
	if err := row.Scan(&slave.ID, &slave.Name, &slave.DBPath, &slave.ServerAddress, &status, &lastSync, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Slave{}, ErrNotFound
		}
		return model.Slave{}, fmt.Errorf("scan slave: %w", err)
	}
	slave.Status = model.SlaveStatus(status)
	if lastSync.Valid && lastSync.String != "" {
		t, err := parseTS(lastSync.String)
		if err != nil {
			return model.Slave{}, fmt.Errorf("parse last_sync: %w", err)
		}
		slave.LastSync = &t
	}
	t, err := parseTS(createdAt)
	if err != nil {
		return model.Slave{}, fmt.Errorf("parse created_at: %w", err)
	}
	slave.CreatedAt = t
	t, err = parseTS(updatedAt)
	if err != nil {
		return model.Slave{}, fmt.Errorf("parse updated_at: %w", err)
	}
	slave.UpdatedAt = t
	return slave, nil
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// prepareSlaveDB opens (creating if absent) the slave's own database
// file and ensures its _sync_tracking/_sync_processed_changes shape
// matches the current layout, so the replication engine never finds
// an unprepared file once the slave is registered.
func prepareSlaveDB(ctx context.Context, dbPath string) error {
	gw, err := master.OpenSlave(ctx, dbPath)
	if err != nil {
		return fmt.Errorf("open slave db: %w", err)
	}
	defer gw.Close() //nolint:errcheck
	return gw.EnsureTrackingTables(ctx)
}

func isUniqueErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE")
}

func dedupeNonEmpty(values []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
