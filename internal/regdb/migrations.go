package regdb

import (
	"context"
	"database/sql"
	"fmt"
)

type migration struct {
	version int
	upSQL   string
}

var baseSchema = migration{
	version: 1,
	upSQL: `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS slaves (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	db_path TEXT NOT NULL,
	server_address TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'inactive' CHECK(status IN ('inactive','active','syncing','error')),
	last_sync TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS ignored_tables (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	slave_id INTEGER NOT NULL,
	table_name TEXT NOT NULL,
	created_at TEXT NOT NULL,
	UNIQUE(slave_id, table_name),
	FOREIGN KEY(slave_id) REFERENCES slaves(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS sync_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	slave_id INTEGER NOT NULL,
	status TEXT NOT NULL CHECK(status IN ('success','error','running')),
	message TEXT NOT NULL DEFAULT '',
	changes_count INTEGER NOT NULL DEFAULT 0,
	duration_seconds REAL NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	FOREIGN KEY(slave_id) REFERENCES slaves(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS sync_logs_slave_created_at
ON sync_logs(slave_id, created_at DESC);
`,
}

// additiveColumn is an additive-only migration applied by introspecting
// PRAGMA table_info rather than tracked by schema_migrations version, so
// it is also safe against a registry DB created by an older build that
// never recorded it.
type additiveColumn struct {
	table  string
	column string
	ddl    string
}

var additiveColumns = []additiveColumn{
	{table: "slaves", column: "last_sync", ddl: "ALTER TABLE slaves ADD COLUMN last_sync TEXT"},
}

// ApplyMigrations creates the base schema (tracked via schema_migrations)
// and then runs additive-only column migrations guarded by PRAGMA
// table_info, never destructive.
func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations(version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var exists int
	err := db.QueryRowContext(ctx, `SELECT 1 FROM schema_migrations WHERE version = ?`, baseSchema.version).Scan(&exists)
	if err == sql.ErrNoRows {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for base schema: %w", err)
		}
		if _, err := tx.ExecContext(ctx, baseSchema.upSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("apply base schema: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES (?, datetime('now'))`, baseSchema.version); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("record base schema: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit base schema: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("check base schema: %w", err)
	}

	return runAdditiveMigrations(ctx, db)
}

func runAdditiveMigrations(ctx context.Context, db *sql.DB) error {
	for _, col := range additiveColumns {
		present, err := columnExists(ctx, db, col.table, col.column)
		if err != nil {
			return fmt.Errorf("introspect %s.%s: %w", col.table, col.column, err)
		}
		if present {
			continue
		}
		if _, err := db.ExecContext(ctx, col.ddl); err != nil {
			return fmt.Errorf("migrate %s.%s: %w", col.table, col.column, err)
		}
	}
	return nil
}

func columnExists(ctx context.Context, db *sql.DB, table, column string) (bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			ctype      string
			notnull    int
			dfltValue  sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
