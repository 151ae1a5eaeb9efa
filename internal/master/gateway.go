// Package master is the DB Gateway (introspection + backup) and
// Change-Capture substrate (trigger install + cursor reads) for the
// master database — the single source of truth every slave mirrors.
package master

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// ReservedPrefixes are table-name prefixes invisible to replication and
// enumeration.
var ReservedPrefixes = []string{"sqlite_", "_sync_", "_db_info"}

type Gateway struct {
	db   *sql.DB
	path string
}

func Open(ctx context.Context, path string) (*Gateway, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create master dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open master: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping master: %w", err)
	}
	return &Gateway{db: db, path: path}, nil
}

// OpenSlave opens a gateway against a slave file using the same
// connection discipline as the master (single writer, WAL, foreign
// keys on). The DB Gateway contract makes no distinction between a
// master and a slave handle beyond which one the replication engine
// treats as authoritative.
func OpenSlave(ctx context.Context, path string) (*Gateway, error) {
	return Open(ctx, path)
}

// OpenReadOnly opens a gateway against an existing file without
// creating its directory — used against the temp backup copy taken
// during initial seed, which must already exist.
func OpenReadOnly(ctx context.Context, path string) (*Gateway, error) {
	dsn := fmt.Sprintf("file:%s?mode=ro&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open read-only: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping read-only: %w", err)
	}
	return &Gateway{db: db, path: path}, nil
}

func (g *Gateway) Close() error {
	if g == nil || g.db == nil {
		return nil
	}
	return g.db.Close()
}

func (g *Gateway) DB() *sql.DB {
	return g.db
}

func (g *Gateway) Path() string {
	return g.path
}

// Tables lists user tables, excluding system tables and engine-reserved
// prefixes.
func (g *Gateway) Tables(ctx context.Context) ([]string, error) {
	rows, err := g.db.QueryContext(ctx, `
SELECT name FROM sqlite_master
WHERE type = 'table' AND name NOT LIKE 'sqlite_%'
ORDER BY name ASC
`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		if IsReserved(name) {
			continue
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// Columns returns a table's column names in declared order.
func (g *Gateway) Columns(ctx context.Context, table string) ([]string, error) {
	rows, err := g.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(table)))
	if err != nil {
		return nil, fmt.Errorf("columns %s: %w", table, err)
	}
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notnull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return nil, fmt.Errorf("scan column info: %w", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// SchemaDDL returns the verbatim CREATE TABLE statement for table.
func (g *Gateway) SchemaDDL(ctx context.Context, table string) (string, error) {
	var ddl sql.NullString
	err := g.db.QueryRowContext(ctx, `
SELECT sql FROM sqlite_master WHERE type = 'table' AND name = ?
`, table).Scan(&ddl)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("schema ddl %s: not found", table)
	}
	if err != nil {
		return "", fmt.Errorf("schema ddl %s: %w", table, err)
	}
	return ddl.String, nil
}

// RowCount returns the row count of table.
func (g *Gateway) RowCount(ctx context.Context, table string) (int64, error) {
	var count int64
	err := g.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", quoteIdent(table))).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("row count %s: %w", table, err)
	}
	return count, nil
}

// IntegrityCheck runs the store's built-in integrity probe.
func (g *Gateway) IntegrityCheck(ctx context.Context) (bool, error) {
	var result string
	if err := g.db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return false, fmt.Errorf("integrity check: %w", err)
	}
	return result == "ok", nil
}

// Checkpoint forces a WAL checkpoint so a subsequent file-level backup
// observes a consistent, fully flushed state.
func (g *Gateway) Checkpoint(ctx context.Context) error {
	if _, err := g.db.ExecContext(ctx, "PRAGMA wal_checkpoint(FULL)"); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	return nil
}

// BackupTo produces a consistent point-in-time file copy via VACUUM
// INTO, the pure-Go driver's equivalent of the original store's online
// backup API.
func (g *Gateway) BackupTo(ctx context.Context, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create backup dir: %w", err)
	}
	if _, err := g.db.ExecContext(ctx, fmt.Sprintf("VACUUM INTO '%s'", strings.ReplaceAll(path, "'", "''"))); err != nil {
		return fmt.Errorf("backup to %s: %w", path, err)
	}
	return nil
}

func IsReserved(table string) bool {
	for _, prefix := range ReservedPrefixes {
		if strings.HasPrefix(table, prefix) {
			return true
		}
	}
	return table == "sqlite_sequence"
}

var identPattern = func() func(string) bool {
	allowed := func(r byte) bool {
		return r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
	}
	return func(s string) bool {
		if s == "" {
			return false
		}
		for i := 0; i < len(s); i++ {
			if !allowed(s[i]) {
				return false
			}
		}
		return true
	}
}()

// quoteIdent guards table names used in string-built SQL (PRAGMA and
// COUNT(*) have no placeholder form) against anything but a bare
// identifier; the table names driving it always come from
// sqlite_master, never from external input.
func quoteIdent(name string) string {
	if !identPattern(name) {
		return fmt.Sprintf("%q", name)
	}
	return name
}
