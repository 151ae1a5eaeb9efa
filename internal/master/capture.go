package master

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/g960059/dbsyncd/internal/model"
)

// trackingDDL creates the change-tracking tables if absent. Column
// order matters for _sync_tracking: row_id is the canonical name; a
// pre-existing table still carrying the older record_id name is
// migrated in place by migrateTrackingTable before this runs.
const trackingDDL = `
CREATE TABLE IF NOT EXISTS _sync_tracking (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	table_name TEXT NOT NULL,
	row_id INTEGER NOT NULL,
	operation TEXT NOT NULL,
	changed_columns TEXT,
	old_values TEXT,
	new_values TEXT,
	timestamp TEXT NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now'))
);

CREATE INDEX IF NOT EXISTS idx_sync_tracking_timestamp ON _sync_tracking(timestamp);

CREATE TABLE IF NOT EXISTS _sync_processed_changes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	change_id INTEGER NOT NULL,
	processed_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now')),
	FOREIGN KEY(change_id) REFERENCES _sync_tracking(id) ON DELETE CASCADE
);
`

// EnsureTrackingTables brings _sync_tracking and
// _sync_processed_changes up to the current shape (migrating an older
// layout in place) without installing any triggers. Used to prepare a
// newly registered slave's own file: a slave never needs capture
// triggers on its own tables, only the tracking-table shape itself so
// nothing downstream mis-keys a row if the file is later inspected as
// if it were a master.
func (g *Gateway) EnsureTrackingTables(ctx context.Context) error {
	if err := g.migrateTrackingTable(ctx); err != nil {
		return fmt.Errorf("migrate tracking table: %w", err)
	}
	if _, err := g.db.ExecContext(ctx, trackingDDL); err != nil {
		return fmt.Errorf("create tracking tables: %w", err)
	}
	return nil
}

// InstallCapture ensures the tracking tables exist (migrating an older
// layout in place), then (re)installs AFTER triggers on every user
// table so every insert, update, and delete is recorded. Trigger
// installation is per table and best-effort: one table's failure is
// recorded but does not abort the rest.
func (g *Gateway) InstallCapture(ctx context.Context) error {
	if err := g.EnsureTrackingTables(ctx); err != nil {
		return err
	}

	tables, err := g.Tables(ctx)
	if err != nil {
		return fmt.Errorf("list tables for capture: %w", err)
	}

	var firstErr error
	for _, table := range tables {
		if err := g.installTriggers(ctx, table); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("install triggers on %s: %w", table, err)
			}
			continue
		}
	}
	return firstErr
}

func (g *Gateway) installTriggers(ctx context.Context, table string) error {
	cols, err := g.Columns(ctx, table)
	if err != nil {
		return err
	}
	if len(cols) == 0 {
		return nil
	}

	drops := []string{
		fmt.Sprintf("DROP TRIGGER IF EXISTS trg_%s_insert", table),
		fmt.Sprintf("DROP TRIGGER IF EXISTS trg_%s_update", table),
		fmt.Sprintf("DROP TRIGGER IF EXISTS trg_%s_delete", table),
	}
	for _, stmt := range drops {
		if _, err := g.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	columnList := jsonStringArray(cols)
	insertJSON := jsonBuilder(cols, "NEW")
	oldJSON := jsonBuilder(cols, "OLD")
	newJSON := jsonBuilder(cols, "NEW")

	insertTrigger := fmt.Sprintf(`
CREATE TRIGGER trg_%[1]s_insert AFTER INSERT ON %[1]s
BEGIN
	INSERT INTO _sync_tracking(table_name, row_id, operation, changed_columns, old_values, new_values)
	VALUES ('%[1]s', NEW.rowid, 'INSERT', '%[2]s', NULL, %[3]s);
END;`, table, columnList, insertJSON)

	updateWhen := updateWhenClause(cols)
	changedColumnsExpr := changedColumnsExpr(cols)
	updateTrigger := fmt.Sprintf(`
CREATE TRIGGER trg_%[1]s_update AFTER UPDATE ON %[1]s
WHEN %[2]s
BEGIN
	INSERT INTO _sync_tracking(table_name, row_id, operation, changed_columns, old_values, new_values)
	VALUES ('%[1]s', NEW.rowid, 'UPDATE', %[3]s, %[4]s, %[5]s);
END;`, table, updateWhen, changedColumnsExpr, oldJSON, newJSON)

	deleteTrigger := fmt.Sprintf(`
CREATE TRIGGER trg_%[1]s_delete AFTER DELETE ON %[1]s
BEGIN
	INSERT INTO _sync_tracking(table_name, row_id, operation, changed_columns, old_values, new_values)
	VALUES ('%[1]s', OLD.rowid, 'DELETE', '%[2]s', %[3]s, NULL);
END;`, table, columnList, oldJSON)

	for _, stmt := range []string{insertTrigger, updateTrigger, deleteTrigger} {
		if _, err := g.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// jsonBuilder produces a SQL expression that hand-assembles a JSON
// object from prefix.col references, matching the capture format every
// slave apply step expects: numeric columns unquoted, everything else
// quoted and escaped, NULL columns rendered as JSON null.
func jsonBuilder(cols []string, prefix string) string {
	var b strings.Builder
	b.WriteString("('{' || ")
	for i, col := range cols {
		if i > 0 {
			b.WriteString(" || ',' || ")
		}
		fmt.Fprintf(&b, "'\"%s\":' || %s", col, jsonValueExpr(prefix, col))
	}
	b.WriteString(" || '}')")
	return b.String()
}

func jsonValueExpr(prefix, col string) string {
	ref := fmt.Sprintf("%s.%s", prefix, col)
	return fmt.Sprintf(
		"CASE WHEN %s IS NULL THEN 'null' "+
			"WHEN typeof(%s) IN ('integer','real') THEN CAST(%s AS TEXT) "+
			"ELSE '\"' || replace(replace(CAST(%s AS TEXT),'\\','\\\\'),'\"','\\\"') || '\"' END",
		ref, ref, ref, ref,
	)
}

func jsonStringArray(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = `"` + c + `"`
	}
	return "[" + strings.Join(quoted, ",") + "]"
}

func updateWhenClause(cols []string) string {
	clauses := make([]string, len(cols))
	for i, c := range cols {
		clauses[i] = fmt.Sprintf("OLD.%s IS NOT NEW.%s", c, c)
	}
	return strings.Join(clauses, " OR ")
}

// changedColumnsExpr builds the JSON array of column names whose value
// actually changed, via a UNION ALL subquery the way the trigger body
// itself can express a per-column conditional without CASE/WHEN
// returning multiple rows.
func changedColumnsExpr(cols []string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = fmt.Sprintf("SELECT '%s' AS column_name WHERE OLD.%s IS NOT NEW.%s", c, c, c)
	}
	return "(SELECT json_group_array(column_name) FROM (" + strings.Join(parts, " UNION ALL ") + "))"
}

// migrateTrackingTable brings a pre-existing _sync_tracking table up
// to the current layout without losing history: a table still using
// the older record_id column name is rebuilt under a copy-rename-swap;
// one missing only the newer changed_columns/old_values/new_values
// columns gets them added in place.
func (g *Gateway) migrateTrackingTable(ctx context.Context) error {
	exists, err := g.tableExists(ctx, "_sync_tracking")
	if err != nil || !exists {
		return err
	}

	cols, err := g.Columns(ctx, "_sync_tracking")
	if err != nil {
		return err
	}
	colSet := make(map[string]bool, len(cols))
	for _, c := range cols {
		colSet[c] = true
	}

	if !colSet["row_id"] && colSet["record_id"] {
		return g.renameRecordIDToRowID(ctx)
	}

	for _, col := range []string{"changed_columns", "old_values", "new_values"} {
		if colSet[col] {
			continue
		}
		if _, err := g.db.ExecContext(ctx, fmt.Sprintf("ALTER TABLE _sync_tracking ADD COLUMN %s TEXT", col)); err != nil {
			return fmt.Errorf("add column %s: %w", col, err)
		}
	}
	return nil
}

func (g *Gateway) renameRecordIDToRowID(ctx context.Context) error {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	stmts := []string{
		`CREATE TABLE _sync_tracking_new (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			table_name TEXT NOT NULL,
			row_id INTEGER NOT NULL,
			operation TEXT NOT NULL,
			changed_columns TEXT,
			old_values TEXT,
			new_values TEXT,
			timestamp TEXT NOT NULL
		)`,
		`INSERT INTO _sync_tracking_new (id, table_name, row_id, operation, timestamp)
		 SELECT id, table_name, record_id, operation, timestamp FROM _sync_tracking`,
		`DROP TABLE _sync_tracking`,
		`ALTER TABLE _sync_tracking_new RENAME TO _sync_tracking`,
		`CREATE INDEX IF NOT EXISTS idx_sync_tracking_timestamp ON _sync_tracking(timestamp)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("rename record_id to row_id: %w", err)
		}
	}
	return tx.Commit()
}

func (g *Gateway) tableExists(ctx context.Context, name string) (bool, error) {
	var found string
	err := g.db.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&found)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ChangesSince returns tracked changes newer than timestamp, backed
// off by a small grace window so a change committed a moment before
// timestamp (clock skew between the poll and the write) is never
// missed.
func (g *Gateway) ChangesSince(ctx context.Context, timestamp time.Time, backshift time.Duration, ignoredTables []string) ([]model.TrackingEntry, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT id, table_name, row_id, operation, changed_columns, old_values, new_values, timestamp
FROM _sync_tracking
WHERE datetime(timestamp) > datetime(?, ?)`)
	args := []any{timestamp.UTC().Format("2006-01-02 15:04:05.000"), fmt.Sprintf("-%d seconds", int(backshift.Seconds()))}

	if len(ignoredTables) > 0 {
		placeholders := make([]string, len(ignoredTables))
		for i, t := range ignoredTables {
			placeholders[i] = "?"
			args = append(args, t)
		}
		query.WriteString(" AND table_name NOT IN (" + strings.Join(placeholders, ",") + ")")
	}
	query.WriteString(" ORDER BY timestamp ASC")

	return g.scanTrackingRows(ctx, query.String(), args...)
}

// UnprocessedChanges returns tracked changes with no corresponding
// entry in _sync_processed_changes, oldest first.
func (g *Gateway) UnprocessedChanges(ctx context.Context, limit int) ([]model.TrackingEntry, error) {
	return g.scanTrackingRows(ctx, `
SELECT id, table_name, row_id, operation, changed_columns, old_values, new_values, timestamp
FROM _sync_tracking
WHERE id NOT IN (SELECT change_id FROM _sync_processed_changes)
ORDER BY id ASC
LIMIT ?`, limit)
}

func (g *Gateway) scanTrackingRows(ctx context.Context, query string, args ...any) ([]model.TrackingEntry, error) {
	rows, err := g.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tracking entries: %w", err)
	}
	defer rows.Close()

	out := make([]model.TrackingEntry, 0)
	for rows.Next() {
		var (
			e                                 model.TrackingEntry
			op                                string
			changedCols, oldValues, newValues sql.NullString
			ts                                string
		)
		if err := rows.Scan(&e.ID, &e.TableName, &e.RowID, &op, &changedCols, &oldValues, &newValues, &ts); err != nil {
			return nil, fmt.Errorf("scan tracking entry: %w", err)
		}
		e.Operation = model.Operation(op)
		e.OldValues = oldValues.String
		e.NewValues = newValues.String
		if changedCols.Valid && changedCols.String != "" {
			e.ChangedColumns = splitJSONArray(changedCols.String)
		}
		e.Timestamp = parseTrackingTimestamp(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkProcessed records each change id as processed. Already-processed
// ids are skipped silently so callers can safely re-mark a batch after
// a retry.
func (g *Gateway) MarkProcessed(ctx context.Context, changeIDs []int64) error {
	if len(changeIDs) == 0 {
		return nil
	}
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO _sync_processed_changes(change_id) VALUES (?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, id := range changeIDs {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return fmt.Errorf("mark change %d processed: %w", id, err)
		}
	}
	return tx.Commit()
}

// PurgeProcessedOlderThan deletes processed-cursor rows (and their
// originating tracking rows, by cascade) older than cutoff, bounding
// the tracking tables' long-run growth.
func (g *Gateway) PurgeProcessedOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := g.db.ExecContext(ctx, `
DELETE FROM _sync_tracking
WHERE id IN (
	SELECT change_id FROM _sync_processed_changes WHERE processed_at < ?
)`, cutoff.UTC().Format("2006-01-02 15:04:05.000"))
	if err != nil {
		return 0, fmt.Errorf("purge processed changes: %w", err)
	}
	return res.RowsAffected()
}

func splitJSONArray(raw string) []string {
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimPrefix(trimmed, "[")
	trimmed = strings.TrimSuffix(trimmed, "]")
	if trimmed == "" {
		return nil
	}
	parts := strings.Split(trimmed, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.Trim(strings.TrimSpace(p), `"`))
	}
	return out
}

func parseTrackingTimestamp(ts string) time.Time {
	for _, layout := range []string{"2006-01-02 15:04:05.000", "2006-01-02 15:04:05", time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, ts); err == nil {
			return t
		}
	}
	return time.Time{}
}
