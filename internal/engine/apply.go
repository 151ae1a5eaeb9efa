package engine

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/g960059/dbsyncd/internal/master"
	"github.com/g960059/dbsyncd/internal/model"
)

// rowOp is the collapsed, authoritative action for one (table, row_id)
// pair within a batch: INSERT and UPDATE both resolve to an upsert
// (the applier always re-fetches the row from the master rather than
// trusting the trigger-emitted payload), and a later DELETE always
// wins over an earlier insert/update for the same row.
type rowOp struct {
	table  string
	rowID  int64
	delete bool
}

// Collapse reduces a list of tracking entries, applied in input order,
// to one authoritative action per (table, row_id): the last operation
// observed for a row decides whether it is deleted or upserted.
func Collapse(entries []model.TrackingEntry) []rowOp {
	order := make([]string, 0, len(entries))
	byKey := make(map[string]*rowOp, len(entries))
	for _, e := range entries {
		key := fmt.Sprintf("%s:%d", e.TableName, e.RowID)
		op, seen := byKey[key]
		if !seen {
			op = &rowOp{table: e.TableName, rowID: e.RowID}
			byKey[key] = op
			order = append(order, key)
		}
		op.delete = e.Operation == model.OpDelete
	}
	out := make([]rowOp, 0, len(order))
	for _, key := range order {
		out = append(out, *byKey[key])
	}
	return out
}

// Apply performs the collapsed row operations against the slave in a
// single transaction: deletes first, then upserts fetched fresh from
// the master by row_id. The applier is idempotent — re-applying an
// already-applied change is a no-op.
func Apply(ctx context.Context, masterGW, slaveGW *master.Gateway, entries []model.TrackingEntry) (applied int64, err error) {
	ops := Collapse(entries)
	if len(ops) == 0 {
		return 0, nil
	}

	tx, err := slaveGW.DB().BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin apply tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	columnCache := make(map[string][]string)
	for _, op := range ops {
		cols, cerr := cachedColumns(ctx, masterGW, columnCache, op.table)
		if cerr != nil {
			return applied, fmt.Errorf("columns for %s: %w", op.table, cerr)
		}

		if op.delete {
			if _, derr := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE rowid = ?", op.table), op.rowID); derr != nil {
				return applied, fmt.Errorf("delete %s row %d: %w", op.table, op.rowID, derr)
			}
			applied++
			continue
		}

		if err := upsertRow(ctx, masterGW, tx, op.table, op.rowID, cols); err != nil {
			return applied, fmt.Errorf("upsert %s row %d: %w", op.table, op.rowID, err)
		}
		applied++
	}

	if err := tx.Commit(); err != nil {
		return applied, fmt.Errorf("commit apply tx: %w", err)
	}
	return applied, nil
}

func cachedColumns(ctx context.Context, masterGW *master.Gateway, cache map[string][]string, table string) ([]string, error) {
	if cols, ok := cache[table]; ok {
		return cols, nil
	}
	cols, err := masterGW.Columns(ctx, table)
	if err != nil {
		return nil, err
	}
	cache[table] = cols
	return cols, nil
}

// upsertRow re-fetches the authoritative row from the master and
// writes it to the slave: a row already present is updated in place
// with a plain UPDATE, and only a genuinely absent row gets INSERT OR
// REPLACE. Every gateway connection runs with foreign_keys(1), so
// INSERT OR REPLACE's delete-then-insert semantics would cascade-delete
// dependent child rows on an existing row if used unconditionally here.
func upsertRow(ctx context.Context, masterGW *master.Gateway, tx *sql.Tx, table string, rowID int64, cols []string) error {
	values := make([]any, len(cols))
	dest := make([]any, len(cols))
	for i := range dest {
		dest[i] = &values[i]
	}

	selectCols := quoteColumnList(cols)
	row := masterGW.DB().QueryRowContext(ctx, fmt.Sprintf("SELECT %s FROM %s WHERE rowid = ?", selectCols, table), rowID)
	if err := row.Scan(dest...); err != nil {
		if err == sql.ErrNoRows {
			// Deleted on the master between capture and apply; nothing to
			// upsert, and a later DELETE entry (if any) will clean the slave up.
			return nil
		}
		return fmt.Errorf("fetch authoritative row: %w", err)
	}

	exists, err := rowExists(ctx, tx, table, rowID)
	if err != nil {
		return fmt.Errorf("check row existence: %w", err)
	}

	if exists {
		setClause := ""
		for i, c := range cols {
			if i > 0 {
				setClause += ", "
			}
			setClause += c + " = ?"
		}
		args := append(values, rowID)
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("UPDATE %s SET %s WHERE rowid = ?", table, setClause), args...); err != nil {
			return fmt.Errorf("update row: %w", err)
		}
		return nil
	}

	placeholders := make([]string, len(cols))
	for i := range placeholders {
		placeholders[i] = "?"
	}
	stmt := fmt.Sprintf(
		"INSERT OR REPLACE INTO %s (rowid, %s) VALUES (?, %s)",
		table, selectCols, joinPlaceholders(placeholders),
	)
	args := append([]any{rowID}, values...)
	if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
		return fmt.Errorf("insert or replace: %w", err)
	}
	return nil
}

// rowExists reports whether table already has a row at rowID on the
// slave side of tx.
func rowExists(ctx context.Context, tx *sql.Tx, table string, rowID int64) (bool, error) {
	var found int
	err := tx.QueryRowContext(ctx, fmt.Sprintf("SELECT 1 FROM %s WHERE rowid = ?", table), rowID).Scan(&found)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func quoteColumnList(cols []string) string {
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += ", "
		}
		out += c
	}
	return out
}

func joinPlaceholders(placeholders []string) string {
	out := ""
	for i, p := range placeholders {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}
