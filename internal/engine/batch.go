package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/g960059/dbsyncd/internal/master"
	"github.com/g960059/dbsyncd/internal/model"
)

// ApplyBatch applies one realtime dispatcher batch to a slave: schema
// compatibility is checked defensively (the scheduler path already
// guarantees it, but a worker may be racing a schema change), deletes
// run first, INSERT row ids upsert (falling back to an update if the
// row already exists on the slave), and UPDATE row ids only ever
// update — never insert — mirroring the scheduler's stricter apply
// semantics being relaxed just enough for the realtime path's
// best-effort nature. Everything commits in one transaction per
// slave per batch.
func ApplyBatch(ctx context.Context, masterGW, slaveGW *master.Gateway, batch model.ChangeBatch, ignoredTables []string) error {
	ok, mismatch, err := VerifySchemaCompatibility(ctx, masterGW, slaveGW, ignoredTables)
	if err != nil {
		return fmt.Errorf("verify schema: %w", err)
	}
	if !ok {
		return fmt.Errorf("schema mismatch on table %s", mismatch)
	}

	ignored := toSet(ignoredTables)

	tx, err := slaveGW.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	columnCache := make(map[string][]string)
	for table, ops := range batch.Tables {
		if ignored[table] {
			continue
		}
		cols, err := cachedColumns(ctx, masterGW, columnCache, table)
		if err != nil {
			return fmt.Errorf("columns for %s: %w", table, err)
		}

		for _, rowID := range ops.Delete {
			if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE rowid = ?", table), rowID); err != nil {
				return fmt.Errorf("delete %s row %d: %w", table, rowID, err)
			}
		}
		for _, rowID := range ops.Insert {
			if err := upsertRow(ctx, masterGW, tx, table, rowID, cols); err != nil {
				return fmt.Errorf("insert %s row %d: %w", table, rowID, err)
			}
		}
		for _, rowID := range ops.Update {
			if err := updateOnlyRow(ctx, masterGW, tx, table, rowID, cols); err != nil {
				return fmt.Errorf("update %s row %d: %w", table, rowID, err)
			}
		}
	}

	if err := SetSlaveCursor(ctx, slaveGW, time.Now()); err != nil {
		return fmt.Errorf("advance slave cursor: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch tx: %w", err)
	}
	return nil
}

// updateOnlyRow re-fetches the authoritative row from the master and
// performs an UPDATE on the slave; unlike upsertRow it never inserts —
// a row absent from the slave is silently skipped since an UPDATE
// bucket entry implies the row is expected to already exist there.
func updateOnlyRow(ctx context.Context, masterGW *master.Gateway, tx *sql.Tx, table string, rowID int64, cols []string) error {
	values := make([]any, len(cols))
	dest := make([]any, len(cols))
	for i := range dest {
		dest[i] = &values[i]
	}

	selectCols := quoteColumnList(cols)
	row := masterGW.DB().QueryRowContext(ctx, fmt.Sprintf("SELECT %s FROM %s WHERE rowid = ?", selectCols, table), rowID)
	if err := row.Scan(dest...); err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return fmt.Errorf("fetch authoritative row: %w", err)
	}

	setClause := ""
	for i, c := range cols {
		if i > 0 {
			setClause += ", "
		}
		setClause += c + " = ?"
	}
	args := append(values, rowID)
	res, err := tx.ExecContext(ctx, fmt.Sprintf("UPDATE %s SET %s WHERE rowid = ?", table, setClause), args...)
	if err != nil {
		return fmt.Errorf("update row: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}
	return nil
}
