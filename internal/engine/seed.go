package engine

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/g960059/dbsyncd/internal/master"
)

// logErr writes a single stderr line for a non-fatal failure within
// scope, matching the scheduler/dispatcher's own logging convention.
func logErr(scope string, err error) {
	_, _ = fmt.Fprintf(os.Stderr, "dbsyncd: %s: %v\n", scope, err)
}

// seedLikeNames are reference-data table name fragments copied first,
// ahead of standard tables, so foreign keys pointing at them are
// satisfiable as soon as dependent rows land.
var seedLikeNames = []string{
	"kategorien", "categories", "types", "typen", "status", "settings", "einstellungen",
}

var relationSuffixes = []string{"_relation", "_mapping", "_map", "_link"}

// classifyTable buckets a table name for copy ordering: 0 = seed-like,
// 1 = standard, 2 = relation. This is an ordering heuristic only — the
// apply step re-fetches by row_id and foreign keys are disabled for
// the duration of the seed, so a wrong bucket never breaks
// correctness, only momentarily defers a constraint check.
func classifyTable(name string) int {
	lower := strings.ToLower(name)
	for _, seedName := range seedLikeNames {
		if strings.Contains(lower, seedName) {
			return 0
		}
	}
	for _, suffix := range relationSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return 2
		}
	}
	if strings.Contains(lower, "_") {
		return 2
	}
	return 1
}

// OrderTablesForSeed sorts tables seed-like first, then standard, then
// relation tables, stable within each bucket.
func OrderTablesForSeed(tables []string) []string {
	buckets := make([][]string, 3)
	for _, t := range tables {
		b := classifyTable(t)
		buckets[b] = append(buckets[b], t)
	}
	out := make([]string, 0, len(tables))
	out = append(out, buckets[0]...)
	out = append(out, buckets[1]...)
	out = append(out, buckets[2]...)
	return out
}

// InitialSync performs a fresh-slave seed: checkpoint + backup the
// master to a temp file, open it read-only as the copy source, and
// stream every slave table from it in batches inside one
// foreign-key-disabled transaction. Intended for a slave with no
// meaningful existing data; re-running it against a populated slave
// is safe (each table is cleared first) but wasteful compared to an
// incremental sync.
func InitialSync(ctx context.Context, masterGW, slaveGW *master.Gateway, tempDir string, batchSize int) (rowsCopied int64, err error) {
	if err := masterGW.Checkpoint(ctx); err != nil {
		return 0, fmt.Errorf("checkpoint master: %w", err)
	}

	backupPath := filepath.Join(tempDir, fmt.Sprintf("dbsyncd-seed-%s.db", uuid.NewString()))
	if err := masterGW.BackupTo(ctx, backupPath); err != nil {
		return 0, fmt.Errorf("backup master for seed: %w", err)
	}
	defer os.Remove(backupPath) //nolint:errcheck

	source, err := master.OpenReadOnly(ctx, backupPath)
	if err != nil {
		return 0, fmt.Errorf("open seed source: %w", err)
	}
	defer source.Close() //nolint:errcheck

	slaveTables, err := slaveGW.Tables(ctx)
	if err != nil {
		return 0, fmt.Errorf("list slave tables: %w", err)
	}
	ordered := OrderTablesForSeed(slaveTables)

	tx, err := slaveGW.DB().BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin seed tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, "PRAGMA foreign_keys = OFF"); err != nil {
		return 0, fmt.Errorf("disable foreign keys: %w", err)
	}

	for _, table := range ordered {
		n, err := seedTable(ctx, source, tx, table, batchSize)
		if err != nil {
			return rowsCopied, fmt.Errorf("seed table %s: %w", table, err)
		}
		rowsCopied += n
	}

	if _, err := tx.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		return rowsCopied, fmt.Errorf("re-enable foreign keys: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return rowsCopied, fmt.Errorf("commit seed tx: %w", err)
	}
	return rowsCopied, nil
}

func seedTable(ctx context.Context, source *master.Gateway, tx *sql.Tx, table string, batchSize int) (int64, error) {
	cols, err := source.Columns(ctx, table)
	if err != nil {
		return 0, err
	}
	if len(cols) == 0 {
		return 0, nil
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", table)); err != nil {
		return 0, fmt.Errorf("clear slave table: %w", err)
	}

	colList := quoteColumnList(cols)
	rows, err := source.DB().QueryContext(ctx, fmt.Sprintf("SELECT rowid, %s FROM %s", colList, table))
	if err != nil {
		return 0, fmt.Errorf("stream source rows: %w", err)
	}
	defer rows.Close()

	placeholders := make([]string, len(cols)+1)
	for i := range placeholders {
		placeholders[i] = "?"
	}
	insertSQL := fmt.Sprintf("INSERT INTO %s (rowid, %s) VALUES (%s)", table, colList, joinPlaceholders(placeholders))

	var copied int64
	batch := make([][]any, 0, batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := insertBatch(ctx, tx, insertSQL, batch); err != nil {
			// Fall back to single-row inserts so one bad row in the batch
			// doesn't sink the rest; a row that still fails on its own is
			// logged and skipped rather than aborting the whole seed.
			for _, args := range batch {
				if _, rerr := tx.ExecContext(ctx, insertSQL, args...); rerr != nil {
					logErr(fmt.Sprintf("seed %s", table), fmt.Errorf("skip row %v: %w", args, rerr))
					continue
				}
				copied++
			}
			batch = batch[:0]
			return nil
		}
		copied += int64(len(batch))
		batch = batch[:0]
		return nil
	}

	for rows.Next() {
		values := make([]any, len(cols)+1)
		dest := make([]any, len(values))
		for i := range dest {
			dest[i] = &values[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return copied, fmt.Errorf("scan source row: %w", err)
		}
		batch = append(batch, values)
		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				return copied, err
			}
		}
	}
	if err := rows.Err(); err != nil {
		return copied, err
	}
	if err := flush(); err != nil {
		return copied, err
	}
	return copied, nil
}

// insertBatch executes each row's insert within the caller's
// transaction; modernc.org/sqlite has no multi-row VALUES binding
// helper, so the "batch" is a batching of round-trips inside one
// transaction rather than one multi-row statement.
func insertBatch(ctx context.Context, tx *sql.Tx, insertSQL string, batch [][]any) error {
	stmt, err := tx.PrepareContext(ctx, insertSQL)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, args := range batch {
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return err
		}
	}
	return nil
}
