package engine

import (
	"context"
	"fmt"

	"github.com/g960059/dbsyncd/internal/master"
	"github.com/g960059/dbsyncd/internal/model"
)

// ConvergenceScan compares master and slave row-id sets for every
// non-ignored table and synthesises TrackingEntries for the
// difference: rows present on master but not on slave become INSERTs,
// rows present on slave but not on master become DELETEs. It also
// samples up to sampleSize intersecting rows per table and compares
// columns, synthesising an UPDATE when they differ. This is the
// mechanism that repairs drift when triggers were absent or missed.
func ConvergenceScan(ctx context.Context, masterGW, slaveGW *master.Gateway, tables []string, sampleSize int) ([]model.TrackingEntry, error) {
	var out []model.TrackingEntry

	for _, table := range tables {
		masterIDs, err := rowIDSet(ctx, masterGW, table)
		if err != nil {
			return nil, fmt.Errorf("master row ids %s: %w", table, err)
		}
		slaveIDs, err := rowIDSet(ctx, slaveGW, table)
		if err != nil {
			return nil, fmt.Errorf("slave row ids %s: %w", table, err)
		}

		for id := range masterIDs {
			if !slaveIDs[id] {
				out = append(out, model.TrackingEntry{TableName: table, RowID: id, Operation: model.OpInsert})
			}
		}
		for id := range slaveIDs {
			if !masterIDs[id] {
				out = append(out, model.TrackingEntry{TableName: table, RowID: id, Operation: model.OpDelete})
			}
		}

		intersecting := make([]int64, 0)
		for id := range masterIDs {
			if slaveIDs[id] {
				intersecting = append(intersecting, id)
			}
		}
		sample := sampleRowIDs(intersecting, sampleSize)
		if len(sample) == 0 {
			continue
		}
		cols, err := masterGW.Columns(ctx, table)
		if err != nil {
			return nil, fmt.Errorf("columns %s: %w", table, err)
		}
		for _, id := range sample {
			differs, derr := rowDiffers(ctx, masterGW, slaveGW, table, id, cols)
			if derr != nil {
				return nil, fmt.Errorf("compare row %s/%d: %w", table, id, derr)
			}
			if differs {
				out = append(out, model.TrackingEntry{TableName: table, RowID: id, Operation: model.OpUpdate})
			}
		}
	}
	return out, nil
}

func rowIDSet(ctx context.Context, g *master.Gateway, table string) (map[int64]bool, error) {
	rows, err := g.DB().QueryContext(ctx, fmt.Sprintf("SELECT rowid FROM %s", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	set := make(map[int64]bool)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		set[id] = true
	}
	return set, rows.Err()
}

// sampleRowIDs takes a bounded, deterministic sample: the first n ids
// in map-iteration order. Determinism is not required by the scan's
// semantics, only boundedness; iterating in whatever order the map
// gives keeps this allocation-free and simple.
func sampleRowIDs(ids []int64, n int) []int64 {
	if len(ids) <= n {
		return ids
	}
	return ids[:n]
}

func rowDiffers(ctx context.Context, masterGW, slaveGW *master.Gateway, table string, rowID int64, cols []string) (bool, error) {
	colList := quoteColumnList(cols)
	masterVals, err := fetchRowValues(ctx, masterGW, table, rowID, colList, len(cols))
	if err != nil {
		return false, fmt.Errorf("fetch master row: %w", err)
	}
	slaveVals, err := fetchRowValues(ctx, slaveGW, table, rowID, colList, len(cols))
	if err != nil {
		return false, fmt.Errorf("fetch slave row: %w", err)
	}
	for i := range masterVals {
		if fmt.Sprint(masterVals[i]) != fmt.Sprint(slaveVals[i]) {
			return true, nil
		}
	}
	return false, nil
}

func fetchRowValues(ctx context.Context, g *master.Gateway, table string, rowID int64, colList string, n int) ([]any, error) {
	values := make([]any, n)
	dest := make([]any, n)
	for i := range dest {
		dest[i] = &values[i]
	}
	row := g.DB().QueryRowContext(ctx, fmt.Sprintf("SELECT %s FROM %s WHERE rowid = ?", colList, table), rowID)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	return values, nil
}
