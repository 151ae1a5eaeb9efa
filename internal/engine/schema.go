// Package engine implements the per-slave replication engine: schema
// reconciliation, initial seed, incremental and forced sync, apply,
// integrity checks, and sync-status precedence.
package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/g960059/dbsyncd/internal/master"
)

// VerifySchemaCompatibility lists master and slave tables (minus
// system/reserved/ignored names), creates any slave table missing
// entirely using the master's verbatim DDL, and then requires the
// column *set* (not order) to match for every table present on both
// sides. A mismatch returns ok=false naming the first offending table.
//
// A master table declared WITHOUT ROWID is rejected outright: apply,
// seed, and the convergence scan all address rows by rowid, and a
// WITHOUT ROWID table has none.
func VerifySchemaCompatibility(ctx context.Context, masterGW, slaveGW *master.Gateway, ignored []string) (ok bool, mismatchTable string, err error) {
	ignoredSet := toSet(ignored)

	masterTables, err := masterGW.Tables(ctx)
	if err != nil {
		return false, "", fmt.Errorf("list master tables: %w", err)
	}
	slaveTables, err := slaveGW.Tables(ctx)
	if err != nil {
		return false, "", fmt.Errorf("list slave tables: %w", err)
	}
	slaveSet := toSet(slaveTables)

	for _, table := range masterTables {
		if ignoredSet[table] {
			continue
		}

		withoutRowid, err := isWithoutRowid(ctx, masterGW, table)
		if err != nil {
			return false, table, fmt.Errorf("inspect ddl %s: %w", table, err)
		}
		if withoutRowid {
			return false, table, nil
		}

		if !slaveSet[table] {
			if err := createSlaveTable(ctx, masterGW, slaveGW, table); err != nil {
				return false, table, fmt.Errorf("create missing slave table %s: %w", table, err)
			}
			continue
		}

		masterCols, err := masterGW.Columns(ctx, table)
		if err != nil {
			return false, table, fmt.Errorf("master columns %s: %w", table, err)
		}
		slaveCols, err := slaveGW.Columns(ctx, table)
		if err != nil {
			return false, table, fmt.Errorf("slave columns %s: %w", table, err)
		}
		if !sameSet(masterCols, slaveCols) {
			return false, table, nil
		}
	}
	return true, "", nil
}

// isWithoutRowid reports whether table's verbatim CREATE TABLE
// statement declares WITHOUT ROWID. sqlite_master stores the clause
// as literal trailing text on the DDL, so a case-insensitive suffix
// check is sufficient without parsing the statement.
func isWithoutRowid(ctx context.Context, gw *master.Gateway, table string) (bool, error) {
	ddl, err := gw.SchemaDDL(ctx, table)
	if err != nil {
		return false, err
	}
	return strings.HasSuffix(strings.ToUpper(strings.TrimSpace(ddl)), "WITHOUT ROWID"), nil
}

func createSlaveTable(ctx context.Context, masterGW, slaveGW *master.Gateway, table string) error {
	ddl, err := masterGW.SchemaDDL(ctx, table)
	if err != nil {
		return err
	}
	_, err = slaveGW.DB().ExecContext(ctx, ddl)
	return err
}

func toSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	setA := toSet(a)
	for _, n := range b {
		if !setA[n] {
			return false
		}
	}
	return true
}
