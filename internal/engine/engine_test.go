package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/g960059/dbsyncd/internal/master"
)

func newPair(t *testing.T) (masterGW, slaveGW *master.Gateway) {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	masterGW, err := master.Open(ctx, filepath.Join(dir, "master.db"))
	if err != nil {
		t.Fatalf("open master: %v", err)
	}
	t.Cleanup(func() { masterGW.Close() }) //nolint:errcheck

	slaveGW, err = master.Open(ctx, filepath.Join(dir, "slave.db"))
	if err != nil {
		t.Fatalf("open slave: %v", err)
	}
	t.Cleanup(func() { slaveGW.Close() }) //nolint:errcheck

	if _, err := masterGW.DB().ExecContext(ctx, `CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT)`); err != nil {
		t.Fatalf("create items: %v", err)
	}
	if err := masterGW.InstallCapture(ctx); err != nil {
		t.Fatalf("install capture: %v", err)
	}
	return masterGW, slaveGW
}

func countRows(t *testing.T, g *master.Gateway, table string) int64 {
	t.Helper()
	n, err := g.RowCount(context.Background(), table)
	if err != nil {
		t.Fatalf("row count %s: %v", table, err)
	}
	return n
}

func TestScenarioFreshSeed(t *testing.T) {
	ctx := context.Background()
	masterGW, slaveGW := newPair(t)

	if _, err := masterGW.DB().ExecContext(ctx, `INSERT INTO items(id, name) VALUES (1, 'a'), (2, 'b')`); err != nil {
		t.Fatalf("seed master rows: %v", err)
	}

	repl := NewReplicator(1, masterGW, slaveGW, nil)
	repl.TempDir = t.TempDir()
	result := repl.InitialSync(ctx)
	if result.Status != "success" {
		t.Fatalf("expected success, got %+v", result)
	}
	if countRows(t, slaveGW, "items") != 2 {
		t.Fatalf("expected 2 rows on slave after seed")
	}
}

func TestScenarioIncrementalInsert(t *testing.T) {
	ctx := context.Background()
	masterGW, slaveGW := newPair(t)

	if _, err := masterGW.DB().ExecContext(ctx, `INSERT INTO items(id, name) VALUES (1, 'a'), (2, 'b')`); err != nil {
		t.Fatalf("seed master rows: %v", err)
	}
	repl := NewReplicator(1, masterGW, slaveGW, nil)
	repl.TempDir = t.TempDir()
	if res := repl.InitialSync(ctx); res.Status != "success" {
		t.Fatalf("initial sync failed: %+v", res)
	}

	if _, err := masterGW.DB().ExecContext(ctx, `INSERT INTO items(id, name) VALUES (3, 'c')`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	result := repl.Sync(ctx, 30*time.Second, 5)
	if result.Status != "success" {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.ChangesCount != 1 {
		t.Fatalf("expected changes_count=1, got %d", result.ChangesCount)
	}
	if countRows(t, slaveGW, "items") != 3 {
		t.Fatalf("expected 3 rows on slave")
	}
}

func TestScenarioUpdateAndDelete(t *testing.T) {
	ctx := context.Background()
	masterGW, slaveGW := newPair(t)

	if _, err := masterGW.DB().ExecContext(ctx, `INSERT INTO items(id, name) VALUES (1, 'a'), (2, 'b'), (3, 'c')`); err != nil {
		t.Fatalf("seed master rows: %v", err)
	}
	repl := NewReplicator(1, masterGW, slaveGW, nil)
	repl.TempDir = t.TempDir()
	if res := repl.InitialSync(ctx); res.Status != "success" {
		t.Fatalf("initial sync failed: %+v", res)
	}

	if _, err := masterGW.DB().ExecContext(ctx, `UPDATE items SET name = 'bb' WHERE id = 2`); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := masterGW.DB().ExecContext(ctx, `DELETE FROM items WHERE id = 1`); err != nil {
		t.Fatalf("delete: %v", err)
	}

	result := repl.Sync(ctx, 30*time.Second, 5)
	if result.Status != "success" {
		t.Fatalf("expected success, got %+v", result)
	}

	var name string
	if err := slaveGW.DB().QueryRowContext(ctx, `SELECT name FROM items WHERE id = 2`).Scan(&name); err != nil {
		t.Fatalf("query updated row: %v", err)
	}
	if name != "bb" {
		t.Fatalf("expected name=bb, got %s", name)
	}
	var count int
	if err := slaveGW.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM items WHERE id = 1`).Scan(&count); err != nil {
		t.Fatalf("query deleted row: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected row 1 deleted from slave")
	}
}

func TestScenarioNoopUpdateProducesNoChanges(t *testing.T) {
	ctx := context.Background()
	masterGW, slaveGW := newPair(t)

	if _, err := masterGW.DB().ExecContext(ctx, `INSERT INTO items(id, name) VALUES (3, 'c')`); err != nil {
		t.Fatalf("seed master rows: %v", err)
	}
	repl := NewReplicator(1, masterGW, slaveGW, nil)
	repl.TempDir = t.TempDir()
	if res := repl.InitialSync(ctx); res.Status != "success" {
		t.Fatalf("initial sync failed: %+v", res)
	}

	if _, err := masterGW.DB().ExecContext(ctx, `UPDATE items SET name = name WHERE id = 3`); err != nil {
		t.Fatalf("no-op update: %v", err)
	}
	result := repl.Sync(ctx, 30*time.Second, 5)
	if result.Status != "success" {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.ChangesCount != 0 {
		t.Fatalf("expected changes_count=0 for no-op update, got %d", result.ChangesCount)
	}
}

func TestScenarioConvergenceRepair(t *testing.T) {
	ctx := context.Background()
	masterGW, slaveGW := newPair(t)

	repl := NewReplicator(1, masterGW, slaveGW, nil)
	repl.TempDir = t.TempDir()
	if res := repl.InitialSync(ctx); res.Status != "success" {
		t.Fatalf("initial sync failed: %+v", res)
	}

	// Simulate triggers having been bypassed: insert directly without
	// going through InstallCapture's triggers by dropping them first.
	if _, err := masterGW.DB().ExecContext(ctx, `DROP TRIGGER IF EXISTS trg_items_insert`); err != nil {
		t.Fatalf("drop trigger: %v", err)
	}
	if _, err := masterGW.DB().ExecContext(ctx, `INSERT INTO items(id, name) VALUES (4, 'd')`); err != nil {
		t.Fatalf("insert without capture: %v", err)
	}

	result := repl.Sync(ctx, 30*time.Second, 5)
	if result.Status != "success" {
		t.Fatalf("expected success, got %+v", result)
	}
	if countRows(t, slaveGW, "items") != 1 {
		t.Fatalf("expected convergence scan to replicate the untracked row")
	}
}

func TestScenarioIgnoredTable(t *testing.T) {
	ctx := context.Background()
	masterGW, slaveGWX := newPair(t)
	slaveGWY, err := master.Open(ctx, filepath.Join(t.TempDir(), "slaveY.db"))
	if err != nil {
		t.Fatalf("open slave Y: %v", err)
	}
	defer slaveGWY.Close() //nolint:errcheck

	replX := NewReplicator(1, masterGW, slaveGWX, []string{"items"})
	replX.TempDir = t.TempDir()
	replY := NewReplicator(2, masterGW, slaveGWY, nil)
	replY.TempDir = t.TempDir()

	if res := replX.InitialSync(ctx); res.Status != "success" {
		t.Fatalf("initial sync X failed: %+v", res)
	}
	if res := replY.InitialSync(ctx); res.Status != "success" {
		t.Fatalf("initial sync Y failed: %+v", res)
	}

	if _, err := masterGW.DB().ExecContext(ctx, `INSERT INTO items(id, name) VALUES (5, 'e')`); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if res := replX.Sync(ctx, 30*time.Second, 5); res.Status != "success" {
		t.Fatalf("sync X failed: %+v", res)
	}
	if res := replY.Sync(ctx, 30*time.Second, 5); res.Status != "success" {
		t.Fatalf("sync Y failed: %+v", res)
	}

	xTables, err := slaveGWX.Tables(ctx)
	if err != nil {
		t.Fatalf("list slave X tables: %v", err)
	}
	for _, tbl := range xTables {
		if tbl == "items" {
			t.Fatalf("expected slave X to never receive the ignored items table")
		}
	}
	if countRows(t, slaveGWY, "items") != 1 {
		t.Fatalf("expected slave Y to receive the new row")
	}
}

func TestResolveStatusPrefersError(t *testing.T) {
	got := ResolveStatus("inactive", "active", "error", "syncing")
	if got != "error" {
		t.Fatalf("expected error to win, got %s", got)
	}
}

func TestResolveStatusPrefersSyncingOverActive(t *testing.T) {
	got := ResolveStatus("active", "syncing")
	if got != "syncing" {
		t.Fatalf("expected syncing to win over active, got %s", got)
	}
}

func TestVerifySchemaCompatibilityCreatesMissingSlaveTable(t *testing.T) {
	ctx := context.Background()
	masterGW, slaveGW := newPair(t)

	ok, mismatch, err := VerifySchemaCompatibility(ctx, masterGW, slaveGW, nil)
	if err != nil {
		t.Fatalf("verify schema: %v", err)
	}
	if !ok {
		t.Fatalf("expected compatible after auto-create, mismatch=%s", mismatch)
	}
	cols, err := slaveGW.Columns(ctx, "items")
	if err != nil {
		t.Fatalf("slave columns: %v", err)
	}
	if len(cols) != 2 {
		t.Fatalf("expected 2 columns on auto-created slave table, got %v", cols)
	}
}

func TestVerifySchemaCompatibilityDetectsColumnMismatch(t *testing.T) {
	ctx := context.Background()
	masterGW, slaveGW := newPair(t)

	if _, err := slaveGW.DB().ExecContext(ctx, `CREATE TABLE items (id INTEGER PRIMARY KEY)`); err != nil {
		t.Fatalf("create mismatched slave table: %v", err)
	}
	ok, mismatch, err := VerifySchemaCompatibility(ctx, masterGW, slaveGW, nil)
	if err != nil {
		t.Fatalf("verify schema: %v", err)
	}
	if ok {
		t.Fatalf("expected mismatch to be detected")
	}
	if mismatch != "items" {
		t.Fatalf("expected mismatch table 'items', got %s", mismatch)
	}
}

func TestIdempotentSyncProducesNoSecondChange(t *testing.T) {
	ctx := context.Background()
	masterGW, slaveGW := newPair(t)

	if _, err := masterGW.DB().ExecContext(ctx, `INSERT INTO items(id, name) VALUES (1, 'a')`); err != nil {
		t.Fatalf("seed: %v", err)
	}
	repl := NewReplicator(1, masterGW, slaveGW, nil)
	repl.TempDir = t.TempDir()
	if res := repl.InitialSync(ctx); res.Status != "success" {
		t.Fatalf("initial sync failed: %+v", res)
	}
	if _, err := masterGW.DB().ExecContext(ctx, `INSERT INTO items(id, name) VALUES (2, 'b')`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	first := repl.Sync(ctx, 30*time.Second, 5)
	if first.ChangesCount != 1 {
		t.Fatalf("expected 1 change on first sync, got %d", first.ChangesCount)
	}
	second := repl.Sync(ctx, 30*time.Second, 5)
	if second.Status != "success" {
		t.Fatalf("expected second sync to succeed, got %+v", second)
	}
	if second.ChangesCount != 0 {
		t.Fatalf("expected changes_count=0 on second sync, got %d", second.ChangesCount)
	}
}
