package regdb

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/g960059/dbsyncd/internal/master"
	"github.com/g960059/dbsyncd/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	store, err := Open(ctx, filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	t.Cleanup(func() { store.Close() }) //nolint:errcheck
	if err := ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store
}

func TestAddSlaveRejectsDuplicateName(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	dir := t.TempDir()

	if _, err := store.AddSlave(ctx, model.Slave{Name: "analytics", DBPath: filepath.Join(dir, "a.db")}); err != nil {
		t.Fatalf("add slave: %v", err)
	}
	_, err := store.AddSlave(ctx, model.Slave{Name: "analytics", DBPath: filepath.Join(dir, "b.db")})
	if err != ErrDuplicate {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestAddSlavePreparesTrackingTablesOnSlaveDB(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	dbPath := filepath.Join(t.TempDir(), "fresh.db")

	if _, err := store.AddSlave(ctx, model.Slave{Name: "fresh", DBPath: dbPath}); err != nil {
		t.Fatalf("add slave: %v", err)
	}

	gw, err := master.OpenSlave(ctx, dbPath)
	if err != nil {
		t.Fatalf("open slave db: %v", err)
	}
	defer gw.Close() //nolint:errcheck
	var found string
	if err := gw.DB().QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name='_sync_tracking'`).Scan(&found); err != nil {
		t.Fatalf("expected _sync_tracking to exist on slave db: %v", err)
	}
}

func TestGetSlaveIncludesIgnoredTables(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	id, err := store.AddSlave(ctx, model.Slave{
		Name:          "reporting",
		DBPath:        filepath.Join(t.TempDir(), "reporting.db"),
		IgnoredTables: []string{"audit_log", "audit_log", "sessions"},
	})
	if err != nil {
		t.Fatalf("add slave: %v", err)
	}

	slave, err := store.GetSlave(ctx, id)
	if err != nil {
		t.Fatalf("get slave: %v", err)
	}
	if len(slave.IgnoredTables) != 2 {
		t.Fatalf("expected 2 deduplicated ignored tables, got %v", slave.IgnoredTables)
	}
	if slave.Status != model.SlaveInactive {
		t.Fatalf("expected default status inactive, got %s", slave.Status)
	}
}

func TestUpdateSyncStatusStampsLastSyncOnlyOnSuccess(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	id, err := store.AddSlave(ctx, model.Slave{Name: "mirror", DBPath: filepath.Join(t.TempDir(), "mirror.db")})
	if err != nil {
		t.Fatalf("add slave: %v", err)
	}

	if err := store.UpdateSyncStatus(ctx, id, model.SlaveSyncing, false); err != nil {
		t.Fatalf("update sync status (syncing): %v", err)
	}
	slave, err := store.GetSlave(ctx, id)
	if err != nil {
		t.Fatalf("get slave: %v", err)
	}
	if slave.LastSync != nil {
		t.Fatalf("expected last_sync untouched while syncing, got %v", slave.LastSync)
	}

	if err := store.UpdateSyncStatus(ctx, id, model.SlaveActive, true); err != nil {
		t.Fatalf("update sync status (success): %v", err)
	}
	slave, err = store.GetSlave(ctx, id)
	if err != nil {
		t.Fatalf("get slave: %v", err)
	}
	if slave.LastSync == nil {
		t.Fatalf("expected last_sync stamped after successful sync")
	}
}

func TestUpdateSyncStatusSuccessClearsPriorError(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	id, err := store.AddSlave(ctx, model.Slave{Name: "recovering", DBPath: filepath.Join(t.TempDir(), "recovering.db")})
	if err != nil {
		t.Fatalf("add slave: %v", err)
	}
	if err := store.UpdateSyncStatus(ctx, id, model.SlaveError, false); err != nil {
		t.Fatalf("update sync status (error): %v", err)
	}
	if err := store.UpdateSyncStatus(ctx, id, model.SlaveActive, true); err != nil {
		t.Fatalf("update sync status (success): %v", err)
	}
	slave, err := store.GetSlave(ctx, id)
	if err != nil {
		t.Fatalf("get slave: %v", err)
	}
	if slave.Status != model.SlaveActive {
		t.Fatalf("expected a completed successful sync to clear a prior error, got %s", slave.Status)
	}
}

func TestUpdateSyncStatusStaleSyncingNeverDowngradesError(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	id, err := store.AddSlave(ctx, model.Slave{Name: "flaky", DBPath: filepath.Join(t.TempDir(), "flaky.db")})
	if err != nil {
		t.Fatalf("add slave: %v", err)
	}
	if err := store.UpdateSyncStatus(ctx, id, model.SlaveError, false); err != nil {
		t.Fatalf("update sync status (error): %v", err)
	}
	// A late "syncing" marker from a racing attempt must not clobber the
	// higher-precedence error already recorded.
	if err := store.UpdateSyncStatus(ctx, id, model.SlaveSyncing, false); err != nil {
		t.Fatalf("update sync status (syncing): %v", err)
	}
	slave, err := store.GetSlave(ctx, id)
	if err != nil {
		t.Fatalf("get slave: %v", err)
	}
	if slave.Status != model.SlaveError {
		t.Fatalf("expected error to outrank a stale syncing marker, got %s", slave.Status)
	}
}

func TestIgnoredTableAddRemove(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	id, err := store.AddSlave(ctx, model.Slave{Name: "cache", DBPath: filepath.Join(t.TempDir(), "cache.db")})
	if err != nil {
		t.Fatalf("add slave: %v", err)
	}
	if err := store.AddIgnoredTable(ctx, id, "scratch"); err != nil {
		t.Fatalf("add ignored table: %v", err)
	}
	if err := store.AddIgnoredTable(ctx, id, "scratch"); err != nil {
		t.Fatalf("re-add ignored table should be idempotent: %v", err)
	}
	slave, err := store.GetSlave(ctx, id)
	if err != nil {
		t.Fatalf("get slave: %v", err)
	}
	if len(slave.IgnoredTables) != 1 {
		t.Fatalf("expected 1 ignored table, got %v", slave.IgnoredTables)
	}

	if err := store.RemoveIgnoredTable(ctx, id, "scratch"); err != nil {
		t.Fatalf("remove ignored table: %v", err)
	}
	slave, err = store.GetSlave(ctx, id)
	if err != nil {
		t.Fatalf("get slave: %v", err)
	}
	if len(slave.IgnoredTables) != 0 {
		t.Fatalf("expected 0 ignored tables after removal, got %v", slave.IgnoredTables)
	}
}

func TestDeleteSlaveCascadesIgnoredTablesAndLogs(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	id, err := store.AddSlave(ctx, model.Slave{Name: "gone", DBPath: filepath.Join(t.TempDir(), "gone.db")})
	if err != nil {
		t.Fatalf("add slave: %v", err)
	}
	if err := store.AddIgnoredTable(ctx, id, "scratch"); err != nil {
		t.Fatalf("add ignored table: %v", err)
	}
	if _, err := store.AddSyncLog(ctx, model.SyncLogEntry{SlaveID: id, Status: model.OutcomeSuccess}); err != nil {
		t.Fatalf("add sync log: %v", err)
	}

	if err := store.DeleteSlave(ctx, id); err != nil {
		t.Fatalf("delete slave: %v", err)
	}
	if _, err := store.GetSlave(ctx, id); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	logs, err := store.ListSyncLogs(ctx, &id, 10)
	if err != nil {
		t.Fatalf("list sync logs: %v", err)
	}
	if len(logs) != 0 {
		t.Fatalf("expected cascade-deleted sync logs, got %d", len(logs))
	}
}

func TestListSlavesOrderedByName(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	dir := t.TempDir()
	for _, name := range []string{"zeta", "alpha", "mu"} {
		if _, err := store.AddSlave(ctx, model.Slave{Name: name, DBPath: filepath.Join(dir, name+".db")}); err != nil {
			t.Fatalf("add slave %s: %v", name, err)
		}
	}
	slaves, err := store.ListSlaves(ctx)
	if err != nil {
		t.Fatalf("list slaves: %v", err)
	}
	if len(slaves) != 3 {
		t.Fatalf("expected 3 slaves, got %d", len(slaves))
	}
	want := []string{"alpha", "mu", "zeta"}
	for i, slave := range slaves {
		if slave.Name != want[i] {
			t.Fatalf("expected order %v, got position %d = %s", want, i, slave.Name)
		}
	}
}
