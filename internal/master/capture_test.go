package master

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	ctx := context.Background()
	g, err := Open(ctx, filepath.Join(t.TempDir(), "master.db"))
	if err != nil {
		t.Fatalf("open gateway: %v", err)
	}
	t.Cleanup(func() { g.Close() }) //nolint:errcheck
	if _, err := g.DB().ExecContext(ctx, `CREATE TABLE widgets (id INTEGER PRIMARY KEY, name TEXT, price REAL)`); err != nil {
		t.Fatalf("create widgets: %v", err)
	}
	if err := g.InstallCapture(ctx); err != nil {
		t.Fatalf("install capture: %v", err)
	}
	return g
}

func TestInstallCaptureTracksInsert(t *testing.T) {
	ctx := context.Background()
	g := newTestGateway(t)

	if _, err := g.DB().ExecContext(ctx, `INSERT INTO widgets(id, name, price) VALUES (1, 'gizmo', 9.99)`); err != nil {
		t.Fatalf("insert widget: %v", err)
	}

	changes, err := g.UnprocessedChanges(ctx, 10)
	if err != nil {
		t.Fatalf("unprocessed changes: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("expected 1 change, got %d", len(changes))
	}
	if changes[0].Operation != "INSERT" || changes[0].TableName != "widgets" || changes[0].RowID != 1 {
		t.Fatalf("unexpected change: %+v", changes[0])
	}
	if changes[0].NewValues == "" {
		t.Fatalf("expected new_values payload")
	}
}

func TestInstallCaptureSuppressesNoopUpdate(t *testing.T) {
	ctx := context.Background()
	g := newTestGateway(t)

	if _, err := g.DB().ExecContext(ctx, `INSERT INTO widgets(id, name, price) VALUES (1, 'gizmo', 9.99)`); err != nil {
		t.Fatalf("insert widget: %v", err)
	}
	if err := g.MarkProcessed(ctx, []int64{1}); err != nil {
		t.Fatalf("mark processed: %v", err)
	}

	if _, err := g.DB().ExecContext(ctx, `UPDATE widgets SET name = 'gizmo' WHERE id = 1`); err != nil {
		t.Fatalf("no-op update: %v", err)
	}
	changes, err := g.UnprocessedChanges(ctx, 10)
	if err != nil {
		t.Fatalf("unprocessed changes: %v", err)
	}
	if len(changes) != 0 {
		t.Fatalf("expected no-op update to be suppressed, got %d changes", len(changes))
	}

	if _, err := g.DB().ExecContext(ctx, `UPDATE widgets SET price = 12.50 WHERE id = 1`); err != nil {
		t.Fatalf("real update: %v", err)
	}
	changes, err = g.UnprocessedChanges(ctx, 10)
	if err != nil {
		t.Fatalf("unprocessed changes: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("expected 1 change after real update, got %d", len(changes))
	}
	if changes[0].Operation != "UPDATE" {
		t.Fatalf("expected UPDATE, got %s", changes[0].Operation)
	}
	found := false
	for _, c := range changes[0].ChangedColumns {
		if c == "price" {
			found = true
		}
		if c == "name" {
			t.Fatalf("name should not be in changed_columns: %v", changes[0].ChangedColumns)
		}
	}
	if !found {
		t.Fatalf("expected price in changed_columns, got %v", changes[0].ChangedColumns)
	}
}

func TestInstallCaptureTracksDelete(t *testing.T) {
	ctx := context.Background()
	g := newTestGateway(t)

	if _, err := g.DB().ExecContext(ctx, `INSERT INTO widgets(id, name, price) VALUES (2, 'sprocket', 3.5)`); err != nil {
		t.Fatalf("insert widget: %v", err)
	}
	if err := g.MarkProcessed(ctx, []int64{1}); err != nil {
		t.Fatalf("mark processed: %v", err)
	}
	if _, err := g.DB().ExecContext(ctx, `DELETE FROM widgets WHERE id = 2`); err != nil {
		t.Fatalf("delete widget: %v", err)
	}

	changes, err := g.UnprocessedChanges(ctx, 10)
	if err != nil {
		t.Fatalf("unprocessed changes: %v", err)
	}
	if len(changes) != 1 || changes[0].Operation != "DELETE" || changes[0].RowID != 2 {
		t.Fatalf("unexpected changes: %+v", changes)
	}
	if changes[0].OldValues == "" {
		t.Fatalf("expected old_values payload on delete")
	}
}

func TestMarkProcessedExcludesFromUnprocessed(t *testing.T) {
	ctx := context.Background()
	g := newTestGateway(t)

	if _, err := g.DB().ExecContext(ctx, `INSERT INTO widgets(id, name, price) VALUES (1, 'a', 1.0)`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := g.DB().ExecContext(ctx, `INSERT INTO widgets(id, name, price) VALUES (2, 'b', 2.0)`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	changes, err := g.UnprocessedChanges(ctx, 10)
	if err != nil {
		t.Fatalf("unprocessed changes: %v", err)
	}
	if len(changes) != 2 {
		t.Fatalf("expected 2 changes, got %d", len(changes))
	}
	if err := g.MarkProcessed(ctx, []int64{changes[0].ID}); err != nil {
		t.Fatalf("mark processed: %v", err)
	}
	remaining, err := g.UnprocessedChanges(ctx, 10)
	if err != nil {
		t.Fatalf("unprocessed changes: %v", err)
	}
	if len(remaining) != 1 || remaining[0].ID != changes[1].ID {
		t.Fatalf("expected only second change remaining, got %+v", remaining)
	}
}

func TestChangesSinceAppliesBackshift(t *testing.T) {
	ctx := context.Background()
	g := newTestGateway(t)

	if _, err := g.DB().ExecContext(ctx, `INSERT INTO widgets(id, name, price) VALUES (1, 'a', 1.0)`); err != nil {
		t.Fatalf("insert: %v", err)
	}

	future := time.Now().Add(time.Hour)
	changes, err := g.ChangesSince(ctx, future, 30*time.Second, nil)
	if err != nil {
		t.Fatalf("changes since: %v", err)
	}
	if len(changes) != 0 {
		t.Fatalf("expected no changes newer than a future timestamp, got %d", len(changes))
	}

	past := time.Now().Add(-time.Hour)
	changes, err = g.ChangesSince(ctx, past, 30*time.Second, nil)
	if err != nil {
		t.Fatalf("changes since: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("expected 1 change since the past, got %d", len(changes))
	}
}

func TestChangesSinceFiltersIgnoredTables(t *testing.T) {
	ctx := context.Background()
	g := newTestGateway(t)

	if _, err := g.DB().ExecContext(ctx, `CREATE TABLE audit_log (id INTEGER PRIMARY KEY, note TEXT)`); err != nil {
		t.Fatalf("create audit_log: %v", err)
	}
	if err := g.InstallCapture(ctx); err != nil {
		t.Fatalf("reinstall capture: %v", err)
	}

	if _, err := g.DB().ExecContext(ctx, `INSERT INTO widgets(id, name, price) VALUES (1, 'a', 1.0)`); err != nil {
		t.Fatalf("insert widgets: %v", err)
	}
	if _, err := g.DB().ExecContext(ctx, `INSERT INTO audit_log(id, note) VALUES (1, 'hi')`); err != nil {
		t.Fatalf("insert audit_log: %v", err)
	}

	past := time.Now().Add(-time.Hour)
	changes, err := g.ChangesSince(ctx, past, 30*time.Second, []string{"audit_log"})
	if err != nil {
		t.Fatalf("changes since: %v", err)
	}
	if len(changes) != 1 || changes[0].TableName != "widgets" {
		t.Fatalf("expected only widgets change, got %+v", changes)
	}
}

func TestTablesExcludesReservedPrefixes(t *testing.T) {
	ctx := context.Background()
	g := newTestGateway(t)

	tables, err := g.Tables(ctx)
	if err != nil {
		t.Fatalf("tables: %v", err)
	}
	for _, tbl := range tables {
		if IsReserved(tbl) {
			t.Fatalf("reserved table %s leaked into Tables()", tbl)
		}
	}
	found := false
	for _, tbl := range tables {
		if tbl == "widgets" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected widgets in table list, got %v", tables)
	}
}

func TestBackupToProducesQueryableCopy(t *testing.T) {
	ctx := context.Background()
	g := newTestGateway(t)

	if _, err := g.DB().ExecContext(ctx, `INSERT INTO widgets(id, name, price) VALUES (1, 'a', 1.0)`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := g.Checkpoint(ctx); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}

	backupPath := filepath.Join(t.TempDir(), "backup.db")
	if err := g.BackupTo(ctx, backupPath); err != nil {
		t.Fatalf("backup: %v", err)
	}

	copyGW, err := OpenReadOnly(ctx, backupPath)
	if err != nil {
		t.Fatalf("open backup: %v", err)
	}
	defer copyGW.Close() //nolint:errcheck

	count, err := copyGW.RowCount(ctx, "widgets")
	if err != nil {
		t.Fatalf("row count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 row in backup, got %d", count)
	}
}
