package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/g960059/dbsyncd/internal/master"
	"github.com/g960059/dbsyncd/internal/model"
)

// Replicator is one instance per slave. It owns the slave's DB
// Gateway, a reference to the master Gateway, the slave's
// ignored-table set, and a per-instance lock that forbids two
// concurrent syncs of the same slave.
type Replicator struct {
	SlaveID       int64
	Master        *master.Gateway
	Slave         *master.Gateway
	IgnoredTables []string

	TempDir                string
	SeedBatchSize           int
	TimestampBackshift      time.Duration
	ConvergenceSampleSize   int
	ClockDriftThreshold     time.Duration

	lock chan struct{}
}

// NewReplicator constructs a Replicator with its non-blocking lock
// token present (unlocked).
func NewReplicator(slaveID int64, masterGW, slaveGW *master.Gateway, ignoredTables []string) *Replicator {
	lock := make(chan struct{}, 1)
	lock <- struct{}{}
	return &Replicator{
		SlaveID:       slaveID,
		Master:        masterGW,
		Slave:         slaveGW,
		IgnoredTables: ignoredTables,
		lock:          lock,
	}
}

// tryLock attempts to acquire the per-slave lock without blocking. ok
// is false if a sync is already in progress. Used by the scheduler,
// which skips a slave's tick rather than queue behind it.
func (r *Replicator) tryLock() (ok bool) {
	select {
	case <-r.lock:
		return true
	default:
		return false
	}
}

// waitLock acquires the per-slave lock, blocking until it is free or
// ctx is cancelled. Used by ad-hoc admin-triggered syncs, which queue
// behind a sync already in flight instead of failing fast.
func (r *Replicator) waitLock(ctx context.Context) (ok bool) {
	select {
	case <-r.lock:
		return true
	case <-ctx.Done():
		return false
	}
}

func (r *Replicator) unlock() {
	r.lock <- struct{}{}
}

// InitialSync bootstraps a fresh slave: ensures _sync_config exists,
// then streams a consistent point-in-time copy of every slave table
// from the master. Acquires the per-slave lock non-blockingly; a sync
// already in flight yields an immediate "running" result.
func (r *Replicator) InitialSync(ctx context.Context) model.SyncResult {
	if !r.tryLock() {
		return model.SyncResult{Status: model.OutcomeRunning, Message: "sync already in progress"}
	}
	defer r.unlock()
	return r.initialSyncBody(ctx)
}

// InitialSyncWait is InitialSync for callers willing to queue behind
// an in-flight sync (the admin API) rather than fail fast.
func (r *Replicator) InitialSyncWait(ctx context.Context) model.SyncResult {
	if !r.waitLock(ctx) {
		return errorResult(time.Now(), ctx.Err())
	}
	defer r.unlock()
	return r.initialSyncBody(ctx)
}

func (r *Replicator) initialSyncBody(ctx context.Context) model.SyncResult {
	start := time.Now()
	if err := EnsureSlaveConfig(ctx, r.Slave, r.Master.Path()); err != nil {
		return errorResult(start, fmt.Errorf("ensure slave config: %w", err))
	}

	ok, mismatch, err := VerifySchemaCompatibility(ctx, r.Master, r.Slave, r.IgnoredTables)
	if err != nil {
		return errorResult(start, fmt.Errorf("verify schema: %w", err))
	}
	if !ok {
		return errorResult(start, fmt.Errorf("schema mismatch on table %s", mismatch))
	}

	rows, err := InitialSync(ctx, r.Master, r.Slave, r.tempDir(), r.seedBatchSize())
	if err != nil {
		return errorResult(start, fmt.Errorf("initial sync: %w", err))
	}
	if err := SetSlaveCursor(ctx, r.Slave, time.Now()); err != nil {
		return errorResult(start, fmt.Errorf("set slave cursor: %w", err))
	}

	return model.SyncResult{
		Status:       model.OutcomeSuccess,
		Message:      fmt.Sprintf("seeded %d rows", rows),
		ChangesCount: rows,
		Duration:     time.Since(start),
	}
}

// Sync performs an incremental sync: tracking-based changes primary,
// falling back to a convergence scan only when the tracking-based set
// is empty. Acquires the per-slave lock non-blockingly, matching the
// scheduler's skip-rather-than-queue behavior.
func (r *Replicator) Sync(ctx context.Context, backshift time.Duration, sampleSize int) model.SyncResult {
	if !r.tryLock() {
		return model.SyncResult{Status: model.OutcomeRunning, Message: "sync already in progress"}
	}
	defer r.unlock()
	return r.syncLocked(ctx, backshift, sampleSize, false)
}

// SyncWait is Sync for callers willing to queue behind an in-flight
// sync (the admin API) rather than fail fast.
func (r *Replicator) SyncWait(ctx context.Context, backshift time.Duration, sampleSize int) model.SyncResult {
	if !r.waitLock(ctx) {
		return errorResult(time.Now(), ctx.Err())
	}
	defer r.unlock()
	return r.syncLocked(ctx, backshift, sampleSize, false)
}

// ForceFullSync ignores cursors entirely and runs a full convergence
// scan plus sampled column compare across every non-ignored table.
func (r *Replicator) ForceFullSync(ctx context.Context, sampleSize int) model.SyncResult {
	if !r.tryLock() {
		return model.SyncResult{Status: model.OutcomeRunning, Message: "sync already in progress"}
	}
	defer r.unlock()
	return r.syncLocked(ctx, 0, sampleSize, true)
}

// ForceFullSyncWait is ForceFullSync for callers willing to queue
// behind an in-flight sync (the admin API) rather than fail fast.
func (r *Replicator) ForceFullSyncWait(ctx context.Context, sampleSize int) model.SyncResult {
	if !r.waitLock(ctx) {
		return errorResult(time.Now(), ctx.Err())
	}
	defer r.unlock()
	return r.syncLocked(ctx, 0, sampleSize, true)
}

func (r *Replicator) syncLocked(ctx context.Context, backshift time.Duration, sampleSize int, force bool) model.SyncResult {
	start := time.Now()

	ok, mismatch, err := VerifySchemaCompatibility(ctx, r.Master, r.Slave, r.IgnoredTables)
	if err != nil {
		return errorResult(start, fmt.Errorf("verify schema: %w", err))
	}
	if !ok {
		return errorResult(start, fmt.Errorf("schema mismatch on table %s", mismatch))
	}

	tables, err := r.Master.Tables(ctx)
	if err != nil {
		return errorResult(start, fmt.Errorf("list master tables: %w", err))
	}
	tables = excludeIgnored(tables, r.IgnoredTables)

	var entries []model.TrackingEntry
	if force {
		entries, err = ConvergenceScan(ctx, r.Master, r.Slave, tables, sampleSize)
		if err != nil {
			return errorResult(start, fmt.Errorf("convergence scan: %w", err))
		}
	} else {
		cursor, err := GetSlaveCursor(ctx, r.Slave)
		if err != nil {
			return errorResult(start, fmt.Errorf("read slave cursor: %w", err))
		}
		entries, err = r.Master.ChangesSince(ctx, cursor, backshift, r.IgnoredTables)
		if err != nil {
			return errorResult(start, fmt.Errorf("changes since: %w", err))
		}
		if len(entries) == 0 {
			entries, err = ConvergenceScan(ctx, r.Master, r.Slave, tables, sampleSize)
			if err != nil {
				return errorResult(start, fmt.Errorf("convergence scan: %w", err))
			}
		}
	}

	applied, err := Apply(ctx, r.Master, r.Slave, entries)
	if err != nil {
		return errorResult(start, fmt.Errorf("apply: %w", err))
	}

	now := time.Now()
	if err := SetSlaveCursor(ctx, r.Slave, now); err != nil {
		return errorResult(start, fmt.Errorf("set slave cursor: %w", err))
	}

	return model.SyncResult{
		Status:       model.OutcomeSuccess,
		Message:      "sync complete",
		ChangesCount: applied,
		Duration:     time.Since(start),
	}
}

// VerifyIntegrity returns per-table row counts and the store's own
// integrity probe for both the master and this slave.
func (r *Replicator) VerifyIntegrity(ctx context.Context) (model.IntegrityReport, error) {
	tables, err := r.Master.Tables(ctx)
	if err != nil {
		return model.IntegrityReport{}, fmt.Errorf("list master tables: %w", err)
	}
	tables = excludeIgnored(tables, r.IgnoredTables)

	report := model.IntegrityReport{Tables: make([]model.TableIntegrity, 0, len(tables))}
	for _, table := range tables {
		masterCount, err := r.Master.RowCount(ctx, table)
		if err != nil {
			return model.IntegrityReport{}, fmt.Errorf("master row count %s: %w", table, err)
		}
		slaveCount, err := r.Slave.RowCount(ctx, table)
		if err != nil {
			return model.IntegrityReport{}, fmt.Errorf("slave row count %s: %w", table, err)
		}
		diff := masterCount - slaveCount
		if diff < 0 {
			diff = -diff
		}
		report.Tables = append(report.Tables, model.TableIntegrity{
			TableName:   table,
			MasterCount: masterCount,
			SlaveCount:  slaveCount,
			Difference:  diff,
		})
	}

	masterOK, err := r.Master.IntegrityCheck(ctx)
	if err != nil {
		return model.IntegrityReport{}, fmt.Errorf("master integrity check: %w", err)
	}
	slaveOK, err := r.Slave.IntegrityCheck(ctx)
	if err != nil {
		return model.IntegrityReport{}, fmt.Errorf("slave integrity check: %w", err)
	}
	report.MasterOK = masterOK
	report.SlaveOK = slaveOK
	return report, nil
}

// ReconcileTimestamp compares the registry's last_sync with the
// slave's own _sync_config watermark; if they disagree by more than
// the configured drift threshold, the slave's file-local value is
// authoritative (it reflects the host that actually wrote the data).
// It returns the timestamp the registry should be updated to, or nil
// if no reconciliation is needed.
func (r *Replicator) ReconcileTimestamp(ctx context.Context, registryLastSync *time.Time) (*time.Time, error) {
	slaveTS, err := GetSlaveCursor(ctx, r.Slave)
	if err != nil {
		return nil, fmt.Errorf("read slave cursor: %w", err)
	}
	if registryLastSync == nil {
		return &slaveTS, nil
	}
	drift := slaveTS.Sub(*registryLastSync)
	if drift < 0 {
		drift = -drift
	}
	threshold := r.ClockDriftThreshold
	if threshold <= 0 {
		threshold = 5 * time.Minute
	}
	if drift > threshold {
		return &slaveTS, nil
	}
	return nil, nil
}

func (r *Replicator) tempDir() string {
	if r.TempDir != "" {
		return r.TempDir
	}
	return "."
}

func (r *Replicator) seedBatchSize() int {
	if r.SeedBatchSize > 0 {
		return r.SeedBatchSize
	}
	return 1000
}

func excludeIgnored(tables []string, ignored []string) []string {
	ignoredSet := toSet(ignored)
	out := make([]string, 0, len(tables))
	for _, t := range tables {
		if !ignoredSet[t] {
			out = append(out, t)
		}
	}
	return out
}

func errorResult(start time.Time, err error) model.SyncResult {
	return model.SyncResult{
		Status:   model.OutcomeError,
		Message:  err.Error(),
		Duration: time.Since(start),
	}
}
