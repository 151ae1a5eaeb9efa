package model

import "time"

// SlaveStatus is the lifecycle status of a registered slave.
type SlaveStatus string

const (
	SlaveInactive SlaveStatus = "inactive"
	SlaveActive   SlaveStatus = "active"
	SlaveSyncing  SlaveStatus = "syncing"
	SlaveError    SlaveStatus = "error"
)

// StatusPrecedence resolves competing status observations for the same
// slave (e.g. a scheduler tick racing an admin-triggered sync) to one
// value, highest first.
var StatusPrecedence = map[SlaveStatus]int{
	SlaveError:    1,
	SlaveSyncing:  2,
	SlaveActive:   3,
	SlaveInactive: 4,
}

// Operation is a row-level mutation kind captured by a change trigger.
type Operation string

const (
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// SyncOutcome is the terminal status of one sync attempt.
type SyncOutcome string

const (
	OutcomeSuccess SyncOutcome = "success"
	OutcomeError   SyncOutcome = "error"
	OutcomeRunning SyncOutcome = "running"
)

// Slave is one registered replication target.
type Slave struct {
	ID            int64
	Name          string
	DBPath        string
	ServerAddress string
	Status        SlaveStatus
	LastSync      *time.Time
	IgnoredTables []string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// SyncLogEntry is one append-only row describing a completed (or failed)
// sync attempt against a slave.
type SyncLogEntry struct {
	ID            int64
	SlaveID       int64
	Status        SyncOutcome
	Message       string
	ChangesCount  int64
	DurationSecs  float64
	CreatedAt     time.Time
}

// TrackingEntry is one row written by a change-capture trigger on the
// master.
type TrackingEntry struct {
	ID             int64
	TableName      string
	RowID          int64
	Operation      Operation
	ChangedColumns []string
	OldValues      string // raw JSON, trigger-emitted, diagnostic only
	NewValues      string // raw JSON, trigger-emitted, diagnostic only
	Timestamp      time.Time
}

// ProcessedCursor marks a TrackingEntry as consumed by the realtime
// dispatcher.
type ProcessedCursor struct {
	ChangeID    int64
	ProcessedAt time.Time
}

// SlaveCursor is the single-row periodic-sync watermark kept on each
// slave in its own `_sync_config` table.
type SlaveCursor struct {
	LastSyncTimestamp time.Time
	MasterDBPath      string
}

// SyncResult is the outcome reported back from one replication attempt,
// whether triggered by the scheduler or an admin call.
type SyncResult struct {
	Status       SyncOutcome
	Message      string
	ChangesCount int64
	Duration     time.Duration
}

// IntegrityReport is the per-table row-count comparison plus the
// store's own integrity probe for both databases.
type IntegrityReport struct {
	Tables      []TableIntegrity
	MasterOK    bool
	SlaveOK     bool
}

type TableIntegrity struct {
	TableName   string
	MasterCount int64
	SlaveCount  int64
	Difference  int64
}

// ChangeBatch is a producer-grouped set of (table, op, row_ids)
// destined for one slave.
type ChangeBatch struct {
	SlaveID int64
	Tables  map[string]TableOps
}

// TableOps buckets row ids by operation for one table within a batch.
type TableOps struct {
	Insert []int64
	Update []int64
	Delete []int64
}

// Error-code constants surfaced across the admin façade and sync logs.
const (
	ErrCodeNotFound        = "E_NOT_FOUND"
	ErrCodeValidation      = "E_VALIDATION"
	ErrCodeSchemaMismatch  = "E_SCHEMA_MISMATCH"
	ErrCodeSlaveLocked     = "E_SLAVE_LOCKED"
	ErrCodeTransientStore  = "E_TRANSIENT_STORE"
	ErrCodeTriggerBuild    = "E_TRIGGER_BUILD"
	ErrCodeApply           = "E_APPLY"
	ErrCodeFatal           = "E_FATAL"
)
