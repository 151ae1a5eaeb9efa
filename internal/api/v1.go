package api

import "time"

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Error         APIError  `json:"error"`
}

type HealthResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Status        string    `json:"status"`
}

// StatusResponse answers get_status: per-slave state plus whether the
// scheduler loop is currently running.
type StatusResponse struct {
	SchemaVersion    string          `json:"schema_version"`
	GeneratedAt      time.Time       `json:"generated_at"`
	SchedulerRunning bool            `json:"scheduler_running"`
	RealtimeRunning  bool            `json:"realtime_running"`
	Slaves           []SlaveResponse `json:"slaves"`
}

type SlaveResponse struct {
	ID            int64      `json:"id"`
	Name          string     `json:"name"`
	DBPath        string     `json:"db_path"`
	ServerAddress string     `json:"server_address,omitempty"`
	Status        string     `json:"status"`
	LastSync      *time.Time `json:"last_sync,omitempty"`
	IgnoredTables []string   `json:"ignored_tables,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

type SlavesEnvelope struct {
	SchemaVersion string          `json:"schema_version"`
	GeneratedAt   time.Time       `json:"generated_at"`
	Slaves        []SlaveResponse `json:"slaves"`
}

type AddSlaveRequest struct {
	Name          string   `json:"name"`
	DBPath        string   `json:"db_path"`
	ServerAddress string   `json:"server_address,omitempty"`
	IgnoredTables []string `json:"ignored_tables,omitempty"`
}

type UpdateSlaveRequest struct {
	Name          *string   `json:"name,omitempty"`
	DBPath        *string   `json:"db_path,omitempty"`
	ServerAddress *string   `json:"server_address,omitempty"`
	IgnoredTables *[]string `json:"ignored_tables,omitempty"`
}

// SyncResultResponse is the sync result object named in the external
// interface table: {status, message, changes_count, duration}.
type SyncResultResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Status        string    `json:"status"`
	Message       string    `json:"message,omitempty"`
	ChangesCount  int64     `json:"changes_count"`
	DurationSecs  float64   `json:"duration_seconds"`
}

type TableIntegrityItem struct {
	TableName   string `json:"table_name"`
	MasterCount int64  `json:"master_count"`
	SlaveCount  int64  `json:"slave_count"`
	Difference  int64  `json:"difference"`
}

type IntegrityResponse struct {
	SchemaVersion string                `json:"schema_version"`
	GeneratedAt   time.Time             `json:"generated_at"`
	MasterOK      bool                  `json:"master_ok"`
	SlaveOK       bool                  `json:"slave_ok"`
	Tables        []TableIntegrityItem  `json:"tables"`
}

type RealtimeStatusResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Active        bool      `json:"active"`
	QueueSize     int       `json:"queue_size"`
}

type TablesResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Tables        []string  `json:"tables"`
}

type SyncLogItem struct {
	ID           int64     `json:"id"`
	SlaveID      int64     `json:"slave_id"`
	Status       string    `json:"status"`
	Message      string    `json:"message,omitempty"`
	ChangesCount int64     `json:"changes_count"`
	DurationSecs float64   `json:"duration_seconds"`
	CreatedAt    time.Time `json:"created_at"`
}

type LogsEnvelope struct {
	SchemaVersion string        `json:"schema_version"`
	GeneratedAt   time.Time     `json:"generated_at"`
	Logs          []SyncLogItem `json:"logs"`
}

type ActionAck struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Status        string    `json:"status"`
}
