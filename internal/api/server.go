// Package api is the administrative façade (C7): a JSON surface over a
// Unix domain socket exposing slave CRUD, sync triggers, integrity
// checks, and scheduler/realtime lifecycle control.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/g960059/dbsyncd/internal/config"
	"github.com/g960059/dbsyncd/internal/engine"
	"github.com/g960059/dbsyncd/internal/master"
	"github.com/g960059/dbsyncd/internal/model"
	"github.com/g960059/dbsyncd/internal/regdb"
	"github.com/g960059/dbsyncd/internal/sched"
	"github.com/g960059/dbsyncd/internal/security"
)

type Server struct {
	cfg      config.Config
	registry *regdb.Store
	masterGW *master.Gateway
	httpSrv  *http.Server
	listener net.Listener
	lockFile *os.File

	mu           sync.Mutex
	replicators  map[int64]*engine.Replicator
	scheduler    *sched.Scheduler
	schedulerCtx context.CancelFunc
	schedulerRun bool
	dispatcher   *sched.Dispatcher
	dispatchCtx  context.CancelFunc
	realtimeRun  bool

	shutdown    sync.Once
	shutdownErr error
}

func NewServer(cfg config.Config, registry *regdb.Store, masterGW *master.Gateway) *Server {
	mux := http.NewServeMux()
	s := &Server{
		cfg:         cfg,
		registry:    registry,
		masterGW:    masterGW,
		replicators: make(map[int64]*engine.Replicator),
	}

	mux.HandleFunc("/v1/health", s.healthHandler)
	mux.HandleFunc("/v1/status", s.statusHandler)
	mux.HandleFunc("/v1/slaves", s.slavesHandler)
	mux.HandleFunc("/v1/slaves/", s.slaveByIDHandler)
	mux.HandleFunc("/v1/scheduler/start", s.startSchedulerHandler)
	mux.HandleFunc("/v1/scheduler/stop", s.stopSchedulerHandler)
	mux.HandleFunc("/v1/realtime/start", s.startRealtimeHandler)
	mux.HandleFunc("/v1/realtime/stop", s.stopRealtimeHandler)
	mux.HandleFunc("/v1/realtime/status", s.realtimeStatusHandler)
	mux.HandleFunc("/v1/tables", s.tablesHandler)
	mux.HandleFunc("/v1/system-tables", s.systemTablesHandler)
	mux.HandleFunc("/v1/logs", s.logsHandler)

	s.httpSrv = &http.Server{Handler: mux}
	return s
}

func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := s.acquireLock(); err != nil {
		return err
	}
	if st, err := os.Lstat(s.cfg.SocketPath); err == nil {
		if st.Mode()&os.ModeSocket == 0 {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("socket path exists and is not a unix socket: %s", s.cfg.SocketPath)
		}
		if err := os.Remove(s.cfg.SocketPath); err != nil {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("remove stale socket: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("stat socket path: %w", err)
	}

	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("listen uds: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		ln.Close() //nolint:errcheck
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			_ = s.Shutdown(context.Background())
			return fmt.Errorf("serve uds: %w", err)
		}
		return nil
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		var errs []error
		s.StopScheduler()
		s.StopRealtime()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		s.mu.Lock()
		listener := s.listener
		s.listener = nil
		s.mu.Unlock()
		if listener != nil {
			if err := listener.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if s.cfg.SocketPath != "" {
			if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
		if err := s.releaseLock(); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			s.shutdownErr = fmt.Errorf("shutdown errors: %v", errs)
		}
	})
	return s.shutdownErr
}

func (s *Server) acquireLock() error {
	lockPath := s.cfg.SocketPath + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("dbsyncd already running")
	}
	s.mu.Lock()
	s.lockFile = f
	s.mu.Unlock()
	return nil
}

func (s *Server) releaseLock() error {
	s.mu.Lock()
	f := s.lockFile
	s.lockFile = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	return f.Close()
}

// replicatorFor returns (creating if absent) the Replicator instance
// for a slave, so every admin call and scheduler/dispatcher tick
// shares the same per-slave lock.
func (s *Server) replicatorFor(ctx context.Context, slave model.Slave) (*engine.Replicator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.replicators[slave.ID]; ok {
		r.IgnoredTables = slave.IgnoredTables
		return r, nil
	}
	slaveGW, err := master.OpenSlave(ctx, slave.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open slave db: %w", err)
	}
	if err := engine.EnsureSlaveConfig(ctx, slaveGW, s.masterGW.Path()); err != nil {
		slaveGW.Close() //nolint:errcheck
		return nil, fmt.Errorf("ensure slave config: %w", err)
	}
	r := engine.NewReplicator(slave.ID, s.masterGW, slaveGW, slave.IgnoredTables)
	r.TempDir = s.cfg.TempDir
	r.SeedBatchSize = s.cfg.SeedBatchSize
	r.TimestampBackshift = s.cfg.TimestampBackshift
	r.ConvergenceSampleSize = s.cfg.ConvergenceSampleSize
	r.ClockDriftThreshold = s.cfg.ClockDriftThreshold
	s.replicators[slave.ID] = r
	return r, nil
}

// invalidateReplicator drops a cached replicator, forcing a fresh
// gateway open on next use; called on slave update/delete.
func (s *Server) invalidateReplicator(slaveID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.replicators[slaveID]; ok {
		r.Slave.Close() //nolint:errcheck
		delete(s.replicators, slaveID)
	}
}

// ListSyncableSlaves / SyncSlave implement sched.SlaveSyncer for the
// periodic scheduler.
func (s *Server) ListSyncableSlaves(ctx context.Context) ([]model.Slave, error) {
	return s.registry.ListSlaves(ctx)
}

func (s *Server) SyncSlave(ctx context.Context, slaveID int64) model.SyncResult {
	slave, err := s.registry.GetSlave(ctx, slaveID)
	if err != nil {
		return model.SyncResult{Status: model.OutcomeError, Message: err.Error()}
	}
	return s.runSync(ctx, slave, false, false, false)
}

// ActiveSlaves implements sched.SlaveLister for the realtime
// dispatcher: only slaves whose status is active participate.
func (s *Server) ActiveSlaves(ctx context.Context) ([]sched.ActiveSlave, error) {
	slaves, err := s.registry.ListSlaves(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]sched.ActiveSlave, 0, len(slaves))
	for _, slave := range slaves {
		if slave.Status != model.SlaveActive {
			continue
		}
		r, err := s.replicatorFor(ctx, slave)
		if err != nil {
			continue
		}
		out = append(out, sched.ActiveSlave{ID: slave.ID, Gateway: r.Slave, IgnoredTables: slave.IgnoredTables})
	}
	return out, nil
}

// runSync dispatches one sync attempt for slave. wait controls lock
// acquisition: the scheduler passes false and skips a slave already
// syncing, while admin-triggered syncs pass true and queue behind it.
func (s *Server) runSync(ctx context.Context, slave model.Slave, initial, force, wait bool) model.SyncResult {
	r, err := s.replicatorFor(ctx, slave)
	if err != nil {
		s.recordLog(ctx, slave.ID, model.OutcomeError, err.Error(), 0, 0)
		return model.SyncResult{Status: model.OutcomeError, Message: err.Error()}
	}

	_ = s.registry.UpdateSyncStatus(ctx, slave.ID, model.SlaveSyncing, false)

	var result model.SyncResult
	switch {
	case initial && wait:
		result = r.InitialSyncWait(ctx)
	case initial:
		result = r.InitialSync(ctx)
	case force && wait:
		result = r.ForceFullSyncWait(ctx, s.cfg.ConvergenceSampleSize)
	case force:
		result = r.ForceFullSync(ctx, s.cfg.ConvergenceSampleSize)
	case wait:
		result = r.SyncWait(ctx, s.cfg.TimestampBackshift, s.cfg.ConvergenceSampleSize)
	default:
		result = r.Sync(ctx, s.cfg.TimestampBackshift, s.cfg.ConvergenceSampleSize)
	}

	switch result.Status {
	case model.OutcomeSuccess:
		_ = s.registry.UpdateSyncStatus(ctx, slave.ID, model.SlaveActive, true)
	case model.OutcomeError:
		_ = s.registry.UpdateSyncStatus(ctx, slave.ID, model.SlaveError, false)
	case model.OutcomeRunning:
		// Another attempt already holds the per-slave lock; leave status untouched.
	}
	s.recordLog(ctx, slave.ID, result.Status, result.Message, result.ChangesCount, result.Duration.Seconds())
	s.reconcileTimestamp(ctx, slave, r)
	return result
}

func (s *Server) reconcileTimestamp(ctx context.Context, slave model.Slave, r *engine.Replicator) {
	authoritative, err := r.ReconcileTimestamp(ctx, slave.LastSync)
	if err != nil || authoritative == nil {
		return
	}
	_ = s.registry.SetLastSync(ctx, slave.ID, *authoritative)
}

// recordLog persists one sync attempt's outcome. Messages pass through
// RedactPayload first: a sync error can embed the failing DSN verbatim
// (e.g. a slave path constructed with embedded credentials), and that
// string must never reach sync_logs unscrubbed.
func (s *Server) recordLog(ctx context.Context, slaveID int64, status model.SyncOutcome, message string, changes int64, durationSecs float64) {
	_, _ = s.registry.AddSyncLog(ctx, model.SyncLogEntry{
		SlaveID:      slaveID,
		Status:       status,
		Message:      security.RedactPayload(message),
		ChangesCount: changes,
		DurationSecs: durationSecs,
	})
}

func (s *Server) StartScheduler() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schedulerRun {
		return
	}
	s.scheduler = sched.NewScheduler(s, s.cfg.SyncInterval, s.cfg.SlaveSpacing)
	ctx, cancel := context.WithCancel(context.Background())
	s.schedulerCtx = cancel
	s.schedulerRun = true
	go s.scheduler.Start(ctx)
}

func (s *Server) StopScheduler() {
	s.mu.Lock()
	if !s.schedulerRun {
		s.mu.Unlock()
		return
	}
	scheduler := s.scheduler
	cancel := s.schedulerCtx
	s.schedulerRun = false
	s.mu.Unlock()

	cancel()
	scheduler.Stop(context.Background())
}

func (s *Server) StartRealtime() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.realtimeRun {
		return
	}
	s.dispatcher = sched.NewDispatcher(
		s.masterGW, s, s.cfg.RealtimeQueueDepth, s.cfg.RealtimePollInterval,
		s.cfg.RealtimeBatchLimit, s.cfg.RealtimeWorkerBackoff, s.cfg.WorkerJoinTimeout,
	)
	ctx, cancel := context.WithCancel(context.Background())
	s.dispatchCtx = cancel
	s.realtimeRun = true
	go s.dispatcher.Start(ctx)
}

func (s *Server) StopRealtime() {
	s.mu.Lock()
	if !s.realtimeRun {
		s.mu.Unlock()
		return
	}
	dispatcher := s.dispatcher
	cancel := s.dispatchCtx
	s.realtimeRun = false
	s.mu.Unlock()

	cancel()
	dispatcher.Stop(context.Background())
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, HealthResponse{SchemaVersion: "v1", GeneratedAt: time.Now().UTC(), Status: "ok"})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	slaves, err := s.registry.ListSlaves(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrCodeTransientStore, err.Error())
		return
	}
	s.mu.Lock()
	schedulerRunning := s.schedulerRun
	realtimeRunning := s.realtimeRun
	s.mu.Unlock()

	s.writeJSON(w, http.StatusOK, StatusResponse{
		SchemaVersion:    "v1",
		GeneratedAt:      time.Now().UTC(),
		SchedulerRunning: schedulerRunning,
		RealtimeRunning:  realtimeRunning,
		Slaves:           toSlaveResponses(slaves),
	})
}

func (s *Server) slavesHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		slaves, err := s.registry.ListSlaves(r.Context())
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, model.ErrCodeTransientStore, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, SlavesEnvelope{SchemaVersion: "v1", GeneratedAt: time.Now().UTC(), Slaves: toSlaveResponses(slaves)})
	case http.MethodPost:
		var req AddSlaveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, model.ErrCodeValidation, "invalid request body")
			return
		}
		id, err := s.registry.AddSlave(r.Context(), model.Slave{
			Name: req.Name, DBPath: req.DBPath, ServerAddress: req.ServerAddress, IgnoredTables: req.IgnoredTables,
		})
		if err != nil {
			s.writeAddSlaveError(w, err)
			return
		}
		slave, err := s.registry.GetSlave(r.Context(), id)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, model.ErrCodeTransientStore, err.Error())
			return
		}
		s.writeJSON(w, http.StatusCreated, toSlaveResponse(slave))
	default:
		s.methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

func (s *Server) writeAddSlaveError(w http.ResponseWriter, err error) {
	if errors.Is(err, regdb.ErrDuplicate) {
		s.writeError(w, http.StatusConflict, model.ErrCodeValidation, "slave name already exists")
		return
	}
	s.writeError(w, http.StatusBadRequest, model.ErrCodeValidation, err.Error())
}

func (s *Server) slaveByIDHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/slaves/")
	segments := strings.Split(strings.Trim(rest, "/"), "/")
	id, err := strconv.ParseInt(segments[0], 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrCodeValidation, "invalid slave id")
		return
	}

	if len(segments) == 1 {
		s.slaveCRUDHandler(w, r, id)
		return
	}

	switch segments[1] {
	case "sync":
		s.syncSlaveHandler(w, r, id)
	case "integrity":
		s.integrityHandler(w, r, id)
	default:
		s.writeError(w, http.StatusNotFound, model.ErrCodeNotFound, "unknown slave sub-resource")
	}
}

func (s *Server) slaveCRUDHandler(w http.ResponseWriter, r *http.Request, id int64) {
	switch r.Method {
	case http.MethodGet:
		slave, err := s.registry.GetSlave(r.Context(), id)
		if err != nil {
			s.writeGetSlaveError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, toSlaveResponse(slave))
	case http.MethodPut:
		existing, err := s.registry.GetSlave(r.Context(), id)
		if err != nil {
			s.writeGetSlaveError(w, err)
			return
		}
		var req UpdateSlaveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, model.ErrCodeValidation, "invalid request body")
			return
		}
		applyUpdate(&existing, req)
		if err := s.registry.UpdateSlave(r.Context(), existing); err != nil {
			s.writeAddSlaveError(w, err)
			return
		}
		if req.IgnoredTables != nil {
			s.syncIgnoredTables(r.Context(), id, *req.IgnoredTables)
		}
		s.invalidateReplicator(id)
		updated, err := s.registry.GetSlave(r.Context(), id)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, model.ErrCodeTransientStore, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, toSlaveResponse(updated))
	case http.MethodDelete:
		if err := s.registry.DeleteSlave(r.Context(), id); err != nil {
			s.writeGetSlaveError(w, err)
			return
		}
		s.invalidateReplicator(id)
		w.WriteHeader(http.StatusNoContent)
	default:
		s.methodNotAllowed(w, http.MethodGet, http.MethodPut, http.MethodDelete)
	}
}

func (s *Server) syncIgnoredTables(ctx context.Context, slaveID int64, wanted []string) {
	slave, err := s.registry.GetSlave(ctx, slaveID)
	if err != nil {
		return
	}
	wantedSet := make(map[string]bool, len(wanted))
	for _, t := range wanted {
		wantedSet[t] = true
	}
	for _, existing := range slave.IgnoredTables {
		if !wantedSet[existing] {
			_ = s.registry.RemoveIgnoredTable(ctx, slaveID, existing)
		}
	}
	for _, t := range wanted {
		_ = s.registry.AddIgnoredTable(ctx, slaveID, t)
	}
}

func applyUpdate(slave *model.Slave, req UpdateSlaveRequest) {
	if req.Name != nil {
		slave.Name = *req.Name
	}
	if req.DBPath != nil {
		slave.DBPath = *req.DBPath
	}
	if req.ServerAddress != nil {
		slave.ServerAddress = *req.ServerAddress
	}
}

func (s *Server) writeGetSlaveError(w http.ResponseWriter, err error) {
	if errors.Is(err, regdb.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, model.ErrCodeNotFound, "slave not found")
		return
	}
	s.writeError(w, http.StatusInternalServerError, model.ErrCodeTransientStore, err.Error())
}

func (s *Server) syncSlaveHandler(w http.ResponseWriter, r *http.Request, id int64) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	slave, err := s.registry.GetSlave(r.Context(), id)
	if err != nil {
		s.writeGetSlaveError(w, err)
		return
	}
	initial := r.URL.Query().Get("initial") == "true"
	force := r.URL.Query().Get("force") == "true"
	result := s.runSync(r.Context(), slave, initial, force, true)
	s.writeJSON(w, http.StatusOK, SyncResultResponse{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		Status:        string(result.Status),
		Message:       result.Message,
		ChangesCount:  result.ChangesCount,
		DurationSecs:  result.Duration.Seconds(),
	})
}

func (s *Server) integrityHandler(w http.ResponseWriter, r *http.Request, id int64) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	slave, err := s.registry.GetSlave(r.Context(), id)
	if err != nil {
		s.writeGetSlaveError(w, err)
		return
	}
	replicator, err := s.replicatorFor(r.Context(), slave)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrCodeTransientStore, err.Error())
		return
	}
	report, err := replicator.VerifyIntegrity(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrCodeTransientStore, err.Error())
		return
	}
	items := make([]TableIntegrityItem, 0, len(report.Tables))
	for _, t := range report.Tables {
		items = append(items, TableIntegrityItem{TableName: t.TableName, MasterCount: t.MasterCount, SlaveCount: t.SlaveCount, Difference: t.Difference})
	}
	s.writeJSON(w, http.StatusOK, IntegrityResponse{
		SchemaVersion: "v1", GeneratedAt: time.Now().UTC(),
		MasterOK: report.MasterOK, SlaveOK: report.SlaveOK, Tables: items,
	})
}

func (s *Server) startSchedulerHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	s.StartScheduler()
	s.writeJSON(w, http.StatusOK, ActionAck{SchemaVersion: "v1", GeneratedAt: time.Now().UTC(), Status: "started"})
}

func (s *Server) stopSchedulerHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	s.StopScheduler()
	s.writeJSON(w, http.StatusOK, ActionAck{SchemaVersion: "v1", GeneratedAt: time.Now().UTC(), Status: "stopped"})
}

func (s *Server) startRealtimeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	s.StartRealtime()
	s.writeJSON(w, http.StatusOK, ActionAck{SchemaVersion: "v1", GeneratedAt: time.Now().UTC(), Status: "started"})
}

func (s *Server) stopRealtimeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	s.StopRealtime()
	s.writeJSON(w, http.StatusOK, ActionAck{SchemaVersion: "v1", GeneratedAt: time.Now().UTC(), Status: "stopped"})
}

func (s *Server) realtimeStatusHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	active := s.realtimeRun
	var queueSize int
	if s.dispatcher != nil {
		queueSize = len(s.dispatcher.Queue)
	}
	s.mu.Unlock()
	s.writeJSON(w, http.StatusOK, RealtimeStatusResponse{SchemaVersion: "v1", GeneratedAt: time.Now().UTC(), Active: active, QueueSize: queueSize})
}

func (s *Server) tablesHandler(w http.ResponseWriter, r *http.Request) {
	tables, err := s.masterGW.Tables(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrCodeTransientStore, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, TablesResponse{SchemaVersion: "v1", GeneratedAt: time.Now().UTC(), Tables: tables})
}

func (s *Server) systemTablesHandler(w http.ResponseWriter, r *http.Request) {
	rows, err := s.masterGW.DB().QueryContext(r.Context(), `SELECT name FROM sqlite_master WHERE type = 'table'`)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrCodeTransientStore, err.Error())
		return
	}
	defer rows.Close() //nolint:errcheck

	out := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			s.writeError(w, http.StatusInternalServerError, model.ErrCodeTransientStore, err.Error())
			return
		}
		if master.IsReserved(name) {
			out = append(out, name)
		}
	}
	s.writeJSON(w, http.StatusOK, TablesResponse{SchemaVersion: "v1", GeneratedAt: time.Now().UTC(), Tables: out})
}

func (s *Server) logsHandler(w http.ResponseWriter, r *http.Request) {
	var slaveID *int64
	if raw := r.URL.Query().Get("slave_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, model.ErrCodeValidation, "invalid slave_id")
			return
		}
		slaveID = &id
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	logs, err := s.registry.ListSyncLogs(r.Context(), slaveID, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrCodeTransientStore, err.Error())
		return
	}
	items := make([]SyncLogItem, 0, len(logs))
	for _, l := range logs {
		items = append(items, SyncLogItem{
			ID: l.ID, SlaveID: l.SlaveID, Status: string(l.Status), Message: l.Message,
			ChangesCount: l.ChangesCount, DurationSecs: l.DurationSecs, CreatedAt: l.CreatedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, LogsEnvelope{SchemaVersion: "v1", GeneratedAt: time.Now().UTC(), Logs: items})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	s.writeJSON(w, status, ErrorResponse{
		SchemaVersion: "v1",
		GeneratedAt:   time.Now().UTC(),
		Error:         APIError{Code: code, Message: security.RedactPayload(msg)},
	})
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allow ...string) {
	if len(allow) > 0 {
		w.Header().Set("Allow", strings.Join(allow, ", "))
	}
	s.writeError(w, http.StatusMethodNotAllowed, model.ErrCodeValidation, "method not allowed")
}

func toSlaveResponse(slave model.Slave) SlaveResponse {
	return SlaveResponse{
		ID: slave.ID, Name: slave.Name, DBPath: slave.DBPath, ServerAddress: slave.ServerAddress,
		Status: string(slave.Status), LastSync: slave.LastSync, IgnoredTables: slave.IgnoredTables,
		CreatedAt: slave.CreatedAt, UpdatedAt: slave.UpdatedAt,
	}
}

func toSlaveResponses(slaves []model.Slave) []SlaveResponse {
	out := make([]SlaveResponse, 0, len(slaves))
	for _, slave := range slaves {
		out = append(out, toSlaveResponse(slave))
	}
	return out
}
