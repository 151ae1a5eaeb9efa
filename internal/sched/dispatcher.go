package sched

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/g960059/dbsyncd/internal/engine"
	"github.com/g960059/dbsyncd/internal/master"
	"github.com/g960059/dbsyncd/internal/model"
)

// workItem is one change batch tagged with the slave it is destined
// for.
type workItem struct {
	SlaveID int64
	Batch   model.ChangeBatch
}

// ActiveSlave is one currently-registered, active slave the dispatcher
// should fan batches out to.
type ActiveSlave struct {
	ID            int64
	Gateway       *master.Gateway
	IgnoredTables []string
}

// SlaveLister supplies the dispatcher's current view of active
// slaves.
type SlaveLister interface {
	ActiveSlaves(ctx context.Context) ([]ActiveSlave, error)
}

// Dispatcher is the realtime producer/consumer fan-out: a single
// producer reads unprocessed changes from the master and enqueues one
// copy of each batch per active slave onto a bounded shared channel;
// one worker goroutine per slave applies its own items and discards
// anything not addressed to it.
type Dispatcher struct {
	Master   *master.Gateway
	Lister   SlaveLister
	Queue    chan workItem

	PollInterval  time.Duration
	BatchLimit    int
	WorkerBackoff time.Duration
	JoinTimeout   time.Duration

	mu      sync.Mutex
	workers map[int64]context.CancelFunc
	wg      sync.WaitGroup

	producerDone chan struct{}
}

func NewDispatcher(masterGW *master.Gateway, lister SlaveLister, queueDepth int, pollInterval time.Duration, batchLimit int, workerBackoff, joinTimeout time.Duration) *Dispatcher {
	return &Dispatcher{
		Master:        masterGW,
		Lister:        lister,
		Queue:         make(chan workItem, queueDepth),
		PollInterval:  pollInterval,
		BatchLimit:    batchLimit,
		WorkerBackoff: workerBackoff,
		JoinTimeout:   joinTimeout,
		workers:       make(map[int64]context.CancelFunc),
		producerDone:  make(chan struct{}),
	}
}

// Start runs the producer loop until ctx is cancelled, launching and
// retiring per-slave workers as the active slave set changes. It
// blocks; callers run it in its own goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	defer close(d.producerDone)

	ticker := time.NewTicker(d.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.stopAllWorkers(ctx)
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

// Stop waits for the producer to exit, drains the queue, and joins all
// workers with a bounded wait; callers should cancel the context
// passed to Start before calling Stop.
func (d *Dispatcher) Stop(ctx context.Context) {
	<-d.producerDone

	drain := make(chan struct{})
	go func() {
		for range d.Queue {
		}
		close(drain)
	}()
	close(d.Queue)

	joinCtx, cancel := context.WithTimeout(ctx, d.joinTimeout())
	defer cancel()
	waitDone := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-joinCtx.Done():
	}
	<-drain
}

func (d *Dispatcher) joinTimeout() time.Duration {
	if d.JoinTimeout > 0 {
		return d.JoinTimeout
	}
	return 5 * time.Second
}

func (d *Dispatcher) tick(ctx context.Context) {
	active, err := d.Lister.ActiveSlaves(ctx)
	if err != nil {
		logErr("dispatcher", fmt.Errorf("list active slaves: %w", err))
		return
	}
	d.reconcileWorkers(ctx, active)

	changes, err := d.Master.UnprocessedChanges(ctx, d.BatchLimit)
	if err != nil {
		logErr("dispatcher", fmt.Errorf("unprocessed changes: %w", err))
		return
	}
	if len(changes) == 0 {
		return
	}

	batch := GroupChanges(changes)
	for _, slave := range active {
		item := workItem{SlaveID: slave.ID, Batch: batch}
		select {
		case d.Queue <- item:
		case <-ctx.Done():
			return
		}
	}

	ids := make([]int64, 0, len(changes))
	for _, c := range changes {
		ids = append(ids, c.ID)
	}
	if err := d.Master.MarkProcessed(ctx, ids); err != nil {
		logErr("dispatcher", fmt.Errorf("mark processed: %w", err))
	}
}

// GroupChanges buckets tracking entries by (table, operation),
// deduplicating row ids within each bucket; the order entries arrive
// in is preserved via first-seen order, not used by the bucket shape
// itself but kept for callers that want it.
func GroupChanges(changes []model.TrackingEntry) model.ChangeBatch {
	batch := model.ChangeBatch{Tables: make(map[string]model.TableOps)}
	for _, c := range changes {
		ops := batch.Tables[c.TableName]
		switch c.Operation {
		case model.OpInsert:
			ops.Insert = appendUnique(ops.Insert, c.RowID)
		case model.OpUpdate:
			ops.Update = appendUnique(ops.Update, c.RowID)
		case model.OpDelete:
			ops.Delete = appendUnique(ops.Delete, c.RowID)
		}
		batch.Tables[c.TableName] = ops
	}
	return batch
}

func appendUnique(ids []int64, id int64) []int64 {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

func (d *Dispatcher) reconcileWorkers(ctx context.Context, active []ActiveSlave) {
	d.mu.Lock()
	defer d.mu.Unlock()

	seen := make(map[int64]bool, len(active))
	for _, slave := range active {
		seen[slave.ID] = true
		if _, ok := d.workers[slave.ID]; ok {
			continue
		}
		workerCtx, cancel := context.WithCancel(ctx)
		d.workers[slave.ID] = cancel
		d.wg.Add(1)
		go d.runWorker(workerCtx, slave)
	}

	for slaveID, cancel := range d.workers {
		if !seen[slaveID] {
			cancel()
			delete(d.workers, slaveID)
		}
	}
}

func (d *Dispatcher) stopAllWorkers(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for slaveID, cancel := range d.workers {
		cancel()
		delete(d.workers, slaveID)
	}
}

// runWorker applies items destined for its own slave id; items for
// any other slave are discarded once pulled, matching the shared-queue
// fan-out contract the producer relies on. A batch-apply failure backs
// the worker off before it resumes pulling.
func (d *Dispatcher) runWorker(ctx context.Context, slave ActiveSlave) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-d.Queue:
			if !ok {
				return
			}
			if item.SlaveID != slave.ID {
				continue
			}
			if err := engine.ApplyBatch(ctx, d.Master, slave.Gateway, item.Batch, slave.IgnoredTables); err != nil {
				logErr("dispatcher", fmt.Errorf("apply batch slave %d: %w", slave.ID, err))
				d.backoff(ctx)
			}
		}
	}
}

func (d *Dispatcher) backoff(ctx context.Context) {
	wait := d.WorkerBackoff
	if wait <= 0 {
		wait = 2 * time.Second
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
