// Package sched runs the fixed-interval sync scheduler (C5) and the
// realtime change dispatcher (C6).
package sched

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/g960059/dbsyncd/internal/model"
)

// SlaveSyncer is the subset of the replication engine the scheduler
// needs: look up which slaves are registered and run one sync attempt
// against a given slave.
type SlaveSyncer interface {
	ListSyncableSlaves(ctx context.Context) ([]model.Slave, error)
	SyncSlave(ctx context.Context, slaveID int64) model.SyncResult
}

// Scheduler runs a single loop: every interval, for each slave whose
// status is not already syncing, invoke a sync with a fixed spacing
// between slaves to smooth load.
type Scheduler struct {
	Syncer   SlaveSyncer
	Interval time.Duration
	Spacing  time.Duration

	stop chan struct{}
	done chan struct{}
}

func NewScheduler(syncer SlaveSyncer, interval, spacing time.Duration) *Scheduler {
	return &Scheduler{
		Syncer:   syncer,
		Interval: interval,
		Spacing:  spacing,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the loop until the context is cancelled or Stop is
// called. It blocks; callers run it in its own goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// Stop requests the loop exit and blocks until it has, bounded by the
// context deadline if one is set.
func (s *Scheduler) Stop(ctx context.Context) {
	close(s.stop)
	select {
	case <-s.done:
	case <-ctx.Done():
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	slaves, err := s.Syncer.ListSyncableSlaves(ctx)
	if err != nil {
		logErr("scheduler", fmt.Errorf("list slaves: %w", err))
		return
	}

	for i, slave := range slaves {
		if slave.Status == model.SlaveSyncing {
			continue
		}
		if i > 0 {
			if !s.cancellableWait(ctx, s.Spacing) {
				return
			}
		}
		result := s.Syncer.SyncSlave(ctx, slave.ID)
		if result.Status == model.OutcomeError {
			logErr("scheduler", fmt.Errorf("sync slave %d: %s", slave.ID, result.Message))
		}
	}
}

// cancellableWait waits for d or until ctx/stop fires, whichever comes
// first, returning false if the wait was cut short by shutdown.
func (s *Scheduler) cancellableWait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-s.stop:
		return false
	}
}

func logErr(scope string, err error) {
	_, _ = fmt.Fprintf(os.Stderr, "dbsyncd: %s: %v\n", scope, err)
}
