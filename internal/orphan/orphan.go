// Package orphan recovers sessions left behind by a prior orchestrator run:
// a worker process whose PID is still alive must never be joined by a
// second worker for the same session (spec §4.7).
package orphan

import (
	"context"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/kandev/agentd/internal/logger"
	"github.com/kandev/agentd/internal/store"
	"github.com/kandev/agentd/internal/supervisor"
	"go.uber.org/zap"
)

// pollInterval matches the corpus's daemon-liveness poll cadence, tightened
// to the 10s cadence spec §4.7 calls for.
const pollInterval = 10 * time.Second

// Redriver processes messages left behind in the inbox once an orphaned
// session's prior-run worker has exited.
type Redriver interface {
	RedriveSession(ctx context.Context, sessionID string) error
}

// Recoverer tracks sessions held behind a live prior-run worker and exposes
// IsOrphaned, satisfying ingest.OrphanChecker.
type Recoverer struct {
	store    store.Store
	manager  *supervisor.Manager
	redriver Redriver
	log      *logger.Logger

	// PollInterval is the liveness re-check cadence (spec §4.7: 10s).
	// Exported so tests can shrink it; defaults to pollInterval via New.
	PollInterval time.Duration

	mu       sync.Mutex
	orphaned map[string]struct{}
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Recoverer. redriver may be nil, in which case recovered
// sessions are simply closed without re-processing deferred inbox rows.
func New(st store.Store, manager *supervisor.Manager, redriver Redriver, log *logger.Logger) *Recoverer {
	return &Recoverer{
		store:        st,
		manager:      manager,
		redriver:     redriver,
		log:          log.WithFields(zap.String("component", "orphan")),
		PollInterval: pollInterval,
		orphaned:     make(map[string]struct{}),
		stopCh:       make(chan struct{}),
	}
}

// IsOrphaned reports whether sessionID is currently held behind a live
// prior-run worker.
func (r *Recoverer) IsOrphaned(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.orphaned[sessionID]
	return ok
}

// RecoverAtStartup scans every non-closed session row with a recorded
// worker PID (spec §4.7). A live PID is marked orphaned and handed to a
// poller; a dead or absent PID is closed immediately.
func (r *Recoverer) RecoverAtStartup(ctx context.Context) error {
	rows, err := r.store.GetActiveSessions(ctx)
	if err != nil {
		return err
	}

	for _, row := range rows {
		if row.WorkerPID == 0 {
			continue
		}
		if isAlive(row.WorkerPID) {
			r.log.Info("session orphaned by live prior-run worker",
				zap.String("session_id", row.SessionID), zap.Int("pid", row.WorkerPID))
			r.markOrphaned(row.SessionID)
			r.wg.Add(1)
			go r.pollUntilExit(ctx, row.SessionID, row.WorkerPID)
			continue
		}

		r.log.Info("closing session with dead prior-run worker",
			zap.String("session_id", row.SessionID), zap.Int("pid", row.WorkerPID))
		if err := r.closeSession(ctx, row.SessionID, "prior-run worker not running at startup"); err != nil {
			r.log.Warn("failed to close dead-worker session", zap.Error(err))
		}
	}
	return nil
}

// Stop halts any running pollers and waits for them to return.
func (r *Recoverer) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

func (r *Recoverer) pollUntilExit(ctx context.Context, sessionID string, pid int) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			if isAlive(pid) {
				continue
			}
			r.log.Info("orphaned worker exited, recovering session",
				zap.String("session_id", sessionID), zap.Int("pid", pid))
			if err := r.closeSession(ctx, sessionID, "orphaned prior-run worker exited"); err != nil {
				r.log.Warn("failed to close recovered session", zap.Error(err))
			}
			r.clearOrphaned(sessionID)
			if r.redriver != nil {
				if err := r.redriver.RedriveSession(ctx, sessionID); err != nil {
					r.log.Warn("failed to redrive recovered session", zap.String("session_id", sessionID), zap.Error(err))
				}
			}
			return
		}
	}
}

func (r *Recoverer) closeSession(ctx context.Context, sessionID, auditNote string) error {
	if r.manager != nil {
		r.manager.Remove(sessionID)
	}
	if err := r.store.UpdateSessionStatus(ctx, sessionID, store.StatusClosed); err != nil {
		return err
	}
	if err := r.store.UpdateWorkerState(ctx, sessionID, 0, store.WorkerDead); err != nil {
		return err
	}
	return r.store.InsertSessionMessage(ctx, sessionID, store.SenderSystem, auditNote, "")
}

func (r *Recoverer) markOrphaned(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orphaned[sessionID] = struct{}{}
}

func (r *Recoverer) clearOrphaned(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.orphaned, sessionID)
}

// isAlive runs the zero-signal liveness probe used throughout the corpus
// for daemon PID checks: Process.Signal(syscall.Signal(0)) returns an error
// once the process is gone.
func isAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
