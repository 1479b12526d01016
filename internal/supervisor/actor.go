package supervisor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kandev/agentd/internal/apperr"
	"github.com/kandev/agentd/internal/logger"
	"github.com/kandev/agentd/internal/protocol"
	"github.com/kandev/agentd/internal/queue"
	"github.com/kandev/agentd/internal/store"
	"go.uber.org/zap"
)

// EventSink receives every IPC message a worker emits, tagged with the
// session it belongs to, for the orchestrator to fan out to the outbound
// pipeline (spec §4.2 "reports worker lifecycle changes").
type EventSink func(sessionID string, msg protocol.IPCMessage)

// Task is one dispatched unit of work, embedded as a queue.Item's Payload.
type Task struct {
	Kind       protocol.IngestKind
	MessageID  string
	Content    string
	FormID     string
	FormStatus string
	FormValues json.RawMessage
}

// SessionActor owns one session's worker lifecycle: its queue, its current
// state, and its live WorkerHandle if spawned (spec §4.2).
type SessionActor struct {
	sessionID  string
	spec       protocol.SessionSpec
	binaryPath string
	n1, n2     time.Duration

	log   *logger.Logger
	store store.Store
	sink  EventSink

	mu              sync.Mutex
	state           State
	queue           *queue.Queue
	handle          *WorkerHandle
	pendingToolCall string
	currentTaskID   string
	cancelTimer     *time.Timer
	killTimer       *time.Timer
	closing         bool
	deadCh          chan struct{}
	deadClosed      bool

	ctx    context.Context
	cancel context.CancelFunc
}

// newSessionActor constructs an actor in state Dead (not yet spawned); the
// next enqueue spawns it (spec §4.2 "Dead → new enqueue").
func newSessionActor(spec protocol.SessionSpec, binaryPath string, n1, n2 time.Duration, st store.Store, log *logger.Logger, sink EventSink) *SessionActor {
	ctx, cancel := context.WithCancel(context.Background())
	deadCh := make(chan struct{})
	close(deadCh)
	return &SessionActor{
		sessionID:  spec.SessionID,
		spec:       spec,
		binaryPath: binaryPath,
		n1:         n1,
		n2:         n2,
		log:        log.WithSession(spec.SessionID),
		store:      st,
		sink:       sink,
		state:      StateDead,
		queue:      queue.New(),
		deadCh:     deadCh,
		deadClosed: true,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Enqueue routes a new work item per the state machine: steer if Running;
// if WaitingUser, answer the pending tool call when one is tracked, else
// treat the message as a steer; otherwise queue.
func (a *SessionActor) Enqueue(item *queue.Item) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	task, _ := item.Payload.(Task)

	switch a.state {
	case StateRunning:
		if task.Kind == protocol.IngestUserMessage {
			return a.sendLocked(protocol.NewSteer(a.sessionID, a.currentTaskID, task.Content))
		}
	case StateWaitingUser:
		if task.Kind == protocol.IngestUserMessage {
			if a.pendingToolCall != "" {
				toolCallID := a.pendingToolCall
				a.pendingToolCall = ""
				a.state = StateRunning
				return a.sendLocked(protocol.NewAnswer(a.sessionID, toolCallID, task.Content))
			}
			a.state = StateRunning
			return a.sendLocked(protocol.NewSteer(a.sessionID, a.currentTaskID, task.Content))
		}
	case StateDead:
		if err := a.spawnLocked(); err != nil {
			return err
		}
	}

	a.queue.Enqueue(item)
	if a.state == StateIdle {
		a.dispatchNextLocked()
	}
	return nil
}

// spawnLocked starts a new worker child and moves the actor to Spawning.
// Caller must hold a.mu.
func (a *SessionActor) spawnLocked() error {
	handle, err := spawnWorker(a.ctx, a.binaryPath, a.log, a.handleWorkerMessage)
	if err != nil {
		return apperr.Internal("spawn worker", err)
	}
	a.handle = handle
	a.state = StateSpawning
	a.closing = false
	if a.deadClosed {
		a.deadCh = make(chan struct{})
		a.deadClosed = false
	}

	if err := a.store.UpdateWorkerState(a.ctx, a.sessionID, handle.PID(), store.WorkerStarting); err != nil {
		a.log.Warn("failed to record worker state", zap.Error(err))
	}

	go a.watchExit(handle)

	return a.sendLocked(protocol.NewInit(a.sessionID, a.spec))
}

// markDeadLocked transitions the actor to Dead and unblocks any waiter on
// Done. Caller must hold a.mu.
func (a *SessionActor) markDeadLocked() {
	a.state = StateDead
	if !a.deadClosed {
		close(a.deadCh)
		a.deadClosed = true
	}
}

// Done returns a channel closed once the actor reaches Dead, letting a
// caller wait out the close escalation ladder before tearing down shared
// collaborators.
func (a *SessionActor) Done() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.deadCh
}

// watchExit observes the worker process exiting and synthesizes a fatal
// WORKER_ERROR if a task was in flight (spec §4.2 crash handling, §7.3).
func (a *SessionActor) watchExit(handle *WorkerHandle) {
	err := <-handle.Done()

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.handle != handle {
		// Superseded by a later respawn; nothing to reconcile.
		return
	}

	wasRunning := !a.closing && (a.state == StateRunning || a.state == StateCancelling || a.state == StateWaitingUser)
	a.markDeadLocked()
	a.handle.Close()
	a.handle = nil
	a.stopTimersLocked()
	drained := a.queue.DrainHigh()
	if len(drained) > 0 {
		a.log.Debug("discarded moot high-priority items after worker exit", zap.Int("count", len(drained)))
	}

	if updErr := a.store.UpdateWorkerState(a.ctx, a.sessionID, 0, store.WorkerDead); updErr != nil {
		a.log.Warn("failed to record dead worker state", zap.Error(updErr))
	}

	if wasRunning {
		fatal := apperr.WorkerCrash(a.sessionID, err)
		payload, _ := json.Marshal(map[string]any{"error": fatal.Error()})
		a.emitLocked(protocol.IPCMessage{
			Type:      protocol.KindWorkerError,
			SessionID: a.sessionID,
			Fatal:     true,
			Data:      payload,
		})
	}
}

// handleWorkerMessage is invoked by the IPC codec's read loop for every
// line the worker emits. It updates actor state and forwards the event.
func (a *SessionActor) handleWorkerMessage(msg protocol.IPCMessage) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch msg.Type {
	case protocol.KindWorkerReady:
		if a.state == StateSpawning {
			a.state = StateIdle
			a.dispatchNextLocked()
		}
	case protocol.KindWorkerTaskDone, protocol.KindWorkerTaskCanceled:
		a.stopTimersLocked()
		a.currentTaskID = ""
		a.state = StateIdle
		a.dispatchNextLocked()
	case protocol.KindWorkerError:
		a.stopTimersLocked()
		a.currentTaskID = ""
		if msg.Fatal {
			a.markDeadLocked()
		} else {
			a.state = StateIdle
			a.dispatchNextLocked()
		}
	case protocol.KindWorkerQuestion:
		a.state = StateWaitingUser
		a.pendingToolCall = msg.ToolCallID
	case protocol.KindWorkerFormRequest:
		a.state = StateWaitingUser
		if msg.FormID != "" {
			if err := a.store.UpsertPendingForm(a.ctx, store.PendingForm{FormID: msg.FormID, SessionID: a.sessionID, ToolCallID: msg.ToolCallID}); err != nil {
				a.log.Warn("failed to persist pending form", zap.Error(err))
			}
		}
	}

	a.emitLocked(msg)
}

// dispatchNextLocked pops the next queued item and sends it, if the actor
// is Idle. Caller must hold a.mu.
func (a *SessionActor) dispatchNextLocked() {
	if a.state != StateIdle {
		return
	}
	item := a.queue.Dequeue()
	if item == nil {
		return
	}
	task, _ := item.Payload.(Task)

	switch task.Kind {
	case protocol.IngestFormResponse:
		if err := a.store.DeletePendingForm(a.ctx, a.sessionID); err != nil {
			a.log.Warn("failed to clear pending form", zap.Error(err))
		}
		a.state = StateRunning
		_ = a.sendLocked(protocol.NewFormResponse(a.sessionID, task.FormID, task.FormStatus, task.FormValues))
	default:
		a.currentTaskID = uuid.New().String()
		a.state = StateRunning
		_ = a.sendLocked(protocol.NewTask(a.sessionID, a.currentTaskID, task.MessageID, task.Content, a.spec))
	}
}

// RequestCancel sends WORKER_CANCEL straight to a Running or WaitingUser
// worker (nothing is queued) and starts the escalation ladder (spec §4.2
// cancellation escalation, P8). It is a no-op in any other state.
func (a *SessionActor) RequestCancel() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != StateRunning && a.state != StateWaitingUser {
		return nil
	}
	a.state = StateCancelling
	if err := a.sendLocked(protocol.NewCancel(a.sessionID, a.currentTaskID, "user requested cancel")); err != nil {
		return err
	}

	a.cancelTimer = time.AfterFunc(a.n1, func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.state != StateCancelling || a.handle == nil {
			return
		}
		a.log.Warn("cancel acknowledgement timed out, sending terminate")
		_ = a.handle.Terminate()
		a.killTimer = time.AfterFunc(a.n2-a.n1, func() {
			a.mu.Lock()
			defer a.mu.Unlock()
			if a.state != StateCancelling || a.handle == nil {
				return
			}
			a.log.Warn("terminate timed out, sending kill")
			_ = a.handle.Kill()
			a.state = StateDying
		})
	})
	return nil
}

// RequestClose initiates a graceful worker shutdown (spec §4.2 "explicit
// close"), escalating on the same ladder as cancellation.
func (a *SessionActor) RequestClose() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.handle == nil {
		a.markDeadLocked()
		return nil
	}
	a.closing = true
	a.state = StateDying
	if err := a.sendLocked(protocol.NewClose(a.sessionID)); err != nil {
		return err
	}

	a.cancelTimer = time.AfterFunc(a.n1, func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.handle == nil {
			return
		}
		_ = a.handle.Terminate()
		a.killTimer = time.AfterFunc(a.n2-a.n1, func() {
			a.mu.Lock()
			defer a.mu.Unlock()
			if a.handle == nil {
				return
			}
			_ = a.handle.Kill()
		})
	})
	return nil
}

func (a *SessionActor) stopTimersLocked() {
	if a.cancelTimer != nil {
		a.cancelTimer.Stop()
		a.cancelTimer = nil
	}
	if a.killTimer != nil {
		a.killTimer.Stop()
		a.killTimer = nil
	}
}

func (a *SessionActor) sendLocked(msg protocol.IPCMessage) error {
	if a.handle == nil {
		return apperr.Internal("send to session with no live worker", nil)
	}
	if err := a.handle.Send(msg); err != nil {
		return apperr.Transport("send ipc message", err)
	}
	return nil
}

func (a *SessionActor) emitLocked(msg protocol.IPCMessage) {
	if a.sink != nil {
		a.sink(a.sessionID, msg)
	}
}

// State returns the actor's current lifecycle state.
func (a *SessionActor) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// QueueLen returns the total number of queued work items.
func (a *SessionActor) QueueLen() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.queue.Len()
}

// Shutdown stops the actor's context, unblocking its codec reader.
func (a *SessionActor) Shutdown() {
	a.cancel()
}
