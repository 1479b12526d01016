package supervisor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kandev/agentd/internal/logger"
	"github.com/kandev/agentd/internal/protocol"
	"github.com/kandev/agentd/internal/queue"
	"github.com/kandev/agentd/internal/store"
)

// fakeWorkerScript writes a tiny shell "worker" that speaks just enough of
// the IPC protocol to drive the actor's state machine end to end: it
// answers WORKER_INIT with WORKER_READY, WORKER_TASK with WORKER_TASK_DONE,
// WORKER_CANCEL with WORKER_TASK_CANCELLED, and exits on WORKER_CLOSE.
func fakeWorkerScript(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-worker.sh")
	script := `#!/bin/sh
while IFS= read -r line; do
  case "$line" in
    *'"type":"WORKER_INIT"'*)
      echo '{"type":"WORKER_READY"}'
      ;;
    *'"type":"WORKER_TASK"'*)
      echo '{"type":"WORKER_TASK_DONE"}'
      ;;
    *'"type":"WORKER_CANCEL"'*)
      echo '{"type":"WORKER_TASK_CANCELLED"}'
      ;;
    *'"type":"WORKER_CLOSE"'*)
      exit 0
      ;;
  esac
done
`
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake worker script: %v", err)
	}
	return path
}

func newTestManager(t *testing.T) (*Manager, chan protocol.IPCMessage) {
	t.Helper()
	events := make(chan protocol.IPCMessage, 32)
	sink := func(sessionID string, msg protocol.IPCMessage) {
		events <- msg
	}
	log, err := logger.New(logger.Config{Level: "error", Format: "json", OutputPath: "stderr"})
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	cfg := Config{BinaryPath: fakeWorkerScript(t), N1: 2 * time.Second, N2: 4 * time.Second}
	return NewManager(cfg, store.NewMemoryStore(), log, sink), events
}

func waitForType(t *testing.T, events chan protocol.IPCMessage, kind protocol.IPCKind, timeout time.Duration) protocol.IPCMessage {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case msg := <-events:
			if msg.Type == kind {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func TestDispatchSpawnsAndRunsTask(t *testing.T) {
	mgr, events := newTestManager(t)
	spec := protocol.SessionSpec{SessionID: "s1", SessionType: "chat"}

	err := mgr.Dispatch(spec, &queue.Item{
		ID:       "m1",
		Priority: queue.Normal,
		Payload:  Task{Kind: protocol.IngestUserMessage, Content: "hello"},
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	waitForType(t, events, protocol.KindWorkerTaskDone, 5*time.Second)

	actor, ok := mgr.Get("s1")
	if !ok {
		t.Fatal("expected actor to exist")
	}
	deadline := time.Now().Add(2 * time.Second)
	for actor.State() != StateIdle && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := actor.State(); got != StateIdle {
		t.Fatalf("expected actor to return to Idle, got %s", got)
	}
}

func TestProjectPathExclusivity(t *testing.T) {
	mgr, _ := newTestManager(t)

	if _, err := mgr.GetOrCreate(protocol.SessionSpec{SessionID: "s1", ProjectPath: "/repo"}); err != nil {
		t.Fatalf("GetOrCreate s1: %v", err)
	}
	if _, err := mgr.GetOrCreate(protocol.SessionSpec{SessionID: "s2", ProjectPath: "/repo"}); err == nil {
		t.Fatal("expected second session to be refused the claimed project path")
	}
	// Same session re-requesting its own path is fine (idempotent GetOrCreate).
	if _, err := mgr.GetOrCreate(protocol.SessionSpec{SessionID: "s1", ProjectPath: "/repo"}); err != nil {
		t.Fatalf("GetOrCreate s1 again: %v", err)
	}
}

func TestCancelOnIdleActorIsNoop(t *testing.T) {
	mgr, events := newTestManager(t)
	spec := protocol.SessionSpec{SessionID: "s1", SessionType: "chat"}

	if err := mgr.Dispatch(spec, &queue.Item{ID: "m1", Priority: queue.Normal, Payload: Task{Kind: protocol.IngestUserMessage, Content: "long task"}}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	waitForType(t, events, protocol.KindWorkerTaskDone, 5*time.Second)

	// Wait for the actor to settle back to Idle, then cancel with no task in flight.
	actor, _ := mgr.Get("s1")
	deadline := time.Now().Add(2 * time.Second)
	for actor.State() != StateIdle && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if err := mgr.Cancel("s1"); err != nil {
		t.Fatalf("Cancel on idle actor: %v", err)
	}
}
