package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kandev/agentd/internal/logger"
	"github.com/kandev/agentd/internal/protocol"
	"github.com/kandev/agentd/internal/pubsub"
	"github.com/kandev/agentd/internal/store"
	"github.com/kandev/agentd/internal/supervisor"
)

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

func newTestRouter(t *testing.T, events chan protocol.IPCMessage) (*Router, *store.MemoryStore, *pubsub.MemoryChannel) {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "json", OutputPath: "stderr"})
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	st := store.NewMemoryStore()
	ch := pubsub.NewMemoryChannel()
	sink := func(string, protocol.IPCMessage) {}
	if events != nil {
		sink = func(sessionID string, msg protocol.IPCMessage) { events <- msg }
	}
	mgr := supervisor.NewManager(supervisor.Config{
		BinaryPath: fakeWorkerScript(t),
		N1:         2 * time.Second,
		N2:         4 * time.Second,
	}, st, log, sink)

	r := New(Config{Store: st, Channel: ch, Manager: mgr, AgentID: "agent-1"}, log)
	return r, st, ch
}

func TestRouteDedupesByMessageID(t *testing.T) {
	r, st, _ := newTestRouter(t, nil)
	msg := protocol.IngestMessage{
		Type:      protocol.IngestUserMessage,
		MessageID: "m-1",
		SessionID: "s-1",
		Content:   "hi",
		Timestamp: time.Now(),
	}

	if err := r.Route(context.Background(), msg); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if err := r.Route(context.Background(), msg); err != nil {
		t.Fatalf("Route (duplicate): %v", err)
	}

	unprocessed, err := st.GetUnprocessed(context.Background(), 10)
	if err != nil {
		t.Fatalf("GetUnprocessed: %v", err)
	}
	if len(unprocessed) != 0 {
		t.Fatalf("expected message marked processed, got %d unprocessed", len(unprocessed))
	}
}

func TestRouteStatusRequestRepliesInline(t *testing.T) {
	r, st, ch := newTestRouter(t, nil)
	listener := ch.Listen()

	msg := protocol.IngestMessage{
		Type:      protocol.IngestUserMessage,
		MessageID: "m-1",
		SessionID: "s-1",
		Content:   "status",
		Timestamp: time.Now(),
	}
	if err := r.Route(context.Background(), msg); err != nil {
		t.Fatalf("Route: %v", err)
	}

	sawReceived := false
	sawStatus := false
	for i := 0; i < 2; i++ {
		select {
		case event := <-listener:
			switch event.Type {
			case protocol.EventAgentStatus:
				sawReceived = true
			case protocol.EventSessionStatusChanged:
				sawStatus = true
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for published events")
		}
	}
	if !sawReceived || !sawStatus {
		t.Fatalf("expected both a received ack and a status reply, got received=%v status=%v", sawReceived, sawStatus)
	}

	unsent, err := st.GetUnsent(context.Background(), 10)
	if err != nil {
		t.Fatalf("GetUnsent: %v", err)
	}
	foundStatusReply := false
	for _, entry := range unsent {
		if entry.Kind == string(protocol.EventSessionStatusChanged) {
			foundStatusReply = true
		}
	}
	if !foundStatusReply {
		t.Fatal("expected status reply persisted to outbox")
	}
}

func TestRouteUserMessageDispatchesToWorker(t *testing.T) {
	events := make(chan protocol.IPCMessage, 16)
	r, _, _ := newTestRouter(t, events)

	msg := protocol.IngestMessage{
		Type:        protocol.IngestUserMessage,
		MessageID:   "m-1",
		SessionID:   "s-1",
		SessionType: "chat",
		Content:     "please fix the bug",
		Timestamp:   time.Now(),
	}
	if err := r.Route(context.Background(), msg); err != nil {
		t.Fatalf("Route: %v", err)
	}

	for {
		select {
		case event := <-events:
			if event.Type == protocol.KindWorkerTaskDone {
				return
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for task completion")
		}
	}
}

func TestRouteDeleteSessionControlCommand(t *testing.T) {
	r, st, _ := newTestRouter(t, nil)
	if err := st.UpsertSession(context.Background(), store.SessionRow{SessionID: "s-1", Status: store.StatusOpenIdle}); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}

	msg := protocol.IngestMessage{
		Type:      protocol.IngestUIAction,
		MessageID: "m-1",
		SessionID: "s-1",
		Action:    protocol.ActionDeleteSession,
		Timestamp: time.Now(),
	}
	if err := r.Route(context.Background(), msg); err != nil {
		t.Fatalf("Route: %v", err)
	}

	row, err := st.GetSession(context.Background(), "s-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if row.Status != store.StatusClosed {
		t.Fatalf("expected session closed, got %s", row.Status)
	}
}
