package orchestrator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kandev/agentd/internal/config"
	"github.com/kandev/agentd/internal/logger"
	"github.com/kandev/agentd/internal/protocol"
	"github.com/kandev/agentd/internal/pubsub"
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
      echo '{"type":"WORKER_STREAM_TEXT","data":{"content":"working on it"}}'
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

func testConfig(t *testing.T, restBaseURL string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Database: config.DatabaseConfig{Path: filepath.Join(dir, "agentd.db")},
		PubSub:   config.PubSubConfig{Provider: "memory"},
		Bus:      config.BusConfig{},
		REST:     config.RESTConfig{BaseURL: restBaseURL, Timeout: 2 * time.Second},
		Worker: config.WorkerConfig{
			BinaryPath:   fakeWorkerScript(t),
			SpawnTimeout: 2 * time.Second,
			ReadyTimeout: 2 * time.Second,
			WorkspaceDir: dir,
		},
		Escalation: config.EscalationConfig{N1: 2 * time.Second, N2: 4 * time.Second},
		Scheduler:  config.SchedulerConfig{PollInterval: time.Hour, ConnectedInterval: time.Hour},
		Outbox:     config.OutboxConfig{FlushInterval: 20 * time.Millisecond, BatchSize: 10, RetryCap: 20},
		Orphan:     config.OrphanConfig{PollInterval: 50 * time.Millisecond, OrphanDeadline: 30 * time.Minute},
		Server:     config.ServerConfig{Enabled: false},
		Logging:    config.LoggingConfig{Level: "error", Format: "json", OutputPath: "stderr"},
	}
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "json", OutputPath: "stderr"})
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return log
}

func TestRunProcessesMessageEndToEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	orch, err := New(cfg, newTestLogger(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- orch.Run(ctx) }()

	ch := orch.Channel().(*pubsub.MemoryChannel)
	listener := ch.Listen()

	ch.Deliver(context.Background(), protocol.IngestMessage{
		Type:        protocol.IngestUserMessage,
		MessageID:   "m-1",
		SessionID:   "s-1",
		SessionType: "chat",
		Content:     "please fix the bug",
		Timestamp:   time.Now(),
	})

	sawStream := false
	deadline := time.After(5 * time.Second)
	for !sawStream {
		select {
		case event := <-listener:
			if event.Type == protocol.EventAgentMessage && event.Content == "working on it" {
				sawStream = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for worker stream event")
		}
	}

	st := orch.Store()
	unprocessed, err := st.GetUnprocessed(context.Background(), 10)
	if err != nil {
		t.Fatalf("GetUnprocessed: %v", err)
	}
	if len(unprocessed) != 0 {
		t.Fatalf("expected message marked processed, got %d unprocessed", len(unprocessed))
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Run to return after shutdown")
	}
}
