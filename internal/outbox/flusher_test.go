package outbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kandev/agentd/internal/logger"
	"github.com/kandev/agentd/internal/protocol"
	"github.com/kandev/agentd/internal/restclient"
	"github.com/kandev/agentd/internal/store"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "json", OutputPath: "stderr"})
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return log
}

func TestFlushDeliversAckMessageAndMarksSent(t *testing.T) {
	var acked []string
	mux := http.NewServeMux()
	mux.HandleFunc("/messages/ack", func(w http.ResponseWriter, r *http.Request) {
		var req protocol.AckMessagesRequest
		json.NewDecoder(r.Body).Decode(&req)
		acked = req.MessageIDs
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	st := store.NewMemoryStore()
	ctx := context.Background()
	payload, _ := json.Marshal(protocol.AckMessagePayload{MessageIDs: []string{"m-1"}})
	id, err := st.EnqueueOutbox(ctx, string(protocol.OutboxAckMessage), string(payload), "")
	if err != nil {
		t.Fatalf("EnqueueOutbox: %v", err)
	}

	f := New(DefaultConfig(), st, restclient.New(restclient.Config{BaseURL: srv.URL}), newTestLogger(t))
	f.Flush(ctx)

	if len(acked) != 1 || acked[0] != "m-1" {
		t.Fatalf("expected ack for m-1, got %v", acked)
	}

	unsent, err := st.GetUnsent(ctx, 10)
	if err != nil {
		t.Fatalf("GetUnsent: %v", err)
	}
	if len(unsent) != 0 {
		t.Fatalf("expected entry %d marked sent, got %d unsent", id, len(unsent))
	}
}

func TestFlushPermanentFailureMarksSentWithoutRetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	st := store.NewMemoryStore()
	ctx := context.Background()
	payload, _ := json.Marshal(protocol.SendMessagePayload{SessionID: "s-1", Content: "hi"})
	if _, err := st.EnqueueOutbox(ctx, string(protocol.OutboxSendMessage), string(payload), "s-1"); err != nil {
		t.Fatalf("EnqueueOutbox: %v", err)
	}

	f := New(DefaultConfig(), st, restclient.New(restclient.Config{BaseURL: srv.URL}), newTestLogger(t))
	f.Flush(ctx)

	unsent, err := st.GetUnsent(ctx, 10)
	if err != nil {
		t.Fatalf("GetUnsent: %v", err)
	}
	if len(unsent) != 0 {
		t.Fatalf("expected permanently-failed entry marked sent, got %d unsent", len(unsent))
	}
}

func TestFlushTransientFailureIncrementsRetries(t *testing.T) {
	var attempts int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&attempts, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	st := store.NewMemoryStore()
	ctx := context.Background()
	payload, _ := json.Marshal(protocol.SendMessagePayload{SessionID: "s-1", Content: "hi"})
	id, err := st.EnqueueOutbox(ctx, string(protocol.OutboxSendMessage), string(payload), "s-1")
	if err != nil {
		t.Fatalf("EnqueueOutbox: %v", err)
	}

	f := New(Config{FlushInterval: time.Second, BatchSize: 10, RetryCap: 0}, st, restclient.New(restclient.Config{BaseURL: srv.URL}), newTestLogger(t))
	f.Flush(ctx)

	unsent, err := st.GetUnsent(ctx, 10)
	if err != nil {
		t.Fatalf("GetUnsent: %v", err)
	}
	if len(unsent) != 1 || unsent[0].ID != id {
		t.Fatalf("expected entry %d still unsent after transient failure, got %v", id, unsent)
	}
	if unsent[0].Retries != 1 {
		t.Fatalf("expected 1 retry recorded, got %d", unsent[0].Retries)
	}
	if atomic.LoadInt64(&attempts) != 1 {
		t.Fatalf("expected 1 delivery attempt, got %d", attempts)
	}
}

func TestFlushRetryCapGivesUpAndMarksSent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	st := store.NewMemoryStore()
	ctx := context.Background()
	payload, _ := json.Marshal(protocol.SendMessagePayload{SessionID: "s-1", Content: "hi"})
	id, err := st.EnqueueOutbox(ctx, string(protocol.OutboxSendMessage), string(payload), "s-1")
	if err != nil {
		t.Fatalf("EnqueueOutbox: %v", err)
	}

	f := New(Config{FlushInterval: time.Second, BatchSize: 10, RetryCap: 1}, st, restclient.New(restclient.Config{BaseURL: srv.URL}), newTestLogger(t))
	f.Flush(ctx)

	unsent, err := st.GetUnsent(ctx, 10)
	if err != nil {
		t.Fatalf("GetUnsent: %v", err)
	}
	for _, e := range unsent {
		if e.ID == id {
			t.Fatalf("expected entry %d marked sent after exceeding retry cap", id)
		}
	}
}

func TestStartStopLifecycle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	st := store.NewMemoryStore()
	f := New(Config{FlushInterval: 10 * time.Millisecond, BatchSize: 10}, st, restclient.New(restclient.Config{BaseURL: srv.URL}), newTestLogger(t))

	if err := f.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := f.Start(context.Background()); err != ErrAlreadyRunning {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}

	time.Sleep(30 * time.Millisecond)

	if err := f.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := f.Stop(); err != ErrNotRunning {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}
