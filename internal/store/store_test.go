package store

import (
	"context"
	"testing"
)

// runStoreTests exercises the Store contract against any implementation;
// both SQLiteStore (via a temp file) and MemoryStore satisfy it identically.
func runStoreTests(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("InsertInboxDedup", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		isNew, err := s.InsertInbox(ctx, InboxEntry{MessageID: "m1", SessionID: "s1", Content: "hello"})
		if err != nil {
			t.Fatalf("InsertInbox: %v", err)
		}
		if !isNew {
			t.Fatal("expected first insert to be new")
		}

		isNew, err = s.InsertInbox(ctx, InboxEntry{MessageID: "m1", SessionID: "s1", Content: "hello again"})
		if err != nil {
			t.Fatalf("InsertInbox (dup): %v", err)
		}
		if isNew {
			t.Fatal("expected duplicate insert to report isNew = false")
		}
	})

	t.Run("MarkProcessedExcludesFromUnprocessed", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		if _, err := s.InsertInbox(ctx, InboxEntry{MessageID: "m1", SessionID: "s1"}); err != nil {
			t.Fatalf("InsertInbox: %v", err)
		}
		if _, err := s.InsertInbox(ctx, InboxEntry{MessageID: "m2", SessionID: "s1"}); err != nil {
			t.Fatalf("InsertInbox: %v", err)
		}
		if err := s.MarkProcessed(ctx, "m1"); err != nil {
			t.Fatalf("MarkProcessed: %v", err)
		}

		unprocessed, err := s.GetUnprocessed(ctx, 10)
		if err != nil {
			t.Fatalf("GetUnprocessed: %v", err)
		}
		if len(unprocessed) != 1 || unprocessed[0].MessageID != "m2" {
			t.Fatalf("expected only m2 unprocessed, got %+v", unprocessed)
		}
	})

	t.Run("OutboxFlushLifecycle", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		id, err := s.EnqueueOutbox(ctx, "AGENT_MESSAGE", `{"x":1}`, "s1")
		if err != nil {
			t.Fatalf("EnqueueOutbox: %v", err)
		}

		unsent, err := s.GetUnsent(ctx, 10)
		if err != nil {
			t.Fatalf("GetUnsent: %v", err)
		}
		if len(unsent) != 1 || unsent[0].ID != id {
			t.Fatalf("expected one unsent entry with id %d, got %+v", id, unsent)
		}

		if err := s.MarkFailed(ctx, id, "connection refused"); err != nil {
			t.Fatalf("MarkFailed: %v", err)
		}
		unsent, err = s.GetUnsent(ctx, 10)
		if err != nil {
			t.Fatalf("GetUnsent after fail: %v", err)
		}
		if len(unsent) != 1 || unsent[0].Retries != 1 {
			t.Fatalf("expected retry count 1, got %+v", unsent)
		}

		if err := s.MarkSent(ctx, id); err != nil {
			t.Fatalf("MarkSent: %v", err)
		}
		unsent, err = s.GetUnsent(ctx, 10)
		if err != nil {
			t.Fatalf("GetUnsent after sent: %v", err)
		}
		if len(unsent) != 0 {
			t.Fatalf("expected no unsent entries after MarkSent, got %+v", unsent)
		}
	})

	t.Run("SessionLifecycle", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		if err := s.UpsertSession(ctx, SessionRow{SessionID: "s1", Status: StatusOpenIdle}); err != nil {
			t.Fatalf("UpsertSession: %v", err)
		}
		if err := s.UpdateSessionStatus(ctx, "s1", StatusOpenRunning); err != nil {
			t.Fatalf("UpdateSessionStatus: %v", err)
		}
		if err := s.UpdateWorkerState(ctx, "s1", 4242, WorkerBusy); err != nil {
			t.Fatalf("UpdateWorkerState: %v", err)
		}
		if err := s.UpdateConfirmedProject(ctx, "s1", "/repo"); err != nil {
			t.Fatalf("UpdateConfirmedProject: %v", err)
		}

		row, err := s.GetSession(ctx, "s1")
		if err != nil {
			t.Fatalf("GetSession: %v", err)
		}
		if row.Status != StatusOpenRunning || row.WorkerPID != 4242 || row.WorkerState != WorkerBusy || row.ConfirmedProject != "/repo" {
			t.Fatalf("unexpected session row after updates: %+v", row)
		}

		if err := s.UpsertSession(ctx, SessionRow{SessionID: "s2", Status: StatusOpenIdle}); err != nil {
			t.Fatalf("UpsertSession s2: %v", err)
		}
		if err := s.UpdateSessionStatus(ctx, "s2", StatusClosed); err != nil {
			t.Fatalf("UpdateSessionStatus s2: %v", err)
		}

		active, err := s.GetActiveSessions(ctx)
		if err != nil {
			t.Fatalf("GetActiveSessions: %v", err)
		}
		if len(active) != 1 || active[0].SessionID != "s1" {
			t.Fatalf("expected only s1 active, got %+v", active)
		}
	})

	t.Run("UpdateMissingSessionFails", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		if err := s.UpdateSessionStatus(ctx, "ghost", StatusOpenRunning); err == nil {
			t.Fatal("expected error updating nonexistent session")
		}
	})

	t.Run("PendingFormRoundTrip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		if err := s.UpsertPendingForm(ctx, PendingForm{FormID: "f1", SessionID: "s1", ToolCallID: "tc1"}); err != nil {
			t.Fatalf("UpsertPendingForm: %v", err)
		}

		got, err := s.GetPendingForm(ctx, "s1")
		if err != nil {
			t.Fatalf("GetPendingForm: %v", err)
		}
		if got == nil || got.FormID != "f1" {
			t.Fatalf("expected pending form f1, got %+v", got)
		}

		if err := s.DeletePendingForm(ctx, "s1"); err != nil {
			t.Fatalf("DeletePendingForm: %v", err)
		}
		got, err = s.GetPendingForm(ctx, "s1")
		if err != nil {
			t.Fatalf("GetPendingForm after delete: %v", err)
		}
		if got != nil {
			t.Fatalf("expected no pending form after delete, got %+v", got)
		}
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreTests(t, func(t *testing.T) Store {
		return NewMemoryStore()
	})
}

func TestSQLiteStore(t *testing.T) {
	runStoreTests(t, func(t *testing.T) Store {
		dbPath := t.TempDir() + "/agentd.db"
		s, err := Open(dbPath)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	})
}
