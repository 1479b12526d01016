package restclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kandev/agentd/internal/protocol"
)

func TestHeartbeatRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/agent/heartbeat" {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var req protocol.HeartbeatRequest
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.ActiveSessions) != 1 || req.ActiveSessions[0] != "s-1" {
			t.Fatalf("unexpected body: %+v", req)
		}
		json.NewEncoder(w).Encode(protocol.HeartbeatResponse{AgentID: "agent-1"})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	resp, err := c.Heartbeat(context.Background(), []string{"s-1"})
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if resp.AgentID != "agent-1" {
		t.Fatalf("expected agent-1, got %s", resp.AgentID)
	}
}

func TestPendingMessagesAndAck(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/messages/pending", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(protocol.PendingMessagesResponse{
			Messages: []protocol.IngestMessage{{MessageID: "m-1", SessionID: "s-1"}},
		})
	})
	mux.HandleFunc("/messages/ack", func(w http.ResponseWriter, r *http.Request) {
		var req protocol.AckMessagesRequest
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.MessageIDs) != 1 || req.MessageIDs[0] != "m-1" {
			t.Fatalf("unexpected ack body: %+v", req)
		}
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	msgs, err := c.PendingMessages(context.Background())
	if err != nil {
		t.Fatalf("PendingMessages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if err := c.AckMessages(context.Background(), []string{"m-1"}); err != nil {
		t.Fatalf("AckMessages: %v", err)
	}
}

func TestAckMessagesEmptyIsNoop(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	if err := c.AckMessages(context.Background(), nil); err != nil {
		t.Fatalf("AckMessages: %v", err)
	}
	if called {
		t.Fatal("expected no HTTP call for empty message id list")
	}
}

func TestStatusErrorPermanentClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("not found"))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	err := c.SendMessage(context.Background(), protocol.SendMessageRequest{SessionID: "s-1", Content: "hi"})
	if err == nil {
		t.Fatal("expected error")
	}
	statusErr, ok := err.(*StatusError)
	if !ok {
		t.Fatalf("expected *StatusError, got %T", err)
	}
	if !statusErr.Permanent() {
		t.Fatal("expected 404 to be classified permanent")
	}
}

func TestUpdateSessionPatchesPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch || r.URL.Path != "/sessions/s-1" {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	if err := c.UpdateSession(context.Background(), "s-1", protocol.UpdateSessionRequest{Status: "active"}); err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}
}

func TestAgentTokenAndHistory(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/pubnub/token/agent", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(protocol.AgentTokenResponse{Token: "tok", CmdChannel: "cmd", EvtChannel: "evt"})
	})
	mux.HandleFunc("/messages/history", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("sessionId") != "s-1" || r.URL.Query().Get("limit") != "5" {
			t.Fatalf("unexpected query: %s", r.URL.RawQuery)
		}
		json.NewEncoder(w).Encode(protocol.MessageHistoryResponse{
			Messages: []protocol.MessageHistoryEntry{{MessageID: "m-1", SessionID: "s-1"}},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	tok, err := c.AgentToken(context.Background())
	if err != nil {
		t.Fatalf("AgentToken: %v", err)
	}
	if tok.Token != "tok" {
		t.Fatalf("expected tok, got %s", tok.Token)
	}

	history, err := c.MessageHistory(context.Background(), "s-1", 5)
	if err != nil {
		t.Fatalf("MessageHistory: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected 1 history entry, got %d", len(history))
	}
}
