package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/kandev/agentd/internal/protocol"
)

func TestMemoryChannelDeliversInbound(t *testing.T) {
	ch := NewMemoryChannel()
	received := make(chan protocol.IngestMessage, 1)
	ch.Subscribe(func(ctx context.Context, msg protocol.IngestMessage) {
		received <- msg
	})

	ch.Deliver(context.Background(), protocol.IngestMessage{MessageID: "m-1", SessionID: "s-1"})

	select {
	case msg := <-received:
		if msg.MessageID != "m-1" {
			t.Fatalf("expected m-1, got %s", msg.MessageID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestMemoryChannelPublishFansOut(t *testing.T) {
	ch := NewMemoryChannel()
	listener := ch.Listen()

	if err := ch.Publish(context.Background(), protocol.OutboundEvent{Type: protocol.EventAgentStatus, AgentID: "a-1"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case event := <-listener:
		if event.Type != protocol.EventAgentStatus {
			t.Fatalf("expected agent_status, got %s", event.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for publish")
	}
}

func TestMemoryChannelConnectedTracksToken(t *testing.T) {
	ch := NewMemoryChannel()
	if ch.Connected() {
		t.Fatal("expected disconnected before SetToken")
	}
	ch.SetToken(Token{Value: "tok", ExpiresAt: time.Now().Add(time.Hour)})
	if !ch.Connected() {
		t.Fatal("expected connected after SetToken")
	}
	ch.Close()
	if ch.Connected() {
		t.Fatal("expected disconnected after Close")
	}
}

func TestTokenRefreshAtFloorsAtOneMinute(t *testing.T) {
	now := time.Unix(0, 0)
	tok := Token{ExpiresAt: now.Add(30 * time.Second)}
	refresh := tok.RefreshAt(now)
	if refresh.Before(now.Add(time.Minute)) {
		t.Fatalf("expected refresh at least 1 minute out, got %v", refresh.Sub(now))
	}
}

func TestTokenRefreshAtEightyPercent(t *testing.T) {
	now := time.Unix(0, 0)
	tok := Token{ExpiresAt: now.Add(100 * time.Minute)}
	refresh := tok.RefreshAt(now)
	want := now.Add(80 * time.Minute)
	if refresh != want {
		t.Fatalf("expected %v, got %v", want, refresh)
	}
}
