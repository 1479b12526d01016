package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentd/internal/bus"
	"github.com/kandev/agentd/internal/protocol"
	"github.com/kandev/agentd/internal/store"
)

// workerPayload is the subset of an IPCMessage's Data fields this bridge
// understands. A given worker message kind populates only the fields
// relevant to it, same as IPCMessage itself.
type workerPayload struct {
	Content  string `json:"content,omitempty"`
	Error    string `json:"error,omitempty"`
	Tool     string `json:"tool,omitempty"`
	FormID   string `json:"formId,omitempty"`
	FileName string `json:"fileName,omitempty"`
	FileData string `json:"fileData,omitempty"`
}

// handleWorkerEvent is the supervisor.EventSink passed to supervisor.Manager:
// every IPC message a worker emits is translated into an OutboundEvent and
// dual-written to pub/sub and the outbox (spec §4.5), and separately
// published on the internal bus for in-process subscribers such as the
// admin surface.
func (o *Orchestrator) handleWorkerEvent(sessionID string, msg protocol.IPCMessage) {
	ctx := context.Background()

	o.publishInternal(ctx, sessionID, msg)

	kind, ok := eventKindFor(msg.Type)
	if !ok {
		return
	}

	var payload workerPayload
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			o.log.Warn("failed to decode worker event payload",
				zap.String("session_id", sessionID), zap.String("kind", string(msg.Type)), zap.Error(err))
		}
	}

	event := protocol.OutboundEvent{
		Type:      kind,
		AgentID:   agentID,
		Timestamp: timestampOrNow(msg.Timestamp),
		SessionID: sessionID,
		Content:   contentFor(msg.Type, payload),
	}

	if o.channel != nil {
		if err := o.channel.Publish(ctx, event); err != nil {
			o.log.Debug("pubsub publish failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	}

	raw, err := json.Marshal(event)
	if err != nil {
		o.log.Warn("failed to marshal worker event for outbox", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	if _, err := o.store.EnqueueOutbox(ctx, string(kind), string(raw), sessionID); err != nil {
		o.log.Warn("failed to enqueue worker event outbox entry", zap.String("session_id", sessionID), zap.Error(err))
	}

	if msg.Type == protocol.KindWorkerFormRequest && payload.FormID != "" {
		if err := o.store.UpsertPendingForm(ctx, store.PendingForm{
			FormID:     payload.FormID,
			SessionID:  sessionID,
			ToolCallID: msg.ToolCallID,
			IssuedAt:   time.Now().UTC(),
		}); err != nil {
			o.log.Warn("failed to record pending form", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
}

// publishInternal fans every worker event out to the internal bus,
// independent of whether it also maps to an outbound pub/sub+outbox event
// (spec §2 item 12 EXPANSION: observability subscribers want the raw IPC
// traffic, not just the subset that reaches end users).
func (o *Orchestrator) publishInternal(ctx context.Context, sessionID string, msg protocol.IPCMessage) {
	if o.eventBus == nil {
		return
	}
	data := map[string]any{
		"sessionId": sessionID,
		"kind":      string(msg.Type),
	}
	if len(msg.Data) > 0 {
		data["payload"] = json.RawMessage(msg.Data)
	}
	event := bus.NewEvent(string(msg.Type), "supervisor", data)
	if err := o.eventBus.Publish(ctx, bus.SubjectWorkerEvents, event); err != nil {
		o.log.Debug("internal bus publish failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// eventKindFor maps a worker IPC kind to the outbound event kind it
// surfaces as, if any. Lifecycle-only kinds (WORKER_READY, WORKER_TASK_*)
// drive the actor's in-memory state and have no separate outbound
// representation; the supervisor writes only the worker's starting and dead
// states to the store.
func eventKindFor(kind protocol.IPCKind) (protocol.EventKind, bool) {
	switch kind {
	case protocol.KindWorkerStreamText:
		return protocol.EventAgentMessage, true
	case protocol.KindWorkerToolStart, protocol.KindWorkerToolEnd:
		return protocol.EventToolUse, true
	case protocol.KindWorkerFileSend:
		return protocol.EventFileSend, true
	case protocol.KindWorkerFormRequest:
		return protocol.EventFormRequest, true
	case protocol.KindWorkerQuestion:
		return protocol.EventAgentMessage, true
	case protocol.KindWorkerError:
		return protocol.EventError, true
	default:
		return "", false
	}
}

func contentFor(kind protocol.IPCKind, payload workerPayload) string {
	if kind == protocol.KindWorkerError {
		return payload.Error
	}
	return payload.Content
}

func timestampOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

// publishSigningOff dual-writes an agent-level status event announcing
// shutdown, the same way a worker event is dual-written in
// handleWorkerEvent, before any collaborator is stopped.
func (o *Orchestrator) publishSigningOff(ctx context.Context) {
	event := protocol.OutboundEvent{
		Type:      protocol.EventAgentStatus,
		AgentID:   agentID,
		Timestamp: time.Now().UTC(),
		Content:   "signing off",
	}

	if o.channel != nil {
		if err := o.channel.Publish(ctx, event); err != nil {
			o.log.Debug("pubsub publish failed", zap.Error(err))
		}
	}

	raw, err := json.Marshal(event)
	if err != nil {
		o.log.Warn("failed to marshal signing off event for outbox", zap.Error(err))
		return
	}
	if _, err := o.store.EnqueueOutbox(ctx, string(event.Type), string(raw), ""); err != nil {
		o.log.Warn("failed to enqueue signing off outbox entry", zap.Error(err))
	}
}
