// Package ingest implements the single entry point for messages arriving
// over the pub/sub cmd channel or REST polling: deduplication, audit
// logging, work-item classification, and dispatch to the per-session
// worker supervisor (spec §4.4).
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/kandev/agentd/internal/apperr"
	"github.com/kandev/agentd/internal/logger"
	"github.com/kandev/agentd/internal/protocol"
	"github.com/kandev/agentd/internal/pubsub"
	"github.com/kandev/agentd/internal/queue"
	"github.com/kandev/agentd/internal/store"
	"github.com/kandev/agentd/internal/supervisor"
	"go.uber.org/zap"
)

// OrphanChecker reports whether a session belongs to a prior run's worker
// still being drained by the orphan recovery poller (spec §4.7). Messages
// for an orphaned session are deferred rather than dispatched.
type OrphanChecker interface {
	IsOrphaned(sessionID string) bool
}

// ControlHandler runs the ui_action control commands that bypass the actor
// dispatch path (spec §4.4.1 EXPANSION). Only DELETE_SESSION is fully
// implemented by this repository; the Milo-agent-update and skill-install
// family are named in §6 but their actual effect is out of scope (§1
// Non-goals) — the default handler returns nil for them without acting or
// replying.
type ControlHandler interface {
	HandleControlCommand(ctx context.Context, kind ControlKind, msg protocol.IngestMessage) error
}

// Router is the ingest entry point shared by the pub/sub subscriber and the
// REST poller.
type Router struct {
	store        store.Store
	channel      pubsub.Channel
	manager      *supervisor.Manager
	orphans      OrphanChecker
	control      ControlHandler
	log          *logger.Logger
	agentID      string
	workspaceDir string
}

// Config bundles a Router's collaborators.
type Config struct {
	Store        store.Store
	Channel      pubsub.Channel
	Manager      *supervisor.Manager
	Orphans      OrphanChecker
	Control      ControlHandler
	AgentID      string
	WorkspaceDir string
}

// New constructs a Router. orphans and control may be nil; a nil orphans
// checker treats every session as live, and a nil control handler falls
// back to DefaultControlHandler.
func New(cfg Config, log *logger.Logger) *Router {
	control := cfg.Control
	if control == nil {
		control = DefaultControlHandler{Manager: cfg.Manager, Store: cfg.Store}
	}
	return &Router{
		store:        cfg.Store,
		channel:      cfg.Channel,
		manager:      cfg.Manager,
		orphans:      cfg.Orphans,
		control:      control,
		log:          log.WithFields(zap.String("component", "ingest")),
		agentID:      cfg.AgentID,
		workspaceDir: cfg.WorkspaceDir,
	}
}

// Route runs one inbound message through the full ingest pipeline (spec
// §4.4, steps 1-9). It is safe to call concurrently for different messages;
// per-session ordering is enforced downstream by the supervisor.
func (r *Router) Route(ctx context.Context, msg protocol.IngestMessage) error {
	isNew, err := r.store.InsertInbox(ctx, store.InboxEntry{
		MessageID:   msg.MessageID,
		SessionID:   msg.SessionID,
		SessionType: msg.SessionType,
		Content:     msg.Content,
		SessionName: msg.SessionName,
		UIAction:    msg.UIAction,
		ReceivedAt:  msg.Timestamp,
	})
	if err != nil {
		return apperr.Internal("insert inbox", err)
	}
	if !isNew {
		r.log.Debug("duplicate message, dropping", zap.String("message_id", msg.MessageID))
		return nil
	}

	r.publishBestEffort(ctx, protocol.OutboundEvent{
		Type:      protocol.EventAgentStatus,
		AgentID:   r.agentID,
		Timestamp: time.Now().UTC(),
		SessionID: msg.SessionID,
		Content:   "Message received. Processing...",
	})

	if err := r.enqueueAck(ctx, msg.MessageID); err != nil {
		r.log.Warn("failed to enqueue ack outbox entry", zap.Error(err))
	}

	// Upsert and audit-log run for every message, control commands
	// included: inbox dedup/ack and session upsert happen before work-item
	// classification, which only steers steps 6-9.
	if err := r.upsertSessionRecord(ctx, msg); err != nil {
		r.log.Warn("failed to upsert session", zap.Error(err))
	}

	if msg.Content != "" {
		if err := r.store.InsertSessionMessage(ctx, msg.SessionID, store.SenderUser, msg.Content, msg.MessageID); err != nil {
			r.log.Warn("failed to append audit log entry", zap.Error(err))
		}
	}

	if r.orphans != nil && r.orphans.IsOrphaned(msg.SessionID) {
		r.log.Debug("deferring message for orphaned session", zap.String("session_id", msg.SessionID))
		return nil
	}

	if kind, ok := classifyControlCommand(msg); ok {
		if err := r.control.HandleControlCommand(ctx, kind, msg); err != nil {
			r.log.Error("control command failed", zap.String("kind", string(kind)), zap.Error(err))
		}
		return r.markProcessed(ctx, msg.MessageID)
	}

	switch msg.Type {
	case protocol.IngestFormResponse:
		r.dispatchFormResponse(ctx, msg)
	case protocol.IngestUserMessage:
		if err := r.dispatchWorkItem(ctx, msg); err != nil {
			return err
		}
	default:
		r.log.Warn("unhandled ingest message type", zap.String("type", string(msg.Type)))
	}

	return r.markProcessed(ctx, msg.MessageID)
}

// Redrive re-dispatches every stored-but-unprocessed inbox entry for
// sessionID, used once the orphan recovery poller confirms a prior run's
// worker has exited (spec §4.7 step "redrive deferred messages"). Entries
// were already deduplicated and ack-enqueued on first receipt, so this
// skips straight to work-item dispatch. Inbox rows do not retain a
// control-command's action or a form response's form id, so a redriven
// entry is always treated as a user_message; control commands and form
// responses received for an orphaned session are replayed as a plain
// message rather than their original kind, which is adequate for chat
// content but does not restore a pending form answer or a delete/update
// control verbatim.
func (r *Router) Redrive(ctx context.Context, sessionID string) error {
	entries, err := r.store.GetUnprocessed(ctx, 0)
	if err != nil {
		return apperr.Internal("list unprocessed inbox entries", err)
	}

	for _, entry := range entries {
		if entry.SessionID != sessionID {
			continue
		}
		msg := protocol.IngestMessage{
			Type:        protocol.IngestUserMessage,
			MessageID:   entry.MessageID,
			SessionID:   entry.SessionID,
			SessionType: entry.SessionType,
			Content:     entry.Content,
			SessionName: entry.SessionName,
			UIAction:    entry.UIAction,
			Timestamp:   entry.ReceivedAt,
		}
		if err := r.dispatchWorkItem(ctx, msg); err != nil {
			r.log.Error("failed to redrive inbox entry",
				zap.String("message_id", entry.MessageID), zap.Error(err))
			continue
		}
		if err := r.markProcessed(ctx, entry.MessageID); err != nil {
			r.log.Warn("failed to mark redriven entry processed",
				zap.String("message_id", entry.MessageID), zap.Error(err))
		}
	}
	return nil
}

func (r *Router) dispatchFormResponse(ctx context.Context, msg protocol.IngestMessage) {
	item := &queue.Item{
		ID:       msg.MessageID,
		Priority: queue.Normal,
		QueuedAt: time.Now(),
		Payload: supervisor.Task{
			Kind:       protocol.IngestFormResponse,
			FormID:     msg.FormID,
			FormStatus: msg.FormStatus,
			FormValues: rawValues(msg.FormValues),
		},
	}
	spec := r.sessionSpec(ctx, msg)
	if err := r.manager.Dispatch(spec, item); err != nil {
		r.log.Error("failed to dispatch form response", zap.Error(err))
	}
}

func (r *Router) dispatchWorkItem(ctx context.Context, msg protocol.IngestMessage) error {
	kind := classifyWorkItem(msg)

	switch kind {
	case WorkItemCancel:
		if err := r.manager.Cancel(msg.SessionID); err != nil {
			r.log.Error("cancel failed", zap.Error(err))
		}
		return nil
	case WorkItemClose:
		if err := r.manager.Close(msg.SessionID); err != nil {
			r.log.Error("close failed", zap.Error(err))
		}
		return nil
	case WorkItemStatus:
		return r.replyInline(ctx, msg, r.statusReply(ctx, msg.SessionID))
	case WorkItemListModels:
		return r.replyInline(ctx, msg, protocol.OutboundEvent{
			Type:      protocol.EventModelsList,
			AgentID:   r.agentID,
			Timestamp: time.Now().UTC(),
			SessionID: msg.SessionID,
		})
	default:
		item := &queue.Item{
			ID:       msg.MessageID,
			Priority: queue.Normal,
			QueuedAt: time.Now(),
			Payload: supervisor.Task{
				Kind:      protocol.IngestUserMessage,
				MessageID: msg.MessageID,
				Content:   msg.Content,
			},
		}
		spec := r.sessionSpec(ctx, msg)
		return r.manager.Dispatch(spec, item)
	}
}

// statusReply builds the inline STATUS_REQUEST response (spec §4.4 step 7).
func (r *Router) statusReply(ctx context.Context, sessionID string) protocol.OutboundEvent {
	status := store.StatusClosed
	if row, err := r.store.GetSession(ctx, sessionID); err == nil && row != nil {
		status = row.Status
	}
	return protocol.OutboundEvent{
		Type:          protocol.EventSessionStatusChanged,
		AgentID:       r.agentID,
		Timestamp:     time.Now().UTC(),
		SessionID:     sessionID,
		SessionStatus: status,
	}
}

// replyInline handles a kind that needs no worker: write the reply to the
// outbox and publish it to pub/sub (spec §4.4 step 7).
func (r *Router) replyInline(ctx context.Context, msg protocol.IngestMessage, event protocol.OutboundEvent) error {
	r.publishBestEffort(ctx, event)
	payload, err := json.Marshal(event)
	if err != nil {
		return apperr.Internal("marshal inline reply", err)
	}
	if _, err := r.store.EnqueueOutbox(ctx, string(event.Type), string(payload), msg.SessionID); err != nil {
		return apperr.Internal("enqueue inline reply", err)
	}
	return nil
}

// upsertSessionRecord upserts the session row for msg (spec §4.4 step 4).
// A message only ever carries display name/session type, so any existing
// worker pid/state/confirmed project and status are carried forward rather
// than reset to zero values on every message.
func (r *Router) upsertSessionRecord(ctx context.Context, msg protocol.IngestMessage) error {
	row := store.SessionRow{
		SessionID:   msg.SessionID,
		DisplayName: msg.SessionName,
		SessionType: msg.SessionType,
		Status:      store.StatusOpenIdle,
		CreatedAt:   msg.Timestamp,
		UpdatedAt:   msg.Timestamp,
	}

	if existing, err := r.store.GetSession(ctx, msg.SessionID); err == nil && existing != nil {
		row.Status = existing.Status
		row.WorkerPID = existing.WorkerPID
		row.WorkerState = existing.WorkerState
		row.ConfirmedProject = existing.ConfirmedProject
		row.CreatedAt = existing.CreatedAt
		if row.DisplayName == "" {
			row.DisplayName = existing.DisplayName
		}
		if row.SessionType == "" {
			row.SessionType = existing.SessionType
		}
	}

	return r.store.UpsertSession(ctx, row)
}

// sessionSpec resolves the worker spec for msg, reusing any previously
// confirmed project path (spec §4.4 step 8).
func (r *Router) sessionSpec(ctx context.Context, msg protocol.IngestMessage) protocol.SessionSpec {
	spec := protocol.SessionSpec{
		SessionID:        msg.SessionID,
		SessionType:      msg.SessionType,
		PersonaID:        msg.PersonaID,
		PersonaVersionID: msg.PersonaVersionID,
		Model:            msg.Model,
	}
	if row, err := r.store.GetSession(ctx, msg.SessionID); err == nil && row != nil {
		spec.ProjectPath = row.ConfirmedProject
	}
	if r.workspaceDir != "" {
		spec.WorkspacePath = filepath.Join(r.workspaceDir, msg.SessionID)
	}
	return spec
}

func (r *Router) enqueueAck(ctx context.Context, messageID string) error {
	payload, err := json.Marshal(protocol.AckMessagePayload{MessageIDs: []string{messageID}})
	if err != nil {
		return fmt.Errorf("marshal ack payload: %w", err)
	}
	_, err = r.store.EnqueueOutbox(ctx, string(protocol.OutboxAckMessage), string(payload), "")
	return err
}

func (r *Router) markProcessed(ctx context.Context, messageID string) error {
	if err := r.store.MarkProcessed(ctx, messageID); err != nil {
		return apperr.Internal("mark processed", err)
	}
	return nil
}

// publishBestEffort publishes event to the pub/sub channel, logging and
// discarding any failure (spec §4.5: pub/sub is an accelerator, not the
// source of truth).
func (r *Router) publishBestEffort(ctx context.Context, event protocol.OutboundEvent) {
	if r.channel == nil {
		return
	}
	if err := r.channel.Publish(ctx, event); err != nil {
		r.log.Debug("pubsub publish failed", zap.Error(err))
	}
}

func rawValues(v any) json.RawMessage {
	switch val := v.(type) {
	case nil:
		return nil
	case json.RawMessage:
		return val
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return nil
		}
		return data
	}
}

// DefaultControlHandler implements ControlHandler for DELETE_SESSION only;
// every other known control kind is a no-op that sends no reply, since the
// Milo-agent self-update mechanism and skill installation are external
// collaborators this repository does not implement (spec §1 Non-goals).
type DefaultControlHandler struct {
	Manager *supervisor.Manager
	Store   store.Store
}

// HandleControlCommand deletes the session's actor and marks it closed for
// DELETE_SESSION; every other kind is a documented no-op.
func (h DefaultControlHandler) HandleControlCommand(ctx context.Context, kind ControlKind, msg protocol.IngestMessage) error {
	switch kind {
	case ControlDeleteSession:
		if h.Manager != nil {
			h.Manager.Remove(msg.SessionID)
		}
		if h.Store != nil {
			if err := h.Store.UpdateSessionStatus(ctx, msg.SessionID, store.StatusClosed); err != nil {
				return err
			}
			return h.Store.InsertSessionMessage(ctx, msg.SessionID, store.SenderSystem, "session deleted", msg.MessageID)
		}
		return nil
	case ControlUpdateMiloAgent, ControlCheckMiloUpdates, ControlUpdateMiloAgentLow,
		ControlSkillInstall, ControlSkillUpdate, ControlSkillDelete:
		return nil
	default:
		return fmt.Errorf("unhandled control command: %s", strings.TrimSpace(string(kind)))
	}
}
