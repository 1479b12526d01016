// Package store implements the durable store: inbox, outbox, sessions, and
// pending_forms tables (spec §3, §4.1).
package store

import "time"

// InboxEntry is a deduplicated received message (spec §3).
type InboxEntry struct {
	MessageID   string
	SessionID   string
	SessionType string
	Content     string
	SessionName string
	UIAction    string
	ReceivedAt  time.Time
	Processed   bool
}

// OutboxEntry is an outbound event pending REST acknowledgement (spec §3).
type OutboxEntry struct {
	ID         int64
	Kind       string
	PayloadRaw string
	SessionID  string // empty means no session hint
	Retries    int
	LastError  string
	Sent       bool
	CreatedAt  time.Time
}

// SessionRow is the persisted session record (spec §3).
type SessionRow struct {
	SessionID       string
	DisplayName     string
	SessionType     string
	Status          string
	WorkerPID       int // 0 means absent
	WorkerState     string
	ConfirmedProject string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Sender enumerates who authored a session audit log entry.
type Sender string

const (
	SenderUser   Sender = "user"
	SenderAgent  Sender = "agent"
	SenderSystem Sender = "system"
)

// SessionMessage is one append-only row in the session audit log (spec §4.1).
type SessionMessage struct {
	ID        int64
	SessionID string
	Sender    Sender
	Content   string
	MessageID string // optional, empty if not tied to an inbound message
	CreatedAt time.Time
}

// PendingForm tracks an outstanding WORKER_FORM_REQUEST so a restart
// between emitting the form and receiving its response does not lose the
// mapping (spec §9 open question 2, resolved in DESIGN.md).
type PendingForm struct {
	FormID     string
	SessionID  string
	ToolCallID string
	IssuedAt   time.Time
}

// Session lifecycle status values (spec §3).
const (
	StatusOpenIdle          = "OPEN_IDLE"
	StatusOpenRunning       = "OPEN_RUNNING"
	StatusOpenWaitingUser   = "OPEN_WAITING_USER"
	StatusOpenInputRequired = "OPEN_INPUT_REQUIRED"
	StatusOpenPaused        = "OPEN_PAUSED"
	StatusClosed            = "CLOSED"
	StatusErrored           = "ERRORED"
)

// Worker state values (spec §3).
const (
	WorkerStarting = "starting"
	WorkerReady    = "ready"
	WorkerBusy     = "busy"
	WorkerDead     = "dead"
)
