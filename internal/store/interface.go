package store

import "context"

// Store is the durable store interface implemented by SQLiteStore and, in
// tests, by an in-memory double (spec §4.1).
type Store interface {
	// Inbox operations.
	InsertInbox(ctx context.Context, entry InboxEntry) (isNew bool, err error)
	MarkProcessed(ctx context.Context, messageID string) error
	GetUnprocessed(ctx context.Context, limit int) ([]InboxEntry, error)

	// Outbox operations.
	EnqueueOutbox(ctx context.Context, kind, payloadJSON, sessionID string) (int64, error)
	GetUnsent(ctx context.Context, limit int) ([]OutboxEntry, error)
	MarkSent(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, errText string) error

	// Session operations.
	UpsertSession(ctx context.Context, row SessionRow) error
	UpdateSessionStatus(ctx context.Context, sessionID, status string) error
	UpdateWorkerState(ctx context.Context, sessionID string, pid int, state string) error
	UpdateConfirmedProject(ctx context.Context, sessionID, projectPath string) error
	GetSession(ctx context.Context, sessionID string) (*SessionRow, error)
	GetActiveSessions(ctx context.Context) ([]SessionRow, error)

	// Session audit log.
	InsertSessionMessage(ctx context.Context, sessionID string, sender Sender, content, messageID string) error

	// Pending form tracking (spec §9 open question 2).
	UpsertPendingForm(ctx context.Context, form PendingForm) error
	GetPendingForm(ctx context.Context, sessionID string) (*PendingForm, error)
	DeletePendingForm(ctx context.Context, sessionID string) error

	// Close releases the underlying connection.
	Close() error
}
