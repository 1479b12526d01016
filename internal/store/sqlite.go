package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements Store over an embedded sqlite database file,
// opened exclusively for the lifetime of the orchestrator (spec §4.1).
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// Open opens (creating if absent) the sqlite database at path and
// initializes its schema.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite only supports one writer; serialize through a single connection
	// so every write in this spec's "synchronous and crash-safe" sense is
	// actually serialized by the driver rather than just by our call sites.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS inbox (
		message_id   TEXT PRIMARY KEY,
		session_id   TEXT NOT NULL,
		session_type TEXT NOT NULL DEFAULT '',
		content      TEXT NOT NULL DEFAULT '',
		session_name TEXT NOT NULL DEFAULT '',
		ui_action    TEXT NOT NULL DEFAULT '',
		received_at  DATETIME NOT NULL,
		processed    INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_inbox_unprocessed ON inbox(processed, received_at);

	CREATE TABLE IF NOT EXISTS outbox (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		kind        TEXT NOT NULL,
		payload     TEXT NOT NULL,
		session_id  TEXT NOT NULL DEFAULT '',
		retries     INTEGER NOT NULL DEFAULT 0,
		last_error  TEXT NOT NULL DEFAULT '',
		sent        INTEGER NOT NULL DEFAULT 0,
		created_at  DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_outbox_unsent ON outbox(sent, id);

	CREATE TABLE IF NOT EXISTS sessions (
		session_id        TEXT PRIMARY KEY,
		display_name      TEXT NOT NULL DEFAULT '',
		session_type      TEXT NOT NULL DEFAULT '',
		status            TEXT NOT NULL,
		worker_pid        INTEGER NOT NULL DEFAULT 0,
		worker_state      TEXT NOT NULL DEFAULT '',
		confirmed_project TEXT NOT NULL DEFAULT '',
		created_at        DATETIME NOT NULL,
		updated_at        DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);

	CREATE TABLE IF NOT EXISTS session_messages (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		sender     TEXT NOT NULL,
		content    TEXT NOT NULL DEFAULT '',
		message_id TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_session_messages_session ON session_messages(session_id, id);

	CREATE TABLE IF NOT EXISTS pending_forms (
		form_id      TEXT PRIMARY KEY,
		session_id   TEXT NOT NULL,
		tool_call_id TEXT NOT NULL DEFAULT '',
		issued_at    DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_pending_forms_session ON pending_forms(session_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// InsertInbox is an atomic INSERT-OR-IGNORE on message_id (spec §4.1, P1).
func (s *SQLiteStore) InsertInbox(ctx context.Context, e InboxEntry) (bool, error) {
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO inbox (message_id, session_id, session_type, content, session_name, ui_action, received_at, processed)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)
	`, e.MessageID, e.SessionID, e.SessionType, e.Content, e.SessionName, e.UIAction, e.ReceivedAt)
	if err != nil {
		return false, fmt.Errorf("insert inbox: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// MarkProcessed is idempotent.
func (s *SQLiteStore) MarkProcessed(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE inbox SET processed = 1 WHERE message_id = ?`, messageID)
	return err
}

// GetUnprocessed returns unprocessed inbox rows, oldest first.
func (s *SQLiteStore) GetUnprocessed(ctx context.Context, limit int) ([]InboxEntry, error) {
	if limit <= 0 {
		limit = -1 // SQLite: a negative LIMIT means no limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, session_id, session_type, content, session_name, ui_action, received_at, processed
		FROM inbox WHERE processed = 0 ORDER BY received_at ASC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []InboxEntry
	for rows.Next() {
		var e InboxEntry
		var processed int
		if err := rows.Scan(&e.MessageID, &e.SessionID, &e.SessionType, &e.Content, &e.SessionName, &e.UIAction, &e.ReceivedAt, &processed); err != nil {
			return nil, err
		}
		e.Processed = processed != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

// EnqueueOutbox inserts a new outbox row and returns its id.
func (s *SQLiteStore) EnqueueOutbox(ctx context.Context, kind, payloadJSON, sessionID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO outbox (kind, payload, session_id, retries, last_error, sent, created_at)
		VALUES (?, ?, ?, 0, '', 0, ?)
	`, kind, payloadJSON, sessionID, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("enqueue outbox: %w", err)
	}
	return res.LastInsertId()
}

// GetUnsent returns unsent outbox rows in id order (spec §5 ordering
// guarantee on outbox flushes).
func (s *SQLiteStore) GetUnsent(ctx context.Context, limit int) ([]OutboxEntry, error) {
	if limit <= 0 {
		limit = -1 // SQLite: a negative LIMIT means no limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, payload, session_id, retries, last_error, sent, created_at
		FROM outbox WHERE sent = 0 ORDER BY id ASC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		var sent int
		if err := rows.Scan(&e.ID, &e.Kind, &e.PayloadRaw, &e.SessionID, &e.Retries, &e.LastError, &sent, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Sent = sent != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkSent permanently removes an entry from the flush candidate set.
func (s *SQLiteStore) MarkSent(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE outbox SET sent = 1 WHERE id = ?`, id)
	return err
}

// MarkFailed increments the retry counter and records the last error,
// leaving the entry eligible for future drains.
func (s *SQLiteStore) MarkFailed(ctx context.Context, id int64, errText string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE outbox SET retries = retries + 1, last_error = ? WHERE id = ?`, errText, id)
	return err
}

// UpsertSession creates or updates a session row.
func (s *SQLiteStore) UpsertSession(ctx context.Context, row SessionRow) error {
	now := time.Now().UTC()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	row.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, display_name, session_type, status, worker_pid, worker_state, confirmed_project, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			display_name = excluded.display_name,
			session_type = excluded.session_type,
			status = excluded.status,
			worker_pid = excluded.worker_pid,
			worker_state = excluded.worker_state,
			confirmed_project = excluded.confirmed_project,
			updated_at = excluded.updated_at
	`, row.SessionID, row.DisplayName, row.SessionType, row.Status, row.WorkerPID, row.WorkerState, row.ConfirmedProject, row.CreatedAt, row.UpdatedAt)
	return err
}

// UpdateSessionStatus updates only the status column.
func (s *SQLiteStore) UpdateSessionStatus(ctx context.Context, sessionID, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET status = ?, updated_at = ? WHERE session_id = ?`, status, time.Now().UTC(), sessionID)
	if err != nil {
		return err
	}
	return expectRow(res, "session", sessionID)
}

// UpdateWorkerState updates the worker pid and lifecycle state columns.
func (s *SQLiteStore) UpdateWorkerState(ctx context.Context, sessionID string, pid int, state string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET worker_pid = ?, worker_state = ?, updated_at = ? WHERE session_id = ?`, pid, state, time.Now().UTC(), sessionID)
	if err != nil {
		return err
	}
	return expectRow(res, "session", sessionID)
}

// UpdateConfirmedProject updates the confirmed project path column.
func (s *SQLiteStore) UpdateConfirmedProject(ctx context.Context, sessionID, projectPath string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET confirmed_project = ?, updated_at = ? WHERE session_id = ?`, projectPath, time.Now().UTC(), sessionID)
	if err != nil {
		return err
	}
	return expectRow(res, "session", sessionID)
}

// GetSession retrieves a single session row.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*SessionRow, error) {
	row := &SessionRow{}
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, display_name, session_type, status, worker_pid, worker_state, confirmed_project, created_at, updated_at
		FROM sessions WHERE session_id = ?
	`, sessionID).Scan(&row.SessionID, &row.DisplayName, &row.SessionType, &row.Status, &row.WorkerPID, &row.WorkerState, &row.ConfirmedProject, &row.CreatedAt, &row.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session not found: %s", sessionID)
	}
	if err != nil {
		return nil, err
	}
	return row, nil
}

// GetActiveSessions returns all sessions whose status is not CLOSED.
func (s *SQLiteStore) GetActiveSessions(ctx context.Context) ([]SessionRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, display_name, session_type, status, worker_pid, worker_state, confirmed_project, created_at, updated_at
		FROM sessions WHERE status != ? ORDER BY created_at ASC
	`, StatusClosed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		var row SessionRow
		if err := rows.Scan(&row.SessionID, &row.DisplayName, &row.SessionType, &row.Status, &row.WorkerPID, &row.WorkerState, &row.ConfirmedProject, &row.CreatedAt, &row.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// InsertSessionMessage appends an entry to the session audit log.
func (s *SQLiteStore) InsertSessionMessage(ctx context.Context, sessionID string, sender Sender, content, messageID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_messages (session_id, sender, content, message_id, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, sessionID, sender, content, messageID, time.Now().UTC())
	return err
}

// UpsertPendingForm records an outstanding form request.
func (s *SQLiteStore) UpsertPendingForm(ctx context.Context, f PendingForm) error {
	if f.IssuedAt.IsZero() {
		f.IssuedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_forms (form_id, session_id, tool_call_id, issued_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(form_id) DO UPDATE SET session_id = excluded.session_id, tool_call_id = excluded.tool_call_id, issued_at = excluded.issued_at
	`, f.FormID, f.SessionID, f.ToolCallID, f.IssuedAt)
	return err
}

// GetPendingForm returns the most recently issued pending form for a session, if any.
func (s *SQLiteStore) GetPendingForm(ctx context.Context, sessionID string) (*PendingForm, error) {
	f := &PendingForm{}
	err := s.db.QueryRowContext(ctx, `
		SELECT form_id, session_id, tool_call_id, issued_at FROM pending_forms
		WHERE session_id = ? ORDER BY issued_at DESC LIMIT 1
	`, sessionID).Scan(&f.FormID, &f.SessionID, &f.ToolCallID, &f.IssuedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

// DeletePendingForm clears a session's pending form once answered.
func (s *SQLiteStore) DeletePendingForm(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_forms WHERE session_id = ?`, sessionID)
	return err
}

func expectRow(res sql.Result, kind, id string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%s not found: %s", kind, id)
	}
	return nil
}
