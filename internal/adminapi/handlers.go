package adminapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/agentd/internal/logger"
	"github.com/kandev/agentd/internal/store"
)

// Handler serves the admin/observability endpoints against the durable store.
type Handler struct {
	store store.Store
	log   *logger.Logger
}

// NewHandler constructs a Handler.
func NewHandler(st store.Store, log *logger.Logger) *Handler {
	return &Handler{
		store: st,
		log:   log.WithFields(zap.String("component", "adminapi")),
	}
}

// HealthCheck reports process liveness.
// GET /healthz
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
	})
}

// Status reports session, inbox, and outbox backlog counts.
// GET /status
func (h *Handler) Status(c *gin.Context) {
	sessions, err := h.store.GetActiveSessions(c.Request.Context())
	if err != nil {
		h.log.Error("status: failed to list active sessions", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query sessions"})
		return
	}

	unprocessed, err := h.store.GetUnprocessed(c.Request.Context(), 0)
	if err != nil {
		h.log.Error("status: failed to list unprocessed inbox rows", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query inbox"})
		return
	}

	unsent, err := h.store.GetUnsent(c.Request.Context(), 0)
	if err != nil {
		h.log.Error("status: failed to list unsent outbox rows", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query outbox"})
		return
	}

	c.JSON(http.StatusOK, StatusResponse{
		ActiveSessions: len(sessions),
		InboxBacklog:   len(unprocessed),
		OutboxBacklog:  len(unsent),
	})
}

// Sessions returns a snapshot of every non-closed session.
// GET /sessions
func (h *Handler) Sessions(c *gin.Context) {
	rows, err := h.store.GetActiveSessions(c.Request.Context())
	if err != nil {
		h.log.Error("sessions: failed to list active sessions", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query sessions"})
		return
	}

	snapshots := make([]SessionSnapshot, 0, len(rows))
	for _, row := range rows {
		snapshots = append(snapshots, SessionSnapshot{
			SessionID:   row.SessionID,
			DisplayName: row.DisplayName,
			SessionType: row.SessionType,
			Status:      row.Status,
			WorkerPID:   row.WorkerPID,
			WorkerState: row.WorkerState,
			UpdatedAt:   row.UpdatedAt,
		})
	}

	c.JSON(http.StatusOK, SessionsResponse{
		Sessions: snapshots,
		Total:    len(snapshots),
	})
}
