// Package bus provides an internal event bus used to fan worker and
// orchestrator lifecycle events out to in-process subscribers (admin
// surface, metrics, future subsystems) independently of the pub/sub
// channel and outbox, which serve the external-facing event paths
// (spec §2 item 12, EXPANSION).
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is one message published on the internal bus.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent builds an Event with a fresh id and the current timestamp.
func NewEvent(eventType, source string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Handler processes one delivered Event.
type Handler func(ctx context.Context, event *Event) error

// Subscription is a handle returned by Subscribe, revocable independently.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus decouples publishers from subscribers on a named subject.
// Subjects are exact strings (no wildcard matching, unlike NATS subjects
// proper) since this daemon's internal subjects are a small fixed set.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler Handler) (Subscription, error)
	Close()
	IsConnected() bool
}

// Subject names used across the orchestrator (spec §2 item 12).
const (
	SubjectWorkerEvents   = "agentd.worker.events"
	SubjectSessionChanges = "agentd.session.changes"
	SubjectOutboxFlushed  = "agentd.outbox.flushed"
)
