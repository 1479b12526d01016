package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/kandev/agentd/internal/logger"
	"go.uber.org/zap"
)

// MemoryEventBus is an in-process EventBus, used in tests and in any
// deployment that does not run a NATS server.
type MemoryEventBus struct {
	mu            sync.RWMutex
	subscriptions map[string][]*memorySubscription
	log           *logger.Logger
	closed        bool
}

type memorySubscription struct {
	busRef  *MemoryEventBus
	subject string
	handler Handler

	mu     sync.Mutex
	active bool
}

// NewMemoryEventBus returns an empty in-memory bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		subscriptions: make(map[string][]*memorySubscription),
		log:           log,
	}
}

// Publish delivers event to every active subscriber of subject, each in
// its own goroutine, matching the corpus's fire-and-forget delivery model.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("event bus is closed")
	}

	for _, sub := range b.subscriptions[subject] {
		sub.mu.Lock()
		active := sub.active
		sub.mu.Unlock()
		if !active {
			continue
		}
		go func(s *memorySubscription) {
			if err := s.handler(ctx, event); err != nil {
				b.log.Error("event handler failed",
					zap.String("subject", subject),
					zap.String("event_id", event.ID),
					zap.Error(err))
			}
		}(sub)
	}
	return nil
}

// Subscribe registers handler for every future Publish on subject.
func (b *MemoryEventBus) Subscribe(subject string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &memorySubscription{busRef: b, subject: subject, handler: handler, active: true}
	b.subscriptions[subject] = append(b.subscriptions[subject], sub)
	return sub, nil
}

// Close marks the bus closed; further Publish calls return an error.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}

// IsConnected always reports true for the in-memory bus.
func (b *MemoryEventBus) IsConnected() bool { return true }

func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.busRef.mu.Lock()
	defer s.busRef.mu.Unlock()
	subs := s.busRef.subscriptions[s.subject]
	for i, other := range subs {
		if other == s {
			s.busRef.subscriptions[s.subject] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	return nil
}

func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}
