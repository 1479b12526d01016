// Package scheduler runs the daemon's single periodic ticker: a liveness
// heartbeat and, when the pub/sub channel is unavailable, a REST poll for
// pending messages (spec §4.6).
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kandev/agentd/internal/ingest"
	"github.com/kandev/agentd/internal/logger"
	"github.com/kandev/agentd/internal/pubsub"
	"github.com/kandev/agentd/internal/restclient"
	"github.com/kandev/agentd/internal/store"
	"go.uber.org/zap"
)

// ErrAlreadyRunning is returned by Start when the scheduler is already active.
var ErrAlreadyRunning = errors.New("scheduler is already running")

// ErrNotRunning is returned by Stop when the scheduler is not active.
var ErrNotRunning = errors.New("scheduler is not running")

// Config configures the scheduler's tick intervals (spec §4.6).
type Config struct {
	// PollInterval is used while the pub/sub channel is disconnected.
	PollInterval time.Duration
	// ConnectedInterval is used while the pub/sub channel is connected.
	ConnectedInterval time.Duration
}

// DefaultConfig matches spec §4.6's defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:      3 * time.Minute,
		ConnectedInterval: 5 * time.Minute,
	}
}

// Scheduler runs the heartbeat/poll ticker loop.
type Scheduler struct {
	store   store.Store
	channel pubsub.Channel
	rest    *restclient.Client
	router  *ingest.Router
	log     *logger.Logger
	cfg     Config

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New constructs a Scheduler.
func New(cfg Config, st store.Store, channel pubsub.Channel, rest *restclient.Client, router *ingest.Router, log *logger.Logger) *Scheduler {
	return &Scheduler{
		store:   st,
		channel: channel,
		rest:    rest,
		router:  router,
		log:     log.WithFields(zap.String("component", "scheduler")),
		cfg:     cfg,
	}
}

// Start begins the ticker loop. The loop reschedules its own ticker at the
// end of each tick, so a channel connectivity change takes effect on the
// following tick rather than requiring a restart.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.log.Info("scheduler starting",
		zap.Duration("poll_interval", s.cfg.PollInterval),
		zap.Duration("connected_interval", s.cfg.ConnectedInterval))

	s.wg.Add(1)
	go s.loop(ctx)
	return nil
}

// Stop halts the ticker loop and waits for the current tick to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	for {
		interval := s.cfg.PollInterval
		if s.channel != nil && s.channel.Connected() {
			interval = s.cfg.ConnectedInterval
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.stopCh:
			timer.Stop()
			return
		case <-timer.C:
			s.tick(ctx)
		}
	}
}

// tick runs one heartbeat/poll cycle (spec §4.6 steps 1-3).
func (s *Scheduler) tick(ctx context.Context) {
	sessions, err := s.activeSessionIDs(ctx)
	if err != nil {
		s.log.Warn("failed to list active sessions", zap.Error(err))
	}

	if _, err := s.rest.Heartbeat(ctx, sessions); err != nil {
		s.log.Warn("heartbeat failed", zap.Error(err))
	}

	connected := s.channel != nil && s.channel.Connected()
	if connected {
		return
	}

	s.pollPending(ctx)
}

// activeSessionIDs gathers the session ids for the heartbeat payload's
// activeSessions field. This is the session id (store.SessionRow.SessionID),
// not the display name: POST /agent/heartbeat's activeSessions[] matches
// the same session ids used everywhere else (inbox, dispatch, outbox).
func (s *Scheduler) activeSessionIDs(ctx context.Context) ([]string, error) {
	rows, err := s.store.GetActiveSessions(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.SessionID)
	}
	return ids, nil
}

func (s *Scheduler) pollPending(ctx context.Context) {
	messages, err := s.rest.PendingMessages(ctx)
	if err != nil {
		s.log.Warn("poll for pending messages failed", zap.Error(err))
		return
	}
	if len(messages) == 0 {
		return
	}

	acked := make([]string, 0, len(messages))
	for _, msg := range messages {
		if err := s.router.Route(ctx, msg); err != nil {
			s.log.Error("failed to route polled message",
				zap.String("message_id", msg.MessageID), zap.Error(err))
			continue
		}
		acked = append(acked, msg.MessageID)
	}

	if len(acked) == 0 {
		return
	}
	if err := s.rest.AckMessages(ctx, acked); err != nil {
		s.log.Warn("failed to ack polled messages", zap.Error(err))
	}
}
