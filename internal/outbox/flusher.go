// Package outbox runs the periodic flusher that drains the durable outbox
// over REST, the eventually-consistent half of the dual-write outbound
// pipeline (spec §4.5); the pub/sub publish half lives with the outbox's
// writers (the ingest router and the orchestrator's worker-event bridge).
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/kandev/agentd/internal/logger"
	"github.com/kandev/agentd/internal/protocol"
	"github.com/kandev/agentd/internal/restclient"
	"github.com/kandev/agentd/internal/store"
	"go.uber.org/zap"
)

// ErrAlreadyRunning is returned by Start when the flusher is already active.
var ErrAlreadyRunning = errors.New("outbox flusher is already running")

// ErrNotRunning is returned by Stop when the flusher is not active.
var ErrNotRunning = errors.New("outbox flusher is not running")

// Config controls the flusher's cadence and batch shape (spec §4.5).
type Config struct {
	FlushInterval time.Duration
	BatchSize     int
	// RetryCap, when > 0, marks an entry permanently sent-with-failure
	// after this many failed attempts rather than retrying forever
	// (spec §4.5 EXPANSION, §9 Open Question 3). 0 disables the cap.
	RetryCap int
}

// DefaultConfig matches spec §4.5's defaults.
func DefaultConfig() Config {
	return Config{
		FlushInterval: 10 * time.Second,
		BatchSize:     50,
		RetryCap:      20,
	}
}

// Flusher drains unsent outbox rows over REST on a fixed cadence.
type Flusher struct {
	store store.Store
	rest  *restclient.Client
	log   *logger.Logger
	cfg   Config

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New constructs a Flusher.
func New(cfg Config, st store.Store, rest *restclient.Client, log *logger.Logger) *Flusher {
	return &Flusher{
		store: st,
		rest:  rest,
		log:   log.WithFields(zap.String("component", "outbox")),
		cfg:   cfg,
	}
}

// Start begins the flush loop.
func (f *Flusher) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return ErrAlreadyRunning
	}
	f.running = true
	f.stopCh = make(chan struct{})
	f.mu.Unlock()

	f.log.Info("outbox flusher starting", zap.Duration("interval", f.cfg.FlushInterval))

	f.wg.Add(1)
	go f.loop(ctx)
	return nil
}

// Stop halts the flush loop and waits for the current flush to finish.
func (f *Flusher) Stop() error {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return ErrNotRunning
	}
	f.running = false
	close(f.stopCh)
	f.mu.Unlock()

	f.wg.Wait()
	f.log.Info("outbox flusher stopped")
	return nil
}

func (f *Flusher) loop(ctx context.Context) {
	defer f.wg.Done()

	ticker := time.NewTicker(f.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-f.stopCh:
			return
		case <-ticker.C:
			f.Flush(ctx)
		}
	}
}

// Flush drains up to one batch of unsent outbox entries in id order
// (spec §5 ordering guarantee: "outbox flushes process entries in id
// order"). Exported so callers and tests can force an immediate drain
// outside the ticker cadence.
func (f *Flusher) Flush(ctx context.Context) {
	entries, err := f.store.GetUnsent(ctx, f.cfg.BatchSize)
	if err != nil {
		f.log.Warn("failed to list unsent outbox entries", zap.Error(err))
		return
	}

	for _, entry := range entries {
		f.deliver(ctx, entry)
	}
}

func (f *Flusher) deliver(ctx context.Context, entry store.OutboxEntry) {
	err := f.dispatch(ctx, entry)
	if err == nil {
		if markErr := f.store.MarkSent(ctx, entry.ID); markErr != nil {
			f.log.Warn("failed to mark outbox entry sent", zap.Int64("id", entry.ID), zap.Error(markErr))
		}
		return
	}

	var statusErr *restclient.StatusError
	if errors.As(err, &statusErr) && statusErr.Permanent() {
		f.log.Debug("outbox entry permanently rejected, marking sent",
			zap.Int64("id", entry.ID), zap.Int("status", statusErr.StatusCode))
		if markErr := f.store.MarkSent(ctx, entry.ID); markErr != nil {
			f.log.Warn("failed to mark rejected outbox entry sent", zap.Int64("id", entry.ID), zap.Error(markErr))
		}
		return
	}

	if f.cfg.RetryCap > 0 && entry.Retries+1 >= f.cfg.RetryCap {
		f.log.Warn("outbox entry exceeded retry cap, giving up",
			zap.Int64("id", entry.ID), zap.Int("retries", entry.Retries+1), zap.Error(err))
		if markErr := f.store.MarkSent(ctx, entry.ID); markErr != nil {
			f.log.Warn("failed to mark exhausted outbox entry sent", zap.Int64("id", entry.ID), zap.Error(markErr))
		}
		return
	}

	if markErr := f.store.MarkFailed(ctx, entry.ID, err.Error()); markErr != nil {
		f.log.Warn("failed to record outbox delivery failure", zap.Int64("id", entry.ID), zap.Error(markErr))
	}
}

func (f *Flusher) dispatch(ctx context.Context, entry store.OutboxEntry) error {
	switch protocol.OutboxKind(entry.Kind) {
	case protocol.OutboxAckMessage:
		var payload protocol.AckMessagePayload
		if err := json.Unmarshal([]byte(entry.PayloadRaw), &payload); err != nil {
			return err
		}
		return f.rest.AckMessages(ctx, payload.MessageIDs)
	case protocol.OutboxSendMessage:
		var payload protocol.SendMessagePayload
		if err := json.Unmarshal([]byte(entry.PayloadRaw), &payload); err != nil {
			return err
		}
		return f.rest.SendMessage(ctx, protocol.SendMessageRequest{
			SessionID: payload.SessionID,
			Content:   payload.Content,
			FormData:  payload.FormData,
			FileData:  payload.FileData,
		})
	default:
		return f.rest.SendMessage(ctx, protocol.SendMessageRequest{Content: entry.PayloadRaw})
	}
}
