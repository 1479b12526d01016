// Package orchestrator is agentd's composition root: it builds every
// collaborator (store, event bus, pub/sub channel, REST client, worker
// supervisor, ingest router, scheduler, outbox flusher, orphan recovery,
// optional admin surface), wires them together, and owns the startup and
// graceful-shutdown sequence, in the same numbered-step shape as the
// teacher's cmd/agent-manager/main.go.
package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentd/internal/adminapi"
	"github.com/kandev/agentd/internal/bus"
	"github.com/kandev/agentd/internal/config"
	"github.com/kandev/agentd/internal/ingest"
	"github.com/kandev/agentd/internal/logger"
	"github.com/kandev/agentd/internal/orphan"
	"github.com/kandev/agentd/internal/outbox"
	"github.com/kandev/agentd/internal/protocol"
	"github.com/kandev/agentd/internal/pubsub"
	"github.com/kandev/agentd/internal/restclient"
	"github.com/kandev/agentd/internal/scheduler"
	"github.com/kandev/agentd/internal/store"
	"github.com/kandev/agentd/internal/supervisor"
)

// agentID identifies this daemon instance in every outbound event it emits.
const agentID = "agentd"

// Orchestrator holds every long-lived collaborator built at startup.
type Orchestrator struct {
	cfg *config.Config
	log *logger.Logger

	store    store.Store
	eventBus bus.EventBus
	channel  pubsub.Channel
	rest     *restclient.Client

	manager *supervisor.Manager
	router  *ingest.Router

	scheduler *scheduler.Scheduler
	flusher   *outbox.Flusher
	recoverer *orphan.Recoverer

	admin    *adminapi.Server
	wsServer *http.Server
}

// redriver adapts the ingest router to the orphan.Redriver seam so the
// orphan package does not need to import ingest directly. Its router field
// is set once, right after the router is constructed, to break the
// recoverer<->router construction cycle (the router needs the recoverer as
// its OrphanChecker; the recoverer needs the router as its Redriver).
type redriver struct {
	router *ingest.Router
}

func (r *redriver) RedriveSession(ctx context.Context, sessionID string) error {
	return r.router.Redrive(ctx, sessionID)
}

// New builds every collaborator but starts nothing; call Run to start and
// block until ctx is cancelled.
func New(cfg *config.Config, log *logger.Logger) (*Orchestrator, error) {
	// 1. Durable store.
	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	// 2. Internal event bus.
	eventBus, err := newEventBus(cfg.Bus, log)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("init event bus: %w", err)
	}

	// 3. Pub/sub channel (remote provider stand-in).
	channel, wsServer := newChannel(cfg.PubSub, log)

	// 4. REST client for the control-plane API.
	rest := restclient.New(restclient.Config{
		BaseURL: cfg.REST.BaseURL,
		Timeout: cfg.REST.Timeout,
	})

	o := &Orchestrator{
		cfg:      cfg,
		log:      log,
		store:    st,
		eventBus: eventBus,
		channel:  channel,
		rest:     rest,
		wsServer: wsServer,
	}

	// 5. Worker supervisor, wired to fan every worker IPC message out to
	// the outbound pipeline and the internal bus.
	o.manager = supervisor.NewManager(supervisor.Config{
		BinaryPath: cfg.Worker.BinaryPath,
		N1:         cfg.Escalation.N1,
		N2:         cfg.Escalation.N2,
	}, st, log, o.handleWorkerEvent)

	// 6. Orphan recovery and the ingest router are mutually referential
	// (the router defers to the recoverer's OrphanChecker; the recoverer
	// redrives deferred messages through the router) so the recoverer is
	// built first around an empty redriver shim, the router is built with
	// the recoverer as its OrphanChecker, and the shim's router field is
	// filled in once the router exists.
	rd := &redriver{}
	o.recoverer = orphan.New(st, o.manager, rd, log)
	if cfg.Orphan.PollInterval > 0 {
		o.recoverer.PollInterval = cfg.Orphan.PollInterval
	}
	o.router = ingest.New(ingest.Config{
		Store:        st,
		Channel:      channel,
		Manager:      o.manager,
		Orphans:      o.recoverer,
		AgentID:      agentID,
		WorkspaceDir: cfg.Worker.WorkspaceDir,
	}, log)
	rd.router = o.router

	channel.Subscribe(func(ctx context.Context, msg protocol.IngestMessage) {
		if err := o.router.Route(ctx, msg); err != nil {
			o.log.Error("failed to route pub/sub message",
				zap.String("message_id", msg.MessageID), zap.Error(err))
		}
	})

	// 7. Scheduler (heartbeat + REST fallback poll).
	o.scheduler = scheduler.New(scheduler.Config{
		PollInterval:      cfg.Scheduler.PollInterval,
		ConnectedInterval: cfg.Scheduler.ConnectedInterval,
	}, st, channel, rest, o.router, log)

	// 8. Outbox flusher (durable half of the dual-write outbound pipeline).
	o.flusher = outbox.New(outbox.Config{
		FlushInterval: cfg.Outbox.FlushInterval,
		BatchSize:     cfg.Outbox.BatchSize,
		RetryCap:      cfg.Outbox.RetryCap,
	}, st, rest, log)

	// 9. Optional admin/observability HTTP surface.
	if cfg.Server.Enabled {
		o.admin = adminapi.NewServer(cfg.Server.Addr, st, log)
	}

	return o, nil
}

func newEventBus(cfg config.BusConfig, log *logger.Logger) (bus.EventBus, error) {
	if cfg.NATSURL == "" {
		return bus.NewMemoryEventBus(log), nil
	}
	return bus.NewNATSEventBus(bus.NATSConfig{URL: cfg.NATSURL}, log)
}

// newChannel builds the pub/sub channel for cfg.Provider. The websocket
// provider also needs an HTTP listener for browsers to attach to directly,
// since this daemon terminates the pub/sub connection itself rather than
// delegating to an external hosted provider.
func newChannel(cfg config.PubSubConfig, log *logger.Logger) (pubsub.Channel, *http.Server) {
	if cfg.Provider != "websocket" {
		return pubsub.NewMemoryChannel(), nil
	}

	ch := pubsub.NewWSChannel(context.Background(), log)
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", ch.ServeHTTP)
	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // long-lived websocket connections
	}
	return ch, srv
}

// Channel returns the pub/sub channel this orchestrator is wired to. Tests
// use this to feed inbound messages and observe outbound ones without a
// real remote provider.
func (o *Orchestrator) Channel() pubsub.Channel { return o.channel }

// Store returns the durable store this orchestrator is wired to, for test
// assertions against inbox/outbox/session state.
func (o *Orchestrator) Store() store.Store { return o.store }

// Run starts every background collaborator, runs startup orphan recovery,
// and blocks until ctx is cancelled, then shuts everything down gracefully.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.log.Info("agentd starting")

	if err := o.recoverer.RecoverAtStartup(ctx); err != nil {
		o.log.Error("startup orphan recovery failed", zap.Error(err))
	}

	if o.wsServer != nil {
		go func() {
			o.log.Info("pub/sub websocket listener starting", zap.String("addr", o.wsServer.Addr))
			if err := o.wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				o.log.Error("pub/sub websocket listener stopped unexpectedly", zap.Error(err))
			}
		}()
	}

	go o.runTokenRefresh(ctx)

	if err := o.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	if err := o.flusher.Start(ctx); err != nil {
		return fmt.Errorf("start outbox flusher: %w", err)
	}
	if o.admin != nil {
		o.admin.Start()
	}

	o.log.Info("agentd started")
	<-ctx.Done()

	return o.shutdown()
}

func (o *Orchestrator) shutdown() error {
	o.log.Info("agentd shutting down")

	o.publishSigningOff(context.Background())

	o.recoverer.Stop()

	if o.admin != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := o.admin.Shutdown(shutdownCtx); err != nil {
			o.log.Error("admin server shutdown error", zap.Error(err))
		}
		cancel()
	}

	if o.wsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := o.wsServer.Shutdown(shutdownCtx); err != nil {
			o.log.Error("pub/sub websocket listener shutdown error", zap.Error(err))
		}
		cancel()
	}

	if err := o.flusher.Stop(); err != nil {
		o.log.Warn("outbox flusher stop error", zap.Error(err))
	}
	if err := o.scheduler.Stop(); err != nil {
		o.log.Warn("scheduler stop error", zap.Error(err))
	}

	o.manager.ShutdownAll()
	o.channel.Close()
	o.eventBus.Close()

	if err := o.store.Close(); err != nil {
		o.log.Error("store close error", zap.Error(err))
		return err
	}

	o.log.Info("agentd stopped")
	return nil
}
