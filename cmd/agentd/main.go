// Command agentd is the long-running session orchestrator daemon: it owns
// the durable store, the per-session worker supervisor, the ingest and
// outbound pipelines, and the scheduler and orphan recovery that keep them
// honest across restarts.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/kandev/agentd/internal/config"
	"github.com/kandev/agentd/internal/logger"
	"github.com/kandev/agentd/internal/orchestrator"
)

func main() {
	// 1. Load configuration.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger.
	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	// 3. Context cancelled on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 4. Build the orchestrator (store, event bus, pub/sub channel, REST
	// client, supervisor, ingest router, scheduler, outbox flusher, orphan
	// recovery, optional admin surface).
	orch, err := orchestrator.New(cfg, log)
	if err != nil {
		log.Error("failed to initialize orchestrator", zap.Error(err))
		os.Exit(1)
	}

	// 5. Run until a shutdown signal arrives, then shut down gracefully.
	if err := orch.Run(ctx); err != nil {
		log.Error("agentd exited with error", zap.Error(err))
		os.Exit(1)
	}
}
