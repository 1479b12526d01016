// Package ipc implements the line-delimited JSON codec between the
// orchestrator and a worker child process (spec §4.3).
package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/kandev/agentd/internal/logger"
	"github.com/kandev/agentd/internal/protocol"
	"go.uber.org/zap"
)

const (
	initialScanBuf = 64 * 1024
	maxScanBuf     = 1024 * 1024
)

// Handler is invoked once per worker->supervisor message, in the order
// the worker emitted them (spec §5 single-reader-per-child guarantee).
type Handler func(msg protocol.IPCMessage)

// Codec frames one IPCMessage per line over a child's stdin/stdout pipes.
// Writes are serialized; reads run on a single goroutine started by Start.
type Codec struct {
	stdin  io.Writer
	stdout io.Reader

	writeMu sync.Mutex
	log     *logger.Logger
	handler Handler

	doneCh chan struct{}
	once   sync.Once
}

// New builds a Codec over the given child process streams.
func New(stdin io.Writer, stdout io.Reader, log *logger.Logger) *Codec {
	return &Codec{
		stdin:  stdin,
		stdout: stdout,
		log:    log.WithFields(zap.String("component", "ipc-codec")),
		doneCh: make(chan struct{}),
	}
}

// SetHandler installs the callback invoked for each parsed worker message.
// Must be called before Start.
func (c *Codec) SetHandler(h Handler) {
	c.handler = h
}

// Start begins the read loop in a new goroutine. It returns immediately.
func (c *Codec) Start(ctx context.Context) {
	go c.readLoop(ctx)
}

// Stop signals the read loop to exit once its current read returns; callers
// should also close the underlying stdout pipe to unblock a blocked read.
func (c *Codec) Stop() {
	c.once.Do(func() { close(c.doneCh) })
}

// Send writes a single IPC message as one JSON line on the child's stdin.
func (c *Codec) Send(msg protocol.IPCMessage) error {
	line, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal ipc message: %w", err)
	}
	line = append(line, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stdin.Write(line); err != nil {
		return fmt.Errorf("write ipc message: %w", err)
	}
	return nil
}

func (c *Codec) readLoop(ctx context.Context) {
	scanner := bufio.NewScanner(c.stdout)
	scanner.Buffer(make([]byte, initialScanBuf), maxScanBuf)

	for scanner.Scan() {
		select {
		case <-c.doneCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg protocol.IPCMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			c.log.Warn("dropping malformed ipc line", zap.Error(err))
			continue
		}
		if !protocol.IsValidWorkerKind(msg.Type) {
			c.log.Warn("dropping unknown ipc message type", zap.String("type", string(msg.Type)))
			continue
		}

		if c.handler != nil {
			c.handler(msg)
		}
	}
	if err := scanner.Err(); err != nil {
		c.log.Debug("ipc read loop ended", zap.Error(err))
	}
}
