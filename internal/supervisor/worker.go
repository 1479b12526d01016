package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/kandev/agentd/internal/ipc"
	"github.com/kandev/agentd/internal/logger"
	"github.com/kandev/agentd/internal/protocol"
)

// WorkerHandle wraps one spawned worker child process and its IPC codec.
// This is the substitution point for the teacher's Docker container
// lifecycle: the spec's child-process contract names stdin/stdout/stderr
// pipes to an OS process, so the launch primitive here is exec.Cmd rather
// than a container runtime.
type WorkerHandle struct {
	cmd   *exec.Cmd
	codec *ipc.Codec
	pid   int
	done  chan error // closed-by-send-once when the process exits
}

// Done returns a channel that receives the process's exit error (nil on a
// clean exit) exactly once.
func (w *WorkerHandle) Done() <-chan error { return w.done }

// spawnWorker starts the worker binary, attaching stdin/stdout for the
// IPC codec and leaving stderr attached to the daemon's own stderr (spec
// §4.3: "it is the worker's log channel; it is not parsed").
func spawnWorker(ctx context.Context, binaryPath string, log *logger.Logger, handler ipc.Handler) (*WorkerHandle, error) {
	cmd := exec.CommandContext(ctx, binaryPath)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}

	codec := ipc.New(stdin, stdout, log)
	codec.SetHandler(handler)
	codec.Start(ctx)

	h := &WorkerHandle{cmd: cmd, codec: codec, pid: cmd.Process.Pid, done: make(chan error, 1)}
	go func() {
		h.done <- h.cmd.Wait()
	}()
	return h, nil
}

// Send writes an IPC message to the worker's stdin.
func (w *WorkerHandle) Send(msg protocol.IPCMessage) error {
	return w.codec.Send(msg)
}

// PID returns the worker's process id.
func (w *WorkerHandle) PID() int { return w.pid }

// Terminate sends SIGTERM to the worker process.
func (w *WorkerHandle) Terminate() error {
	if w.cmd.Process == nil {
		return nil
	}
	return w.cmd.Process.Signal(syscall.SIGTERM)
}

// Kill sends SIGKILL to the worker process.
func (w *WorkerHandle) Kill() error {
	if w.cmd.Process == nil {
		return nil
	}
	return w.cmd.Process.Signal(syscall.SIGKILL)
}

// Close signals the IPC reader to stop; it does not close the worker's stdin.
func (w *WorkerHandle) Close() {
	w.codec.Stop()
}
