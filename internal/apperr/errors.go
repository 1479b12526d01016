// Package apperr implements agentd's error taxonomy (spec §7).
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an AppError per the orchestrator's error taxonomy.
type Kind int

const (
	// KindInternal is an unclassified internal error.
	KindInternal Kind = iota
	// KindDuplicate marks a message already present in the inbox.
	KindDuplicate
	// KindTransport marks a pub/sub publish or REST transport failure.
	KindTransport
	// KindWorkerCrash marks an unexpected worker child exit.
	KindWorkerCrash
	// KindProtocol marks an unparseable or unknown IPC line.
	KindProtocol
	// KindUnauthorized marks a worker-side tool refusal.
	KindUnauthorized
	// KindShutdown marks a task interrupted by orchestrator shutdown.
	KindShutdown
	// KindOrphan marks a session deferred behind a live prior-run worker.
	KindOrphan
	// KindValidation marks a request that fails a domain invariant
	// (e.g. a second session claiming an already-claimed project path).
	KindValidation
	// KindNotFound marks a missing session, task, or store row.
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindDuplicate:
		return "duplicate"
	case KindTransport:
		return "transport"
	case KindWorkerCrash:
		return "worker_crash"
	case KindProtocol:
		return "protocol"
	case KindUnauthorized:
		return "unauthorized"
	case KindShutdown:
		return "shutdown"
	case KindOrphan:
		return "orphan"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	default:
		return "internal"
	}
}

// AppError is agentd's single error type, carrying a taxonomy Kind,
// a user-safe message, and the wrapped low-level cause.
type AppError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *AppError) Unwrap() error { return e.Err }

func new(kind Kind, message string, err error) *AppError {
	return &AppError{Kind: kind, Message: message, Err: err}
}

func Duplicate(messageID string) *AppError {
	return new(KindDuplicate, "duplicate message id "+messageID, nil)
}

func Transport(message string, err error) *AppError {
	return new(KindTransport, message, err)
}

func WorkerCrash(sessionID string, err error) *AppError {
	return new(KindWorkerCrash, "worker crashed for session "+sessionID, err)
}

func Protocol(message string, err error) *AppError {
	return new(KindProtocol, message, err)
}

func Unauthorized(message string) *AppError {
	return new(KindUnauthorized, message, nil)
}

func Shutdown(sessionID string) *AppError {
	return new(KindShutdown, "interrupted by shutdown for session "+sessionID, nil)
}

func Orphan(sessionID string) *AppError {
	return new(KindOrphan, "session deferred behind orphaned worker "+sessionID, nil)
}

func Validation(message string) *AppError {
	return new(KindValidation, message, nil)
}

func NotFound(message string) *AppError {
	return new(KindNotFound, message, nil)
}

func Internal(message string, err error) *AppError {
	return new(KindInternal, message, err)
}

// KindOf returns the Kind of err if it is (or wraps) an *AppError, and
// KindInternal with ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Kind, true
	}
	return KindInternal, false
}

// Is reports whether err is (or wraps) an *AppError of the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
