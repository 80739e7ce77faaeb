package pario

import (
	"errors"
	"fmt"
)

// Error is a structured go-pario error with context, mirroring the
// op/code/cause shape used throughout this codebase.
type Error struct {
	Op    string    // Operation that failed (e.g. "Request", "Stage.Acquire")
	ReqID uint64    // Request ID, 0 if not applicable
	Code  ErrorCode // High-level error category
	Msg   string    // Human-readable message
	Inner error     // Wrapped error, e.g. the original worker-side failure
}

func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.ReqID != 0 {
		parts = append(parts, fmt.Sprintf("req=%d", e.ReqID))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("pario: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("pario: %s", msg)
}

func (e *Error) Unwrap() error { return e.Inner }

func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorCode represents the high-level error taxonomy from the read
// engine's external interface.
type ErrorCode string

const (
	// ErrCodeSharedMemory covers failures creating, mapping, or naming a
	// shared-memory region (SharedMemoryError).
	ErrCodeSharedMemory ErrorCode = "shared memory error"
	// ErrCodeQueueClosed is returned once a Reader has been closed or
	// stopped and no further requests will be serviced.
	ErrCodeQueueClosed ErrorCode = "queue closed"
	// ErrCodeSubprocess wraps a failure that originated inside a worker
	// while executing an Op.
	ErrCodeSubprocess ErrorCode = "worker execution error"
	// ErrCodeReleasedResource is returned by Resource.View after the
	// Resource's Release method has been called.
	ErrCodeReleasedResource ErrorCode = "released resource"
	// ErrCodeFull is returned by a bounded queue/pool whose Put/Acquire
	// could not complete before its deadline because it was full.
	ErrCodeFull ErrorCode = "full"
	// ErrCodeEmpty is returned by a bounded queue/pool whose Get/Acquire
	// could not complete before its deadline because it was empty.
	ErrCodeEmpty ErrorCode = "empty"
	// ErrCodeInvalid covers malformed Op arguments, e.g. an out-of-range
	// slice or an unknown column name.
	ErrCodeInvalid ErrorCode = "invalid argument"
)

// Sentinel errors for errors.Is comparisons against a bare code, mirroring
// the legacy plain-string error constants pattern.
var (
	ErrQueueClosed      = &Error{Code: ErrCodeQueueClosed, Msg: "queue closed"}
	ErrReleasedResource = &Error{Code: ErrCodeReleasedResource, Msg: "resource already released"}
	ErrFull             = &Error{Code: ErrCodeFull, Msg: "full"}
	ErrEmpty            = &Error{Code: ErrCodeEmpty, Msg: "empty"}
)

// NewError creates a new structured error.
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// NewSharedMemoryError wraps a low-level shared-memory failure (a failed
// shm_open/mmap/Flock syscall, a naming collision that could not be
// resolved, or an oversize payload that will not fit in a buffer).
func NewSharedMemoryError(op string, inner error) *Error {
	return &Error{Op: op, Code: ErrCodeSharedMemory, Msg: inner.Error(), Inner: inner}
}

// SubprocessError wraps a failure that happened inside a worker while it
// was executing an Op on behalf of a specific request. The worker-side
// cause is preserved via Unwrap, so errors.Is/errors.As checks against
// the original error kind keep working on the caller side of the queue,
// and Stack carries the worker-side stack when the failure was a panic.
type SubprocessError struct {
	ReqID uint64
	Inner error
	Stack string
}

func (e *SubprocessError) Error() string {
	if e.Stack != "" {
		return fmt.Sprintf("pario: worker failed for request %d: %v\nworker stack:\n%s", e.ReqID, e.Inner, e.Stack)
	}
	return fmt.Sprintf("pario: worker failed for request %d: %v", e.ReqID, e.Inner)
}

func (e *SubprocessError) Unwrap() error { return e.Inner }

// NewSubprocessError wraps the cause of a worker-side failure.
func NewSubprocessError(reqID uint64, cause error) *SubprocessError {
	return &SubprocessError{ReqID: reqID, Inner: cause}
}

// WrapError wraps an existing error with pario context, preserving a
// structured Error's fields where possible.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	if pe, ok := inner.(*Error); ok {
		return &Error{Op: op, ReqID: pe.ReqID, Code: pe.Code, Msg: pe.Msg, Inner: pe.Inner}
	}
	return &Error{Op: op, Code: ErrCodeInvalid, Msg: inner.Error(), Inner: inner}
}

// IsCode reports whether err (or something it wraps) carries the given
// ErrorCode.
func IsCode(err error, code ErrorCode) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code == code
	}
	return false
}
