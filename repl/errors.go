// Package repl implements the chunk replication and recovery engine: it
// streams a chunk from a single peer, or reconstructs one from surviving
// Reed-Solomon stripes, and reports the outcome to its caller.
package repl

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a job failure so callers can branch on cause
// without string matching.
type ErrorKind int

const (
	KindInvalidArgument ErrorKind = iota
	KindOutOfMemory
	KindHostUnreachable
	KindBadChecksum
	KindShortRead
	KindFault
	KindCancelled
	KindTimeout
	KindAlreadyExists
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidArgument:
		return "InvalidArgument"
	case KindOutOfMemory:
		return "OutOfMemory"
	case KindHostUnreachable:
		return "HostUnreachable"
	case KindBadChecksum:
		return "BadChecksum"
	case KindShortRead:
		return "ShortRead"
	case KindFault:
		return "Fault"
	case KindCancelled:
		return "Cancelled"
	case KindTimeout:
		return "Timeout"
	case KindAlreadyExists:
		return "AlreadyExists"
	default:
		return "Unknown"
	}
}

// JobError is the error type the engine constructs for every failure it
// detects itself. Errors returned by a ChunkStore are passed through as
// they are; finalize counts any error that is not a *JobError as KindFault.
type JobError struct {
	kind    ErrorKind
	msg     string
	wrapped error
}

func newJobError(kind ErrorKind, msg string, wrapped error) *JobError {
	return &JobError{kind: kind, msg: msg, wrapped: wrapped}
}

func (e *JobError) Kind() ErrorKind { return e.kind }

func (e *JobError) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.msg, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.msg)
}

func (e *JobError) Unwrap() error { return e.wrapped }

func ErrInvalidArgument(msg string) *JobError { return newJobError(KindInvalidArgument, msg, nil) }
func ErrOutOfMemory(msg string) *JobError     { return newJobError(KindOutOfMemory, msg, nil) }
func ErrHostUnreachable(msg string, cause error) *JobError {
	return newJobError(KindHostUnreachable, msg, cause)
}
func ErrBadChecksum(msg string) *JobError { return newJobError(KindBadChecksum, msg, nil) }
func ErrShortRead(msg string) *JobError   { return newJobError(KindShortRead, msg, nil) }
func ErrFault(msg string) *JobError       { return newJobError(KindFault, msg, nil) }
func ErrCancelled() *JobError             { return newJobError(KindCancelled, "job cancelled", nil) }
func ErrTimeout(msg string, cause error) *JobError {
	return newJobError(KindTimeout, msg, cause)
}
func ErrAlreadyExists(msg string) *JobError { return newJobError(KindAlreadyExists, msg, nil) }

// IsKind reports whether err is a *JobError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var je *JobError
	if errors.As(err, &je) {
		return je.kind == kind
	}
	return false
}
