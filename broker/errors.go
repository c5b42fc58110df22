package broker

import (
	"errors"
	"fmt"
)

// Code is the unified error enumeration returned by every public broker
// operation. It is deliberately distinct from ioruntime.Code:
// the two subsystems are specified to map host/platform errors and broker
// domain errors into separate (if overlapping in name) vocabularies.
type Code int

const (
	OK Code = iota
	InvalidArgument
	InvalidState
	QueueNotFound
	QueueFull
	MessageTooLarge
	MessageNotFound
	Timeout
	ConnectionRefused
	ConnectionClosed
	NetworkUnreachable
	PermissionDenied
	BufferOverflow
	NotInitialized
	AlreadyInitialized
	OperationFailed
	InternalError
	TransactionNotFound
)

var codeNames = map[Code]string{
	OK:                  "ok",
	InvalidArgument:     "invalid-argument",
	InvalidState:        "invalid-state",
	QueueNotFound:       "queue-not-found",
	QueueFull:           "queue-full",
	MessageTooLarge:     "message-too-large",
	MessageNotFound:     "message-not-found",
	Timeout:             "timeout",
	ConnectionRefused:   "connection-refused",
	ConnectionClosed:    "connection-closed",
	NetworkUnreachable:  "network-unreachable",
	PermissionDenied:    "permission-denied",
	BufferOverflow:      "buffer-overflow",
	NotInitialized:      "not-initialized",
	AlreadyInitialized:  "already-initialized",
	OperationFailed:     "operation-failed",
	InternalError:       "internal-error",
	TransactionNotFound: "transaction-not-found",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return "internal-error"
}

// Error is the concrete error type returned by broker operations, carrying
// a unified Code plus an optional human-readable cause. It implements
// Unwrap so callers may still errors.Is/As against Cause.
type Error struct {
	Code  Code
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return "broker: " + e.Code.String() + ": " + e.Cause.Error()
	}
	return "broker: " + e.Code.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an *Error for a unified code, with an optional cause.
func New(code Code, cause error) *Error {
	return &Error{Code: code, Cause: cause}
}

// Newf is a convenience for New(code, fmt.Errorf(format, args...)).
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Cause: fmt.Errorf(format, args...)}
}

// CodeOf extracts the unified Code from err, if it (or something it wraps)
// is a *Error; otherwise returns InternalError.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return InternalError
}
