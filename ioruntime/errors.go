// Package ioruntime is a portable asynchronous I/O substrate: a reactor,
// a completion-style proactor layered over it, an event loop (IoContext)
// that owns both plus a task queue, length-prefixed framing, and TCP/UDP
// socket wrappers built on the two.
package ioruntime

import (
	"errors"
	"syscall"
)

// Code is the unified error enumeration shared by every ioruntime
// operation, independent of platform.
type Code int

const (
	OK Code = iota
	Timeout
	ConnectionClosed
	ConnectionRefused
	WouldBlock
	AddressInUse
	InvalidArgument
	PermissionDenied
	NetworkUnreachable
	BufferOverflow
	SendFailed
	ReceiveFailed
	NotInitialized
	AlreadyInitialized
	ConnectionFailed
)

var codeNames = map[Code]string{
	OK:                 "ok",
	Timeout:            "timeout",
	ConnectionClosed:   "connection-closed",
	ConnectionRefused:  "connection-refused",
	WouldBlock:         "would-block",
	AddressInUse:       "address-in-use",
	InvalidArgument:    "invalid-argument",
	PermissionDenied:   "permission-denied",
	NetworkUnreachable: "network-unreachable",
	BufferOverflow:     "buffer-overflow",
	SendFailed:         "send-failed",
	ReceiveFailed:      "receive-failed",
	NotInitialized:     "not-initialized",
	AlreadyInitialized: "already-initialized",
	ConnectionFailed:   "connection-failed",
}

// String returns the human-readable name of a unified error code.
func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return "connection-failed"
}

// Error wraps a unified Code with an optional underlying cause, matching
// the usual Unwrap-able typed error convention.
type Error struct {
	Code  Code
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return "ioruntime: " + e.Code.String() + ": " + e.Cause.Error()
	}
	return "ioruntime: " + e.Code.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an *Error for a given unified code and optional cause.
func New(code Code, cause error) *Error {
	return &Error{Code: code, Cause: cause}
}

// FromErrno performs the total, side-effect-free mapping from a platform
// socket errno to the unified Code enumeration. Unknown codes fall back to
// ConnectionFailed, never panicking and never touching global state.
func FromErrno(err error) Code {
	if err == nil {
		return OK
	}
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		switch {
		case errors.Is(err, errTimeout):
			return Timeout
		case errors.Is(err, errClosed):
			return ConnectionClosed
		default:
			return ConnectionFailed
		}
	}
	switch errno {
	case syscall.ETIMEDOUT:
		return Timeout
	case syscall.ECONNRESET, syscall.EPIPE, syscall.ENOTCONN:
		return ConnectionClosed
	case syscall.ECONNREFUSED:
		return ConnectionRefused
	case syscall.EAGAIN:
		return WouldBlock
	case syscall.EADDRINUSE:
		return AddressInUse
	case syscall.EINVAL:
		return InvalidArgument
	case syscall.EACCES, syscall.EPERM:
		return PermissionDenied
	case syscall.ENETUNREACH, syscall.EHOSTUNREACH, syscall.ENETDOWN:
		return NetworkUnreachable
	case syscall.EMSGSIZE, syscall.ENOBUFS:
		return BufferOverflow
	default:
		return ConnectionFailed
	}
}

var (
	errTimeout = errors.New("ioruntime: i/o timeout")
	errClosed  = errors.New("ioruntime: use of closed connection")
)
