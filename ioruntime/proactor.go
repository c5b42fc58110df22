package ioruntime

// CompletionCallback is invoked exactly once per AsyncRead/AsyncWrite
// submission, including on cancellation, with the unified error (OK on
// success) and the number of bytes transferred.
type CompletionCallback func(code Code, n int)

// Proactor is a completion-oriented read/write API. On IOCP it is native;
// on epoll/kqueue it is an adapter that issues a one-shot read/write on
// readiness (proactor_reactor.go). Error translation uses the unified Code
// enumeration (errors.go).
type Proactor interface {
	// AsyncRead reads up to len(buf) bytes from handle, invoking cb exactly
	// once with the outcome.
	AsyncRead(handle int, buf []byte, cb CompletionCallback) error
	// AsyncWrite writes data to handle, invoking cb exactly once with the
	// outcome. A short underlying write is retried internally until the
	// full buffer is sent or an error occurs.
	AsyncWrite(handle int, data []byte, cb CompletionCallback) error
	// Cancel cancels any outstanding read/write on handle, delivering a
	// ConnectionClosed completion to the pending callback(s).
	Cancel(handle int) error
	// Close releases proactor resources.
	Close() error
}
