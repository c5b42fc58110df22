package ioruntime

import "errors"

// Events is a bitmask of interest/readiness conditions for a Reactor
// registration.
type Events uint32

const (
	EventRead Events = 1 << iota
	EventWrite
	EventError
	EventHangup

	// EventEdgeTriggered opts a registration into edge-triggered
	// notification on backends that support it (epoll). The default is
	// level-triggered everywhere.
	EventEdgeTriggered Events = 1 << 31
)

// Callback is invoked by a Reactor with the events observed ready on a
// single poll step.
type Callback func(Events)

var (
	ErrHandleOutOfRange  = errors.New("ioruntime: handle out of range")
	ErrAlreadyRegistered = errors.New("ioruntime: handle already registered")
	ErrNotRegistered     = errors.New("ioruntime: handle not registered")
	ErrReactorClosed     = errors.New("ioruntime: reactor closed")
)

// Reactor is a readiness-notification multiplexer over OS handles
// (file descriptors on unix, sockets on Windows). Add/Modify/Delete may be
// called concurrently with Poll; callbacks observed ready on a poll step
// run synchronously on the caller of Poll. Deleting a handle from within
// its own callback is legal.
type Reactor interface {
	// Add registers handle for the given interest set.
	Add(handle int, mask Events, cb Callback) error
	// Modify changes the interest set for an already-registered handle.
	Modify(handle int, mask Events) error
	// Delete removes handle from the interest set.
	Delete(handle int) error
	// Poll blocks up to timeoutMs (negative blocks indefinitely, 0 does
	// not block) and dispatches ready callbacks, returning the number of
	// ready handles observed, or a negative value on fatal error.
	Poll(timeoutMs int) (int, error)
	// Close releases the underlying OS multiplexer handle.
	Close() error
}

// NewReactor constructs the platform-appropriate Reactor backend: epoll on
// linux, kqueue on darwin, an IOCP-associated fallback on windows.
func NewReactor() (Reactor, error) {
	return newReactor()
}
