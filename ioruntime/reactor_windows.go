//go:build windows

package ioruntime

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/windows"
)

// iocpHandleInfo is the per-handle registration record for the Windows
// fallback Reactor. The completion-key value handed to
// GetQueuedCompletionStatus is the handle itself, so dispatch is a map
// lookup rather than a synthesized per-op context.
type iocpHandleInfo struct {
	cb     Callback
	events Events
	active bool
}

// iocpReactor is the Windows Reactor backend. It associates every
// registered handle with a single IO completion port and,
// on each dequeued completion, invokes the registered callback with a
// synthesized read|write mask regardless of the original interest — this is
// acceptable only because Proactor (proactor_windows.go) is the platform's
// primary path; this backend exists purely for interface symmetry with the
// epoll/kqueue backends.
type iocpReactor struct {
	port    windows.Handle
	mu      sync.RWMutex
	byFD    map[int]*iocpHandleInfo
	version atomic.Uint64
	closed  atomic.Bool
}

func newReactor() (Reactor, error) {
	port, err := windows.CreateIoCompletionPort(windows.InvalidHandle, 0, 0, 0)
	if err != nil {
		return nil, err
	}
	return &iocpReactor{port: port, byFD: make(map[int]*iocpHandleInfo)}, nil
}

func (p *iocpReactor) Add(handle int, mask Events, cb Callback) error {
	if p.closed.Load() {
		return ErrReactorClosed
	}
	p.mu.Lock()
	if _, ok := p.byFD[handle]; ok {
		p.mu.Unlock()
		return ErrAlreadyRegistered
	}
	p.byFD[handle] = &iocpHandleInfo{cb: cb, events: mask, active: true}
	p.version.Add(1)
	p.mu.Unlock()

	if _, err := windows.CreateIoCompletionPort(windows.Handle(handle), p.port, uintptr(handle), 0); err != nil {
		p.mu.Lock()
		delete(p.byFD, handle)
		p.mu.Unlock()
		return err
	}
	return nil
}

func (p *iocpReactor) Modify(handle int, mask Events) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	info, ok := p.byFD[handle]
	if !ok {
		return ErrNotRegistered
	}
	info.events = mask
	p.version.Add(1)
	return nil
}

func (p *iocpReactor) Delete(handle int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.byFD[handle]; !ok {
		return ErrNotRegistered
	}
	delete(p.byFD, handle)
	p.version.Add(1)
	return nil
}

// Poll dequeues a single completion packet via
// GetQueuedCompletionStatus, synthesizing EventRead|EventWrite for whatever
// handle the completion key names.
func (p *iocpReactor) Poll(timeoutMs int) (int, error) {
	if p.closed.Load() {
		return -1, ErrReactorClosed
	}
	var ms uint32
	if timeoutMs < 0 {
		ms = windows.INFINITE
	} else {
		ms = uint32(timeoutMs)
	}

	var bytes uint32
	var key uintptr
	var overlapped *windows.Overlapped
	err := windows.GetQueuedCompletionStatus(p.port, &bytes, &key, &overlapped, ms)
	if err != nil {
		if err == windows.WAIT_TIMEOUT {
			return 0, nil
		}
		return -1, err
	}

	fd := int(key)
	p.mu.RLock()
	info, ok := p.byFD[fd]
	p.mu.RUnlock()
	if !ok || !info.active || info.cb == nil {
		return 0, nil
	}
	info.cb(EventRead | EventWrite)
	return 1, nil
}

func (p *iocpReactor) Close() error {
	p.closed.Store(true)
	return windows.CloseHandle(p.port)
}

// PostWake posts a null completion so that a blocked Poll returns
// immediately. Not part of the Reactor interface; used by wake_windows.go
// via a type assertion.
func (p *iocpReactor) PostWake() error {
	return windows.PostQueuedCompletionStatus(p.port, 0, 0, nil)
}
