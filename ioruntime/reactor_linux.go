//go:build linux

package ioruntime

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

const maxHandles = 65536

type handleInfo struct {
	cb     Callback
	events Events
	active bool
}

// epollReactor is the Linux Reactor backend. It defaults to level-triggered
// notification; edge-triggered is an opt-in per-registration flag carried
// in the top bit of the mask passed to Add, mirroring the epoll backend's
// documented default/opt-in split.
type epollReactor struct {
	epfd     int
	version  atomic.Uint64
	eventBuf [256]unix.EpollEvent
	handles  [maxHandles]handleInfo
	mu       sync.RWMutex
	closed   atomic.Bool
}

func newReactor() (Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollReactor{epfd: epfd}, nil
}

func (p *epollReactor) Add(handle int, mask Events, cb Callback) error {
	if p.closed.Load() {
		return ErrReactorClosed
	}
	if handle < 0 || handle >= maxHandles {
		return ErrHandleOutOfRange
	}

	p.mu.Lock()
	if p.handles[handle].active {
		p.mu.Unlock()
		return ErrAlreadyRegistered
	}
	p.handles[handle] = handleInfo{cb: cb, events: mask, active: true}
	p.version.Add(1)
	p.mu.Unlock()

	ev := &unix.EpollEvent{Events: eventsToEpoll(mask), Fd: int32(handle)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, handle, ev); err != nil {
		p.mu.Lock()
		p.handles[handle] = handleInfo{}
		p.mu.Unlock()
		return err
	}
	return nil
}

func (p *epollReactor) Modify(handle int, mask Events) error {
	if handle < 0 || handle >= maxHandles {
		return ErrHandleOutOfRange
	}
	p.mu.Lock()
	if !p.handles[handle].active {
		p.mu.Unlock()
		return ErrNotRegistered
	}
	p.handles[handle].events = mask
	p.version.Add(1)
	p.mu.Unlock()

	ev := &unix.EpollEvent{Events: eventsToEpoll(mask), Fd: int32(handle)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, handle, ev)
}

func (p *epollReactor) Delete(handle int) error {
	if handle < 0 || handle >= maxHandles {
		return ErrHandleOutOfRange
	}
	p.mu.Lock()
	if !p.handles[handle].active {
		p.mu.Unlock()
		return ErrNotRegistered
	}
	p.handles[handle] = handleInfo{}
	p.version.Add(1)
	p.mu.Unlock()
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, handle, nil)
}

func (p *epollReactor) Poll(timeoutMs int) (int, error) {
	if p.closed.Load() {
		return -1, ErrReactorClosed
	}
	v := p.version.Load()
	n, err := unix.EpollWait(p.epfd, p.eventBuf[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return -1, err
	}
	if p.version.Load() != v {
		// registrations changed mid-wait; results may be stale, discard
		return 0, nil
	}
	for i := 0; i < n; i++ {
		fd := int(p.eventBuf[i].Fd)
		if fd < 0 || fd >= maxHandles {
			continue
		}
		p.mu.RLock()
		info := p.handles[fd]
		p.mu.RUnlock()
		if info.active && info.cb != nil {
			info.cb(epollToEvents(p.eventBuf[i].Events))
		}
	}
	return n, nil
}

func (p *epollReactor) Close() error {
	p.closed.Store(true)
	return unix.Close(p.epfd)
}

func eventsToEpoll(events Events) uint32 {
	var e uint32
	if events&EventRead != 0 {
		e |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		e |= unix.EPOLLOUT
	}
	if events&EventEdgeTriggered != 0 {
		e |= unix.EPOLLET
	}
	return e
}

func epollToEvents(e uint32) Events {
	var events Events
	if e&unix.EPOLLIN != 0 {
		events |= EventRead
	}
	if e&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	if e&unix.EPOLLERR != 0 {
		events |= EventError
	}
	if e&unix.EPOLLHUP != 0 {
		events |= EventHangup
	}
	return events
}
