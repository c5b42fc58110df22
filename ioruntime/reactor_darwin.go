//go:build darwin

package ioruntime

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

type kqHandleInfo struct {
	cb     Callback
	events Events
	active bool
}

// kqueueReactor is the Darwin Reactor backend. Unlike epoll, kqueue has
// no in-place "modify" operation for an existing filter, so Modify is
// implemented as a delete/add pair per filter that changed.
type kqueueReactor struct {
	kq      int
	mu      sync.RWMutex
	byFD    map[int]*kqHandleInfo
	version atomic.Uint64
	closed  atomic.Bool
}

func newReactor() (Reactor, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	return &kqueueReactor{kq: kq, byFD: make(map[int]*kqHandleInfo)}, nil
}

func (p *kqueueReactor) Add(handle int, mask Events, cb Callback) error {
	if p.closed.Load() {
		return ErrReactorClosed
	}
	p.mu.Lock()
	if _, ok := p.byFD[handle]; ok {
		p.mu.Unlock()
		return ErrAlreadyRegistered
	}
	p.byFD[handle] = &kqHandleInfo{cb: cb, events: mask, active: true}
	p.version.Add(1)
	p.mu.Unlock()

	return p.applyFilters(handle, 0, mask)
}

func (p *kqueueReactor) Modify(handle int, mask Events) error {
	p.mu.Lock()
	info, ok := p.byFD[handle]
	if !ok {
		p.mu.Unlock()
		return ErrNotRegistered
	}
	old := info.events
	info.events = mask
	p.version.Add(1)
	p.mu.Unlock()

	return p.applyFilters(handle, old, mask)
}

func (p *kqueueReactor) applyFilters(handle int, old, mask Events) error {
	var changes []unix.Kevent_t
	addDel := func(filter int16, want bool) {
		flag := uint16(unix.EV_DELETE)
		if want {
			flag = unix.EV_ADD | unix.EV_ENABLE
		}
		changes = append(changes, unix.Kevent_t{
			Ident:  uint64(handle),
			Filter: filter,
			Flags:  flag,
		})
	}
	if (old&EventRead != 0) != (mask&EventRead != 0) {
		addDel(unix.EVFILT_READ, mask&EventRead != 0)
	}
	if (old&EventWrite != 0) != (mask&EventWrite != 0) {
		addDel(unix.EVFILT_WRITE, mask&EventWrite != 0)
	}
	if len(changes) == 0 {
		return nil
	}
	_, err := unix.Kevent(p.kq, changes, nil, nil)
	return err
}

func (p *kqueueReactor) Delete(handle int) error {
	p.mu.Lock()
	info, ok := p.byFD[handle]
	if !ok {
		p.mu.Unlock()
		return ErrNotRegistered
	}
	delete(p.byFD, handle)
	p.version.Add(1)
	p.mu.Unlock()

	return p.applyFilters(handle, info.events, 0)
}

func (p *kqueueReactor) Poll(timeoutMs int) (int, error) {
	if p.closed.Load() {
		return -1, ErrReactorClosed
	}
	var ts *unix.Timespec
	if timeoutMs >= 0 {
		t := unix.NsecToTimespec(int64(timeoutMs) * 1e6)
		ts = &t
	}
	events := make([]unix.Kevent_t, 256)
	n, err := unix.Kevent(p.kq, nil, events, ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return -1, err
	}
	for i := 0; i < n; i++ {
		fd := int(events[i].Ident)
		p.mu.RLock()
		info, ok := p.byFD[fd]
		p.mu.RUnlock()
		if !ok || !info.active || info.cb == nil {
			continue
		}
		var ev Events
		switch events[i].Filter {
		case unix.EVFILT_READ:
			ev = EventRead
		case unix.EVFILT_WRITE:
			ev = EventWrite
		}
		if events[i].Flags&unix.EV_EOF != 0 {
			ev |= EventHangup
		}
		if events[i].Flags&unix.EV_ERROR != 0 {
			ev |= EventError
		}
		info.cb(ev)
	}
	return n, nil
}

func (p *kqueueReactor) Close() error {
	p.closed.Store(true)
	return unix.Close(p.kq)
}
