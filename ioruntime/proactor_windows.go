//go:build windows

package ioruntime

import (
	"sync"

	"golang.org/x/sys/windows"
)

// iocpOp tracks one outstanding overlapped WSARecv/WSASend, including the
// residual state needed to re-submit a short completion so that exactly one
// user callback fires per logical AsyncRead/AsyncWrite request.
type iocpOp struct {
	overlapped windows.Overlapped
	handle     windows.Handle
	buf        []byte
	done       int
	want       int
	cb         CompletionCallback
	isWrite    bool
}

// iocpProactor is the native Windows Proactor backend. It posts overlapped
// WSARecv/WSASend, associates handles with the completion port on first
// use, and on a dequeued completion re-submits a residual operation if the
// transferred count falls short of the requested size, preserving a single
// user callback for the full logical request.
type iocpProactor struct {
	port       windows.Handle
	mu         sync.Mutex
	associated map[windows.Handle]bool
	ops        map[*windows.Overlapped]*iocpOp
}

// NewProactor constructs the platform-appropriate Proactor.
func NewProactor(Reactor) (Proactor, error) {
	port, err := windows.CreateIoCompletionPort(windows.InvalidHandle, 0, 0, 0)
	if err != nil {
		return nil, err
	}
	return &iocpProactor{
		port:       port,
		associated: make(map[windows.Handle]bool),
		ops:        make(map[*windows.Overlapped]*iocpOp),
	}, nil
}

func (p *iocpProactor) associate(h windows.Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.associated[h] {
		return nil
	}
	if _, err := windows.CreateIoCompletionPort(h, p.port, uintptr(h), 0); err != nil {
		return err
	}
	p.associated[h] = true
	return nil
}

func (p *iocpProactor) AsyncRead(handle int, buf []byte, cb CompletionCallback) error {
	h := windows.Handle(handle)
	if err := p.associate(h); err != nil {
		return err
	}
	op := &iocpOp{handle: h, buf: buf, want: len(buf), cb: cb}
	p.mu.Lock()
	p.ops[&op.overlapped] = op
	p.mu.Unlock()
	return p.submitRead(op)
}

func (p *iocpProactor) AsyncWrite(handle int, data []byte, cb CompletionCallback) error {
	h := windows.Handle(handle)
	if err := p.associate(h); err != nil {
		return err
	}
	op := &iocpOp{handle: h, buf: data, want: len(data), cb: cb, isWrite: true}
	p.mu.Lock()
	p.ops[&op.overlapped] = op
	p.mu.Unlock()
	return p.submitWrite(op)
}

func (p *iocpProactor) submitRead(op *iocpOp) error {
	var wsabuf windows.WSABuf
	remaining := op.buf[op.done:]
	wsabuf.Len = uint32(len(remaining))
	if len(remaining) > 0 {
		wsabuf.Buf = &remaining[0]
	}
	var n, flags uint32
	err := windows.WSARecv(op.handle, &wsabuf, 1, &n, &flags, &op.overlapped, nil)
	if err == windows.ERROR_IO_PENDING {
		return nil
	}
	return err
}

func (p *iocpProactor) submitWrite(op *iocpOp) error {
	var wsabuf windows.WSABuf
	remaining := op.buf[op.done:]
	wsabuf.Len = uint32(len(remaining))
	if len(remaining) > 0 {
		wsabuf.Buf = &remaining[0]
	}
	var n uint32
	err := windows.WSASend(op.handle, &wsabuf, 1, &n, 0, &op.overlapped, nil)
	if err == windows.ERROR_IO_PENDING {
		return nil
	}
	return err
}

// Step is invoked by IoContext's loop iteration to drain completions for
// this proactor; it is not part of the Proactor interface (satisfied via
// the unexported stepper interface in iocontext.go) since only the IOCP
// backend needs a distinct completion-queue step from the reactor poll.
func (p *iocpProactor) Step(timeoutMs int) error {
	var bytes uint32
	var key uintptr
	var overlapped *windows.Overlapped
	var ms uint32
	if timeoutMs < 0 {
		ms = windows.INFINITE
	} else {
		ms = uint32(timeoutMs)
	}
	err := windows.GetQueuedCompletionStatus(p.port, &bytes, &key, &overlapped, ms)
	if overlapped == nil {
		if err == windows.WAIT_TIMEOUT {
			return nil
		}
		return err
	}

	p.mu.Lock()
	op, ok := p.ops[overlapped]
	if ok {
		delete(p.ops, overlapped)
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}

	if err != nil {
		op.cb(FromErrno(err), op.done)
		return nil
	}

	op.done += int(bytes)
	if bytes == 0 && op.want > 0 {
		op.cb(ConnectionClosed, op.done)
		return nil
	}
	if op.done >= op.want {
		op.cb(OK, op.done)
		return nil
	}

	// short transfer: re-submit the residual, preserving one callback per
	// logical request.
	p.mu.Lock()
	p.ops[&op.overlapped] = op
	p.mu.Unlock()
	if op.isWrite {
		return p.submitWrite(op)
	}
	return p.submitRead(op)
}

func (p *iocpProactor) Cancel(handle int) error {
	h := windows.Handle(handle)
	_ = windows.CancelIoEx(h, nil)

	p.mu.Lock()
	var completed []*iocpOp
	for ov, op := range p.ops {
		if op.handle == h {
			completed = append(completed, op)
			delete(p.ops, ov)
		}
	}
	p.mu.Unlock()

	for _, op := range completed {
		op.cb(ConnectionClosed, op.done)
	}
	return nil
}

func (p *iocpProactor) Close() error {
	return windows.CloseHandle(p.port)
}
