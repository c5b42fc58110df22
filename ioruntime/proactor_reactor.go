//go:build linux || darwin

package ioruntime

import (
	"errors"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrOperationPending is returned when AsyncRead/AsyncWrite is called while
// an operation of the same direction is already outstanding on the handle.
var ErrOperationPending = errors.New("ioruntime: operation already pending on handle")

type pendingOp struct {
	readBuf  []byte
	readCB   CompletionCallback
	writeBuf []byte
	writeOff int
	writeCB  CompletionCallback
}

// reactorProactor adapts a readiness Reactor into the completion-oriented
// Proactor contract by performing a one-shot recv/send on readiness and
// removing interest afterward.3.
type reactorProactor struct {
	reactor Reactor
	mu      sync.Mutex
	ops     map[int]*pendingOp
}

// NewProactor constructs the platform-appropriate Proactor: IOCP-native on
// Windows, a reactor-backed one-shot adapter otherwise.
func NewProactor(r Reactor) (Proactor, error) {
	return &reactorProactor{reactor: r, ops: make(map[int]*pendingOp)}, nil
}

func (p *reactorProactor) maskFor(op *pendingOp) Events {
	var m Events
	if op.readCB != nil {
		m |= EventRead
	}
	if op.writeCB != nil {
		m |= EventWrite
	}
	return m
}

func (p *reactorProactor) ensureRegistered(handle int, op *pendingOp, wasRegistered bool) error {
	mask := p.maskFor(op)
	if mask == 0 {
		if wasRegistered {
			return p.reactor.Delete(handle)
		}
		return nil
	}
	if wasRegistered {
		return p.reactor.Modify(handle, mask)
	}
	return p.reactor.Add(handle, mask, func(ev Events) { p.onReady(handle, ev) })
}

func (p *reactorProactor) AsyncRead(handle int, buf []byte, cb CompletionCallback) error {
	p.mu.Lock()
	op, existed := p.ops[handle]
	if !existed {
		op = &pendingOp{}
		p.ops[handle] = op
	}
	if op.readCB != nil {
		p.mu.Unlock()
		return ErrOperationPending
	}
	wasRegistered := existed && (op.writeCB != nil)
	op.readBuf = buf
	op.readCB = cb
	err := p.ensureRegistered(handle, op, wasRegistered)
	p.mu.Unlock()
	return err
}

func (p *reactorProactor) AsyncWrite(handle int, data []byte, cb CompletionCallback) error {
	p.mu.Lock()
	op, existed := p.ops[handle]
	if !existed {
		op = &pendingOp{}
		p.ops[handle] = op
	}
	if op.writeCB != nil {
		p.mu.Unlock()
		return ErrOperationPending
	}
	wasRegistered := existed && (op.readCB != nil)
	op.writeBuf = data
	op.writeOff = 0
	op.writeCB = cb
	err := p.ensureRegistered(handle, op, wasRegistered)
	p.mu.Unlock()
	return err
}

func (p *reactorProactor) onReady(handle int, ev Events) {
	p.mu.Lock()
	op, ok := p.ops[handle]
	if !ok {
		p.mu.Unlock()
		return
	}

	var readDone *CompletionCallback
	var readCode Code
	var readN int
	var writeDone *CompletionCallback
	var writeCode Code
	var writeN int

	if ev&EventRead != 0 && op.readCB != nil {
		n, err := unix.Read(handle, op.readBuf)
		if err == unix.EAGAIN {
			// spurious wakeup; keep waiting
		} else {
			cb := op.readCB
			readDone = &cb
			if err != nil {
				readCode = FromErrno(err)
				readN = 0
			} else if n == 0 {
				readCode = ConnectionClosed
				readN = 0
			} else {
				readCode = OK
				readN = n
			}
			op.readCB = nil
			op.readBuf = nil
		}
	}

	if ev&EventWrite != 0 && op.writeCB != nil {
		n, err := unix.Write(handle, op.writeBuf[op.writeOff:])
		if err == unix.EAGAIN {
			// spurious wakeup; keep waiting
		} else if err != nil {
			cb := op.writeCB
			writeDone = &cb
			writeCode = FromErrno(err)
			writeN = op.writeOff
			op.writeCB = nil
			op.writeBuf = nil
			op.writeOff = 0
		} else {
			op.writeOff += n
			if op.writeOff >= len(op.writeBuf) {
				cb := op.writeCB
				writeDone = &cb
				writeCode = OK
				writeN = op.writeOff
				op.writeCB = nil
				op.writeBuf = nil
				op.writeOff = 0
			}
		}
	}

	mask := p.maskFor(op)
	if mask == 0 {
		delete(p.ops, handle)
		_ = p.reactor.Delete(handle)
	} else {
		_ = p.reactor.Modify(handle, mask)
	}
	p.mu.Unlock()

	if readDone != nil {
		(*readDone)(readCode, readN)
	}
	if writeDone != nil {
		(*writeDone)(writeCode, writeN)
	}
}

// Cancel cancels any outstanding read/write on handle, delivering a
// ConnectionClosed completion to each pending callback.
func (p *reactorProactor) Cancel(handle int) error {
	p.mu.Lock()
	op, ok := p.ops[handle]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	delete(p.ops, handle)
	readCB, writeCB := op.readCB, op.writeCB
	writeN := op.writeOff
	_ = p.reactor.Delete(handle)
	p.mu.Unlock()

	if readCB != nil {
		readCB(ConnectionClosed, 0)
	}
	if writeCB != nil {
		writeCB(ConnectionClosed, writeN)
	}
	return nil
}

func (p *reactorProactor) Close() error {
	p.mu.Lock()
	handles := make([]int, 0, len(p.ops))
	for h := range p.ops {
		handles = append(handles, h)
	}
	p.mu.Unlock()
	for _, h := range handles {
		_ = p.Cancel(h)
	}
	return nil
}
