//go:build linux || darwin

package ioruntime

import (
	"net"
	"sync"

	"golang.org/x/sys/unix"
)

// AcceptHandler receives the outcome of a single AsyncAccept: a connected
// socket on OK, or nil with the failure code.
type AcceptHandler func(sock *TCPSocket, code Code)

// TCPAcceptor binds and listens on a TCP address, then delivers one
// connected TCPSocket per AsyncAccept invocation. Accepted sockets are
// owned by the acceptor's IoContext.
type TCPAcceptor struct {
	ctx *IoContext
	fd  int

	mu        sync.Mutex
	accepting bool
	closed    bool
}

// NewTCPAcceptor creates, binds, and listens on addr with the given
// backlog (a non-positive backlog uses 128).
func NewTCPAcceptor(ctx *IoContext, addr *net.TCPAddr, backlog int) (*TCPAcceptor, error) {
	if backlog <= 0 {
		backlog = 128
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, New(FromErrno(err), err)
	}
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	sa, err := toSockaddr(addr)
	if err != nil {
		_ = unix.Close(fd)
		return nil, New(InvalidArgument, err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, New(FromErrno(err), err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		_ = unix.Close(fd)
		return nil, New(FromErrno(err), err)
	}
	return &TCPAcceptor{ctx: ctx, fd: fd}, nil
}

// Fd returns the listening file descriptor.
func (a *TCPAcceptor) Fd() int { return a.fd }

// Addr returns the bound local address, useful when listening on port 0.
func (a *TCPAcceptor) Addr() (*net.TCPAddr, error) {
	sa, err := unix.Getsockname(a.fd)
	if err != nil {
		return nil, New(FromErrno(err), err)
	}
	switch s := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(s.Addr[:]), Port: s.Port}, nil
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(s.Addr[:]), Port: s.Port}, nil
	}
	return nil, New(InvalidArgument, nil)
}

// AsyncAccept arms a single accept: when the listening socket becomes
// readable, one connection is accepted and delivered to cb. Call again
// from cb to keep accepting.
func (a *TCPAcceptor) AsyncAccept(cb AcceptHandler) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		cb(nil, ConnectionClosed)
		return nil
	}
	if a.accepting {
		a.mu.Unlock()
		return ErrOperationPending
	}
	a.accepting = true
	a.mu.Unlock()

	err := a.ctx.Reactor.Add(a.fd, EventRead, func(Events) {
		a.mu.Lock()
		a.accepting = false
		a.mu.Unlock()
		_ = a.ctx.Reactor.Delete(a.fd)

		nfd, _, aerr := unix.Accept(a.fd)
		if aerr != nil {
			cb(nil, FromErrno(aerr))
			return
		}
		_ = unix.SetNonblock(nfd, true)
		cb(&TCPSocket{ctx: a.ctx, fd: nfd}, OK)
	})
	if err != nil {
		a.mu.Lock()
		a.accepting = false
		a.mu.Unlock()
		return err
	}
	return nil
}

// Close stops accepting and closes the listening socket.
func (a *TCPAcceptor) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	accepting := a.accepting
	a.accepting = false
	a.mu.Unlock()

	if accepting {
		_ = a.ctx.Reactor.Delete(a.fd)
	}
	return unix.Close(a.fd)
}
