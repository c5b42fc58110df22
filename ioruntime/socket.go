//go:build linux || darwin

package ioruntime

import (
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// ReceiveHandler and SendHandler receive a unified Code plus a
// transferred byte count.
type ReceiveHandler func(code Code, n int)
type SendHandler func(code Code, n int)

// TCPSocket wraps a non-blocking TCP file descriptor with an async
// connect/send/receive/close surface: Connect is synchronous,
// AsyncSend/AsyncReceive go through the owning IoContext's Proactor, and a
// timeout is realized as a delayed task that cancels the outstanding op.
type TCPSocket struct {
	ctx *IoContext
	fd  int

	mu        sync.Mutex
	closed    bool
	pendingRx *pendingTimeout
	pendingTx *pendingTimeout
}

type pendingTimeout struct {
	taskID TaskID
	token  *CancelToken
	fired  bool
}

// NewTCPSocket creates an unconnected, non-blocking IPv4 (AF_INET) TCP
// socket owned by ctx.
func NewTCPSocket(ctx *IoContext) (*TCPSocket, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, New(FromErrno(err), err)
	}
	return &TCPSocket{ctx: ctx, fd: fd}, nil
}

// Fd returns the underlying file descriptor, for use with a Reactor/Proactor.
func (s *TCPSocket) Fd() int { return s.fd }

// Connect synchronously connects to addr. Non-blocking connect's EINPROGRESS
// is treated as success (the caller is expected to rely on write-readiness
// or AsyncSend/AsyncReceive errors to detect final connect failure, matching
// the adapter style used on the reactor path elsewhere in this package).
func (s *TCPSocket) Connect(addr *net.TCPAddr) error {
	sa, err := toSockaddr(addr)
	if err != nil {
		return New(InvalidArgument, err)
	}
	err = unix.Connect(s.fd, sa)
	if err != nil && err != unix.EINPROGRESS {
		return New(FromErrno(err), err)
	}
	return nil
}

// AsyncSend submits data for sending via the owning IoContext's Proactor.
// If timeout > 0, a delayed task cancels the send and delivers a Timeout
// completion if it has not completed by then.
func (s *TCPSocket) AsyncSend(data []byte, cb SendHandler, token *CancelToken, timeout time.Duration) {
	s.armTimeout(&s.pendingTx, timeout, token)
	err := s.ctx.Proactor.AsyncWrite(s.fd, data, func(code Code, n int) {
		if s.consumeTimeout(&s.pendingTx) && code == ConnectionClosed {
			code = Timeout
		}
		if token.Cancelled() {
			return
		}
		cb(code, n)
	})
	if err != nil {
		s.clearTimeout(&s.pendingTx)
		cb(FromErrno(err), 0)
	}
}

// AsyncReceive submits a receive for up to len(buf) bytes.
func (s *TCPSocket) AsyncReceive(buf []byte, cb ReceiveHandler, token *CancelToken, timeout time.Duration) {
	s.armTimeout(&s.pendingRx, timeout, token)
	err := s.ctx.Proactor.AsyncRead(s.fd, buf, func(code Code, n int) {
		if s.consumeTimeout(&s.pendingRx) && code == ConnectionClosed {
			code = Timeout
		}
		if token.Cancelled() {
			return
		}
		cb(code, n)
	})
	if err != nil {
		s.clearTimeout(&s.pendingRx)
		cb(FromErrno(err), 0)
	}
}

func (s *TCPSocket) armTimeout(slot **pendingTimeout, timeout time.Duration, token *CancelToken) {
	if timeout <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p := &pendingTimeout{token: token}
	p.taskID = s.ctx.PostDelayed(func() {
		s.mu.Lock()
		p.fired = true
		s.mu.Unlock()
		_ = s.ctx.Proactor.Cancel(s.fd)
	}, timeout, nil)
	*slot = p
}

func (s *TCPSocket) clearTimeout(slot **pendingTimeout) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if *slot != nil {
		s.ctx.CancelTask((*slot).taskID)
		*slot = nil
	}
}

// consumeTimeout clears the pending timeout slot and reports whether the
// timeout task had already fired, meaning the completion being delivered
// is the result of a deadline rather than a peer close.
func (s *TCPSocket) consumeTimeout(slot **pendingTimeout) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if *slot == nil {
		return false
	}
	fired := (*slot).fired
	if !fired {
		s.ctx.CancelTask((*slot).taskID)
	}
	*slot = nil
	return fired
}

// Close cancels any outstanding operation and closes the file descriptor.
func (s *TCPSocket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	_ = s.ctx.Proactor.Cancel(s.fd)
	return unix.Close(s.fd)
}

func toSockaddr(addr *net.TCPAddr) (unix.Sockaddr, error) {
	if ip4 := addr.IP.To4(); ip4 != nil {
		var sa unix.SockaddrInet4
		sa.Port = addr.Port
		copy(sa.Addr[:], ip4)
		return &sa, nil
	}
	var sa unix.SockaddrInet6
	sa.Port = addr.Port
	copy(sa.Addr[:], addr.IP.To16())
	return &sa, nil
}
