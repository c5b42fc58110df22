//go:build windows

package ioruntime

import (
	"net"
	"sync"
	"time"

	"golang.org/x/sys/windows"
)

type TCPSocket struct {
	ctx *IoContext
	fd  windows.Handle

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

// NewTCPSocket creates an unconnected, overlapped-capable TCP socket owned
// by ctx. A synchronous windows.Connect stands in for the overlapped
// ConnectEx path.
func NewTCPSocket(ctx *IoContext) (*TCPSocket, error) {
	fd, err := windows.Socket(windows.AF_INET, windows.SOCK_STREAM, windows.IPPROTO_TCP)
	if err != nil {
		return nil, New(FromErrno(err), err)
	}
	return &TCPSocket{ctx: ctx, fd: fd}, nil
}

func (s *TCPSocket) Fd() int { return int(s.fd) }

func (s *TCPSocket) Connect(addr *net.TCPAddr) error {
	sa, err := toSockaddr(addr)
	if err != nil {
		return New(InvalidArgument, err)
	}
	if err := windows.Connect(s.fd, sa); err != nil {
		return New(FromErrno(err), err)
	}
	return nil
}

func (s *TCPSocket) AsyncSend(data []byte, cb SendHandler, token *CancelToken, timeout time.Duration) {
	s.armTimeout(&s.pendingTx, timeout, token)
	err := s.ctx.Proactor.AsyncWrite(int(s.fd), data, func(code Code, n int) {
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

func (s *TCPSocket) AsyncReceive(buf []byte, cb ReceiveHandler, token *CancelToken, timeout time.Duration) {
	s.armTimeout(&s.pendingRx, timeout, token)
	err := s.ctx.Proactor.AsyncRead(int(s.fd), buf, func(code Code, n int) {
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
		_ = s.ctx.Proactor.Cancel(int(s.fd))
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

func (s *TCPSocket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	_ = s.ctx.Proactor.Cancel(int(s.fd))
	return windows.Closesocket(s.fd)
}

func toSockaddr(addr *net.TCPAddr) (windows.Sockaddr, error) {
	if ip4 := addr.IP.To4(); ip4 != nil {
		var sa windows.SockaddrInet4
		sa.Port = addr.Port
		copy(sa.Addr[:], ip4)
		return &sa, nil
	}
	var sa windows.SockaddrInet6
	sa.Port = addr.Port
	copy(sa.Addr[:], addr.IP.To16())
	return &sa, nil
}
