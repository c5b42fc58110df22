//go:build linux || darwin

package ioruntime

import (
	"net"
	"sync"

	"golang.org/x/sys/unix"
)

// ReceiveFromHandler receives the outcome of AsyncReceiveFrom: the unified
// code, the byte count, and the peer address.
type ReceiveFromHandler func(code Code, n int, from *net.UDPAddr)

// UDPSocket is an asynchronous datagram socket. Sends are attempted
// immediately and fall back to write-readiness registration only when the
// kernel buffer is full; receives register read interest per call.
type UDPSocket struct {
	ctx *IoContext
	fd  int

	mu        sync.Mutex
	closed    bool
	receiving bool
	sending   bool
}

// NewUDPSocket creates an unbound UDP socket owned by ctx.
func NewUDPSocket(ctx *IoContext) (*UDPSocket, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, New(FromErrno(err), err)
	}
	return &UDPSocket{ctx: ctx, fd: fd}, nil
}

// Fd returns the underlying file descriptor.
func (s *UDPSocket) Fd() int { return s.fd }

// Bind binds to addr and switches the socket to non-blocking mode.
func (s *UDPSocket) Bind(addr *net.UDPAddr) error {
	sa, err := udpToSockaddr(addr)
	if err != nil {
		return New(InvalidArgument, err)
	}
	if err := unix.Bind(s.fd, sa); err != nil {
		return New(FromErrno(err), err)
	}
	if err := unix.SetNonblock(s.fd, true); err != nil {
		return New(FromErrno(err), err)
	}
	return nil
}

// LocalAddr returns the bound local address.
func (s *UDPSocket) LocalAddr() (*net.UDPAddr, error) {
	sa, err := unix.Getsockname(s.fd)
	if err != nil {
		return nil, New(FromErrno(err), err)
	}
	return sockaddrToUDP(sa), nil
}

// AsyncSendTo sends data to addr. The send is attempted inline; only if it
// would block is write interest registered with the reactor.
func (s *UDPSocket) AsyncSendTo(data []byte, addr *net.UDPAddr, cb SendHandler) {
	sa, err := udpToSockaddr(addr)
	if err != nil {
		cb(InvalidArgument, 0)
		return
	}
	serr := unix.Sendto(s.fd, data, 0, sa)
	if serr == nil {
		cb(OK, len(data))
		return
	}
	if serr != unix.EAGAIN {
		cb(FromErrno(serr), 0)
		return
	}

	s.mu.Lock()
	if s.sending {
		s.mu.Unlock()
		cb(SendFailed, 0)
		return
	}
	s.sending = true
	s.mu.Unlock()

	rerr := s.ctx.Reactor.Add(s.fd, EventWrite, func(Events) {
		s.mu.Lock()
		s.sending = false
		s.mu.Unlock()
		_ = s.ctx.Reactor.Delete(s.fd)
		if err := unix.Sendto(s.fd, data, 0, sa); err != nil {
			cb(FromErrno(err), 0)
			return
		}
		cb(OK, len(data))
	})
	if rerr != nil {
		s.mu.Lock()
		s.sending = false
		s.mu.Unlock()
		cb(SendFailed, 0)
	}
}

// AsyncReceiveFrom arms a single datagram receive into buf.
func (s *UDPSocket) AsyncReceiveFrom(buf []byte, cb ReceiveFromHandler) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cb(ConnectionClosed, 0, nil)
		return
	}
	if s.receiving {
		s.mu.Unlock()
		cb(ReceiveFailed, 0, nil)
		return
	}
	s.receiving = true
	s.mu.Unlock()

	err := s.ctx.Reactor.Add(s.fd, EventRead, func(Events) {
		s.mu.Lock()
		s.receiving = false
		s.mu.Unlock()
		_ = s.ctx.Reactor.Delete(s.fd)
		n, from, rerr := unix.Recvfrom(s.fd, buf, 0)
		if rerr != nil {
			cb(FromErrno(rerr), 0, nil)
			return
		}
		cb(OK, n, sockaddrToUDP(from))
	})
	if err != nil {
		s.mu.Lock()
		s.receiving = false
		s.mu.Unlock()
		cb(ReceiveFailed, 0, nil)
	}
}

// Close releases interest registrations and the file descriptor.
func (s *UDPSocket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	registered := s.receiving || s.sending
	s.receiving = false
	s.sending = false
	s.mu.Unlock()

	if registered {
		_ = s.ctx.Reactor.Delete(s.fd)
	}
	return unix.Close(s.fd)
}

func udpToSockaddr(addr *net.UDPAddr) (unix.Sockaddr, error) {
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

func sockaddrToUDP(sa unix.Sockaddr) *net.UDPAddr {
	switch s := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.UDPAddr{IP: append(net.IP(nil), s.Addr[:]...), Port: s.Port}
	case *unix.SockaddrInet6:
		return &net.UDPAddr{IP: append(net.IP(nil), s.Addr[:]...), Port: s.Port}
	}
	return nil
}
