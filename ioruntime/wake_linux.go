//go:build linux

package ioruntime

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// eventfdWake is the Linux wake device, built on eventfd.
type eventfdWake struct {
	fd int
}

func newWakeDeviceImpl(_ Reactor) (wakeDevice, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, err
	}
	return &eventfdWake{fd: fd}, nil
}

func (w *eventfdWake) Fd() int { return w.fd }

func (w *eventfdWake) Wake() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(w.fd, buf[:])
	if err == unix.EAGAIN {
		// counter already non-zero; a wake is already pending
		return nil
	}
	return err
}

func (w *eventfdWake) Drain() {
	var buf [8]byte
	for {
		_, err := unix.Read(w.fd, buf[:])
		if err != nil {
			return
		}
	}
}

func (w *eventfdWake) Close() error {
	return unix.Close(w.fd)
}
