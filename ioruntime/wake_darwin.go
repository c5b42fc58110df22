//go:build darwin

package ioruntime

import "syscall"

// pipeWake is the Darwin wake device: the classic non-blocking
// self-pipe trick (kqueue has no eventfd equivalent).
type pipeWake struct {
	readFD, writeFD int
}

func newWakeDeviceImpl(_ Reactor) (wakeDevice, error) {
	var fds [2]int
	if err := syscall.Pipe(fds[:]); err != nil {
		return nil, err
	}
	syscall.CloseOnExec(fds[0])
	syscall.CloseOnExec(fds[1])
	if err := syscall.SetNonblock(fds[0], true); err != nil {
		_ = syscall.Close(fds[0])
		_ = syscall.Close(fds[1])
		return nil, err
	}
	if err := syscall.SetNonblock(fds[1], true); err != nil {
		_ = syscall.Close(fds[0])
		_ = syscall.Close(fds[1])
		return nil, err
	}
	return &pipeWake{readFD: fds[0], writeFD: fds[1]}, nil
}

func (w *pipeWake) Fd() int { return w.readFD }

func (w *pipeWake) Wake() error {
	_, err := syscall.Write(w.writeFD, []byte{1})
	if err == syscall.EAGAIN {
		// pipe buffer already has a pending wake byte
		return nil
	}
	return err
}

func (w *pipeWake) Drain() {
	buf := make([]byte, 64)
	for {
		_, err := syscall.Read(w.readFD, buf)
		if err != nil {
			return
		}
	}
}

func (w *pipeWake) Close() error {
	_ = syscall.Close(w.writeFD)
	return syscall.Close(w.readFD)
}
