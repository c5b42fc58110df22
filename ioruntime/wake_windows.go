//go:build windows

package ioruntime

// poster is implemented by iocpReactor; the Windows wake device posts a
// null completion directly to the port rather than registering an fd.
type poster interface {
	PostWake() error
}

type iocpWake struct {
	r poster
}

func newWakeDeviceImpl(r Reactor) (wakeDevice, error) {
	p, _ := r.(poster)
	return &iocpWake{r: p}, nil
}

func (w *iocpWake) Fd() int { return -1 }

func (w *iocpWake) Wake() error {
	if w.r == nil {
		return nil
	}
	return w.r.PostWake()
}

func (w *iocpWake) Drain() {}

func (w *iocpWake) Close() error { return nil }
