package ioruntime

// wakeDevice is the platform wake-up primitive an IoContext uses to
// interrupt a blocked Reactor.Poll from another thread: eventfd on Linux,
// a self-pipe on macOS, an IOCP completion-key post on Windows.
type wakeDevice interface {
	// Fd returns the read-end file descriptor to register with the
	// Reactor for EventRead, or -1 if this platform does not wake via an
	// fd registration (Windows posts directly to the completion port).
	Fd() int
	// Wake unblocks a pending Poll. Safe to call from any goroutine.
	Wake() error
	// Drain consumes any pending wake notification after Poll returns;
	// a no-op on platforms that don't buffer (Windows).
	Drain()
	// Close releases the wake device's resources.
	Close() error
}

func newWakeDevice(r Reactor) (wakeDevice, error) {
	return newWakeDeviceImpl(r)
}
