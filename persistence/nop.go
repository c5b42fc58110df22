package persistence

// nop is a Persistence implementation that discards everything. It is the
// Broker's default when no WithPersistence option is given, and is handy
// for tests that don't care about durability.
type nop struct{}

// NewNop constructs a no-op Persistence.
func NewNop() Persistence { return nop{} }

func (nop) Initialize(Settings) error                       { return nil }
func (nop) Shutdown()                                       {}
func (nop) SaveMessage(string, StoredMessage) error         { return nil }
func (nop) LoadAllMessages(string) ([]StoredMessage, error) { return nil, nil }
func (nop) SaveQueue(string, StoredQueueConfig) error       { return nil }
func (nop) LoadQueue(name string) (StoredQueueConfig, error) {
	return StoredQueueConfig{}, newError(NotFound, ErrNotFound)
}
func (nop) ListPersistedQueues() ([]string, error) { return nil, nil }
