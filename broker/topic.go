package broker

import "sync"

// TopicHandler receives a broadcast message. Pub-sub delivery does not
// hold per-subscriber backlogs: a handler that is slow or
// absent simply misses messages published while it wasn't subscribed.
type TopicHandler func(msg *Message)

// TopicStats tracks publish/delivery counters for a topic.
type TopicStats struct {
	Published   int64
	Delivered   int64
	Subscribers int64
}

// Topic is a broker pub-sub broadcast point.
type Topic struct {
	mu          sync.RWMutex
	name        string
	subscribers map[string]TopicHandler
	stats       TopicStats
}

func newTopic(name string) *Topic {
	return &Topic{name: name, subscribers: make(map[string]TopicHandler)}
}

// Name returns the topic's name.
func (t *Topic) Name() string { return t.name }

// Stats returns a snapshot of the topic's counters.
func (t *Topic) Stats() TopicStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stats
}

// CreateTopic creates a new topic, failing if one with the same name
// exists.
func (b *Broker) CreateTopic(name string) error {
	if name == "" {
		return New(InvalidArgument, nil)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.topics[name]; exists {
		return New(AlreadyInitialized, nil)
	}
	b.topics[name] = newTopic(name)
	return nil
}

// DeleteTopic removes a topic.
func (b *Broker) DeleteTopic(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.topics[name]; !exists {
		return New(QueueNotFound, nil)
	}
	delete(b.topics, name)
	return nil
}

// Subscribe registers handler under subscriberID on topic name.
func (b *Broker) Subscribe(name, subscriberID string, handler TopicHandler) error {
	b.mu.RLock()
	t, ok := b.topics[name]
	b.mu.RUnlock()
	if !ok {
		return New(QueueNotFound, nil)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subscribers[subscriberID] = handler
	t.stats.Subscribers = int64(len(t.subscribers))
	return nil
}

// Unsubscribe removes subscriberID from topic name.
func (b *Broker) Unsubscribe(name, subscriberID string) error {
	b.mu.RLock()
	t, ok := b.topics[name]
	b.mu.RUnlock()
	if !ok {
		return New(QueueNotFound, nil)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subscribers, subscriberID)
	t.stats.Subscribers = int64(len(t.subscribers))
	return nil
}

// Publish broadcasts msg to every current subscriber of topic name.
// Subscribers that join after Publish returns do not receive it.
func (b *Broker) Publish(name string, msg *Message) error {
	b.mu.RLock()
	t, ok := b.topics[name]
	b.mu.RUnlock()
	if !ok {
		return New(QueueNotFound, nil)
	}
	t.mu.RLock()
	handlers := make([]TopicHandler, 0, len(t.subscribers))
	for _, h := range t.subscribers {
		handlers = append(handlers, h)
	}
	t.mu.RUnlock()

	for _, h := range handlers {
		h(msg)
	}

	t.mu.Lock()
	t.stats.Published++
	t.stats.Delivered += int64(len(handlers))
	t.mu.Unlock()
	return nil
}
