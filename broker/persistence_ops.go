package broker

import (
	"sort"
	"strconv"
	"time"

	"github.com/ridgemq/ridgemq/persistence"
)

// SaveToDisk snapshots every disk-persisted queue's configuration and
// statistics to the persistence collaborator. Messages are already saved
// incrementally on the send path; this persists the queue-level records a
// later RecoverFromDisk needs to rebuild the queue set.
func (b *Broker) SaveToDisk() error {
	b.mu.RLock()
	queues := make([]*Queue, 0, len(b.queues))
	for _, q := range b.queues {
		queues = append(queues, q)
	}
	b.mu.RUnlock()

	var firstErr error
	for _, q := range queues {
		q.mu.RLock()
		cfg := q.config
		stats := q.stats
		q.mu.RUnlock()
		if cfg.Persistence == PersistMemory {
			continue
		}
		if err := b.persist.SaveQueue(cfg.Name, storedQueueConfig(cfg, stats)); err != nil && firstErr == nil {
			firstErr = New(OperationFailed, err)
		}
	}
	return firstErr
}

// RecoverFromDisk rebuilds queues and their messages from the persistence
// collaborator. ListPersistedQueues drives recovery order (sorted for
// determinism); each queue's messages are restored in stored order.
// Queues that already exist are skipped.
func (b *Broker) RecoverFromDisk() error {
	names, err := b.persist.ListPersistedQueues()
	if err != nil {
		return New(OperationFailed, err)
	}
	sort.Strings(names)

	for _, name := range names {
		stored, err := b.persist.LoadQueue(name)
		if err != nil {
			return New(OperationFailed, err)
		}
		cfg := queueConfigFromStored(name, stored)

		b.mu.Lock()
		if _, exists := b.queues[name]; exists {
			b.mu.Unlock()
			continue
		}
		q := newQueue(b, cfg)
		b.queues[name] = q
		b.mu.Unlock()

		msgs, err := b.persist.LoadAllMessages(name)
		if err != nil {
			return New(OperationFailed, err)
		}
		q.mu.Lock()
		for _, sm := range msgs {
			msg := fromStoredMessage(sm)
			// messages that had already reached a terminal state stay out
			// of the ready storage
			if msg.Status == StatusAcknowledged || msg.Status == StatusDeadLetter {
				continue
			}
			msg.Status = StatusSent
			q.pushReadyLocked(msg)
			q.stats.Total++
			q.stats.Pending++
			b.ids.advanceTo(msg.ID)
		}
		q.mu.Unlock()
		b.logger.Info().Str("queue", name).Int("messages", len(msgs)).Log("queue recovered")
		b.emitEvent(Event{Type: "queue.recovered", Queue: name})
	}
	return nil
}

func storedQueueConfig(cfg QueueConfig, stats QueueStats) persistence.StoredQueueConfig {
	return persistence.StoredQueueConfig{
		Name: cfg.Name,
		Settings: map[string]string{
			"type":             strconv.Itoa(int(cfg.Type)),
			"persistence":      strconv.Itoa(int(cfg.Persistence)),
			"max.count":        strconv.FormatInt(cfg.MaxCount, 10),
			"max.bytes":        strconv.FormatInt(cfg.MaxBytes, 10),
			"default.ttl.ms":   strconv.FormatInt(cfg.DefaultTTL.Milliseconds(), 10),
			"retry.base.ms":    strconv.FormatInt(cfg.Retry.BaseDelay.Milliseconds(), 10),
			"retry.multiplier": strconv.FormatFloat(cfg.Retry.Multiplier, 'f', -1, 64),
			"retry.max.ms":     strconv.FormatInt(cfg.Retry.MaxDelay.Milliseconds(), 10),
			"retry.max":        strconv.Itoa(cfg.Retry.MaxRetries),
			"dead.letter":      strconv.FormatBool(cfg.DeadLetterEnabled),
			"window.seconds":   strconv.Itoa(cfg.WindowSeconds),
			"latency.capacity": strconv.Itoa(cfg.LatencyCapacity),
		},
		Stats: map[string]int64{
			"total":         stats.Total,
			"processed":     stats.Processed,
			"dead.lettered": stats.DeadLettered,
			"retried":       stats.Retried,
		},
	}
}

func queueConfigFromStored(name string, stored persistence.StoredQueueConfig) QueueConfig {
	s := stored.Settings
	atoi := func(key string) int {
		n, _ := strconv.Atoi(s[key])
		return n
	}
	atoi64 := func(key string) int64 {
		n, _ := strconv.ParseInt(s[key], 10, 64)
		return n
	}
	mult, _ := strconv.ParseFloat(s["retry.multiplier"], 64)
	return QueueConfig{
		Name:        name,
		Type:        QueueType(atoi("type")),
		Persistence: PersistenceMode(atoi("persistence")),
		MaxCount:    atoi64("max.count"),
		MaxBytes:    atoi64("max.bytes"),
		DefaultTTL:  time.Duration(atoi64("default.ttl.ms")) * time.Millisecond,
		Retry: RetryPolicy{
			BaseDelay:  time.Duration(atoi64("retry.base.ms")) * time.Millisecond,
			Multiplier: mult,
			MaxDelay:   time.Duration(atoi64("retry.max.ms")) * time.Millisecond,
			MaxRetries: atoi("retry.max"),
		},
		DeadLetterEnabled: s["dead.letter"] == "true",
		WindowSeconds:     atoi("window.seconds"),
		LatencyCapacity:   atoi("latency.capacity"),
	}
}

func fromStoredMessage(sm persistence.StoredMessage) *Message {
	var expiresAt time.Time
	if sm.ExpiresAt > 0 {
		expiresAt = time.UnixMilli(sm.ExpiresAt)
	}
	return &Message{
		ID:         sm.ID,
		Type:       sm.Type,
		Priority:   Priority(sm.Priority),
		Mode:       DeliveryMode(sm.Mode),
		CreatedAt:  time.UnixMilli(sm.CreatedAt),
		ExpiresAt:  expiresAt,
		RetryCount: sm.RetryCount,
		MaxRetries: sm.MaxRetries,
		Status:     Status(sm.Status),
		Properties: sm.Properties,
		Payload:    Payload{Bytes: sm.Payload},
	}
}
