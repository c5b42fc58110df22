package broker

import (
	"context"
	"io"
	"strconv"
	"time"

	"github.com/joeycumines/go-longpoll"
	"github.com/ridgemq/ridgemq/persistence"
)

// CreateQueue creates a new queue, failing if one with the same name
// already exists. If cfg.DeadLetterEnabled and the queue
// itself isn't a DLQ, an associated "<name>_DLQ" queue is auto-created.
func (b *Broker) CreateQueue(cfg QueueConfig) error {
	if cfg.Name == "" {
		return New(InvalidArgument, nil)
	}
	b.mu.Lock()
	if _, exists := b.queues[cfg.Name]; exists {
		b.mu.Unlock()
		return New(AlreadyInitialized, nil)
	}
	q := newQueue(b, cfg)
	b.queues[cfg.Name] = q
	b.mu.Unlock()

	if cfg.DeadLetterEnabled && cfg.Type != QueueDeadLetter {
		dlqName := dlqNameFor(cfg.Name)
		b.mu.RLock()
		_, exists := b.queues[dlqName]
		b.mu.RUnlock()
		if !exists {
			dlqCfg := QueueConfig{
				Name:              dlqName,
				Type:              QueueDeadLetter,
				Persistence:       PersistDiskAndMemory,
				MaxCount:          maxInt64(cfg.MaxCount*10, 10000),
				MaxBytes:          cfg.MaxBytes * 10,
				DefaultTTL:        7 * 24 * time.Hour,
				DeadLetterEnabled: false,
			}
			b.mu.Lock()
			if _, exists := b.queues[dlqName]; !exists {
				b.queues[dlqName] = newQueue(b, dlqCfg)
			}
			b.mu.Unlock()
		}
	}

	b.logger.Info().Str("queue", cfg.Name).Log("queue created")
	b.emitEvent(Event{Type: "queue.created", Queue: cfg.Name})
	return nil
}

func dlqNameFor(queue string) string { return queue + "_DLQ" }

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// DeleteQueue removes a queue, waking every blocked receiver first.
func (b *Broker) DeleteQueue(name string) error {
	b.mu.Lock()
	q, ok := b.queues[name]
	if !ok {
		b.mu.Unlock()
		return New(QueueNotFound, nil)
	}
	delete(b.queues, name)
	b.mu.Unlock()

	q.mu.Lock()
	q.closed = true
	q.notifyAllLocked()
	for _, m := range q.fifo {
		m.releasePayload()
	}
	for _, it := range q.priority {
		it.msg.releasePayload()
	}
	for _, m := range q.pendingAck {
		m.releasePayload()
	}
	q.mu.Unlock()

	b.logger.Info().Str("queue", name).Log("queue deleted")
	b.emitEvent(Event{Type: "queue.deleted", Queue: name})
	return nil
}

// PurgeQueue drops all ready messages and clears the pending-ack table.
func (b *Broker) PurgeQueue(name string) error {
	q, err := b.getQueue(name)
	if err != nil {
		return err
	}
	q.mu.Lock()
	for _, m := range q.fifo {
		m.releasePayload()
	}
	for _, it := range q.priority {
		it.msg.releasePayload()
	}
	for _, m := range q.pendingAck {
		m.releasePayload()
	}
	q.fifo = nil
	q.priority = q.priority[:0]
	q.pendingAck = make(map[int64]*Message)
	q.stats.Pending = 0
	q.mu.Unlock()
	return nil
}

func (b *Broker) getQueue(name string) (*Queue, error) {
	b.mu.RLock()
	q, ok := b.queues[name]
	b.mu.RUnlock()
	if !ok {
		return nil, New(QueueNotFound, nil)
	}
	return q, nil
}

// Queue returns the named queue (for inspection / metrics), or an error if
// it doesn't exist.
func (b *Broker) Queue(name string) (*Queue, error) { return b.getQueue(name) }

// routingKeyFor prefers the partition_key property, else falls back to the
// queue name.
func routingKeyFor(msg *Message, queueName string) string {
	if v, ok := msg.Property("partition_key"); ok && v != "" {
		return v
	}
	return queueName
}

// SendMessage validates, routes, enqueues, optionally persists, and
// optionally replicates msg into queueName.
func (b *Broker) SendMessage(queueName string, msg *Message) error {
	if len(msg.Payload.Bytes) == 0 {
		return New(InvalidArgument, nil)
	}
	if msg.Type == "" {
		return New(InvalidArgument, nil)
	}
	q, err := b.getQueue(queueName)
	if err != nil {
		return err
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return New(QueueNotFound, nil)
	}
	if q.config.MaxCount > 0 && int64(q.depthLocked()) >= q.config.MaxCount {
		q.mu.Unlock()
		return New(QueueFull, nil)
	}
	if q.config.MaxBytes > 0 && q.byteSizeLocked()+int64(msg.Payload.Len()) > q.config.MaxBytes {
		q.mu.Unlock()
		return New(QueueFull, nil)
	}
	if q.config.MaxBytes > 0 && q.config.MaxCount > 0 {
		perMsgLimit := q.config.MaxBytes / q.config.MaxCount
		if perMsgLimit > 0 && int64(msg.Payload.Len()) > perMsgLimit {
			q.mu.Unlock()
			return New(MessageTooLarge, nil)
		}
	}
	now := time.Now()
	msg.ID = b.ids.next()
	msg.CreatedAt = now
	msg.Status = StatusSent
	if msg.ExpiresAt.IsZero() && q.config.DefaultTTL > 0 {
		msg.ExpiresAt = now.Add(q.config.DefaultTTL)
	}
	if msg.MaxRetries == 0 {
		msg.MaxRetries = q.config.Retry.MaxRetries
	}
	compCfg := q.config.Compression
	encCfg := q.config.Encryption
	q.mu.Unlock()

	if err := b.applyCompression(msg, compCfg); err != nil {
		return New(InternalError, err)
	}
	if err := b.applyEncryption(msg, encCfg); err != nil {
		return New(InternalError, err)
	}

	key := routingKeyFor(msg, queueName)
	if route, ok := b.GetShardForKey(key); ok {
		msg.SetProperty("routed_node", route.NodeID)
		msg.SetProperty("routed_shard", strconv.Itoa(route.ShardID))
		msg.SetProperty("routed_role", route.Role.String())
		msg.SetProperty("routed_healthy", strconv.FormatBool(route.Healthy))
		attempt := 1
		if v, ok := msg.Property("routing_attempt"); ok {
			if n, err := strconv.Atoi(v); err == nil {
				attempt = n + 1
			}
		}
		msg.SetProperty("routing_attempt", strconv.Itoa(attempt))

		repl := b.replicate(route.ShardID, msg, queueName)
		b.emitEvent(Event{Type: "replication", Queue: queueName, Message: msg, Detail: strconv.Itoa(repl.AckCount)})
	}

	if q.config.Persistence != PersistMemory {
		if err := b.persist.SaveMessage(queueName, toStoredMessage(msg)); err != nil {
			return New(OperationFailed, err)
		}
	}

	q.mu.Lock()
	q.pushReadyLocked(msg)
	q.stats.Total++
	q.stats.Pending++
	q.recordEnqueueLocked(now)
	q.notifyOneLocked()
	q.mu.Unlock()

	b.emitEvent(Event{Type: "message.sent", Queue: queueName, Message: msg})
	return nil
}

// ZeroCopyBuffer is a non-owning reference to a caller-held buffer. The
// caller guarantees the buffer outlives enqueue and replication-log
// stamping; a persistence backend may still copy on SaveMessage.
type ZeroCopyBuffer struct {
	Bytes   []byte
	Release func()
}

// CreateZeroCopyBuffer constructs a non-owning buffer descriptor.
func CreateZeroCopyBuffer(data []byte, release func()) *ZeroCopyBuffer {
	return &ZeroCopyBuffer{Bytes: data, Release: release}
}

// SendMessageZeroCopy constructs a message whose payload references buf
// without copying, and sends it normally.
func (b *Broker) SendMessageZeroCopy(queueName string, buf *ZeroCopyBuffer, msgType string, priority Priority) error {
	msg := &Message{
		Type:     msgType,
		Priority: priority,
		Mode:     AtLeastOnce,
		Payload:  Payload{Bytes: buf.Bytes, External: true, Release: buf.Release},
	}
	return b.SendMessage(queueName, msg)
}

// ReceiveMessage blocks (up to timeout) until a message is available,
// delivers it, and (unless autoAck) tracks it in the pending-ack table.
// The blocking wait is built on go-longpoll's
// receive-with-timeout helper: each queue maintains one-shot wake
// channels (closed by SendMessage/Reject/RequeueDeadLetterMessage), and
// longpoll.Channel is used to wait on the current one with a deadline.
func (b *Broker) ReceiveMessage(queueName string, timeout time.Duration, autoAck bool) (*Message, error) {
	q, err := b.getQueue(queueName)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	for {
		select {
		case <-b.stopCh:
			return nil, New(InvalidState, nil)
		default:
		}
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, New(QueueNotFound, nil)
		}
		msg := q.popReadyLocked()
		if msg == nil {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				q.mu.Unlock()
				return nil, New(Timeout, nil)
			}
			waiter := q.registerWaiterLocked()
			q.mu.Unlock()

			ctx, cancel := context.WithTimeout(context.Background(), remaining)
			werr := longpoll.Channel(ctx, &longpoll.ChannelConfig{MaxSize: 1, MinSize: 1}, waiter, func(struct{}) error { return nil })
			cancel()
			if werr != nil && werr != io.EOF {
				q.mu.Lock()
				q.removeWaiterLocked(waiter)
				q.mu.Unlock()
				return nil, New(Timeout, nil)
			}
			continue
		}

		now := time.Now()
		if msg.Expired(now) {
			q.stats.Pending--
			q.mu.Unlock()
			_ = b.moveToDeadLetter(q.name, msg, ReasonExpired)
			return nil, New(Timeout, nil)
		}
		if !msg.RetryEligible(now) {
			q.pushReadyLocked(msg)
			q.mu.Unlock()
			return nil, New(Timeout, nil)
		}

		msg.Status = StatusDelivered
		if !autoAck {
			q.pendingAck[msg.ID] = msg
		} else {
			q.stats.Pending--
		}
		q.recordDequeueLocked(now)
		encCfg := q.config.Encryption
		q.mu.Unlock()

		// reverse the send-side transformations before handing the message
		// back to the caller.
		if err := reverseEncryption(msg, encCfg); err != nil {
			return nil, New(InternalError, err)
		}
		if err := reverseCompression(msg); err != nil {
			return nil, New(InternalError, err)
		}

		b.emitEvent(Event{Type: "message.delivered", Queue: queueName, Message: msg})
		return msg, nil
	}
}

// Acknowledge removes msgID from the pending-ack table, incrementing the
// processed counter and sampling end-to-end latency.
func (b *Broker) Acknowledge(queueName string, msgID int64) error {
	q, err := b.getQueue(queueName)
	if err != nil {
		return err
	}
	q.mu.Lock()
	msg, ok := q.pendingAck[msgID]
	if !ok {
		q.mu.Unlock()
		return New(MessageNotFound, nil)
	}
	delete(q.pendingAck, msgID)
	msg.Status = StatusAcknowledged
	q.stats.Processed++
	q.stats.Pending--
	q.recordLatencyLocked(time.Since(msg.CreatedAt))
	q.mu.Unlock()

	msg.releasePayload()
	b.emitEvent(Event{Type: "message.acknowledged", Queue: queueName, Message: msg})
	return nil
}

// Reject decides requeue vs dead-letter for a previously delivered message
// : if requeue is true and retries remain, it is rescheduled
// with exponential backoff; otherwise it is moved to the queue's DLQ with
// reason max-retries-exceeded (requeue requested but exhausted) or
// rejected (requeue=false).
func (b *Broker) Reject(queueName string, msgID int64, requeue bool) error {
	q, err := b.getQueue(queueName)
	if err != nil {
		return err
	}
	q.mu.Lock()
	msg, ok := q.pendingAck[msgID]
	if !ok {
		q.mu.Unlock()
		return New(MessageNotFound, nil)
	}
	delete(q.pendingAck, msgID)
	q.stats.RejectedCount++

	if requeue && msg.RetryCount < q.config.Retry.MaxRetries {
		delay := q.config.Retry.computeDelay(msg.RetryCount)
		msg.RetryCount++
		msg.NextRetry = time.Now().Add(delay)
		msg.Status = StatusSent
		q.pushReadyLocked(msg)
		q.stats.Retried++
		q.notifyOneLocked()
		q.mu.Unlock()
		b.emitEvent(Event{Type: "message.retried", Queue: queueName, Message: msg})
		return nil
	}

	reason := ReasonRejected
	if requeue {
		reason = ReasonMaxRetriesExceeded
	}
	q.stats.Pending--
	q.mu.Unlock()

	if q.config.DeadLetterEnabled {
		return b.moveToDeadLetter(q.name, msg, reason)
	}
	msg.releasePayload()
	return nil
}

func toStoredMessage(msg *Message) persistence.StoredMessage {
	var expiresAt int64
	if !msg.ExpiresAt.IsZero() {
		expiresAt = msg.ExpiresAt.UnixMilli()
	}
	return persistence.StoredMessage{
		ID:         msg.ID,
		Type:       msg.Type,
		Priority:   int(msg.Priority),
		Mode:       int(msg.Mode),
		CreatedAt:  msg.CreatedAt.UnixMilli(),
		ExpiresAt:  expiresAt,
		RetryCount: msg.RetryCount,
		MaxRetries: msg.MaxRetries,
		Status:     int(msg.Status),
		Properties: msg.Properties,
		Payload:    msg.Payload.Bytes,
	}
}
