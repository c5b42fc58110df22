package broker

import "time"

// moveToDeadLetter appends msg to "<queue>_DLQ", stamping dead-letter
// metadata and bumping the source queue's DeadLettered count, plus its
// ExpiredCount for ReasonExpired. No other reason has a counter of its
// own here (RejectedCount is bumped by Reject for every reject call,
// whatever its outcome). The caller must
// NOT hold the source queue's lock when calling this; dropping it first
// is what keeps the queue-lock -> DLQ-lock ordering acyclic.
func (b *Broker) moveToDeadLetter(queue string, msg *Message, reason DeadLetterReason) error {
	dlqName := dlqNameFor(queue)
	dlq, err := b.getQueue(dlqName)
	if err != nil {
		msg.releasePayload()
		return err
	}

	msg.Status = StatusDeadLetter
	msg.OriginalQueue = queue
	msg.DeadLetterReason = reason

	dlq.mu.Lock()
	dlq.pushReadyLocked(msg)
	dlq.stats.Total++
	dlq.stats.Pending++
	dlq.recordEnqueueLocked(time.Now())
	dlq.notifyOneLocked()
	dlq.mu.Unlock()

	b.mu.RLock()
	src := b.queues[queue]
	b.mu.RUnlock()
	if src != nil {
		src.mu.Lock()
		src.stats.DeadLettered++
		switch reason {
		case ReasonExpired:
			src.stats.ExpiredCount++
		}
		src.mu.Unlock()
	}

	b.logger.Warning().Str("queue", queue).Int64("message", msg.ID).Str("reason", reason.String()).Log("message dead-lettered")
	b.emitEvent(Event{Type: "message.dead-lettered", Queue: queue, Message: msg, Detail: reason.String()})
	return nil
}

// GetDeadLetterMessages drains up to max messages from "<queue>_DLQ"'s
// ready storage.
func (b *Broker) GetDeadLetterMessages(queue string, max int) ([]*Message, error) {
	dlq, err := b.getQueue(dlqNameFor(queue))
	if err != nil {
		return nil, err
	}
	dlq.mu.Lock()
	defer dlq.mu.Unlock()
	var out []*Message
	for len(out) < max {
		msg := dlq.popReadyLocked()
		if msg == nil {
			break
		}
		dlq.stats.Pending--
		out = append(out, msg)
	}
	return out, nil
}

// RequeueDeadLetterMessage locates id within "<queue>_DLQ" (checking
// both ready storage and, defensively, the pending-ack table), resets its
// retry/dead-letter fields, and re-appends it to queue.
func (b *Broker) RequeueDeadLetterMessage(queue string, id int64) error {
	dlqName := dlqNameFor(queue)
	dlq, err := b.getQueue(dlqName)
	if err != nil {
		return err
	}

	var found *Message
	dlq.mu.Lock()
	if dlq.config.Type == QueuePriority {
		for i, it := range dlq.priority {
			if it.msg.ID == id {
				found = it.msg
				dlq.priority = append(dlq.priority[:i], dlq.priority[i+1:]...)
				break
			}
		}
	} else {
		for i, m := range dlq.fifo {
			if m.ID == id {
				found = m
				dlq.fifo = append(dlq.fifo[:i], dlq.fifo[i+1:]...)
				break
			}
		}
	}
	if found == nil {
		if m, ok := dlq.pendingAck[id]; ok {
			found = m
			delete(dlq.pendingAck, id)
		}
	}
	if found != nil {
		dlq.stats.Pending--
	}
	dlq.mu.Unlock()

	if found == nil {
		return New(MessageNotFound, nil)
	}

	found.RetryCount = 0
	found.NextRetry = time.Time{}
	found.Status = StatusSent
	found.OriginalQueue = ""
	found.DeadLetterReason = ReasonNone

	dst, err := b.getQueue(queue)
	if err != nil {
		return err
	}
	dst.mu.Lock()
	dst.pushReadyLocked(found)
	dst.stats.Total++
	dst.stats.Pending++
	dst.recordEnqueueLocked(time.Now())
	dst.notifyOneLocked()
	dst.mu.Unlock()

	b.emitEvent(Event{Type: "message.requeued", Queue: queue, Message: found})
	return nil
}

// PurgeDeadLetterQueue empties "<queue>_DLQ".
func (b *Broker) PurgeDeadLetterQueue(queue string) error {
	return b.PurgeQueue(dlqNameFor(queue))
}

// dlqMonitorLoop evaluates DLQ alert thresholds for every queue carrying
// an AlertConfig, every check interval.
func (b *Broker) dlqMonitorLoop() {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.evaluateDLQAlerts()
		}
	}
}

func (b *Broker) evaluateDLQAlerts() {
	b.alertMu.Lock()
	configs := make(map[string]AlertConfig, len(b.alertConfigs))
	for k, v := range b.alertConfigs {
		configs[k] = v
	}
	b.alertMu.Unlock()

	now := time.Now()
	for queue, cfg := range configs {
		if !cfg.lastCheckDue(now) {
			continue
		}
		b.alertMu.Lock()
		cfg = b.alertConfigs[queue]
		cfg.lastCheck = now
		b.alertConfigs[queue] = cfg
		b.alertMu.Unlock()

		dlq, err := b.getQueue(dlqNameFor(queue))
		if err != nil {
			continue
		}
		src, err := b.getQueue(queue)
		if err != nil {
			continue
		}

		dlq.mu.RLock()
		dlqCount := int64(dlq.depthLocked())
		dlqCap := dlq.config.MaxCount
		dlq.mu.RUnlock()

		src.mu.RLock()
		total := src.stats.Total
		src.mu.RUnlock()

		b.evaluateQueueAlerts(queue, cfg, dlqCount, dlqCap, total)
	}
}
