package broker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/joeycumines/go-microbatch"
)

// BatchStatus is a batch's lifecycle state.
type BatchStatus int

const (
	BatchOpen BatchStatus = iota
	BatchCommitted
	BatchAborted
)

func (s BatchStatus) String() string {
	switch s {
	case BatchCommitted:
		return "committed"
	case BatchAborted:
		return "aborted"
	default:
		return "open"
	}
}

// batchEntry pairs a queued message with its destination: unassociated
// batches are valid, so the destination
// travels with each entry rather than the batch itself.
type batchEntry struct {
	Queue   string
	Message *Message
}

// Batch is an explicit client-managed group of sends, distinct from the
// internal microbatch-backed send fast path (sendBatcher below).
type Batch struct {
	mu        sync.Mutex
	id        string
	entries   []batchEntry
	status    BatchStatus
	createdAt time.Time
	expireAt  time.Time
}

// ID returns the batch's identifier.
func (bt *Batch) ID() string { return bt.id }

// CreateBatch opens a new batch that expires (aborts) after ttl if never
// committed.
func (b *Broker) CreateBatch(ttl time.Duration) string {
	id := uuid.NewString()
	now := time.Now()
	bt := &Batch{
		id:        id,
		status:    BatchOpen,
		createdAt: now,
		expireAt:  now.Add(ttl),
	}
	b.batchMu.Lock()
	b.batches[id] = bt
	b.batchMu.Unlock()
	return id
}

// AddToBatch appends a (queue, message) pair to an open batch. A batch
// with no associated queue is still valid to commit: each entry carries
// its own destination.
func (b *Broker) AddToBatch(batchID, queue string, msg *Message) error {
	b.batchMu.Lock()
	bt, ok := b.batches[batchID]
	b.batchMu.Unlock()
	if !ok {
		return New(MessageNotFound, nil)
	}
	bt.mu.Lock()
	defer bt.mu.Unlock()
	if bt.status != BatchOpen {
		return New(InvalidState, nil)
	}
	bt.entries = append(bt.entries, batchEntry{Queue: queue, Message: msg})
	return nil
}

// CommitBatch sends every entry in order and marks the batch committed.
// Commit is idempotent: calling it again on an already-finalized batch id
// returns nil without resending.
func (b *Broker) CommitBatch(batchID string) error {
	b.batchMu.Lock()
	if b.finalizedBatches[batchID] {
		b.batchMu.Unlock()
		return nil
	}
	bt, ok := b.batches[batchID]
	b.batchMu.Unlock()
	if !ok {
		return New(MessageNotFound, nil)
	}

	bt.mu.Lock()
	if bt.status != BatchOpen {
		bt.mu.Unlock()
		return New(InvalidState, nil)
	}
	entries := make([]batchEntry, len(bt.entries))
	copy(entries, bt.entries)
	bt.mu.Unlock()

	var firstErr error
	for _, e := range entries {
		if err := b.SendMessage(e.Queue, e.Message); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	bt.mu.Lock()
	if firstErr != nil {
		bt.status = BatchAborted
	} else {
		bt.status = BatchCommitted
	}
	bt.mu.Unlock()

	b.batchMu.Lock()
	b.finalizedBatches[batchID] = true
	b.batchMu.Unlock()

	return firstErr
}

// AbortBatch discards an open batch without sending its entries.
func (b *Broker) AbortBatch(batchID string) error {
	b.batchMu.Lock()
	bt, ok := b.batches[batchID]
	b.batchMu.Unlock()
	if !ok {
		return New(MessageNotFound, nil)
	}
	bt.mu.Lock()
	if bt.status != BatchOpen {
		bt.mu.Unlock()
		return New(InvalidState, nil)
	}
	bt.status = BatchAborted
	bt.mu.Unlock()

	b.batchMu.Lock()
	b.finalizedBatches[batchID] = true
	b.batchMu.Unlock()
	return nil
}

// batchSweepLoop aborts open batches whose ttl has elapsed.
func (b *Broker) batchSweepLoop() {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.sweepExpiredBatches()
		}
	}
}

func (b *Broker) sweepExpiredBatches() {
	now := time.Now()
	b.batchMu.Lock()
	var due []*Batch
	for id, bt := range b.batches {
		bt.mu.Lock()
		expired := bt.status == BatchOpen && now.After(bt.expireAt)
		bt.mu.Unlock()
		if expired {
			due = append(due, bt)
			b.finalizedBatches[id] = true
		}
	}
	b.batchMu.Unlock()

	for _, bt := range due {
		bt.mu.Lock()
		bt.status = BatchAborted
		bt.mu.Unlock()
		b.emitEvent(Event{Type: "batch.expired", Detail: bt.id})
	}
}

// sendJob is one unit of work submitted to the internal send fast-path
// batcher. It is a pointer type so
// the BatchProcessor can assign its outcome onto the job itself, per that
// package's contract.
type sendJob struct {
	queue string
	msg   *Message
	err   error
}

// sendBatcher coalesces concurrent SendMessage calls against the same
// broker into microbatch windows, reducing per-message lock churn under
// high fan-in. It is distinct from the explicit Batch API
// above: this one is invisible to callers, who still see one SendMessage
// call per message with its own error.
type sendBatcher struct {
	b   *microbatch.Batcher[*sendJob]
	brk *Broker
}

func newSendBatcher(brk *Broker, window time.Duration, maxSize int) *sendBatcher {
	sb := &sendBatcher{brk: brk}
	sb.b = microbatch.NewBatcher[*sendJob](&microbatch.BatcherConfig{
		MaxSize:       maxSize,
		FlushInterval: window,
	}, sb.process)
	return sb
}

func (sb *sendBatcher) process(ctx context.Context, jobs []*sendJob) error {
	for _, j := range jobs {
		j.err = sb.brk.SendMessage(j.queue, j.msg)
	}
	return nil
}

func (sb *sendBatcher) submit(ctx context.Context, queue string, msg *Message) error {
	job := &sendJob{queue: queue, msg: msg}
	result, err := sb.b.Submit(ctx, job)
	if err != nil {
		return err
	}
	if err := result.Wait(ctx); err != nil {
		return err
	}
	return job.err
}

func (b *Broker) fastSendOnce() *sendBatcher {
	b.fastSendInitMu.Lock()
	defer b.fastSendInitMu.Unlock()
	if b.fastSend == nil {
		b.fastSend = newSendBatcher(b, 5*time.Millisecond, 64)
	}
	return b.fastSend
}

// SendMessageCoalesced is SendMessage, routed through a shared microbatch
// window so bursts of concurrent producers amortize the per-message
// routing/replication/persistence work across fewer scheduling rounds.
// The caller-visible contract is identical to SendMessage:
// one call in, one error out for that specific message.
func (b *Broker) SendMessageCoalesced(ctx context.Context, queueName string, msg *Message) error {
	return b.fastSendOnce().submit(ctx, queueName, msg)
}
