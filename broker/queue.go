package broker

import (
	"container/heap"
	"sync"
	"time"

	"github.com/ridgemq/ridgemq/internal/ring"
)

// QueueType distinguishes the storage/delivery discipline of a queue.
type QueueType int

const (
	QueueStandard QueueType = iota
	QueuePriority
	QueueDeadLetter
	QueueDelay
)

// PersistenceMode controls whether a queue's messages are ever written to
// the configured persistence collaborator.
type PersistenceMode int

const (
	PersistMemory PersistenceMode = iota
	PersistDisk
	PersistDiskAndMemory
)

// RetryPolicy is the per-queue backoff schedule: the k-th retry delay is
// min(BaseDelay * Multiplier^k, MaxDelay).
type RetryPolicy struct {
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
	// MaxRetries is the maximum number of redelivery attempts after the
	// first delivery.
	MaxRetries int
}

// computeDelay returns the delay before the (retryCount+1)-th attempt,
// clamped to MaxDelay.
func (p RetryPolicy) computeDelay(retryCount int) time.Duration {
	if p.Multiplier <= 0 {
		p.Multiplier = 1
	}
	d := float64(p.BaseDelay)
	for i := 0; i < retryCount; i++ {
		d *= p.Multiplier
	}
	delay := time.Duration(d)
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// CompressionAlgorithm enumerates supported wire compression algorithms.
type CompressionAlgorithm int

const (
	CompressionNone CompressionAlgorithm = iota
	CompressionGzip
	CompressionSnappy
	CompressionLZ4
)

func (a CompressionAlgorithm) String() string {
	switch a {
	case CompressionGzip:
		return "gzip"
	case CompressionSnappy:
		return "snappy"
	case CompressionLZ4:
		return "lz4"
	default:
		return "none"
	}
}

// EncryptionAlgorithm enumerates supported wire encryption algorithms.
type EncryptionAlgorithm int

const (
	EncryptionNone EncryptionAlgorithm = iota
	EncryptionAES128CBC
	EncryptionAES256GCM
)

func (a EncryptionAlgorithm) String() string {
	switch a {
	case EncryptionAES128CBC:
		return "aes-128-cbc"
	case EncryptionAES256GCM:
		return "aes-256-gcm"
	default:
		return "none"
	}
}

// CompressionConfig is per-queue compression configuration.
type CompressionConfig struct {
	Algorithm CompressionAlgorithm
	Level     int
	MinSize   int
	Auto      bool
}

// EncryptionConfig is per-queue encryption configuration.
type EncryptionConfig struct {
	Algorithm EncryptionAlgorithm
	Key       []byte
	IV        []byte // used by AES-CBC only; AES-GCM generates its own nonce
	Auto      bool
}

// QueueConfig configures a queue at creation time.
type QueueConfig struct {
	Name              string
	Type              QueueType
	Persistence       PersistenceMode
	MaxCount          int64
	MaxBytes          int64
	DefaultTTL        time.Duration
	Retry             RetryPolicy
	DeadLetterEnabled bool
	WindowSeconds     int // sliding-window width for enqueue/dequeue rate, default 60
	LatencyCapacity   int // latency sample ring capacity, default 1024
	Compression       CompressionConfig
	Encryption        EncryptionConfig
}

// QueueStats is the point-in-time counters kept per queue.
type QueueStats struct {
	Pending       int64
	Total         int64
	Processed     int64
	DeadLettered  int64
	Retried       int64
	ExpiredCount  int64
	RejectedCount int64
}

const (
	defaultWindowSeconds   = 60
	defaultLatencyCapacity = 1024
	ringInitialCapacity    = 64
)

// Queue is the broker's in-memory queue, owning FIFO/priority storage, the
// pending-acknowledgement table, and the sliding-window stats structures.
// Every unacknowledged delivered message is present in
// exactly one of {ready storage, pendingAck}.
type Queue struct {
	broker *Broker
	mu     sync.RWMutex

	name   string
	config QueueConfig

	fifo     []*Message
	priority priorityHeap

	pendingAck map[int64]*Message

	stats QueueStats

	enqueueTimes *ring.Buffer[int64]
	dequeueTimes *ring.Buffer[int64]
	latencies    *ring.Buffer[int64] // nanoseconds, appended in completion order (not sorted)

	waiters []chan struct{} // one-shot notification channels for blocked ReceiveMessage calls

	closed   bool
	arrivalN uint64
}

// priorityItem is one entry in the priority heap.
type priorityItem struct {
	msg     *Message
	arrival uint64
}

// priorityHeap orders by priority descending, then arrival ascending,
// so higher priorities dequeue first and ties resolve in arrival order.
type priorityHeap []priorityItem

func (h priorityHeap) Len() int { return len(h) }
func (h priorityHeap) Less(i, j int) bool {
	if h[i].msg.Priority != h[j].msg.Priority {
		return h[i].msg.Priority > h[j].msg.Priority
	}
	return h[i].arrival < h[j].arrival
}
func (h priorityHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *priorityHeap) Push(x any)   { *h = append(*h, x.(priorityItem)) }
func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func newQueue(b *Broker, cfg QueueConfig) *Queue {
	if cfg.WindowSeconds <= 0 || cfg.LatencyCapacity <= 0 {
		b.configMu.RLock()
		if cfg.WindowSeconds <= 0 {
			cfg.WindowSeconds = b.metricsWindow
		}
		if cfg.LatencyCapacity <= 0 {
			cfg.LatencyCapacity = b.metricsLatencyCapacity
		}
		b.configMu.RUnlock()
	}
	if cfg.WindowSeconds <= 0 {
		cfg.WindowSeconds = defaultWindowSeconds
	}
	if cfg.LatencyCapacity <= 0 {
		cfg.LatencyCapacity = defaultLatencyCapacity
	}
	q := &Queue{
		broker:       b,
		name:         cfg.Name,
		config:       cfg,
		pendingAck:   make(map[int64]*Message),
		enqueueTimes: ring.New[int64](ringInitialCapacity),
		dequeueTimes: ring.New[int64](ringInitialCapacity),
		latencies:    ring.New[int64](nextPow2(cfg.LatencyCapacity)),
	}
	if cfg.Type == QueuePriority {
		heap.Init(&q.priority)
	}
	return q
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	if p == 0 {
		p = 1
	}
	return p
}

// depthLocked returns len(ready) under lock, used by capacity checks.
func (q *Queue) depthLocked() int {
	if q.config.Type == QueuePriority {
		return len(q.priority)
	}
	return len(q.fifo)
}

// byteSizeLocked sums payload sizes of ready messages, for MaxBytes checks.
func (q *Queue) byteSizeLocked() int64 {
	var total int64
	if q.config.Type == QueuePriority {
		for _, it := range q.priority {
			total += int64(it.msg.Payload.Len())
		}
	} else {
		for _, m := range q.fifo {
			total += int64(m.Payload.Len())
		}
	}
	return total
}

// notifyOneLocked wakes a single blocked receiver, if any are waiting. Must
// be called with q.mu held for writing (one waiter is removed from the list
// here).
func (q *Queue) notifyOneLocked() {
	if len(q.waiters) == 0 {
		return
	}
	ch := q.waiters[0]
	q.waiters = q.waiters[1:]
	close(ch)
}

// notifyAllLocked wakes every blocked receiver, used by queue deletion.
func (q *Queue) notifyAllLocked() {
	for _, ch := range q.waiters {
		close(ch)
	}
	q.waiters = nil
}

// registerWaiterLocked adds a fresh notification channel to the waiter
// list and returns it; the caller must unlock before receiving from it.
func (q *Queue) registerWaiterLocked() chan struct{} {
	ch := make(chan struct{})
	q.waiters = append(q.waiters, ch)
	return ch
}

// removeWaiterLocked drops a waiter that gave up (deadline) without being
// notified, so a later notifyOneLocked doesn't spend its wake on a
// receiver that is no longer listening.
func (q *Queue) removeWaiterLocked(ch chan struct{}) {
	for i, w := range q.waiters {
		if w == ch {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return
		}
	}
}

// pushReadyLocked appends msg to the appropriate ready storage.
func (q *Queue) pushReadyLocked(msg *Message) {
	msg.arrival = q.arrivalN
	q.arrivalN++
	if q.config.Type == QueuePriority {
		heap.Push(&q.priority, priorityItem{msg: msg, arrival: msg.arrival})
	} else {
		q.fifo = append(q.fifo, msg)
	}
}

// popReadyLocked removes and returns the next ready message, or nil if
// empty.
func (q *Queue) popReadyLocked() *Message {
	if q.config.Type == QueuePriority {
		if len(q.priority) == 0 {
			return nil
		}
		return heap.Pop(&q.priority).(priorityItem).msg
	}
	if len(q.fifo) == 0 {
		return nil
	}
	msg := q.fifo[0]
	q.fifo = q.fifo[1:]
	return msg
}

// Name returns the queue's name.
func (q *Queue) Name() string { return q.name }

// Config returns a copy of the queue's configuration.
func (q *Queue) Config() QueueConfig {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.config
}

// Stats returns a snapshot of the queue's counters.
func (q *Queue) Stats() QueueStats {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.stats
}

// recordEnqueueLocked records an enqueue timestamp sample and trims the
// sliding window.13.
func (q *Queue) recordEnqueueLocked(now time.Time) {
	recordWindowSample(q.enqueueTimes, now, q.config.WindowSeconds)
}

func (q *Queue) recordDequeueLocked(now time.Time) {
	recordWindowSample(q.dequeueTimes, now, q.config.WindowSeconds)
}

func recordWindowSample(buf *ring.Buffer[int64], now time.Time, windowSeconds int) {
	nowNano := now.UnixNano()
	buf.Append(nowNano)
	boundary := now.Add(-time.Duration(windowSeconds) * time.Second).UnixNano()
	buf.TrimWindow(boundary)
}

// recordLatencyLocked samples a delivery latency (now - creation time).
func (q *Queue) recordLatencyLocked(sample time.Duration) {
	capN := q.latencies.Cap()
	if q.latencies.Len() >= capN {
		q.latencies.RemoveBefore(1)
	}
	// latency samples are not time-ordered relative to each other once the
	// window is full (they are ordered by completion time, which is
	// monotonic for a single queue lock holder), so Append (tail insert)
	// is correct and O(1) amortized, matching the ring buffer's designed
	// access pattern.
	q.latencies.Append(int64(sample))
}
