package ioruntime

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"
)

// defaultPollTimeoutMs bounds how long a loop iteration blocks in the
// reactor when no delayed task is due sooner.4.
const defaultPollTimeoutMs = 10

// TaskID identifies a task posted to an IoContext, returned by Post and
// PostDelayed, accepted by CancelTask.
type TaskID uint64

// CancelToken is a reference-counted boolean shared between a task
// submitter and the loop: setting it causes the loop to drop the task
// silently instead of running it. Safe for concurrent use.
type CancelToken struct {
	cancelled atomic.Bool
}

// NewCancelToken constructs a token in the not-cancelled state.
func NewCancelToken() *CancelToken { return &CancelToken{} }

// Cancel marks the token cancelled. Idempotent.
func (t *CancelToken) Cancel() { t.cancelled.Store(true) }

// Cancelled reports whether Cancel has been called.
func (t *CancelToken) Cancelled() bool { return t != nil && t.cancelled.Load() }

// WakeStats records cross-thread wake-up activity for diagnostics.
type WakeStats struct {
	TotalWakes       uint64
	CrossThreadWakes uint64
	SameThreadWakes  uint64
	AvgLatencyNs     uint64
	MaxLatencyNs     uint64
}

// BatchStats records RunBatch's draining activity.
type BatchStats struct {
	TotalTasks       uint64
	TotalBatches     uint64
	AvgBatchSize     float64
	MinBatchSize     int
	MaxBatchSize     int
	MeanProcessNanos float64
}

type task struct {
	id       TaskID
	fn       func()
	token    *CancelToken
	due      time.Time
	postedAt time.Time
	index    int // heap index, -1 when not in the delayed heap
}

type delayedHeap []*task

func (h delayedHeap) Len() int           { return len(h) }
func (h delayedHeap) Less(i, j int) bool { return h[i].due.Before(h[j].due) }
func (h delayedHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *delayedHeap) Push(x any) {
	t := x.(*task)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// IoContext is an event loop owning a Reactor, a Proactor, a FIFO task
// queue, a delayed-task min-heap, cancellation state, and a cross-thread
// wake mechanism. A single cooperative goroutine per context calls Run or
// RunBatch; multiple contexts may coexist in a process. Tasks may be
// Posted from any goroutine.
type IoContext struct {
	Reactor  Reactor
	Proactor Proactor

	wake wakeDevice

	mu      sync.Mutex
	queue   []*task
	delayed delayedHeap
	byID    map[TaskID]*task
	nextID  uint64
	inLoop  bool

	stopping atomic.Bool
	started  atomic.Bool

	wakeMu sync.Mutex
	wake_  WakeStats

	// MaxBatchSize bounds RunBatch's per-iteration drain size; MinBatchSize
	// only raises MaxBatchSize to at least its own value, and a smaller
	// batch is run as it is. Defaults 4/32
	MinBatchSize int
	MaxBatchSize int
}

// NewIoContext constructs an IoContext with fresh platform Reactor/Proactor
// backends and a wake device.
func NewIoContext() (*IoContext, error) {
	r, err := NewReactor()
	if err != nil {
		return nil, err
	}
	p, err := NewProactor(r)
	if err != nil {
		_ = r.Close()
		return nil, err
	}
	w, err := newWakeDevice(r)
	if err != nil {
		_ = p.Close()
		_ = r.Close()
		return nil, err
	}
	c := &IoContext{
		Reactor:      r,
		Proactor:     p,
		wake:         w,
		byID:         make(map[TaskID]*task),
		MinBatchSize: 4,
		MaxBatchSize: 32,
	}
	if fd := w.Fd(); fd >= 0 {
		_ = r.Add(fd, EventRead, func(Events) { w.Drain() })
	}
	return c, nil
}

// CreateCancelToken returns a fresh, not-cancelled token.
func (c *IoContext) CreateCancelToken() *CancelToken { return NewCancelToken() }

// Post enqueues fn to run on the loop thread at the next opportunity,
// returning a TaskID that CancelTask can use to drop it while still
// pending. token may be nil.
func (c *IoContext) Post(fn func(), token *CancelToken) TaskID {
	c.mu.Lock()
	c.nextID++
	id := TaskID(c.nextID)
	t := &task{id: id, fn: fn, token: token, postedAt: time.Now(), index: -1}
	c.queue = append(c.queue, t)
	c.byID[id] = t
	crossThread := !c.inLoop
	c.mu.Unlock()

	c.recordWake(crossThread)
	_ = c.wake.Wake()
	return id
}

// PostDelayed enqueues fn to run no earlier than delay from now.
func (c *IoContext) PostDelayed(fn func(), delay time.Duration, token *CancelToken) TaskID {
	c.mu.Lock()
	c.nextID++
	id := TaskID(c.nextID)
	t := &task{id: id, fn: fn, token: token, due: time.Now().Add(delay), postedAt: time.Now(), index: -1}
	heap.Push(&c.delayed, t)
	c.byID[id] = t
	crossThread := !c.inLoop
	c.mu.Unlock()

	c.recordWake(crossThread)
	_ = c.wake.Wake()
	return id
}

// CancelTask removes a still-pending task, returning false if it already
// ran, was already cancelled, or is unknown.
func (c *IoContext) CancelTask(id TaskID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.byID[id]
	if !ok {
		return false
	}
	delete(c.byID, id)
	if t.index >= 0 {
		heap.Remove(&c.delayed, t.index)
		return true
	}
	for i, q := range c.queue {
		if q == t {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return true
		}
	}
	return false
}

// recordWake increments the wake counters; latency is measured separately,
// at the loop's next observation point (recordObserved).
func (c *IoContext) recordWake(crossThread bool) {
	c.wakeMu.Lock()
	defer c.wakeMu.Unlock()
	c.wake_.TotalWakes++
	if crossThread {
		c.wake_.CrossThreadWakes++
	} else {
		c.wake_.SameThreadWakes++
	}
}

func (c *IoContext) recordObserved(latency time.Duration) {
	n := uint64(latency.Nanoseconds())
	c.wakeMu.Lock()
	defer c.wakeMu.Unlock()
	if n > c.wake_.MaxLatencyNs {
		c.wake_.MaxLatencyNs = n
	}
	if c.wake_.TotalWakes == 0 {
		c.wake_.AvgLatencyNs = n
		return
	}
	// incremental average
	c.wake_.AvgLatencyNs = c.wake_.AvgLatencyNs + (n-c.wake_.AvgLatencyNs)/c.wake_.TotalWakes
}

// WakeStatsSnapshot returns a copy of the current wake statistics.
func (c *IoContext) WakeStatsSnapshot() WakeStats {
	c.wakeMu.Lock()
	defer c.wakeMu.Unlock()
	return c.wake_
}

// Stop requests the loop to exit at the next iteration boundary and wakes
// it if blocked in Poll.
func (c *IoContext) Stop() {
	c.stopping.Store(true)
	_ = c.wake.Wake()
}

// Stopped reports whether Stop has been called.
func (c *IoContext) Stopped() bool { return c.stopping.Load() }

// Close releases the reactor, proactor, and wake device. Call after Run
// returns.
func (c *IoContext) Close() error {
	_ = c.Proactor.Close()
	_ = c.wake.Close()
	return c.Reactor.Close()
}

func (c *IoContext) runOne(t *task) {
	c.recordObserved(time.Since(t.postedAt))
	if t.token.Cancelled() {
		return
	}
	t.fn()
}

// drainQueue runs every task currently in the FIFO queue (not ones posted
// during this drain, which keeps each iteration bounded).
func (c *IoContext) drainQueue() int {
	c.mu.Lock()
	batch := c.queue
	c.queue = nil
	for _, t := range batch {
		delete(c.byID, t.id)
	}
	c.mu.Unlock()

	c.inLoopSet(true)
	for _, t := range batch {
		c.runOne(t)
	}
	c.inLoopSet(false)
	return len(batch)
}

func (c *IoContext) inLoopSet(v bool) {
	c.mu.Lock()
	c.inLoop = v
	c.mu.Unlock()
}

// runDueDelayed executes every delayed task whose due time has passed.
func (c *IoContext) runDueDelayed() int {
	now := time.Now()
	var due []*task
	c.mu.Lock()
	for c.delayed.Len() > 0 && !c.delayed[0].due.After(now) {
		t := heap.Pop(&c.delayed).(*task)
		delete(c.byID, t.id)
		due = append(due, t)
	}
	c.mu.Unlock()

	c.inLoopSet(true)
	for _, t := range due {
		c.runOne(t)
	}
	c.inLoopSet(false)
	return len(due)
}

func (c *IoContext) computeTimeoutMs() int {
	c.mu.Lock()
	hasImmediate := len(c.queue) > 0
	var nextDue time.Time
	hasDelayed := c.delayed.Len() > 0
	if hasDelayed {
		nextDue = c.delayed[0].due
	}
	c.mu.Unlock()

	if hasImmediate {
		return 0
	}
	if !hasDelayed {
		return defaultPollTimeoutMs
	}
	d := time.Until(nextDue)
	if d <= 0 {
		return 0
	}
	ms := int(d / time.Millisecond)
	if ms > defaultPollTimeoutMs {
		return defaultPollTimeoutMs
	}
	return ms
}

type stepper interface {
	Step(timeoutMs int) error
}

// Run executes the simple event loop: drain the task queue, run due
// delayed tasks, compute a bounded timeout, step the proactor, step the
// reactor. Returns when Stop is called.
func (c *IoContext) Run() error {
	c.started.Store(true)
	for !c.stopping.Load() {
		c.drainQueue()
		c.runDueDelayed()

		timeout := c.computeTimeoutMs()
		if s, ok := c.Proactor.(stepper); ok {
			_ = s.Step(0)
		}
		if _, err := c.Reactor.Poll(timeout); err != nil {
			return err
		}
	}
	return nil
}

// RunBatch is the alternative loop: within each iteration it drains up to
// MaxBatchSize tasks from the task queue (fewer when fewer are queued; no
// minimum batch size is enforced) and accumulates BatchStats.
func (c *IoContext) RunBatch() (BatchStats, error) {
	c.started.Store(true)
	minB, maxB := c.MinBatchSize, c.MaxBatchSize
	if minB <= 0 {
		minB = 4
	}
	if maxB < minB {
		maxB = minB
	}

	var stats BatchStats
	stats.MinBatchSize = -1

	for !c.stopping.Load() {
		start := time.Now()
		n := c.drainBatch(maxB)
		elapsed := time.Since(start)

		if n > 0 {
			stats.TotalTasks += uint64(n)
			stats.TotalBatches++
			if stats.MinBatchSize < 0 || n < stats.MinBatchSize {
				stats.MinBatchSize = n
			}
			if n > stats.MaxBatchSize {
				stats.MaxBatchSize = n
			}
			prevMean := stats.MeanProcessNanos
			cnt := float64(stats.TotalBatches)
			stats.MeanProcessNanos = prevMean + (float64(elapsed.Nanoseconds())-prevMean)/cnt
		}

		c.runDueDelayed()
		timeout := c.computeTimeoutMs()
		if s, ok := c.Proactor.(stepper); ok {
			_ = s.Step(0)
		}
		if _, err := c.Reactor.Poll(timeout); err != nil {
			return stats, err
		}
	}
	if stats.TotalBatches > 0 {
		stats.AvgBatchSize = float64(stats.TotalTasks) / float64(stats.TotalBatches)
	}
	if stats.MinBatchSize < 0 {
		stats.MinBatchSize = 0
	}
	return stats, nil
}

// drainBatch pops up to maxB tasks from the queue and runs them, returning
// the number actually run (0 if the queue was empty — RunBatch still
// proceeds to poll in that case rather than spinning).
func (c *IoContext) drainBatch(maxB int) int {
	c.mu.Lock()
	n := len(c.queue)
	if n > maxB {
		n = maxB
	}
	batch := c.queue[:n]
	c.queue = c.queue[n:]
	for _, t := range batch {
		delete(c.byID, t.id)
	}
	c.mu.Unlock()

	c.inLoopSet(true)
	for _, t := range batch {
		c.runOne(t)
	}
	c.inLoopSet(false)
	return n
}
