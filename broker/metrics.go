package broker

import (
	"sort"
	"time"
)

// queueRateSnapshot is a point-in-time view of a queue's throughput and
// latency, computed from its sliding-window ring buffers.
type queueRateSnapshot struct {
	EnqueueRate float64
	DequeueRate float64
	P50         time.Duration
	P95         time.Duration
}

// snapshotRates computes enqueue/dequeue rate (samples in window / window
// width) and latency percentiles from a sorted copy of the latency ring,
// under the queue's own read lock.
func (q *Queue) snapshotRates() queueRateSnapshot {
	q.mu.RLock()
	defer q.mu.RUnlock()

	windowSeconds := q.config.WindowSeconds
	if windowSeconds <= 0 {
		windowSeconds = defaultWindowSeconds
	}
	snap := queueRateSnapshot{
		EnqueueRate: float64(q.enqueueTimes.Len()) / float64(windowSeconds),
		DequeueRate: float64(q.dequeueTimes.Len()) / float64(windowSeconds),
	}

	n := q.latencies.Len()
	if n == 0 {
		return snap
	}
	samples := make([]int64, n)
	for i := 0; i < n; i++ {
		samples[i] = q.latencies.Get(i)
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	snap.P50 = time.Duration(samples[percentileIndex(n, 0.50)])
	snap.P95 = time.Duration(samples[percentileIndex(n, 0.95)])
	return snap
}

func percentileIndex(n int, p float64) int {
	idx := int(p * float64(n))
	if idx >= n {
		idx = n - 1
	}
	if idx < 0 {
		idx = 0
	}
	return idx
}

// queueCounterDeltas tracks the last-observed cumulative QueueStats
// counters per queue, so metricsLoop can translate them into monotonic
// Prometheus Counter increments.
type queueCounterDeltas struct {
	total, processed, deadLettered, retried int64
}

// metricsLoop periodically snapshots every queue and the cluster into the
// Prometheus registry, and invalidates nothing else: GetQueueMetrics and
// ClusterMetrics remain available for synchronous polling regardless of
// this loop's cadence.
func (b *Broker) metricsLoop() {
	b.configMu.RLock()
	interval := b.metricsInterval
	b.configMu.RUnlock()
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	deltas := make(map[string]*queueCounterDeltas)

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.publishMetrics(deltas)
		}
	}
}

func (b *Broker) publishMetrics(deltas map[string]*queueCounterDeltas) {
	b.mu.RLock()
	names := make([]string, 0, len(b.queues))
	queues := make([]*Queue, 0, len(b.queues))
	for name, q := range b.queues {
		names = append(names, name)
		queues = append(queues, q)
	}
	b.mu.RUnlock()

	for i, q := range queues {
		name := names[i]
		stats := q.Stats()
		rates := q.snapshotRates()
		b.prom.observeQueue(name, stats, rates)

		d, ok := deltas[name]
		if !ok {
			d = &queueCounterDeltas{}
			deltas[name] = d
		}
		if delta := stats.Total - d.total; delta > 0 {
			b.prom.queueTotal.WithLabelValues(name).Add(float64(delta))
			d.total = stats.Total
		}
		if delta := stats.Processed - d.processed; delta > 0 {
			b.prom.queueProcessed.WithLabelValues(name).Add(float64(delta))
			d.processed = stats.Processed
		}
		if delta := stats.DeadLettered - d.deadLettered; delta > 0 {
			b.prom.queueDeadLettered.WithLabelValues(name).Add(float64(delta))
			d.deadLettered = stats.DeadLettered
		}
		if delta := stats.Retried - d.retried; delta > 0 {
			b.prom.queueRetried.WithLabelValues(name).Add(float64(delta))
			d.retried = stats.Retried
		}
	}

	b.prom.observeCluster(b.clusterSnapshot())
}

// QueueMetrics is the synchronous, poll-on-demand equivalent of the
// Prometheus series metricsLoop maintains.
type QueueMetrics struct {
	Stats QueueStats
	Rates queueRateSnapshot
}

// GetQueueMetrics computes a fresh metrics snapshot for queue, independent
// of the metricsLoop's cadence.
func (b *Broker) GetQueueMetrics(queue string) (QueueMetrics, error) {
	q, err := b.getQueue(queue)
	if err != nil {
		return QueueMetrics{}, err
	}
	return QueueMetrics{Stats: q.Stats(), Rates: q.snapshotRates()}, nil
}

// ClusterMetrics computes a fresh cluster-wide replication snapshot.
func (b *Broker) ClusterMetrics() ClusterSnapshot {
	return b.clusterSnapshot()
}
