package broker

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestQueueMetrics_RatesAndPercentiles(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.CreateQueue(QueueConfig{Name: "orders", WindowSeconds: 60}))

	for i := 0; i < 10; i++ {
		require.NoError(t, b.SendMessage("orders", newTestMessage("m")))
	}
	for i := 0; i < 10; i++ {
		msg, err := b.ReceiveMessage("orders", time.Second, false)
		require.NoError(t, err)
		require.NoError(t, b.Acknowledge("orders", msg.ID))
	}

	m, err := b.GetQueueMetrics("orders")
	require.NoError(t, err)
	require.InDelta(t, 10.0/60.0, m.Rates.EnqueueRate, 1e-9)
	require.InDelta(t, 10.0/60.0, m.Rates.DequeueRate, 1e-9)
	require.Greater(t, m.Rates.P95, time.Duration(0))
	require.LessOrEqual(t, m.Rates.P50, m.Rates.P95)
	require.Equal(t, int64(10), m.Stats.Processed)
	require.Equal(t, int64(0), m.Stats.Pending)
}

func TestQueueMetrics_UnknownQueue(t *testing.T) {
	b := newTestBroker(t)
	_, err := b.GetQueueMetrics("missing")
	require.Equal(t, QueueNotFound, CodeOf(err))
}

func TestClusterMetrics_Snapshot(t *testing.T) {
	b := newTestBroker(t, WithShards(2, 32))
	require.NoError(t, b.AddReplica(0, "node-a", RoleLeader))
	require.NoError(t, b.AddReplica(0, "node-b", RoleFollower))
	require.NoError(t, b.AddReplica(1, "node-b", RoleLeader))

	snap := b.ClusterMetrics()
	require.Equal(t, 2, snap.ShardCount)
	require.Equal(t, 2, snap.LeaderCount)
	require.Equal(t, 3, snap.HealthyReplicaCount)
}

func TestPrometheusRegistry_PublishesQueueSeries(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.SetGlobalConfig("metrics.interval.ms", "100"))
	// the interval is read when the loop starts, so restart semantics are
	// not in play here; rely on the snapshot surface instead
	require.NoError(t, b.CreateQueue(QueueConfig{Name: "orders"}))
	for i := 0; i < 3; i++ {
		require.NoError(t, b.SendMessage("orders", newTestMessage("m")))
	}

	// publish directly rather than waiting for the ticker
	b.publishMetrics(map[string]*queueCounterDeltas{})

	families, err := b.Registry().Gather()
	require.NoError(t, err)

	found := map[string]bool{}
	for _, f := range families {
		found[f.GetName()] = true
	}
	require.True(t, found["ridgemq_queue_pending_messages"], "families: %v", found)
	require.True(t, found["ridgemq_cluster_shards"])

	var _ prometheus.Gatherer = b.Registry()
}

func TestLatencyRing_BoundedCapacity(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.CreateQueue(QueueConfig{Name: "orders", LatencyCapacity: 32}))

	for i := 0; i < 100; i++ {
		require.NoError(t, b.SendMessage("orders", newTestMessage("m")))
		msg, err := b.ReceiveMessage("orders", time.Second, false)
		require.NoError(t, err)
		require.NoError(t, b.Acknowledge("orders", msg.ID))
	}

	q, err := b.Queue("orders")
	require.NoError(t, err)
	q.mu.RLock()
	n := q.latencies.Len()
	q.mu.RUnlock()
	require.LessOrEqual(t, n, 32)
}
