package broker

import (
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAddReplica_FirstIsLeader(t *testing.T) {
	b := newTestBroker(t, WithShards(1, 32))
	require.NoError(t, b.AddReplica(0, "node-a", RoleFollower))
	require.NoError(t, b.AddReplica(0, "node-b", RoleFollower))

	route, ok := b.GetShardForKey("anything")
	require.True(t, ok)
	require.Equal(t, "node-a", route.NodeID)
	require.Equal(t, RoleLeader, route.Role)

	err := b.AddReplica(0, "node-a", RoleFollower)
	require.Equal(t, AlreadyInitialized, CodeOf(err))
}

func TestGetShardForKey_PrefersHealthyLeader(t *testing.T) {
	b := newTestBroker(t, WithShards(1, 32))
	require.NoError(t, b.AddReplica(0, "node-a", RoleLeader))
	require.NoError(t, b.AddReplica(0, "node-b", RoleFollower))

	route, _ := b.GetShardForKey("k")
	require.Equal(t, "node-a", route.NodeID)

	// unhealthy leader: first healthy follower wins
	b.SetNodeHealth("node-a", false)
	route, _ = b.GetShardForKey("k")
	require.Equal(t, "node-b", route.NodeID)
	require.Equal(t, RoleFollower, route.Role)

	// nothing healthy: fall back to the first replica
	b.SetNodeHealth("node-b", false)
	route, _ = b.GetShardForKey("k")
	require.Equal(t, "node-a", route.NodeID)
}

func TestPromoteDemote(t *testing.T) {
	var mu sync.Mutex
	var changes [][2]string
	b := newTestBroker(t,
		WithShards(1, 32),
		WithLeaderChangeHandler(func(shard int, oldNode, newNode string) {
			mu.Lock()
			changes = append(changes, [2]string{oldNode, newNode})
			mu.Unlock()
		}),
	)
	require.NoError(t, b.AddReplica(0, "node-a", RoleLeader))
	require.NoError(t, b.AddReplica(0, "node-b", RoleFollower))

	require.NoError(t, b.PromoteToLeader(0, "node-b"))
	route, _ := b.GetShardForKey("k")
	require.Equal(t, "node-b", route.NodeID)

	require.NoError(t, b.DemoteToFollower(0, "node-b"))
	route, _ = b.GetShardForKey("k")
	require.Equal(t, "node-a", route.NodeID)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, [][2]string{{"node-a", "node-b"}, {"node-b", "node-a"}}, changes)
}

// a two-shard cluster with crossed leaders; taking node-b down must fail
// shard 1 over to node-a within a couple of heartbeat intervals, and
// subsequent sends must route to node-a for every key.
func TestHeartbeatFailover(t *testing.T) {
	type change struct {
		shard            int
		oldNode, newNode string
	}
	changeCh := make(chan change, 8)
	b := newTestBroker(t,
		WithShards(2, 64),
		WithLeaderChangeHandler(func(shard int, oldNode, newNode string) {
			changeCh <- change{shard, oldNode, newNode}
		}),
	)
	require.NoError(t, b.AddReplica(0, "node-a", RoleLeader))
	require.NoError(t, b.AddReplica(0, "node-b", RoleFollower))
	require.NoError(t, b.AddReplica(1, "node-b", RoleLeader))
	require.NoError(t, b.AddReplica(1, "node-a", RoleFollower))
	require.NoError(t, b.CreateQueue(QueueConfig{Name: "orders"}))

	for i := 0; i < 5; i++ {
		for _, key := range []string{"user_0", "user_1"} {
			msg := newTestMessage("payload")
			msg.SetProperty("partition_key", key)
			require.NoError(t, b.SendMessage("orders", msg))
		}
	}

	b.SetNodeHealth("node-b", false)

	select {
	case c := <-changeCh:
		require.Equal(t, 1, c.shard)
		require.Equal(t, "node-b", c.oldNode)
		require.Equal(t, "node-a", c.newNode)
	case <-time.After(2 * time.Second):
		t.Fatal("no leader change within two heartbeat intervals")
	}

	for _, key := range []string{"user_0", "user_1"} {
		msg := newTestMessage("payload")
		msg.SetProperty("partition_key", key)
		require.NoError(t, b.SendMessage("orders", msg))
		node, _ := msg.Property("routed_node")
		require.Equal(t, "node-a", node, "key %s", key)
	}
}

func TestReplication_WALAndLagInvariant(t *testing.T) {
	b := newTestBroker(t, WithShards(1, 32))
	require.NoError(t, b.AddReplica(0, "node-a", RoleLeader))
	require.NoError(t, b.AddReplica(0, "node-b", RoleFollower))
	require.NoError(t, b.CreateQueue(QueueConfig{Name: "orders"}))

	for i := 0; i < 10; i++ {
		msg := newTestMessage("entry " + strconv.Itoa(i))
		require.NoError(t, b.SendMessage("orders", msg))
	}

	snap := b.ClusterMetrics()
	require.Equal(t, 1, snap.ShardCount)
	require.Equal(t, 1, snap.LeaderCount)
	require.Equal(t, int64(10), snap.TotalWALLength)
	require.LessOrEqual(t, snap.MaxFollowerApplied, snap.TotalWALLength)

	// heartbeat catch-up advances the follower toward the leader length
	require.Eventually(t, func() bool {
		s := b.ClusterMetrics()
		return s.MaxFollowerApplied > 0 && s.MaxFollowerApplied <= s.TotalWALLength
	}, 3*time.Second, 50*time.Millisecond)
}

func TestReplication_MinAcksCap(t *testing.T) {
	b := newTestBroker(t, WithShards(1, 32))
	require.NoError(t, b.AddReplica(0, "node-a", RoleLeader))
	require.NoError(t, b.AddReplica(0, "node-b", RoleFollower))
	require.NoError(t, b.AddReplica(0, "node-c", RoleFollower))
	require.NoError(t, b.SetGlobalConfig("replication.min.acks", "1"))

	res := b.replicate(0, &Message{ID: 1}, "orders")
	require.Equal(t, 1, res.AckCount, "capped at min.acks")
	require.Equal(t, 1, res.Lag, "one healthy follower beyond the cap")

	require.NoError(t, b.SetGlobalConfig("replication.min.acks", "5"))
	res = b.replicate(0, &Message{ID: 2}, "orders")
	require.Equal(t, 2, res.AckCount, "only two healthy followers exist")
	require.Equal(t, 0, res.Lag)
}

func TestClusterRebuild(t *testing.T) {
	b := newTestBroker(t, WithShards(2, 32))
	require.NoError(t, b.SetGlobalConfig("cluster.shards", "4"))
	require.Equal(t, 4, b.ClusterMetrics().ShardCount)
	require.NoError(t, b.SetGlobalConfig("cluster.shard.vnodes", "16"))
	require.Equal(t, 4, b.ClusterMetrics().ShardCount)
}
