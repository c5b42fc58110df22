package broker

import (
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/ridgemq/ridgemq/hashring"
)

// Role is a replica's position within its shard.
type Role int

const (
	RoleFollower Role = iota
	RoleLeader
)

func (r Role) String() string {
	if r == RoleLeader {
		return "leader"
	}
	return "follower"
}

// Replica is a (node id, role, health) tuple within a shard.
type Replica struct {
	NodeID  string
	Role    Role
	Healthy bool
}

// WALEntry is one append-only write-ahead-log record.
type WALEntry struct {
	Index     int64
	MessageID int64
	Queue     string
	Timestamp int64 // unix ms
}

// wal is the per-shard write-ahead log: an append-only entry list plus,
// per follower node id, the last index that follower has applied. The
// leader index is len(entries), and applied <= leader index holds for
// every follower.
type wal struct {
	entries []WALEntry
	applied map[string]int64
}

// Shard is a routing partition owning a set of replicas and a WAL.
type Shard struct {
	ID       int
	Replicas []Replica
	wal      wal
}

func (s *Shard) replicaIndex(nodeID string) int {
	for i := range s.Replicas {
		if s.Replicas[i].NodeID == nodeID {
			return i
		}
	}
	return -1
}

func (s *Shard) leaderIndex() int {
	for i := range s.Replicas {
		if s.Replicas[i].Role == RoleLeader {
			return i
		}
	}
	return -1
}

// Cluster is the broker's routing/replication state: an ordered list of
// shards and the consistent-hash ring used to map a routing key to a
// shard.
type Cluster struct {
	mu     sync.RWMutex
	shards []*Shard
	ring   *hashring.Ring
	vnodes int
}

func newCluster(shardCount, vnodesPerNode int) *Cluster {
	if shardCount <= 0 {
		shardCount = 1
	}
	if vnodesPerNode <= 0 {
		vnodesPerNode = 128
	}
	c := &Cluster{ring: hashring.New(), vnodes: vnodesPerNode}
	c.shards = make([]*Shard, shardCount)
	for i := 0; i < shardCount; i++ {
		c.shards[i] = &Shard{ID: i, wal: wal{applied: make(map[string]int64)}}
		c.ring.AddNode(strconv.Itoa(i), vnodesPerNode)
	}
	return c
}

// rebuild resizes the shard set and/or rebuilds the ring with a new
// per-node vnode count, preserving existing shard replica/WAL state for
// shard ids that survive.
func (c *Cluster) rebuild(shardCount, vnodesPerNode int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if shardCount <= 0 {
		shardCount = len(c.shards)
	}
	if vnodesPerNode <= 0 {
		vnodesPerNode = c.vnodes
	}
	next := make([]*Shard, shardCount)
	for i := 0; i < shardCount; i++ {
		if i < len(c.shards) {
			next[i] = c.shards[i]
		} else {
			next[i] = &Shard{ID: i, wal: wal{applied: make(map[string]int64)}}
		}
	}
	c.shards = next
	c.vnodes = vnodesPerNode
	c.ring.Clear()
	for _, s := range c.shards {
		c.ring.AddNode(strconv.Itoa(s.ID), vnodesPerNode)
	}
}

func (c *Cluster) shardCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.shards)
}

func (c *Cluster) vnodesPerNode() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vnodes
}

// AddReplica registers a replica for shardID. The first replica added to a
// shard is implicitly the leader unless role is explicitly RoleLeader for
// a later one (callers should use PromoteToLeader to change leadership
// afterwards).
func (b *Broker) AddReplica(shardID int, nodeID string, role Role) error {
	c := b.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	if shardID < 0 || shardID >= len(c.shards) {
		return New(InvalidArgument, nil)
	}
	s := c.shards[shardID]
	if s.replicaIndex(nodeID) >= 0 {
		return New(AlreadyInitialized, nil)
	}
	if role == RoleLeader {
		for i := range s.Replicas {
			s.Replicas[i].Role = RoleFollower
		}
	} else if len(s.Replicas) == 0 {
		role = RoleLeader
	}
	s.Replicas = append(s.Replicas, Replica{NodeID: nodeID, Role: role, Healthy: true})
	return nil
}

// SetNodeHealth sets the health flag for every replica with the given node
// id, across every shard.
func (b *Broker) SetNodeHealth(nodeID string, healthy bool) {
	c := b.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.shards {
		if i := s.replicaIndex(nodeID); i >= 0 {
			s.Replicas[i].Healthy = healthy
		}
	}
}

// PromoteToLeader performs an explicit, synchronous leader/follower role
// swap.
func (b *Broker) PromoteToLeader(shardID int, nodeID string) error {
	c := b.cluster
	c.mu.Lock()
	if shardID < 0 || shardID >= len(c.shards) {
		c.mu.Unlock()
		return New(InvalidArgument, nil)
	}
	s := c.shards[shardID]
	idx := s.replicaIndex(nodeID)
	if idx < 0 {
		c.mu.Unlock()
		return New(InvalidArgument, nil)
	}
	oldLeader := ""
	if li := s.leaderIndex(); li >= 0 {
		oldLeader = s.Replicas[li].NodeID
		s.Replicas[li].Role = RoleFollower
	}
	s.Replicas[idx].Role = RoleLeader
	c.mu.Unlock()

	b.handlersMu.Lock()
	h := b.leaderChangeHandler
	b.handlersMu.Unlock()
	if h != nil && oldLeader != nodeID {
		h(shardID, oldLeader, nodeID)
	}
	return nil
}

// DemoteToFollower performs an explicit role swap: nodeID becomes a
// follower, and the first other healthy replica (if any) is promoted.
func (b *Broker) DemoteToFollower(shardID int, nodeID string) error {
	c := b.cluster
	c.mu.Lock()
	if shardID < 0 || shardID >= len(c.shards) {
		c.mu.Unlock()
		return New(InvalidArgument, nil)
	}
	s := c.shards[shardID]
	idx := s.replicaIndex(nodeID)
	if idx < 0 {
		c.mu.Unlock()
		return New(InvalidArgument, nil)
	}
	s.Replicas[idx].Role = RoleFollower
	newLeader := ""
	for i := range s.Replicas {
		if i != idx && s.Replicas[i].Healthy {
			s.Replicas[i].Role = RoleLeader
			newLeader = s.Replicas[i].NodeID
			break
		}
	}
	c.mu.Unlock()

	if newLeader != "" {
		b.handlersMu.Lock()
		h := b.leaderChangeHandler
		b.handlersMu.Unlock()
		if h != nil {
			h(shardID, nodeID, newLeader)
		}
	}
	return nil
}

// routeResult is the outcome of GetShardForKey plus replica selection,
// stamped into a message's properties by the send path.
type routeResult struct {
	ShardID int
	NodeID  string
	Role    Role
	Healthy bool
}

// GetShardForKey resolves key to a shard via the consistent-hash ring,
// then selects: the healthy leader; else the first healthy follower; else
// the first replica.
func (b *Broker) GetShardForKey(key string) (routeResult, bool) {
	c := b.cluster
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.shards) == 0 {
		return routeResult{}, false
	}
	shardIDStr, ok := c.ring.GetNode(key)
	if !ok {
		return routeResult{}, false
	}
	shardID, err := strconv.Atoi(shardIDStr)
	if err != nil || shardID < 0 || shardID >= len(c.shards) {
		return routeResult{}, false
	}
	s := c.shards[shardID]
	if len(s.Replicas) == 0 {
		return routeResult{ShardID: shardID}, true
	}
	for _, r := range s.Replicas {
		if r.Role == RoleLeader && r.Healthy {
			return routeResult{ShardID: shardID, NodeID: r.NodeID, Role: r.Role, Healthy: r.Healthy}, true
		}
	}
	for _, r := range s.Replicas {
		if r.Role == RoleFollower && r.Healthy {
			return routeResult{ShardID: shardID, NodeID: r.NodeID, Role: r.Role, Healthy: r.Healthy}, true
		}
	}
	r := s.Replicas[0]
	return routeResult{ShardID: shardID, NodeID: r.NodeID, Role: r.Role, Healthy: r.Healthy}, true
}

// replicationResult reports the outcome of a WAL append.
type replicationResult struct {
	Index    int64
	AckCount int
	Lag      int
}

// replicate appends a WAL entry on the leader of shardID and counts
// healthy-follower acks, capped at minAcks.
func (b *Broker) replicate(shardID int, msg *Message, queue string) replicationResult {
	c := b.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	if shardID < 0 || shardID >= len(c.shards) {
		return replicationResult{}
	}
	s := c.shards[shardID]
	idx := int64(len(s.wal.entries))
	s.wal.entries = append(s.wal.entries, WALEntry{
		Index:     idx,
		MessageID: msg.ID,
		Queue:     queue,
		Timestamp: time.Now().UnixMilli(),
	})

	b.configMu.RLock()
	minAcks := b.minAcks
	b.configMu.RUnlock()

	healthyFollowers := 0
	for _, r := range s.Replicas {
		if r.Role == RoleFollower && r.Healthy {
			healthyFollowers++
		}
	}
	ackCount := healthyFollowers
	if minAcks > 0 && ackCount > minAcks {
		ackCount = minAcks
	}
	lag := healthyFollowers - ackCount
	if lag < 0 {
		lag = 0
	}
	return replicationResult{Index: idx, AckCount: ackCount, Lag: lag}
}

// heartbeatLoop runs every ~200ms: flips replica health with
// configurable probability, advances follower applied indices toward the
// leader length, and fails over any shard whose leader has gone
// unhealthy.
func (b *Broker) heartbeatLoop() {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.heartbeatTick()
		}
	}
}

func (b *Broker) heartbeatTick() {
	c := b.cluster
	b.configMu.RLock()
	flapProb := b.heartbeatFlapProb
	b.configMu.RUnlock()

	type failoverEvent struct {
		shardID          int
		oldNode, newNode string
	}
	var events []failoverEvent

	c.mu.Lock()
	for _, s := range c.shards {
		for i := range s.Replicas {
			if flapProb > 0 && rand.Float64() < flapProb {
				s.Replicas[i].Healthy = !s.Replicas[i].Healthy
			}
		}
		// advance followers toward leader length, 1-3 entries per tick
		leaderLen := int64(len(s.wal.entries))
		for _, r := range s.Replicas {
			if r.Role != RoleFollower {
				continue
			}
			cur := s.wal.applied[r.NodeID]
			if cur >= leaderLen {
				continue
			}
			step := int64(1 + rand.Intn(3))
			next := cur + step
			if next > leaderLen {
				next = leaderLen
			}
			s.wal.applied[r.NodeID] = next
		}

		li := s.leaderIndex()
		if li >= 0 && !s.Replicas[li].Healthy {
			for j := range s.Replicas {
				if j != li && s.Replicas[j].Healthy {
					old := s.Replicas[li].NodeID
					s.Replicas[li].Role = RoleFollower
					s.Replicas[j].Role = RoleLeader
					events = append(events, failoverEvent{s.ID, old, s.Replicas[j].NodeID})
					break
				}
			}
		}
	}
	c.mu.Unlock()

	if len(events) == 0 {
		return
	}
	b.handlersMu.Lock()
	lc := b.leaderChangeHandler
	fo := b.failoverHandler
	b.handlersMu.Unlock()
	for _, e := range events {
		b.logger.Warning().Int("shard", e.shardID).Str("old", e.oldNode).Str("new", e.newNode).Log("leader failover")
		if lc != nil {
			lc(e.shardID, e.oldNode, e.newNode)
		}
		if fo != nil {
			fo(e.shardID, e.newNode)
		}
	}
}

// ClusterSnapshot summarizes cluster-wide replication health for metrics.
type ClusterSnapshot struct {
	ShardCount          int
	LeaderCount         int
	HealthyReplicaCount int
	TotalWALLength      int64
	MaxFollowerApplied  int64
	TotalReplicationLag int64
}

// clusterSnapshot computes a point-in-time cluster metrics snapshot.
func (b *Broker) clusterSnapshot() ClusterSnapshot {
	c := b.cluster
	c.mu.RLock()
	defer c.mu.RUnlock()
	var snap ClusterSnapshot
	snap.ShardCount = len(c.shards)
	for _, s := range c.shards {
		snap.TotalWALLength += int64(len(s.wal.entries))
		leaderLen := int64(len(s.wal.entries))
		for _, r := range s.Replicas {
			if r.Healthy {
				snap.HealthyReplicaCount++
			}
			if r.Role == RoleLeader {
				snap.LeaderCount++
			}
		}
		for _, applied := range s.wal.applied {
			if applied > snap.MaxFollowerApplied {
				snap.MaxFollowerApplied = applied
			}
			if lag := leaderLen - applied; lag > 0 {
				snap.TotalReplicationLag += lag
			}
		}
	}
	return snap
}
