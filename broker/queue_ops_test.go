package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestBroker(t *testing.T, opts ...Option) *Broker {
	t.Helper()
	// health flapping off so cluster tests are deterministic
	b := NewBroker(opts...)
	require.NoError(t, b.SetGlobalConfig("cluster.heartbeat.flap.prob", "0"))
	t.Cleanup(b.Shutdown)
	return b
}

func newTestMessage(payload string) *Message {
	return &Message{
		Type:     "event",
		Priority: PriorityNormal,
		Mode:     AtLeastOnce,
		Payload:  Payload{Bytes: []byte(payload)},
	}
}

func TestCreateQueue_DuplicateFails(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.CreateQueue(QueueConfig{Name: "orders"}))
	err := b.CreateQueue(QueueConfig{Name: "orders"})
	require.Error(t, err)
	require.Equal(t, AlreadyInitialized, CodeOf(err))
}

func TestCreateQueue_AutoCreatesDLQ(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.CreateQueue(QueueConfig{Name: "orders", DeadLetterEnabled: true}))
	dlq, err := b.Queue("orders_DLQ")
	require.NoError(t, err)
	require.Equal(t, QueueDeadLetter, dlq.Config().Type)
	require.False(t, dlq.Config().DeadLetterEnabled, "no DLQ of a DLQ")
}

func TestSendMessage_Validation(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.CreateQueue(QueueConfig{Name: "orders"}))

	err := b.SendMessage("orders", &Message{Type: "event"})
	require.Equal(t, InvalidArgument, CodeOf(err), "empty payload")

	err = b.SendMessage("orders", &Message{Payload: Payload{Bytes: []byte("x")}})
	require.Equal(t, InvalidArgument, CodeOf(err), "missing type")

	err = b.SendMessage("missing", newTestMessage("x"))
	require.Equal(t, QueueNotFound, CodeOf(err))
}

func TestSendMessage_CapacityByCount(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.CreateQueue(QueueConfig{Name: "orders", MaxCount: 2}))

	require.NoError(t, b.SendMessage("orders", newTestMessage("a")))
	require.NoError(t, b.SendMessage("orders", newTestMessage("b")))
	err := b.SendMessage("orders", newTestMessage("c"))
	require.Equal(t, QueueFull, CodeOf(err))
}

func TestSendMessage_PerMessageSizeLimit(t *testing.T) {
	b := newTestBroker(t)
	// 100 bytes / 10 messages = 10 bytes per message
	require.NoError(t, b.CreateQueue(QueueConfig{Name: "orders", MaxCount: 10, MaxBytes: 100}))

	err := b.SendMessage("orders", newTestMessage("this payload is longer than ten bytes"))
	require.Equal(t, MessageTooLarge, CodeOf(err))
	require.NoError(t, b.SendMessage("orders", newTestMessage("short")))
}

func TestReceiveMessage_FIFO(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.CreateQueue(QueueConfig{Name: "orders"}))

	for _, p := range []string{"one", "two", "three"} {
		require.NoError(t, b.SendMessage("orders", newTestMessage(p)))
	}
	for _, want := range []string{"one", "two", "three"} {
		msg, err := b.ReceiveMessage("orders", time.Second, true)
		require.NoError(t, err)
		require.Equal(t, want, string(msg.Payload.Bytes))
		require.Equal(t, StatusDelivered, msg.Status)
	}
}

func TestReceiveMessage_Timeout(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.CreateQueue(QueueConfig{Name: "orders"}))

	start := time.Now()
	_, err := b.ReceiveMessage("orders", 50*time.Millisecond, true)
	require.Equal(t, Timeout, CodeOf(err))
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestReceiveMessage_WakesBlockedReceiver(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.CreateQueue(QueueConfig{Name: "orders"}))

	got := make(chan *Message, 1)
	go func() {
		msg, err := b.ReceiveMessage("orders", 5*time.Second, true)
		if err == nil {
			got <- msg
		}
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, b.SendMessage("orders", newTestMessage("wake")))

	select {
	case msg := <-got:
		require.Equal(t, "wake", string(msg.Payload.Bytes))
	case <-time.After(2 * time.Second):
		t.Fatal("blocked receiver never woke")
	}
}

func TestPriorityOrdering(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.CreateQueue(QueueConfig{Name: "tasks", Type: QueuePriority}))

	priorities := []Priority{PriorityLow, PriorityNormal, PriorityHigh, PriorityNormal, PriorityCritical}
	for i, p := range priorities {
		msg := newTestMessage(string(rune('a' + i)))
		msg.Priority = p
		require.NoError(t, b.SendMessage("tasks", msg))
	}

	var got []Priority
	var payloads []string
	for i := 0; i < len(priorities); i++ {
		msg, err := b.ReceiveMessage("tasks", time.Second, true)
		require.NoError(t, err)
		got = append(got, msg.Priority)
		payloads = append(payloads, string(msg.Payload.Bytes))
	}
	require.Equal(t, []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityNormal, PriorityLow}, got)
	// the two normals keep arrival order: "b" was sent before "d"
	require.Equal(t, []string{"e", "c", "b", "d", "a"}, payloads)
}

func TestAcknowledge_Trajectory(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.CreateQueue(QueueConfig{Name: "orders"}))

	msg := newTestMessage("tracked")
	require.Equal(t, StatusPending, msg.Status)
	require.NoError(t, b.SendMessage("orders", msg))
	require.Equal(t, StatusSent, msg.Status)

	received, err := b.ReceiveMessage("orders", time.Second, false)
	require.NoError(t, err)
	require.Equal(t, StatusDelivered, received.Status)

	require.NoError(t, b.Acknowledge("orders", received.ID))
	require.Equal(t, StatusAcknowledged, received.Status)

	stats, err := b.Queue("orders")
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Stats().Processed)
	require.Equal(t, int64(0), stats.Stats().Pending)
}

func TestAcknowledge_UnknownMessage(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.CreateQueue(QueueConfig{Name: "orders"}))
	err := b.Acknowledge("orders", 42)
	require.Equal(t, MessageNotFound, CodeOf(err))
}

// every unacknowledged delivered message must be in exactly one of
// {ready storage, pending-ack table}, and Pending counts their union
func TestPendingAckInvariant(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.CreateQueue(QueueConfig{Name: "orders"}))

	for i := 0; i < 5; i++ {
		require.NoError(t, b.SendMessage("orders", newTestMessage("m")))
	}
	for i := 0; i < 2; i++ {
		_, err := b.ReceiveMessage("orders", time.Second, false)
		require.NoError(t, err)
	}

	q, err := b.Queue("orders")
	require.NoError(t, err)
	q.mu.RLock()
	ready := len(q.fifo)
	pendingAck := len(q.pendingAck)
	pending := q.stats.Pending
	q.mu.RUnlock()

	require.Equal(t, 3, ready)
	require.Equal(t, 2, pendingAck)
	require.Equal(t, int64(ready+pendingAck), pending)
}

func TestExpiredMessage_MovesToDLQ(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.CreateQueue(QueueConfig{Name: "orders", DeadLetterEnabled: true}))

	msg := newTestMessage("stale")
	msg.ExpiresAt = time.Now().Add(10 * time.Millisecond)
	require.NoError(t, b.SendMessage("orders", msg))

	time.Sleep(30 * time.Millisecond)
	_, err := b.ReceiveMessage("orders", 50*time.Millisecond, true)
	require.Equal(t, Timeout, CodeOf(err))

	dead, err := b.GetDeadLetterMessages("orders", 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.Equal(t, ReasonExpired, dead[0].DeadLetterReason)
	require.Equal(t, "orders", dead[0].OriginalQueue)
}

func TestPurgeQueue(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.CreateQueue(QueueConfig{Name: "orders"}))
	for i := 0; i < 3; i++ {
		require.NoError(t, b.SendMessage("orders", newTestMessage("m")))
	}
	require.NoError(t, b.PurgeQueue("orders"))
	_, err := b.ReceiveMessage("orders", 20*time.Millisecond, true)
	require.Equal(t, Timeout, CodeOf(err))
}

func TestDeleteQueue_WakesReceivers(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.CreateQueue(QueueConfig{Name: "orders"}))

	done := make(chan error, 1)
	go func() {
		_, err := b.ReceiveMessage("orders", 10*time.Second, true)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, b.DeleteQueue("orders"))

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("receiver not woken by DeleteQueue")
	}
}

func TestSendMessageZeroCopy(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.CreateQueue(QueueConfig{Name: "orders"}))

	released := false
	buf := CreateZeroCopyBuffer([]byte("external payload"), func() { released = true })
	require.NoError(t, b.SendMessageZeroCopy("orders", buf, "event", PriorityNormal))

	msg, err := b.ReceiveMessage("orders", time.Second, false)
	require.NoError(t, err)
	require.True(t, msg.Payload.External)
	require.Equal(t, "external payload", string(msg.Payload.Bytes))
	require.False(t, released)

	require.NoError(t, b.Acknowledge("orders", msg.ID))
	require.True(t, released, "release callback runs on acknowledge")
}

func TestRoutingTelemetryStamped(t *testing.T) {
	b := newTestBroker(t, WithShards(2, 64))
	require.NoError(t, b.SetGlobalConfig("cluster.heartbeat.flap.prob", "0"))
	require.NoError(t, b.AddReplica(0, "node-a", RoleLeader))
	require.NoError(t, b.AddReplica(1, "node-b", RoleLeader))
	require.NoError(t, b.CreateQueue(QueueConfig{Name: "orders"}))

	msg := newTestMessage("routed")
	msg.SetProperty("partition_key", "user_7")
	require.NoError(t, b.SendMessage("orders", msg))

	node, ok := msg.Property("routed_node")
	require.True(t, ok)
	require.Contains(t, []string{"node-a", "node-b"}, node)
	role, _ := msg.Property("routed_role")
	require.Equal(t, "leader", role)
	attempt, _ := msg.Property("routing_attempt")
	require.Equal(t, "1", attempt)
}

func TestSetGlobalConfig_Validation(t *testing.T) {
	b := newTestBroker(t)
	require.Error(t, b.SetGlobalConfig("metrics.interval.ms", "50"))
	require.NoError(t, b.SetGlobalConfig("metrics.interval.ms", "100"))
	require.Error(t, b.SetGlobalConfig("metrics.window.ms", "500"))
	require.NoError(t, b.SetGlobalConfig("replication.min.acks", "0"))
	require.Error(t, b.SetGlobalConfig("replication.min.acks", "-1"))
	require.Error(t, b.SetGlobalConfig("no.such.key", "1"))
}
