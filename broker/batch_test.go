package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBatch_CommitSendsAll(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.CreateQueue(QueueConfig{Name: "orders"}))
	require.NoError(t, b.CreateQueue(QueueConfig{Name: "audit"}))

	id := b.CreateBatch(time.Minute)
	require.NoError(t, b.AddToBatch(id, "orders", newTestMessage("a")))
	require.NoError(t, b.AddToBatch(id, "orders", newTestMessage("b")))
	require.NoError(t, b.AddToBatch(id, "audit", newTestMessage("c")))
	require.NoError(t, b.CommitBatch(id))

	for _, want := range []string{"a", "b"} {
		msg, err := b.ReceiveMessage("orders", time.Second, true)
		require.NoError(t, err)
		require.Equal(t, want, string(msg.Payload.Bytes))
	}
	msg, err := b.ReceiveMessage("audit", time.Second, true)
	require.NoError(t, err)
	require.Equal(t, "c", string(msg.Payload.Bytes))
}

func TestBatch_CommitIsIdempotent(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.CreateQueue(QueueConfig{Name: "orders"}))

	id := b.CreateBatch(time.Minute)
	require.NoError(t, b.AddToBatch(id, "orders", newTestMessage("once")))
	require.NoError(t, b.CommitBatch(id))
	require.NoError(t, b.CommitBatch(id), "second commit succeeds without resending")

	_, err := b.ReceiveMessage("orders", 100*time.Millisecond, true)
	require.NoError(t, err)
	_, err = b.ReceiveMessage("orders", 50*time.Millisecond, true)
	require.Equal(t, Timeout, CodeOf(err), "delivered exactly once")
}

func TestBatch_AbortDiscards(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.CreateQueue(QueueConfig{Name: "orders"}))

	id := b.CreateBatch(time.Minute)
	require.NoError(t, b.AddToBatch(id, "orders", newTestMessage("never")))
	require.NoError(t, b.AbortBatch(id))
	require.Equal(t, InvalidState, CodeOf(b.AddToBatch(id, "orders", newTestMessage("late"))))

	_, err := b.ReceiveMessage("orders", 50*time.Millisecond, true)
	require.Equal(t, Timeout, CodeOf(err))
}

func TestBatch_UnknownID(t *testing.T) {
	b := newTestBroker(t)
	require.Equal(t, MessageNotFound, CodeOf(b.AddToBatch("nope", "orders", newTestMessage("x"))))
	require.Equal(t, MessageNotFound, CodeOf(b.CommitBatch("nope")))
	require.Equal(t, MessageNotFound, CodeOf(b.AbortBatch("nope")))
}

func TestBatch_ExpiresViaSweep(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.CreateQueue(QueueConfig{Name: "orders"}))

	id := b.CreateBatch(50 * time.Millisecond)
	require.NoError(t, b.AddToBatch(id, "orders", newTestMessage("stale")))

	require.Eventually(t, func() bool {
		return CodeOf(b.AddToBatch(id, "orders", newTestMessage("x"))) == InvalidState
	}, 3*time.Second, 50*time.Millisecond, "sweep should abort the expired batch")

	_, err := b.ReceiveMessage("orders", 50*time.Millisecond, true)
	require.Equal(t, Timeout, CodeOf(err))
}

func TestSendMessageCoalesced(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.CreateQueue(QueueConfig{Name: "orders"}))

	const n = 20
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = b.SendMessageCoalesced(context.Background(), "orders", newTestMessage("burst"))
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		require.NoError(t, err, "send %d", i)
	}

	q, err := b.Queue("orders")
	require.NoError(t, err)
	require.Equal(t, int64(n), q.Stats().Total)
}

func TestSendMessageCoalesced_SurfacesPerMessageError(t *testing.T) {
	b := newTestBroker(t)
	err := b.SendMessageCoalesced(context.Background(), "missing", newTestMessage("x"))
	require.Equal(t, QueueNotFound, CodeOf(err))
}
