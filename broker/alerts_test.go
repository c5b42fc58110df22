package broker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// drive messages into the DLQ by rejecting without requeue
func deadLetterN(t *testing.T, b *Broker, queue string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, b.SendMessage(queue, newTestMessage("doomed")))
		msg, err := b.ReceiveMessage(queue, time.Second, false)
		require.NoError(t, err)
		require.NoError(t, b.Reject(queue, msg.ID, false))
	}
}

func TestDLQAlert_CountExceeded(t *testing.T) {
	var mu sync.Mutex
	var fired []Alert
	b := newTestBroker(t, WithAlertHandler(func(a Alert) {
		mu.Lock()
		fired = append(fired, a)
		mu.Unlock()
	}))
	require.NoError(t, b.CreateQueue(QueueConfig{Name: "jobs", DeadLetterEnabled: true}))
	b.SetAlertConfig("jobs", AlertConfig{
		MaxDLQCount:   2,
		CheckInterval: 50 * time.Millisecond,
		EnableCount:   true,
	})

	deadLetterN(t, b, "jobs", 3)

	require.Eventually(t, func() bool {
		for _, a := range b.GetActiveAlerts("jobs") {
			if a.Type == "dlq-count-exceeded" && a.Active {
				return true
			}
		}
		return false
	}, 3*time.Second, 50*time.Millisecond)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, a := range fired {
			if a.Type == "dlq-count-exceeded" && a.Queue == "jobs" && a.Current > a.Threshold {
				return true
			}
		}
		return false
	}, 3*time.Second, 50*time.Millisecond, "handler should receive the alert")
}

func TestDLQAlert_RateExceeded(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.CreateQueue(QueueConfig{Name: "jobs", DeadLetterEnabled: true}))
	b.SetAlertConfig("jobs", AlertConfig{
		MaxDLQRate:    0.5,
		CheckInterval: 50 * time.Millisecond,
		EnableRate:    true,
	})

	// 3 of 3 messages dead-lettered: rate 1.0 > 0.5
	deadLetterN(t, b, "jobs", 3)

	require.Eventually(t, func() bool {
		for _, a := range b.GetActiveAlerts("jobs") {
			if a.Type == "dlq-rate-exceeded" && a.Active {
				return true
			}
		}
		return false
	}, 3*time.Second, 50*time.Millisecond)
}

func TestDLQAlert_BelowThresholdNotActive(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.CreateQueue(QueueConfig{Name: "jobs", DeadLetterEnabled: true}))
	b.SetAlertConfig("jobs", AlertConfig{
		MaxDLQCount:   100,
		CheckInterval: 50 * time.Millisecond,
		EnableCount:   true,
	})

	deadLetterN(t, b, "jobs", 1)
	time.Sleep(300 * time.Millisecond)

	for _, a := range b.GetActiveAlerts("jobs") {
		require.False(t, a.Active, "alert %s should not be active", a.Type)
	}
}
