package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRetryPolicy_ComputeDelay(t *testing.T) {
	p := RetryPolicy{BaseDelay: 10 * time.Millisecond, Multiplier: 2.0, MaxDelay: 100 * time.Millisecond}
	cases := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, 10 * time.Millisecond},
		{1, 20 * time.Millisecond},
		{2, 40 * time.Millisecond},
		{3, 80 * time.Millisecond},
		{4, 100 * time.Millisecond}, // 160ms clamped
		{10, 100 * time.Millisecond},
	}
	for _, c := range cases {
		require.Equal(t, c.want, p.computeDelay(c.retryCount), "retryCount=%d", c.retryCount)
	}
}

func TestRetryPolicy_NoMultiplier(t *testing.T) {
	p := RetryPolicy{BaseDelay: 5 * time.Millisecond}
	require.Equal(t, 5*time.Millisecond, p.computeDelay(3))
}

// receive-then-reject with requeue until the retry budget runs out; the
// message must land in the DLQ with reason max-retries-exceeded.
func TestRejectRequeue_RetriesThenDeadLetter(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.CreateQueue(QueueConfig{
		Name:              "jobs",
		DeadLetterEnabled: true,
		Retry: RetryPolicy{
			BaseDelay:  10 * time.Millisecond,
			Multiplier: 2.0,
			MaxDelay:   100 * time.Millisecond,
			MaxRetries: 2,
		},
	}))
	require.NoError(t, b.SendMessage("jobs", newTestMessage("flaky")))

	// first reject: requeued with retry_count=1, next retry >= 10ms out
	msg, err := b.ReceiveMessage("jobs", time.Second, false)
	require.NoError(t, err)
	before := time.Now()
	require.NoError(t, b.Reject("jobs", msg.ID, true))
	require.Equal(t, 1, msg.RetryCount)
	require.GreaterOrEqual(t, msg.NextRetry.Sub(before), 10*time.Millisecond)

	// not eligible until the backoff elapses
	_, err = b.ReceiveMessage("jobs", 5*time.Millisecond, false)
	require.Equal(t, Timeout, CodeOf(err))

	time.Sleep(15 * time.Millisecond)
	msg, err = b.ReceiveMessage("jobs", time.Second, false)
	require.NoError(t, err)
	before = time.Now()
	require.NoError(t, b.Reject("jobs", msg.ID, true))
	require.Equal(t, 2, msg.RetryCount)
	require.GreaterOrEqual(t, msg.NextRetry.Sub(before), 20*time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	msg, err = b.ReceiveMessage("jobs", time.Second, false)
	require.NoError(t, err)
	require.NoError(t, b.Reject("jobs", msg.ID, true))

	dead, err := b.GetDeadLetterMessages("jobs", 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.Equal(t, ReasonMaxRetriesExceeded, dead[0].DeadLetterReason)
	require.Equal(t, "jobs", dead[0].OriginalQueue)
	require.Equal(t, StatusDeadLetter, dead[0].Status)

	stats, err := b.Queue("jobs")
	require.NoError(t, err)
	require.Equal(t, int64(2), stats.Stats().Retried)
	require.Equal(t, int64(1), stats.Stats().DeadLettered)
}

func TestReject_NoRequeue_DeadLettersImmediately(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.CreateQueue(QueueConfig{
		Name:              "jobs",
		DeadLetterEnabled: true,
		Retry:             RetryPolicy{BaseDelay: time.Millisecond, Multiplier: 2, MaxRetries: 5},
	}))
	require.NoError(t, b.SendMessage("jobs", newTestMessage("bad")))

	msg, err := b.ReceiveMessage("jobs", time.Second, false)
	require.NoError(t, err)
	require.NoError(t, b.Reject("jobs", msg.ID, false))

	dead, err := b.GetDeadLetterMessages("jobs", 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.Equal(t, ReasonRejected, dead[0].DeadLetterReason)
}

func TestRequeueDeadLetterMessage(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.CreateQueue(QueueConfig{Name: "jobs", DeadLetterEnabled: true}))
	require.NoError(t, b.SendMessage("jobs", newTestMessage("again")))

	msg, err := b.ReceiveMessage("jobs", time.Second, false)
	require.NoError(t, err)
	require.NoError(t, b.Reject("jobs", msg.ID, false))

	require.NoError(t, b.RequeueDeadLetterMessage("jobs", msg.ID))

	back, err := b.ReceiveMessage("jobs", time.Second, true)
	require.NoError(t, err)
	require.Equal(t, msg.ID, back.ID)
	require.Equal(t, 0, back.RetryCount)
	require.Equal(t, ReasonNone, back.DeadLetterReason)
	require.Empty(t, back.OriginalQueue)

	// gone from the DLQ
	dead, err := b.GetDeadLetterMessages("jobs", 10)
	require.NoError(t, err)
	require.Empty(t, dead)
}

func TestPurgeDeadLetterQueue(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.CreateQueue(QueueConfig{Name: "jobs", DeadLetterEnabled: true}))
	require.NoError(t, b.SendMessage("jobs", newTestMessage("doomed")))

	msg, err := b.ReceiveMessage("jobs", time.Second, false)
	require.NoError(t, err)
	require.NoError(t, b.Reject("jobs", msg.ID, false))

	require.NoError(t, b.PurgeDeadLetterQueue("jobs"))
	dead, err := b.GetDeadLetterMessages("jobs", 10)
	require.NoError(t, err)
	require.Empty(t, dead)
}
