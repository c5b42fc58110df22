package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMessage_Expired(t *testing.T) {
	now := time.Now()
	m := &Message{}
	require.False(t, m.Expired(now), "zero expiry never expires")
	m.ExpiresAt = now.Add(-time.Second)
	require.True(t, m.Expired(now))
	m.ExpiresAt = now.Add(time.Second)
	require.False(t, m.Expired(now))
}

func TestMessage_RetryEligible(t *testing.T) {
	now := time.Now()
	m := &Message{}
	require.True(t, m.RetryEligible(now), "zero next-retry is eligible now")
	m.NextRetry = now.Add(time.Second)
	require.False(t, m.RetryEligible(now))
	m.NextRetry = now.Add(-time.Second)
	require.True(t, m.RetryEligible(now))
}

func TestMessage_ReleasePayloadOnce(t *testing.T) {
	calls := 0
	m := &Message{Payload: Payload{Bytes: []byte("x"), External: true, Release: func() { calls++ }}}
	m.releasePayload()
	m.releasePayload()
	require.Equal(t, 1, calls)

	owned := &Message{Payload: Payload{Bytes: []byte("x")}}
	owned.releasePayload() // no-op, no panic
}

func TestMessage_Clone(t *testing.T) {
	m := &Message{
		Type:       "event",
		Properties: map[string]string{"k": "v"},
		Payload:    Payload{Bytes: []byte("owned")},
	}
	c := m.Clone()
	c.Properties["k"] = "changed"
	c.Payload.Bytes[0] = 'X'
	require.Equal(t, "v", m.Properties["k"])
	require.Equal(t, "owned", string(m.Payload.Bytes))

	ext := &Message{Payload: Payload{Bytes: []byte("shared"), External: true}}
	c2 := ext.Clone()
	require.Same(t, &ext.Payload.Bytes[0], &c2.Payload.Bytes[0], "external buffers are shared, not copied")
}

func TestEnumStrings(t *testing.T) {
	require.Equal(t, "critical", PriorityCritical.String())
	require.Equal(t, "dead-letter", StatusDeadLetter.String())
	require.Equal(t, "max-retries-exceeded", ReasonMaxRetriesExceeded.String())
	require.Equal(t, "queue-full", ReasonQueueFull.String())
	require.Equal(t, "leader", RoleLeader.String())
	require.Equal(t, "timed-out", TxTimedOut.String())
	require.Equal(t, "aes-256-gcm", EncryptionAES256GCM.String())
	require.Equal(t, "lz4", CompressionLZ4.String())
}

func TestBrokerErrorCodes(t *testing.T) {
	err := New(QueueFull, nil)
	require.Equal(t, "broker: queue-full", err.Error())
	require.Equal(t, QueueFull, CodeOf(err))
	require.Equal(t, OK, CodeOf(nil))
	require.Equal(t, InternalError, CodeOf(assertedError{}))

	wrapped := Newf(OperationFailed, "disk %s", "full")
	require.Contains(t, wrapped.Error(), "disk full")
}

type assertedError struct{}

func (assertedError) Error() string { return "opaque" }
