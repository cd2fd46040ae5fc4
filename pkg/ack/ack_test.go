package ack

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Property 5 / scenario S4: an unacknowledged message is retried up to the
// configured budget and then dropped.
func TestUnackedMessageRetriesThenDrops(t *testing.T) {
	var resends int32
	tr := New(10*time.Millisecond, 2, func(connID, messageID string) error {
		atomic.AddInt32(&resends, 1)
		return nil
	})

	tr.Track("c1", "m1")

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&resends) == 2
	}, time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		return tr.Dropped() == 1
	}, time.Second, time.Millisecond)

	require.False(t, tr.Pending("c1", "m1"))
	require.Equal(t, int32(2), atomic.LoadInt32(&resends))
}

func TestAckCancelsRetries(t *testing.T) {
	var resends int32
	tr := New(15*time.Millisecond, 5, func(connID, messageID string) error {
		atomic.AddInt32(&resends, 1)
		return nil
	})
	tr.Track("c1", "m1")
	tr.Ack("c1", "m1")

	time.Sleep(80 * time.Millisecond)
	require.Equal(t, int32(0), atomic.LoadInt32(&resends))
	require.False(t, tr.Pending("c1", "m1"))
}

func TestResendErrorAbandonsEntry(t *testing.T) {
	tr := New(10*time.Millisecond, 5, func(connID, messageID string) error {
		return fmt.Errorf("connection gone")
	})
	tr.Track("c1", "m1")

	require.Eventually(t, func() bool {
		return !tr.Pending("c1", "m1")
	}, time.Second, time.Millisecond)
}

func TestReleaseConnectionCancelsItsEntries(t *testing.T) {
	var resends int32
	tr := New(10*time.Millisecond, 5, func(connID, messageID string) error {
		atomic.AddInt32(&resends, 1)
		return nil
	})
	tr.Track("c1", "m1")
	tr.Track("c2", "m2")
	tr.ReleaseConnection("c1")

	require.False(t, tr.Pending("c1", "m1"))
	require.True(t, tr.Pending("c2", "m2"))
}

func TestPendingCountReflectsInFlightEntries(t *testing.T) {
	tr := New(time.Hour, 5, func(string, string) error { return nil })
	tr.Track("c1", "m1")
	tr.Track("c1", "m2")
	require.Equal(t, 2, tr.PendingCount())
	tr.Ack("c1", "m1")
	require.Equal(t, 1, tr.PendingCount())
}

func TestTrackIsIdempotentPerKey(t *testing.T) {
	var mu sync.Mutex
	count := 0
	tr := New(time.Hour, 5, func(string, string) error {
		mu.Lock()
		defer mu.Unlock()
		count++
		return nil
	})
	tr.Track("c1", "m1")
	tr.Track("c1", "m1")
	require.Equal(t, 1, tr.PendingCount())
}
