package awareness

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Property 7: awareness fan-out includes the sender itself.
func TestUpdateBroadcastsIncludingSender(t *testing.T) {
	var mu sync.Mutex
	var lastEntries []Entry

	m := New(time.Hour, time.Hour, func(documentID string, entries []Entry) {
		mu.Lock()
		defer mu.Unlock()
		lastEntries = entries
	})
	defer m.Stop()

	m.Update("doc1", "client-a", json.RawMessage(`{"cursor":1}`))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, lastEntries, 1)
	require.Equal(t, "client-a", lastEntries[0].ClientID)
}

func TestMultipleClientsAccumulateInSnapshot(t *testing.T) {
	m := New(time.Hour, time.Hour, func(string, []Entry) {})
	defer m.Stop()

	m.Update("doc1", "a", json.RawMessage(`{}`))
	m.Update("doc1", "b", json.RawMessage(`{}`))

	snap := m.Snapshot("doc1")
	require.Len(t, snap, 2)
}

func TestRemoveDropsEntryAndBroadcasts(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	m := New(time.Hour, time.Hour, func(string, []Entry) {
		mu.Lock()
		defer mu.Unlock()
		calls++
	})
	defer m.Stop()

	m.Update("doc1", "a", json.RawMessage(`{}`))
	m.Remove("doc1", "a")

	require.Empty(t, m.Snapshot("doc1"))
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 2, calls)
}

func TestRemoveUnknownClientDoesNotBroadcast(t *testing.T) {
	calls := 0
	m := New(time.Hour, time.Hour, func(string, []Entry) { calls++ })
	defer m.Stop()

	m.Remove("doc1", "ghost")
	require.Equal(t, 0, calls)
}

// Scenario S6: a client that stops sending updates is reaped after the
// staleness window and the remaining set is re-broadcast.
func TestReaperRemovesStaleEntries(t *testing.T) {
	var mu sync.Mutex
	var last []Entry

	m := New(5*time.Millisecond, 5*time.Millisecond, func(documentID string, entries []Entry) {
		mu.Lock()
		defer mu.Unlock()
		last = entries
	})
	defer m.Stop()

	m.Update("doc1", "a", json.RawMessage(`{}`))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(last) == 0
	}, time.Second, time.Millisecond)
}

func TestSnapshotIsolatedPerDocument(t *testing.T) {
	m := New(time.Hour, time.Hour, func(string, []Entry) {})
	defer m.Stop()

	m.Update("doc1", "a", json.RawMessage(`{}`))
	m.Update("doc2", "b", json.RawMessage(`{}`))

	require.Len(t, m.Snapshot("doc1"), 1)
	require.Len(t, m.Snapshot("doc2"), 1)
}
