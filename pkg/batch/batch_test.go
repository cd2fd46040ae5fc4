package batch

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Property 6 / scenario S3: multiple rapid writes to the same document
// within the window coalesce into a single flush.
func TestRapidWritesCoalesceIntoOneFlush(t *testing.T) {
	var mu sync.Mutex
	var flushes int
	var lastMerged map[string]json.RawMessage

	s := New(30*time.Millisecond, func(docID string, merged map[string]json.RawMessage, clock map[string]uint64) {
		mu.Lock()
		defer mu.Unlock()
		flushes++
		lastMerged = merged
	})

	s.Add("doc1", map[string]json.RawMessage{"a": json.RawMessage("1")}, map[string]uint64{"c1": 1})
	s.Add("doc1", map[string]json.RawMessage{"b": json.RawMessage("2")}, map[string]uint64{"c1": 2})
	s.Add("doc1", map[string]json.RawMessage{"a": json.RawMessage("3")}, map[string]uint64{"c1": 3})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return flushes == 1
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, json.RawMessage("3"), lastMerged["a"])
	require.Equal(t, json.RawMessage("2"), lastMerged["b"])
}

func TestDifferentDocumentsFlushIndependently(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[string]int)

	s := New(20*time.Millisecond, func(docID string, merged map[string]json.RawMessage, clock map[string]uint64) {
		mu.Lock()
		defer mu.Unlock()
		seen[docID]++
	})

	s.Add("doc1", map[string]json.RawMessage{"a": json.RawMessage("1")}, nil)
	s.Add("doc2", map[string]json.RawMessage{"a": json.RawMessage("1")}, nil)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen["doc1"] == 1 && seen["doc2"] == 1
	}, time.Second, time.Millisecond)
}

func TestStopDrainsPendingBatchesImmediately(t *testing.T) {
	flushed := make(chan struct{}, 1)
	s := New(time.Hour, func(docID string, merged map[string]json.RawMessage, clock map[string]uint64) {
		flushed <- struct{}{}
	})

	s.Add("doc1", map[string]json.RawMessage{"a": json.RawMessage("1")}, nil)
	s.Stop()

	select {
	case <-flushed:
	case <-time.After(time.Second):
		t.Fatal("expected Stop to drain the pending batch")
	}
}

func TestAddAfterStopIsNoOp(t *testing.T) {
	var flushes int
	s := New(10*time.Millisecond, func(docID string, merged map[string]json.RawMessage, clock map[string]uint64) {
		flushes++
	})
	s.Stop()
	s.Add("doc1", map[string]json.RawMessage{"a": json.RawMessage("1")}, nil)
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, 0, flushes)
}

func TestPendingReflectsOpenWindow(t *testing.T) {
	s := New(50*time.Millisecond, func(string, map[string]json.RawMessage, map[string]uint64) {})
	require.False(t, s.Pending("doc1"))
	s.Add("doc1", map[string]json.RawMessage{"a": json.RawMessage("1")}, nil)
	require.True(t, s.Pending("doc1"))
	require.Eventually(t, func() bool { return !s.Pending("doc1") }, time.Second, time.Millisecond)
}
