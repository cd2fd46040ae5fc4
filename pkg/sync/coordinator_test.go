package sync

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/istio-ecosystem/syncmesh/pkg/document"
	"github.com/istio-ecosystem/syncmesh/pkg/storage"
)

func TestGetLazilyLoadsAndCaches(t *testing.T) {
	store := storage.NewMemStore()
	require.NoError(t, store.SaveDocument(context.Background(), &storage.DocumentRecord{
		ID:    "room:a",
		State: map[string]json.RawMessage{"title": json.RawMessage(`"hi"`)},
		Clock: document.VectorClock{"c1": 2},
	}))

	c, err := New(store, 10)
	require.NoError(t, err)

	doc, err := c.Get(context.Background(), "room:a")
	require.NoError(t, err)
	require.Equal(t, json.RawMessage(`"hi"`), doc.BuildState()["title"])
	require.Equal(t, 1, c.Resident())

	again, err := c.Get(context.Background(), "room:a")
	require.NoError(t, err)
	require.Same(t, doc, again)
}

func TestGetOnNeverSeenDocumentStartsEmpty(t *testing.T) {
	c, err := New(storage.NewMemStore(), 10)
	require.NoError(t, err)

	doc, err := c.Get(context.Background(), "room:new")
	require.NoError(t, err)
	require.Empty(t, doc.BuildState())
}

func TestConcurrentGetDeduplicatesLoad(t *testing.T) {
	c, err := New(storage.NewMemStore(), 10)
	require.NoError(t, err)

	var wg sync.WaitGroup
	docs := make([]*document.Document, 20)
	for i := range docs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := c.Get(context.Background(), "room:shared")
			require.NoError(t, err)
			docs[i] = d
		}(i)
	}
	wg.Wait()

	for _, d := range docs {
		require.Same(t, docs[0], d)
	}
}

func TestPersistWritesBackResolvedState(t *testing.T) {
	store := storage.NewMemStore()
	c, err := New(store, 10)
	require.NoError(t, err)

	doc, err := c.Get(context.Background(), "room:b")
	require.NoError(t, err)
	doc.Apply(document.ApplyInput{
		ClientID:    "c1",
		Fields:      map[string]json.RawMessage{"x": json.RawMessage("1")},
		TimestampMs: 1000,
		DeltaID:     "d1",
	})

	require.NoError(t, c.Persist(context.Background(), doc))

	rec, err := store.GetDocument(context.Background(), "room:b")
	require.NoError(t, err)
	require.Equal(t, json.RawMessage("1"), rec.State["x"])
}

func TestEvictRemovesResidentDocument(t *testing.T) {
	c, err := New(storage.NewMemStore(), 10)
	require.NoError(t, err)
	_, err = c.Get(context.Background(), "room:c")
	require.NoError(t, err)
	require.True(t, c.Evict("room:c"))
	require.False(t, c.Evict("room:c"))
}

// S5: a reconnecting client presenting a stale vector clock must receive
// exactly the deltas it missed, and the resulting state it can derive
// from those deltas must match the coordinator's own view bit for bit --
// go-cmp catches a mismatch a reflect.DeepEqual-based require.Equal would
// report only as "not equal" with no indication of which field diverged.
func TestReconnectCatchUpMatchesAuthoritativeState(t *testing.T) {
	store := storage.NewMemStore()
	c, err := New(store, 10)
	require.NoError(t, err)

	doc, err := c.Get(context.Background(), "room:catchup")
	require.NoError(t, err)

	doc.Apply(document.ApplyInput{ClientID: "A", Fields: map[string]json.RawMessage{"title": json.RawMessage(`"v1"`)}, TimestampMs: 1, DeltaID: "d1", IncomingClock: document.VectorClock{"A": 1}})
	doc.Apply(document.ApplyInput{ClientID: "B", Fields: map[string]json.RawMessage{"body": json.RawMessage(`"hello"`)}, TimestampMs: 2, DeltaID: "d2", IncomingClock: document.VectorClock{"B": 1}})

	clientKnown := doc.VectorClock()
	doc.Apply(document.ApplyInput{ClientID: "A", Fields: map[string]json.RawMessage{"title": json.RawMessage(`"v2"`)}, TimestampMs: 3, DeltaID: "d3", IncomingClock: document.VectorClock{"A": 2}})
	doc.Apply(document.ApplyInput{ClientID: "C", Fields: map[string]json.RawMessage{"tags": json.RawMessage(`["x"]`)}, TimestampMs: 4, DeltaID: "d4", IncomingClock: document.VectorClock{"C": 1}})

	missing := doc.DeltasSince(clientKnown)
	require.Len(t, missing, 2)

	rebuilt := map[string]json.RawMessage{"title": json.RawMessage(`"v1"`), "body": json.RawMessage(`"hello"`)}
	for _, d := range missing {
		for field, value := range d.Data {
			rebuilt[field] = value
		}
	}
	if diff := cmp.Diff(doc.BuildState(), rebuilt); diff != "" {
		t.Fatalf("client-rebuilt state diverges from authoritative state (-authoritative +rebuilt):\n%s", diff)
	}
}

func TestEvictionSkipsNonIdleDocuments(t *testing.T) {
	c, err := New(storage.NewMemStore(), 1)
	require.NoError(t, err)

	busy, err := c.Get(context.Background(), "room:busy")
	require.NoError(t, err)
	busy.Subscribe("conn1")

	_, err = c.Get(context.Background(), "room:other")
	require.NoError(t, err)

	still, err := c.Get(context.Background(), "room:busy")
	require.NoError(t, err)
	require.Same(t, busy, still)
}
