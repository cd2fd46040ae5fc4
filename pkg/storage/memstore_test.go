package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/istio-ecosystem/syncmesh/pkg/document"
)

func TestSaveAndGetDocumentRoundTrips(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()

	err := m.SaveDocument(ctx, &DocumentRecord{ID: "room:a", Clock: document.VectorClock{"c1": 3}})
	require.NoError(t, err)

	rec, err := m.GetDocument(ctx, "room:a")
	require.NoError(t, err)
	require.Equal(t, uint64(3), rec.Clock["c1"])
}

func TestGetDocumentMissingReturnsNotFound(t *testing.T) {
	m := NewMemStore()
	_, err := m.GetDocument(context.Background(), "missing")
	require.Error(t, err)
	var nf *ErrNotFound
	require.ErrorAs(t, err, &nf)
}

func TestAppendAndGetDeltasRespectsLimit(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, m.AppendDelta(ctx, "doc", document.StoredDelta{ID: string(rune('a' + i))}))
	}
	deltas, err := m.GetDeltas(ctx, "doc", 2)
	require.NoError(t, err)
	require.Len(t, deltas, 2)
}

func TestSessionLifecycle(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()
	require.NoError(t, m.SaveSession(ctx, &SessionRecord{ID: "s1", UserID: "u1", LastSeen: time.Now()}))

	sessions, err := m.GetSessions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	require.NoError(t, m.TouchSession(ctx, "s1", time.Now()))
	require.NoError(t, m.DeleteSession(ctx, "s1"))

	sessions, err = m.GetSessions(ctx, "u1")
	require.NoError(t, err)
	require.Empty(t, sessions)
}

func TestGetLatestSnapshotPicksNewest(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()
	old := time.Now().Add(-time.Hour)
	newer := time.Now()
	require.NoError(t, m.SaveSnapshot(ctx, &SnapshotRecord{ID: "s-old", DocumentID: "d", CreatedAt: old}))
	require.NoError(t, m.SaveSnapshot(ctx, &SnapshotRecord{ID: "s-new", DocumentID: "d", CreatedAt: newer}))

	latest, err := m.GetLatestSnapshot(ctx, "d")
	require.NoError(t, err)
	require.Equal(t, "s-new", latest.ID)
}

func TestCleanupRemovesStaleSessionsAndDeltas(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()
	require.NoError(t, m.SaveSession(ctx, &SessionRecord{ID: "stale", UserID: "u1", LastSeen: time.Now().Add(-48 * time.Hour)}))
	require.NoError(t, m.SaveSession(ctx, &SessionRecord{ID: "fresh", UserID: "u1", LastSeen: time.Now()}))
	require.NoError(t, m.AppendDelta(ctx, "d", document.StoredDelta{ID: "old", TimestampMs: time.Now().Add(-48 * time.Hour).UnixMilli()}))
	require.NoError(t, m.AppendDelta(ctx, "d", document.StoredDelta{ID: "new", TimestampMs: time.Now().UnixMilli()}))

	res, err := m.Cleanup(ctx, CleanupOptions{OldSessionsOlderThan: time.Hour, OldDeltasOlderThan: time.Hour})
	require.NoError(t, err)
	require.Equal(t, 1, res.SessionsDeleted)
	require.Equal(t, 1, res.DeltasDeleted)

	sessions, _ := m.GetSessions(ctx, "u1")
	require.Len(t, sessions, 1)
	require.Equal(t, "fresh", sessions[0].ID)
}
