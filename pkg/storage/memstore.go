package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/istio-ecosystem/syncmesh/pkg/document"
)

// MemStore is an in-process Adapter for single-instance deployments and
// tests. It never evicts; a production deployment wires a real database
// adapter behind the same interface (see storage.Adapter).
type MemStore struct {
	mu        sync.RWMutex
	documents map[string]*DocumentRecord
	deltas    map[string][]document.StoredDelta
	sessions  map[string]*SessionRecord
	snapshots map[string][]*SnapshotRecord
	textDocs  map[string]*TextDocumentRecord
}

func NewMemStore() *MemStore {
	return &MemStore{
		documents: make(map[string]*DocumentRecord),
		deltas:    make(map[string][]document.StoredDelta),
		sessions:  make(map[string]*SessionRecord),
		snapshots: make(map[string][]*SnapshotRecord),
		textDocs:  make(map[string]*TextDocumentRecord),
	}
}

func (m *MemStore) Connect(ctx context.Context) error    { return nil }
func (m *MemStore) Disconnect(ctx context.Context) error { return nil }
func (m *MemStore) HealthCheck(ctx context.Context) error { return nil }

func (m *MemStore) GetDocument(ctx context.Context, id string) (*DocumentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.documents[id]
	if !ok {
		return nil, &ErrNotFound{Kind: "document", ID: id}
	}
	cp := *rec
	return &cp, nil
}

func (m *MemStore) SaveDocument(ctx context.Context, rec *DocumentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	cp.UpdatedAt = time.Now()
	m.documents[rec.ID] = &cp
	return nil
}

func (m *MemStore) DeleteDocument(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.documents, id)
	delete(m.deltas, id)
	delete(m.snapshots, id)
	delete(m.textDocs, id)
	return nil
}

// SaveTextDocument stores blob verbatim, replacing any prior blob for
// documentID. The content is never parsed or merged: text-CRDT resolution
// happens entirely on the client.
func (m *MemStore) SaveTextDocument(ctx context.Context, rec *TextDocumentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.textDocs[rec.DocumentID] = &cp
	return nil
}

func (m *MemStore) GetTextDocument(ctx context.Context, documentID string) (*TextDocumentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.textDocs[documentID]
	if !ok {
		return nil, &ErrNotFound{Kind: "text document", ID: documentID}
	}
	cp := *rec
	return &cp, nil
}

func (m *MemStore) AppendDelta(ctx context.Context, id string, delta document.StoredDelta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deltas[id] = append(m.deltas[id], delta)
	return nil
}

func (m *MemStore) GetDeltas(ctx context.Context, id string, limit int) ([]document.StoredDelta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.deltas[id]
	if limit <= 0 || limit >= len(all) {
		out := make([]document.StoredDelta, len(all))
		copy(out, all)
		return out, nil
	}
	start := len(all) - limit
	out := make([]document.StoredDelta, limit)
	copy(out, all[start:])
	return out, nil
}

func (m *MemStore) SaveSession(ctx context.Context, s *SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *MemStore) TouchSession(ctx context.Context, id string, lastSeen time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return &ErrNotFound{Kind: "session", ID: id}
	}
	s.LastSeen = lastSeen
	return nil
}

func (m *MemStore) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *MemStore) GetSessions(ctx context.Context, userID string) ([]*SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*SessionRecord
	for _, s := range m.sessions {
		if s.UserID == userID {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemStore) SaveSnapshot(ctx context.Context, snap *SnapshotRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *snap
	m.snapshots[snap.DocumentID] = append(m.snapshots[snap.DocumentID], &cp)
	return nil
}

func (m *MemStore) GetLatestSnapshot(ctx context.Context, documentID string) (*SnapshotRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snaps := m.snapshots[documentID]
	if len(snaps) == 0 {
		return nil, &ErrNotFound{Kind: "snapshot", ID: documentID}
	}
	latest := snaps[0]
	for _, s := range snaps[1:] {
		if s.CreatedAt.After(latest.CreatedAt) {
			latest = s
		}
	}
	cp := *latest
	return &cp, nil
}

// Cleanup sweeps sessions, deltas, and snapshots per opts. Deltas are kept
// in their entirety if OldDeltasOlderThan is zero (treated as "no sweep").
func (m *MemStore) Cleanup(ctx context.Context, opts CleanupOptions) (CleanupResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res CleanupResult
	now := time.Now()

	if opts.OldSessionsOlderThan > 0 {
		for id, s := range m.sessions {
			if now.Sub(s.LastSeen) > opts.OldSessionsOlderThan {
				delete(m.sessions, id)
				res.SessionsDeleted++
			}
		}
	}

	if opts.OldDeltasOlderThan > 0 {
		for docID, ds := range m.deltas {
			kept := ds[:0:0]
			for _, d := range ds {
				if now.Sub(time.UnixMilli(d.TimestampMs)) > opts.OldDeltasOlderThan {
					res.DeltasDeleted++
					continue
				}
				kept = append(kept, d)
			}
			m.deltas[docID] = kept
		}
	}

	if opts.MaxSnapshotsPerDoc > 0 || opts.OldSnapshotsOlderThan > 0 {
		for docID, snaps := range m.snapshots {
			sort.Slice(snaps, func(i, j int) bool { return snaps[i].CreatedAt.After(snaps[j].CreatedAt) })
			var kept []*SnapshotRecord
			for i, s := range snaps {
				tooOld := opts.OldSnapshotsOlderThan > 0 && now.Sub(s.CreatedAt) > opts.OldSnapshotsOlderThan
				tooMany := opts.MaxSnapshotsPerDoc > 0 && i >= opts.MaxSnapshotsPerDoc
				if tooOld || tooMany {
					res.SnapshotsDeleted++
					continue
				}
				kept = append(kept, s)
			}
			m.snapshots[docID] = kept
		}
	}

	return res, nil
}
