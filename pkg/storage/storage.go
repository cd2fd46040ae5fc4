// Package storage defines the persistence boundary the sync coordinator
// loads documents through, grounded on synckit's StorageAdapter
// (other_examples/...storage-interface.go.go) and narrowed to the fields
// this server actually needs: resolved state, vector clock, delta log,
// sessions, and snapshots, plus the maintenance sweep.
package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/istio-ecosystem/syncmesh/pkg/document"
)

// DocumentRecord is a persisted document's resolved projection plus its
// vector clock, as synckit's DocumentState models it for Postgres/Mongo
// backends.
type DocumentRecord struct {
	ID        string
	State     map[string]json.RawMessage
	Clock     document.VectorClock
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SessionRecord tracks one connected client for presence/audit purposes,
// mirroring synckit's SessionEntry.
type SessionRecord struct {
	ID          string
	UserID      string
	ClientID    string
	ConnectedAt time.Time
	LastSeen    time.Time
}

// SnapshotRecord is a point-in-time compacted copy of a document, used to
// bound delta-log replay cost on cold load (synckit's SnapshotEntry).
type SnapshotRecord struct {
	ID         string
	DocumentID string
	State      map[string]json.RawMessage
	Clock      document.VectorClock
	CreatedAt  time.Time
}

// TextDocumentRecord is an opaque text-CRDT blob (e.g. a Yjs/Automerge
// update) persisted and relayed without interpretation, per spec.md
// §4.6/§6's text-state pass-through.
type TextDocumentRecord struct {
	DocumentID  string
	Blob        string
	ClientID    string
	TimestampMs int64
}

// CleanupOptions bounds a maintenance sweep, mirroring synckit's
// CleanupOptions.
type CleanupOptions struct {
	OldSessionsOlderThan  time.Duration
	OldDeltasOlderThan    time.Duration
	OldSnapshotsOlderThan time.Duration
	MaxSnapshotsPerDoc    int
}

// CleanupResult reports what a sweep removed.
type CleanupResult struct {
	SessionsDeleted  int
	DeltasDeleted    int
	SnapshotsDeleted int
}

// Adapter is the persistence boundary. A single-instance deployment may run
// with the in-memory adapter; a durable deployment swaps in a database
// implementation without changing the Sync Coordinator.
type Adapter interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	GetDocument(ctx context.Context, id string) (*DocumentRecord, error)
	SaveDocument(ctx context.Context, rec *DocumentRecord) error
	DeleteDocument(ctx context.Context, id string) error

	AppendDelta(ctx context.Context, id string, delta document.StoredDelta) error
	GetDeltas(ctx context.Context, id string, limit int) ([]document.StoredDelta, error)

	SaveSession(ctx context.Context, s *SessionRecord) error
	TouchSession(ctx context.Context, id string, lastSeen time.Time) error
	DeleteSession(ctx context.Context, id string) error
	GetSessions(ctx context.Context, userID string) ([]*SessionRecord, error)

	SaveSnapshot(ctx context.Context, snap *SnapshotRecord) error
	GetLatestSnapshot(ctx context.Context, documentID string) (*SnapshotRecord, error)

	SaveTextDocument(ctx context.Context, rec *TextDocumentRecord) error
	GetTextDocument(ctx context.Context, documentID string) (*TextDocumentRecord, error)

	Cleanup(ctx context.Context, opts CleanupOptions) (CleanupResult, error)
}

// ErrNotFound is returned by Get* calls for a record that does not exist.
type ErrNotFound struct{ Kind, ID string }

func (e *ErrNotFound) Error() string { return e.Kind + " " + e.ID + " not found" }
