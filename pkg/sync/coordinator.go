// Package sync implements the Sync Coordinator described in spec.md §4.1:
// lazy per-document loading from storage, singleflight-deduplicated
// concurrent loads, and an LRU cache bounding the number of resident
// documents. Grounded on the teacher's workloadentry.go delayed-load/cache
// pattern and synckit's hub-side document map.
package sync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/istio-ecosystem/syncmesh/pkg/document"
	synclog "github.com/istio-ecosystem/syncmesh/pkg/log"
	"github.com/istio-ecosystem/syncmesh/pkg/storage"
)

// Coordinator owns the set of resident documents, loading each lazily from
// storage on first reference and persisting deltas as they are applied.
type Coordinator struct {
	store storage.Adapter
	cache *lru.Cache[string, *document.Document]
	group singleflight.Group

	persistBackoff backoff.BackOff

	appendMu sync.Map // documentID -> *sync.Mutex, serializes PersistDeltaAsync per document
}

// Option configures a Coordinator at construction time.
type Option func(*Coordinator)

// WithPersistBackoff overrides the retry policy used when a persistence
// write fails; defaults to an exponential backoff capped at 5 seconds of
// total elapsed time.
func WithPersistBackoff(b backoff.BackOff) Option {
	return func(c *Coordinator) { c.persistBackoff = b }
}

// New constructs a Coordinator backed by store, caching at most
// maxResident documents. Evicting a document from the cache while it still
// has live subscribers is refused (see onEvict).
func New(store storage.Adapter, maxResident int, opts ...Option) (*Coordinator, error) {
	if maxResident <= 0 {
		maxResident = 1024
	}
	c := &Coordinator{store: store}
	cache, err := lru.NewWithEvict(maxResident, c.onEvict)
	if err != nil {
		return nil, err
	}
	c.cache = cache
	for _, opt := range opts {
		opt(c)
	}
	if c.persistBackoff == nil {
		b := backoff.NewExponentialBackOff()
		b.MaxElapsedTime = 5 * time.Second
		c.persistBackoff = b
	}
	return c, nil
}

// onEvict is golang-lru's eviction callback. A document with live
// subscribers is re-inserted immediately: eviction only reclaims memory
// for genuinely idle documents, never one an active connection depends on.
func (c *Coordinator) onEvict(id string, doc *document.Document) {
	if !doc.Idle() {
		c.cache.Add(id, doc)
		return
	}
	synclog.Sync.Debugf("document %s evicted from resident cache", id)
}

// Get returns the resident Document for id, lazily loading it from storage
// on first reference. Concurrent Get calls for the same id that miss the
// cache are deduplicated via singleflight so only one load reaches
// storage.
func (c *Coordinator) Get(ctx context.Context, id string) (*document.Document, error) {
	if doc, ok := c.cache.Get(id); ok {
		return doc, nil
	}

	v, err, _ := c.group.Do(id, func() (interface{}, error) {
		if doc, ok := c.cache.Get(id); ok {
			return doc, nil
		}
		doc, err := c.load(ctx, id)
		if err != nil {
			return nil, err
		}
		c.cache.Add(id, doc)
		return doc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*document.Document), nil
}

// load pulls the persisted document record (if any) and replays it into a
// fresh in-memory Document. A document with no prior record starts empty,
// not an error: the first Delta for a never-seen id creates it implicitly.
//
// A snapshot, if one exists, is tried first: for a durable backend a
// snapshot is a cheaper read than reconstructing resolved state from a full
// delta history, so it is always worth trying before falling back to
// GetDocument's full-state read.
func (c *Coordinator) load(ctx context.Context, id string) (*document.Document, error) {
	doc := document.New(id)

	if snap, err := c.store.GetLatestSnapshot(ctx, id); err == nil {
		doc.Preload(snap.State, snap.Clock, snap.CreatedAt.UnixMilli())
		synclog.Sync.Infof("document %s loaded from snapshot, %d fields", id, len(snap.State))
		return doc, nil
	} else if !isNotFound(err) {
		synclog.Sync.Warnf("document %s: snapshot lookup failed, falling back to document record: %v", id, err)
	}

	rec, err := c.store.GetDocument(ctx, id)
	if err != nil {
		if isNotFound(err) {
			synclog.Sync.Debugf("document %s has no persisted record, starting empty", id)
			return doc, nil
		}
		return nil, err
	}
	doc.Preload(rec.State, rec.Clock, rec.UpdatedAt.UnixMilli())
	synclog.Sync.Infof("document %s loaded from storage, %d fields", id, len(rec.State))
	return doc, nil
}

func isNotFound(err error) bool {
	var nf *storage.ErrNotFound
	return errors.As(err, &nf)
}

// Persist writes the document's current resolved state and clock back to
// storage, retrying transient failures with the configured backoff. Called
// by the batching scheduler after a flush, never inline with Apply.
func (c *Coordinator) Persist(ctx context.Context, doc *document.Document) error {
	rec := &storage.DocumentRecord{
		ID:    doc.ID,
		State: doc.BuildState(),
		Clock: doc.VectorClock(),
	}
	op := func() error { return c.store.SaveDocument(ctx, rec) }
	if err := backoff.Retry(op, backoff.WithContext(c.persistBackoff, ctx)); err != nil {
		return err
	}

	snap := &storage.SnapshotRecord{DocumentID: doc.ID, State: rec.State, Clock: rec.Clock, CreatedAt: time.Now()}
	if err := c.store.SaveSnapshot(ctx, snap); err != nil {
		synclog.Sync.Warnf("document %s: saving snapshot failed: %v", doc.ID, err)
	}
	return nil
}

// PersistDeltaAsync appends delta to documentID's storage-backed delta log
// in the background, per spec.md §4.6's "asynchronous write to Storage with
// the delta" (as distinct from Persist's synchronous full-state write after
// a batch flush). Appends for the same document are serialized against each
// other so the persisted log preserves apply order despite running
// fire-and-forget; failures are logged and otherwise swallowed, matching
// every other best-effort storage call in this package.
func (c *Coordinator) PersistDeltaAsync(documentID string, delta document.StoredDelta) {
	go func() {
		muAny, _ := c.appendMu.LoadOrStore(documentID, &sync.Mutex{})
		mu := muAny.(*sync.Mutex)
		mu.Lock()
		defer mu.Unlock()
		if err := c.store.AppendDelta(context.Background(), documentID, delta); err != nil {
			synclog.Sync.Warnf("document %s: appending delta %s to storage failed: %v", documentID, delta.ID, err)
		}
	}()
}

// SaveTextState persists blob as the latest opaque text-CRDT state for id,
// per spec.md §4.6's saveTextState(id, blob, clientId, ts). The coordinator
// never inspects or merges blob; it is passed through to storage unchanged,
// same as spec.md §6 requires of the Storage boundary.
func (c *Coordinator) SaveTextState(ctx context.Context, id, blob, clientID string, timestampMs int64) error {
	return c.store.SaveTextDocument(ctx, &storage.TextDocumentRecord{
		DocumentID:  id,
		Blob:        blob,
		ClientID:    clientID,
		TimestampMs: timestampMs,
	})
}

// GetTextState returns the last persisted text-CRDT blob for id, per
// spec.md §4.6's getTextState(id). ok is false if no text state has ever
// been saved for id, which is not an error: most documents have none.
func (c *Coordinator) GetTextState(ctx context.Context, id string) (blob string, ok bool, err error) {
	rec, err := c.store.GetTextDocument(ctx, id)
	if err != nil {
		var nf *storage.ErrNotFound
		if errors.As(err, &nf) {
			return "", false, nil
		}
		return "", false, err
	}
	return rec.Blob, true, nil
}

// Evict removes a document from the resident cache. The removal runs
// onEvict like any other eviction, so a document with live subscribers is
// put straight back; only an idle document actually leaves. Returns false
// if the document was not resident.
func (c *Coordinator) Evict(id string) bool {
	return c.cache.Remove(id)
}

// Resident reports how many documents are currently cached in memory.
func (c *Coordinator) Resident() int {
	return c.cache.Len()
}
