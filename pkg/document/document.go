package document

import (
	"bytes"
	"encoding/json"
	"sync"
	"time"

	synclog "github.com/istio-ecosystem/syncmesh/pkg/log"
)

// FieldEntry is the resolved, LWW-winning value for one field.
type FieldEntry struct {
	Value        json.RawMessage
	TimestampMs  int64
	ClockCounter uint64
	ClientID     string
	IsTombstone  bool
}

// StoredDelta is one immutable entry in a document's delta log.
type StoredDelta struct {
	ID          string
	ClientID    string
	TimestampMs int64
	Data        map[string]json.RawMessage
	Clock       VectorClock
}

// tombstoneMarker is the sentinel JSON shape {"__deleted":true}.
type tombstoneMarker struct {
	Deleted bool `json:"__deleted"`
}

func isTombstone(raw json.RawMessage) bool {
	var m tombstoneMarker
	if err := json.Unmarshal(raw, &m); err != nil {
		return false
	}
	return m.Deleted
}

// ApplyInput is one inbound delta to apply to a document.
type ApplyInput struct {
	ClientID      string
	Fields        map[string]json.RawMessage
	IncomingClock VectorClock
	TimestampMs   int64
	DeltaID       string
}

// Document is a single-writer actor over one document's state: delta log,
// resolved field map, and vector clock always move together under one
// mutex, exactly as spec.md requires ("all mutations serialized through
// one queue so the resolved map, delta log, and vector clock move
// atomically together").
type Document struct {
	ID string

	mu        sync.RWMutex
	clock     VectorClock
	resolved  map[string]FieldEntry
	deltas    []StoredDelta
	createdAt time.Time
	updatedAt time.Time

	subMu                sync.RWMutex
	subscribers          map[string]struct{}
	awarenessSubscribers map[string]struct{}
}

// New creates an empty document, optionally preloaded from Storage by the
// caller (Sync Coordinator) via Preload.
func New(id string) *Document {
	now := time.Now()
	return &Document{
		ID:                   id,
		clock:                VectorClock{},
		resolved:             make(map[string]FieldEntry),
		createdAt:            now,
		updatedAt:            now,
		subscribers:          make(map[string]struct{}),
		awarenessSubscribers: make(map[string]struct{}),
	}
}

// Preload seeds the resolved map and clock from a previously persisted
// state, before any live subscriber has observed the document. Called at
// most once, by the Sync Coordinator's lazy-load path.
func (d *Document) Preload(state map[string]json.RawMessage, clock VectorClock, ts int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for field, value := range state {
		d.resolved[field] = FieldEntry{Value: value, TimestampMs: ts, ClientID: "", ClockCounter: 0}
	}
	d.clock = Merge(d.clock, clock)
}

// ApplyResult is returned to the caller so it can echo convergence and
// route the resulting delta to the batching scheduler.
type ApplyResult struct {
	Delta         StoredDelta
	Winners       map[string]FieldEntry
	VectorClock   VectorClock
}

// Apply implements the 4-step LWW apply algorithm: bump the document's own
// clock for clientID, append the delta, merge the sender's clock, then
// resolve each field against the existing entry using the (timestamp,
// clockCounter, clientId) tiebreak.
func (d *Document) Apply(in ApplyInput) ApplyResult {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.clock = d.clock.Increment(in.ClientID)
	k := d.clock.Get(in.ClientID)

	sd := StoredDelta{
		ID:          in.DeltaID,
		ClientID:    in.ClientID,
		TimestampMs: in.TimestampMs,
		Data:        in.Fields,
		Clock:       d.clock.Clone(),
	}
	d.deltas = append(d.deltas, sd)

	if in.IncomingClock != nil {
		d.clock = Merge(d.clock, in.IncomingClock)
	}

	winners := make(map[string]FieldEntry, len(in.Fields))
	for field, value := range in.Fields {
		entry := FieldEntry{
			Value:        value,
			TimestampMs:  in.TimestampMs,
			ClockCounter: k,
			ClientID:     in.ClientID,
			IsTombstone:  isTombstone(value),
		}
		existing, had := d.resolved[field]
		if !had || lwwWins(entry, existing) {
			d.resolved[field] = entry
		}
		winners[field] = d.resolved[field]
	}
	d.updatedAt = time.Now()

	synclog.Document.Debugf("document %s: applied delta %s from %s, fields=%d", d.ID, in.DeltaID, in.ClientID, len(in.Fields))

	return ApplyResult{Delta: sd, Winners: winners, VectorClock: d.clock.Clone()}
}

// lwwWins reports whether candidate beats incumbent under the tiebreak
// order: larger timestamp wins; on tie, larger clock counter wins; on tie,
// larger client id under byte-lexicographic comparison wins.
func lwwWins(candidate, incumbent FieldEntry) bool {
	if candidate.TimestampMs != incumbent.TimestampMs {
		return candidate.TimestampMs > incumbent.TimestampMs
	}
	if candidate.ClockCounter != incumbent.ClockCounter {
		return candidate.ClockCounter > incumbent.ClockCounter
	}
	return bytes.Compare([]byte(candidate.ClientID), []byte(incumbent.ClientID)) > 0
}

// BuildState projects the resolved map to {field -> value} excluding
// tombstones. O(number of fields), not O(number of deltas).
func (d *Document) BuildState() map[string]json.RawMessage {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]json.RawMessage, len(d.resolved))
	for field, entry := range d.resolved {
		if entry.IsTombstone {
			continue
		}
		out[field] = entry.Value
	}
	return out
}

// VectorClock returns a snapshot of the document's current clock.
func (d *Document) VectorClock() VectorClock {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.clock.Clone()
}

// DeltasSince returns the subsequence of the delta log not already known to
// a client holding vector clock `known`: every delta whose clock is not
// <= known.
func (d *Document) DeltasSince(known VectorClock) []StoredDelta {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]StoredDelta, 0)
	for _, sd := range d.deltas {
		if known != nil && LessOrEqual(sd.Clock, known) {
			continue
		}
		out = append(out, sd)
	}
	return out
}

// CheckInvariant re-derives the resolved map from the delta log and
// compares it against the live resolved map. Intended for debug-mode
// consistency checks only (spec.md: "a fatal invariant violation").
func (d *Document) CheckInvariant() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rederived := make(map[string]FieldEntry)
	counters := make(map[string]uint64)
	for _, sd := range d.deltas {
		counters[sd.ClientID] = sd.Clock.Get(sd.ClientID)
		for field, value := range sd.Data {
			entry := FieldEntry{
				Value:        value,
				TimestampMs:  sd.TimestampMs,
				ClockCounter: sd.Clock.Get(sd.ClientID),
				ClientID:     sd.ClientID,
				IsTombstone:  isTombstone(value),
			}
			existing, had := rederived[field]
			if !had || lwwWins(entry, existing) {
				rederived[field] = entry
			}
		}
	}
	if len(rederived) != len(d.resolved) {
		return false
	}
	for field, entry := range rederived {
		live, ok := d.resolved[field]
		if !ok || live.ClientID != entry.ClientID || live.TimestampMs != entry.TimestampMs ||
			live.ClockCounter != entry.ClockCounter || live.IsTombstone != entry.IsTombstone {
			return false
		}
	}
	return true
}

// Subscribe/Unsubscribe manage the state-change subscriber set. Both are
// idempotent.
func (d *Document) Subscribe(connID string) {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	d.subscribers[connID] = struct{}{}
}

func (d *Document) Unsubscribe(connID string) {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	delete(d.subscribers, connID)
}

func (d *Document) Subscribers() []string {
	d.subMu.RLock()
	defer d.subMu.RUnlock()
	out := make([]string, 0, len(d.subscribers))
	for id := range d.subscribers {
		out = append(out, id)
	}
	return out
}

func (d *Document) SubscribeAwareness(connID string) {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	d.awarenessSubscribers[connID] = struct{}{}
}

func (d *Document) UnsubscribeAwareness(connID string) {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	delete(d.awarenessSubscribers, connID)
}

func (d *Document) AwarenessSubscribers() []string {
	d.subMu.RLock()
	defer d.subMu.RUnlock()
	out := make([]string, 0, len(d.awarenessSubscribers))
	for id := range d.awarenessSubscribers {
		out = append(out, id)
	}
	return out
}

// Idle reports whether the document has no live subscribers of any kind,
// used by the Sync Coordinator's LRU cache to decide eviction safety.
func (d *Document) Idle() bool {
	d.subMu.RLock()
	defer d.subMu.RUnlock()
	return len(d.subscribers) == 0 && len(d.awarenessSubscribers) == 0
}
