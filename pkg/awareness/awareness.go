// Package awareness implements the ephemeral presence subsystem from
// spec.md §4.5: per-document, per-client state (cursor position, selection,
// user color) that is broadcast to every awareness subscriber including
// the sender, and reaped if a client goes silent. Grounded on the
// synckit hub's awareness map and its periodic stale-entry cleanup ticker
// (other_examples/...websocket-hub.go.go).
package awareness

import (
	"bytes"
	"encoding/json"
	"sync"
	"time"

	synclog "github.com/istio-ecosystem/syncmesh/pkg/log"
)

// DefaultStaleAfter is how long an awareness entry survives without an
// update before the reaper removes it, resolving spec.md's unspecified
// staleness window (see DESIGN.md Open Questions): long enough to tolerate
// a client's own idle/heartbeat cadence, short enough that a genuinely
// disconnected cursor disappears within one reap cycle.
const DefaultStaleAfter = 30 * time.Second

// DefaultReapInterval is how often the reaper sweeps for stale entries.
const DefaultReapInterval = 30 * time.Second

// Entry is one client's current awareness state for one document.
type Entry struct {
	ClientID  string
	State     json.RawMessage
	UpdatedAt time.Time
}

type docState struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// Broadcast is invoked with the full set of entries for a document
// whenever that document's awareness state changes, so the orchestrator
// can fan it out to every subscribed connection (including the sender's).
type Broadcast func(documentID string, entries []Entry)

// Manager tracks presence per document and reaps stale entries on a timer.
type Manager struct {
	staleAfter time.Duration
	broadcast  Broadcast

	mu   sync.Mutex
	docs map[string]*docState

	stop chan struct{}
	done chan struct{}
}

func New(staleAfter, reapInterval time.Duration, broadcast Broadcast) *Manager {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	if reapInterval <= 0 {
		reapInterval = DefaultReapInterval
	}
	m := &Manager{
		staleAfter: staleAfter,
		broadcast:  broadcast,
		docs:       make(map[string]*docState),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go m.reapLoop(reapInterval)
	return m
}

func (m *Manager) doc(documentID string) *docState {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[documentID]
	if !ok {
		d = &docState{entries: make(map[string]Entry)}
		m.docs[documentID] = d
	}
	return d
}

// isNull reports whether state is absent or JSON null, the wire signal that
// a client is departing (spec.md §4.9: "remove it when state is null").
func isNull(state json.RawMessage) bool {
	trimmed := bytes.TrimSpace(state)
	return len(trimmed) == 0 || string(trimmed) == "null"
}

// Update records clientID's latest awareness state for documentID and
// broadcasts the full resulting set, including to the sender itself
// (awareness fan-out, like delta fan-out, is never sender-excluded). A null state removes the entry immediately instead of storing
// a null-valued entry for the reaper to find later.
func (m *Manager) Update(documentID, clientID string, state json.RawMessage) {
	if isNull(state) {
		m.Remove(documentID, clientID)
		return
	}

	d := m.doc(documentID)
	d.mu.Lock()
	d.entries[clientID] = Entry{ClientID: clientID, State: state, UpdatedAt: time.Now()}
	snapshot := d.snapshotLocked()
	d.mu.Unlock()

	synclog.Awareness.Debugf("document %s: awareness update from %s, %d active", documentID, clientID, len(snapshot))
	m.broadcast(documentID, snapshot)
}

// Remove drops clientID's entry for documentID immediately, used when a
// connection unsubscribes or disconnects cleanly rather than waiting for
// the reaper.
func (m *Manager) Remove(documentID, clientID string) {
	d := m.doc(documentID)
	d.mu.Lock()
	_, existed := d.entries[clientID]
	delete(d.entries, clientID)
	snapshot := d.snapshotLocked()
	d.mu.Unlock()

	if existed {
		m.broadcast(documentID, snapshot)
	}
}

// Snapshot returns the current awareness entries for documentID, used to
// seed a newly subscribed connection.
func (m *Manager) Snapshot(documentID string) []Entry {
	d := m.doc(documentID)
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.snapshotLocked()
}

func (d *docState) snapshotLocked() []Entry {
	out := make([]Entry, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, e)
	}
	return out
}

func (m *Manager) reapLoop(interval time.Duration) {
	defer close(m.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.reapOnce()
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) reapOnce() {
	m.mu.Lock()
	docs := make([]string, 0, len(m.docs))
	for id := range m.docs {
		docs = append(docs, id)
	}
	m.mu.Unlock()

	now := time.Now()
	for _, documentID := range docs {
		d := m.doc(documentID)
		d.mu.Lock()
		var removed bool
		for clientID, e := range d.entries {
			if now.Sub(e.UpdatedAt) > m.staleAfter {
				delete(d.entries, clientID)
				removed = true
			}
		}
		snapshot := d.snapshotLocked()
		d.mu.Unlock()

		if removed {
			synclog.Awareness.Debugf("document %s: reaped stale awareness entries, %d remain", documentID, len(snapshot))
			m.broadcast(documentID, snapshot)
		}
	}
}

// Stop terminates the reaper loop. Does not clear existing state.
func (m *Manager) Stop() {
	close(m.stop)
	<-m.done
}
