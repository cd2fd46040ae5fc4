// Package ack implements the delivery tracker from spec.md §4.3: every
// fanned-out Delta/DeltaBatch is tracked until the receiving connection
// acknowledges it; unacknowledged messages are retried a bounded number of
// times before being dropped and logged. Grounded on the teacher's
// shouldRespondDelta/ACK-NACK bookkeeping in pilot/pkg/xds/delta.go.
package ack

import (
	"sync"
	"time"

	"go.uber.org/atomic"

	synclog "github.com/istio-ecosystem/syncmesh/pkg/log"
)

// DefaultTimeout and DefaultMaxRetries are the ACK timeout and retry
// budget used when New is given none: three resends spaced 5s apart give a
// client on a flaky connection several chances to recover before the
// server gives up and relies on the next reconnect's catch-up sync instead.
const (
	DefaultTimeout    = 5 * time.Second
	DefaultMaxRetries = 3
)

// Resend is invoked to re-deliver a message that timed out without an ACK.
// It returns an error if the connection is no longer reachable, in which
// case the tracker abandons the pending entry without retrying further.
type Resend func(connID, messageID string) error

// Key identifies one in-flight message awaiting acknowledgement.
type Key struct {
	ConnID    string
	MessageID string
}

type pending struct {
	timer   *time.Timer
	retries int
}

// Tracker tracks pending (connection, message) pairs awaiting Ack.
type Tracker struct {
	timeout    time.Duration
	maxRetries int
	resend     Resend

	mu      sync.Mutex
	entries map[Key]*pending

	dropped atomic.Int64
}

func New(timeout time.Duration, maxRetries int, resend Resend) *Tracker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Tracker{
		timeout:    timeout,
		maxRetries: maxRetries,
		resend:     resend,
		entries:    make(map[Key]*pending),
	}
}

// Track registers a newly sent message as awaiting acknowledgement,
// arming its retry timer.
func (t *Tracker) Track(connID, messageID string) {
	key := Key{ConnID: connID, MessageID: messageID}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[key]; exists {
		return
	}
	p := &pending{}
	p.timer = time.AfterFunc(t.timeout, func() { t.onTimeout(key) })
	t.entries[key] = p
}

// Ack records receipt of an acknowledgement, canceling further retries.
func (t *Tracker) Ack(connID, messageID string) {
	key := Key{ConnID: connID, MessageID: messageID}
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.entries[key]
	if !ok {
		return
	}
	p.timer.Stop()
	delete(t.entries, key)
}

func (t *Tracker) onTimeout(key Key) {
	t.mu.Lock()
	p, ok := t.entries[key]
	if !ok {
		t.mu.Unlock()
		return
	}
	if p.retries >= t.maxRetries {
		delete(t.entries, key)
		t.mu.Unlock()
		t.dropped.Inc()
		synclog.Ack.Warnf("message %s to connection %s exhausted %d retries, dropping", key.MessageID, key.ConnID, t.maxRetries)
		return
	}
	p.retries++
	attempt := p.retries
	p.timer = time.AfterFunc(t.timeout, func() { t.onTimeout(key) })
	t.mu.Unlock()

	if err := t.resend(key.ConnID, key.MessageID); err != nil {
		synclog.Ack.Debugf("message %s to connection %s: resend attempt %d failed: %v, abandoning", key.MessageID, key.ConnID, attempt, err)
		t.mu.Lock()
		if p2, ok := t.entries[key]; ok {
			p2.timer.Stop()
			delete(t.entries, key)
		}
		t.mu.Unlock()
	}
}

// Pending reports whether a message is still awaiting acknowledgement.
func (t *Tracker) Pending(connID, messageID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[Key{ConnID: connID, MessageID: messageID}]
	return ok
}

// PendingCount reports the total number of in-flight unacknowledged
// messages, exposed as a gauge by pkg/metrics.
func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Dropped reports the cumulative count of messages abandoned after
// exhausting their retry budget.
func (t *Tracker) Dropped() int64 { return t.dropped.Load() }

// ReleaseConnection cancels every pending entry for a connection that has
// disconnected, so its retries don't fire against a dead transport.
func (t *Tracker) ReleaseConnection(connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, p := range t.entries {
		if key.ConnID == connID {
			p.timer.Stop()
			delete(t.entries, key)
		}
	}
}
