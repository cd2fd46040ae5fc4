// Package registry indexes live connections by id, user, and client, and
// enforces per-IP and global connection caps, generalized from the
// websocket Hub's single id-keyed connections map (see
// other_examples/...websocket-hub.go.go) into three independent indexes
// plus capacity policy.
package registry

import (
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/multierr"

	synclog "github.com/istio-ecosystem/syncmesh/pkg/log"
)

// Closer is the minimal surface the registry needs from a live connection
// to tear it down; pkg/conn.Connection satisfies it.
type Closer interface {
	ID() string
	UserID() string
	ClientID() string
	RemoteIP() string
	Close(code int, reason string) error
}

// Session is a read-only projection of a live connection, supplementing
// spec.md with the SessionEntry observability the original synckit
// storage interface models (connect time, last-seen, metadata) without
// making session tracking a storage concern.
type Session struct {
	ID       string
	UserID   string
	ClientID string
	RemoteIP string
}

// Metrics is a point-in-time snapshot of registry occupancy.
type Metrics struct {
	TotalConnections int
	UniqueUsers      int
	UniqueClients    int
	PerIP            map[string]int
}

// Registry indexes connections three ways and enforces capacity policy.
type Registry struct {
	globalCap int
	perIPCap  int

	mu        sync.RWMutex
	byID      map[string]Closer
	byUser    map[string]map[string]struct{}
	byClient  map[string]map[string]struct{}
	byIP      map[string]map[string]struct{}

	count atomic.Int64
}

func New(globalCap, perIPCap int) *Registry {
	return &Registry{
		globalCap: globalCap,
		perIPCap:  perIPCap,
		byID:      make(map[string]Closer),
		byUser:    make(map[string]map[string]struct{}),
		byClient:  make(map[string]map[string]struct{}),
		byIP:      make(map[string]map[string]struct{}),
	}
}

// CanAccept reports whether a new connection from ip would fit under the
// per-IP and global caps, without reserving a slot.
func (r *Registry) CanAccept(ip string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.globalCap > 0 && int(r.count.Load()) >= r.globalCap {
		return false
	}
	if r.perIPCap > 0 && len(r.byIP[ip]) >= r.perIPCap {
		return false
	}
	return true
}

// Add registers a connection. Returns false (without registering) if the
// caps would be exceeded; callers should close with code 1008 in that case.
func (r *Registry) Add(c Closer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.globalCap > 0 && int(r.count.Load()) >= r.globalCap {
		synclog.Registry.Warnf("rejecting connection %s: global cap %d reached", c.ID(), r.globalCap)
		return false
	}
	ip := c.RemoteIP()
	if r.perIPCap > 0 && len(r.byIP[ip]) >= r.perIPCap {
		synclog.Registry.Warnf("rejecting connection %s: per-ip cap %d reached for %s", c.ID(), r.perIPCap, ip)
		return false
	}
	r.byID[c.ID()] = c
	r.indexInsert(r.byIP, ip, c.ID())
	r.count.Inc()
	return true
}

// LinkUser associates a connection id with an authenticated user id.
func (r *Registry) LinkUser(connID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.indexInsert(r.byUser, userID, connID)
}

// LinkClient associates a connection id with a client id.
func (r *Registry) LinkClient(connID, clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.indexInsert(r.byClient, clientID, connID)
}

func (r *Registry) indexInsert(idx map[string]map[string]struct{}, key, connID string) {
	set, ok := idx[key]
	if !ok {
		set = make(map[string]struct{})
		idx[key] = set
	}
	set[connID] = struct{}{}
}

// Get returns the connection for id, if still registered.
func (r *Registry) Get(id string) (Closer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	return c, ok
}

// Remove unregisters a connection from every index. Safe to call more than
// once; a removed connection is never observable afterward.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[id]
	if !ok {
		return
	}
	delete(r.byID, id)
	r.count.Dec()
	removeFromIndex(r.byIP, c.RemoteIP(), id)
	for user, set := range r.byUser {
		if _, ok := set[id]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(r.byUser, user)
			}
		}
	}
	for client, set := range r.byClient {
		if _, ok := set[id]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(r.byClient, client)
			}
		}
	}
}

func removeFromIndex(idx map[string]map[string]struct{}, key, connID string) {
	set, ok := idx[key]
	if !ok {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(idx, key)
	}
}

// ByUser returns the live connections for a user id.
func (r *Registry) ByUser(userID string) []Closer {
	return r.lookupIndex(r.byUser, userID)
}

// ByClient returns the live connections for a client id.
func (r *Registry) ByClient(clientID string) []Closer {
	return r.lookupIndex(r.byClient, clientID)
}

func (r *Registry) lookupIndex(idx map[string]map[string]struct{}, key string) []Closer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := idx[key]
	out := make([]Closer, 0, len(set))
	for id := range set {
		if c, ok := r.byID[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

// CloseAll closes every registered connection with the given close code and
// reason, aggregating any close errors.
func (r *Registry) CloseAll(code int, reason string) error {
	r.mu.RLock()
	conns := make([]Closer, 0, len(r.byID))
	for _, c := range r.byID {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	var errs error
	for _, c := range conns {
		if err := c.Close(code, reason); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// Metrics returns a point-in-time snapshot of registry occupancy.
func (r *Registry) Metrics() Metrics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	perIP := make(map[string]int, len(r.byIP))
	for ip, set := range r.byIP {
		perIP[ip] = len(set)
	}
	return Metrics{
		TotalConnections: len(r.byID),
		UniqueUsers:      len(r.byUser),
		UniqueClients:    len(r.byClient),
		PerIP:            perIP,
	}
}

// Sessions returns the session projection for every live connection
// belonging to userID (empty string returns none; a coordinator-level
// helper can expose "all sessions" if needed by iterating ByUser per
// known user). Matches the original storage interface's
// GetSessions(ctx, userID) shape, backed by live connections rather than
// a persisted table.
func (r *Registry) Sessions(userID string) []Session {
	conns := r.ByUser(userID)
	out := make([]Session, 0, len(conns))
	for _, c := range conns {
		out = append(out, Session{ID: c.ID(), UserID: c.UserID(), ClientID: c.ClientID(), RemoteIP: c.RemoteIP()})
	}
	return out
}
