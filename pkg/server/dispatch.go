package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/istio-ecosystem/syncmesh/pkg/auth"
	"github.com/istio-ecosystem/syncmesh/pkg/awareness"
	connpkg "github.com/istio-ecosystem/syncmesh/pkg/conn"
	"github.com/istio-ecosystem/syncmesh/pkg/document"
	"github.com/istio-ecosystem/syncmesh/pkg/errs"
	synclog "github.com/istio-ecosystem/syncmesh/pkg/log"
	"github.com/istio-ecosystem/syncmesh/pkg/security"
	"github.com/istio-ecosystem/syncmesh/pkg/wire"
)

// handleUpgrade accepts a websocket connection, registers it, and runs its
// read loop until it disconnects.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ip := remoteIP(r)
	if !s.connLimit.CanConnect(ip) || !s.registry.CanAccept(ip) {
		s.metrics.ConnectionsRejected.WithLabelValues("connection_cap").Inc()
		http.Error(w, "connection limit exceeded", http.StatusTooManyRequests)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		synclog.Server.Warnf("websocket upgrade failed from %s: %v", ip, err)
		return
	}

	c := connpkg.New(connpkg.NewWebsocketTransport(ws), s.opts.HeartbeatInterval)
	ws.SetPongHandler(func(string) error { c.RecordPong(); return nil })

	if !s.registry.Add(c) {
		s.metrics.ConnectionsRejected.WithLabelValues("registry_cap").Inc()
		c.Close(1008, "server at capacity")
		return
	}
	s.connLimit.AddConnection(ip)
	s.metrics.ConnectionsTotal.Inc()
	s.metrics.ConnectionsActive.Inc()
	c.Run()

	defer func() {
		s.connLimit.RemoveConnection(ip)
		s.limiter.RemoveConnection(c.ID())
		s.acks.ReleaseConnection(c.ID())
		for _, docID := range c.Subscriptions() {
			s.presence.Remove(docID, c.ClientID())
		}
		s.registry.Remove(c.ID())
		s.metrics.ConnectionsActive.Dec()
	}()

	s.readLoop(c, ws)
}

func (s *Server) readLoop(c *connpkg.Connection, ws *websocket.Conn) {
	for {
		msgType, payload, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if !s.limiter.CanSendMessage(c.ID()) {
			s.sendError(c, "", errs.RateLimitExceeded, "rate limit exceeded")
			continue
		}
		if err := security.ValidateMessage(len(payload), s.opts.MaxMessageBytes); err != nil {
			s.sendError(c, "", errs.MessageInvalid, err.Error())
			continue
		}

		mode := wire.ModeBinary
		if msgType == 1 {
			mode = wire.ModeJSON
		}
		if !c.LatchProtocol(mode) {
			s.sendError(c, "", errs.MessageInvalid, "connection protocol mode already latched")
			continue
		}

		var msg wire.Message
		if mode == wire.ModeJSON {
			msg, err = wire.DecodeJSON(payload)
		} else {
			msg, err = wire.Decode(payload)
		}
		if err != nil {
			s.metrics.MessagesDropped.WithLabelValues("malformed").Inc()
			s.sendError(c, "", errs.FrameMalformed, err.Error())
			continue
		}

		s.metrics.MessagesReceived.WithLabelValues(msg.MessageType().String()).Inc()
		s.dispatch(c, msg)
	}
}

// dispatch fans an inbound message out to its handler, mirroring the
// Hub.handleMessage type switch.
func (s *Server) dispatch(c *connpkg.Connection, msg wire.Message) {
	switch m := msg.(type) {
	case *wire.Ping:
		c.Send(&wire.Pong{Envelope: wire.Envelope{ID: m.ID, TimestampMs: nowMs()}})
	case *wire.Pong:
		c.RecordPong()
	case *wire.Auth:
		s.handleAuth(c, m)
	case *wire.Subscribe:
		s.handleSubscribe(c, m)
	case *wire.Unsubscribe:
		s.handleUnsubscribe(c, m)
	case *wire.SyncRequest:
		s.handleSyncRequest(c, m)
	case *wire.Delta:
		s.handleDelta(c, m)
	case *wire.DeltaBatchChunk:
		s.handleChunk(c, m)
	case *wire.Ack:
		s.acks.Ack(c.ID(), m.MessageID)
		s.forgetPayload(m.MessageID)
	case *wire.AwarenessSubscribe:
		s.handleAwarenessSubscribe(c, m)
	case *wire.AwarenessUpdate:
		s.handleAwarenessUpdate(c, m)
	case *wire.TextUpdate:
		s.handleTextUpdate(c, m)
	default:
		s.sendError(c, "", errs.MessageInvalid, fmt.Sprintf("unsupported message type %s", msg.MessageType()))
	}
}

// requireAuth enforces config.Options.AuthDisabled: when auth is required
// and the connection has not completed Auth, it sends AUTH_REQUIRED and
// reports ok=false so the caller stops processing. Otherwise it returns the
// connection's current identity (the zero Identity when auth is disabled
// and the connection never authenticated).
func (s *Server) requireAuth(c *connpkg.Connection, id string) (auth.Identity, bool) {
	if s.opts.AuthDisabled {
		return c.Identity(), true
	}
	if c.State() != connpkg.Authenticated {
		s.sendError(c, id, errs.AuthRequired, "authentication required")
		return auth.Identity{}, false
	}
	return c.Identity(), true
}

func (s *Server) handleAuth(c *connpkg.Connection, m *wire.Auth) {
	identity, err := s.verifier.VerifyToken(context.Background(), m.Token, m.APIKey)
	if err != nil {
		c.Send(&wire.AuthError{Envelope: wire.Envelope{ID: m.ID, TimestampMs: nowMs()}, Error: err.Error(), Code: string(errs.AuthFailed)})
		c.Close(1008, "authentication failed")
		return
	}
	c.SetAuthenticated(identity.UserID, identity.Permissions)
	clientID := m.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	c.SetClientID(clientID)
	s.registry.LinkUser(c.ID(), identity.UserID)
	s.registry.LinkClient(c.ID(), clientID)
	c.Send(&wire.AuthSuccess{Envelope: wire.Envelope{ID: m.ID, TimestampMs: nowMs()}, UserID: identity.UserID, Permissions: identity.Permissions})
}

func (s *Server) handleSubscribe(c *connpkg.Connection, m *wire.Subscribe) {
	if err := security.ValidateDocumentID(m.DocumentID, s.opts.MaxDocumentIDLen); err != nil {
		s.sendError(c, m.ID, errs.DocumentIDInvalid, err.Error())
		return
	}
	if !security.CanAccessDocument(m.DocumentID) {
		s.sendError(c, m.ID, errs.DocumentAccessDenied, "access denied")
		return
	}
	identity, ok := s.requireAuth(c, m.ID)
	if !ok {
		return
	}
	if !s.verifier.CanReadDocument(identity, m.DocumentID) {
		s.sendError(c, m.ID, errs.PermissionDenied, "read access denied for document "+m.DocumentID)
		return
	}
	doc, err := s.coord.Get(context.Background(), m.DocumentID)
	if err != nil {
		s.sendError(c, m.ID, errs.StorageUnavailable, err.Error())
		return
	}
	doc.Subscribe(c.ID())
	c.AddSubscription(m.DocumentID)

	c.Send(&wire.SyncResponse{
		Envelope:   wire.Envelope{ID: m.ID, TimestampMs: nowMs()},
		RequestID:  m.ID,
		DocumentID: m.DocumentID,
		State:      doc.BuildState(),
		Clock:      doc.VectorClock(),
		TextState:  s.loadTextState(m.DocumentID),
	})
}

// loadTextState fetches the latest persisted opaque text-CRDT blob for
// documentID, if any, for embedding in a SyncResponse. A missing text
// state is normal (most documents never use the text-CRDT channel), so
// only a real storage error is logged.
func (s *Server) loadTextState(documentID string) *string {
	blob, ok, err := s.coord.GetTextState(context.Background(), documentID)
	if err != nil {
		synclog.Sync.Warnf("document %s: loading text state failed: %v", documentID, err)
		return nil
	}
	if !ok {
		return nil
	}
	return &blob
}

func (s *Server) handleUnsubscribe(c *connpkg.Connection, m *wire.Unsubscribe) {
	doc, err := s.coord.Get(context.Background(), m.DocumentID)
	if err == nil {
		doc.Unsubscribe(c.ID())
		doc.UnsubscribeAwareness(c.ID())
	}
	c.RemoveSubscription(m.DocumentID)
	s.presence.Remove(m.DocumentID, c.ClientID())
}

// handleSyncRequest implements the reconnect catch-up path (scenario S5):
// a client presenting its last-known vector clock receives the deltas it
// is missing together with the current full state.
func (s *Server) handleSyncRequest(c *connpkg.Connection, m *wire.SyncRequest) {
	identity, ok := s.requireAuth(c, m.ID)
	if !ok {
		return
	}
	if !s.verifier.CanReadDocument(identity, m.DocumentID) {
		s.sendError(c, m.ID, errs.PermissionDenied, "read access denied for document "+m.DocumentID)
		return
	}
	doc, err := s.coord.Get(context.Background(), m.DocumentID)
	if err != nil {
		s.sendError(c, m.ID, errs.StorageUnavailable, err.Error())
		return
	}
	missing := doc.DeltasSince(document.VectorClock(m.VectorClock))
	records := make([]wire.DeltaRecord, 0, len(missing))
	for _, d := range missing {
		records = append(records, wire.DeltaRecord{ID: d.ID, ClientID: d.ClientID, TimestampMs: d.TimestampMs, Data: d.Data, Clock: d.Clock})
	}
	c.Send(&wire.SyncResponse{
		Envelope:   wire.Envelope{ID: m.ID, TimestampMs: nowMs()},
		RequestID:  m.ID,
		DocumentID: m.DocumentID,
		State:      doc.BuildState(),
		Deltas:     records,
		Clock:      doc.VectorClock(),
		TextState:  s.loadTextState(m.DocumentID),
	})
}

func (s *Server) handleDelta(c *connpkg.Connection, m *wire.Delta) {
	identity, ok := s.requireAuth(c, m.ID)
	if !ok {
		return
	}
	if !s.verifier.CanWriteDocument(identity, m.DocumentID) {
		s.sendError(c, m.ID, errs.PermissionDenied, "write access denied for document "+m.DocumentID)
		return
	}
	doc, err := s.coord.Get(context.Background(), m.DocumentID)
	if err != nil {
		s.sendError(c, m.ID, errs.StorageUnavailable, err.Error())
		return
	}
	result := doc.Apply(document.ApplyInput{
		ClientID:      c.ClientID(),
		Fields:        m.Field,
		IncomingClock: document.VectorClock(m.Clock),
		TimestampMs:   nowMs(),
		DeltaID:       m.ID,
	})
	s.metrics.DeltasApplied.Inc()
	clockMap := map[string]uint64(result.VectorClock)
	s.scheduler.Add(m.DocumentID, m.Field, clockMap)
	s.coord.PersistDeltaAsync(m.DocumentID, result.Delta)

	if s.publisher != nil {
		s.publisher.PublishDelta(context.Background(), m.DocumentID, result.Delta)
	}
	if m.MessageID != "" {
		c.Send(&wire.Ack{Envelope: wire.Envelope{ID: m.ID, TimestampMs: nowMs()}, MessageID: m.MessageID})
	}
}

func (s *Server) handleChunk(c *connpkg.Connection, m *wire.DeltaBatchChunk) {
	complete, done, err := c.ReassembleChunk(*m)
	if err != nil {
		s.sendError(c, m.ID, errs.FrameMalformed, err.Error())
		return
	}
	if !done {
		return
	}
	var batchMsg wire.DeltaBatch
	if err := json.Unmarshal(complete, &batchMsg); err != nil {
		s.sendError(c, m.ID, errs.MessageInvalid, "malformed reassembled batch: "+err.Error())
		return
	}
	identity, ok := s.requireAuth(c, m.ID)
	if !ok {
		return
	}
	if !s.verifier.CanWriteDocument(identity, batchMsg.DocumentID) {
		s.sendError(c, m.ID, errs.PermissionDenied, "write access denied for document "+batchMsg.DocumentID)
		return
	}
	doc, err := s.coord.Get(context.Background(), batchMsg.DocumentID)
	if err != nil {
		s.sendError(c, m.ID, errs.StorageUnavailable, err.Error())
		return
	}
	result := doc.Apply(document.ApplyInput{
		ClientID:      c.ClientID(),
		Fields:        batchMsg.Deltas,
		IncomingClock: document.VectorClock(batchMsg.Clock),
		TimestampMs:   nowMs(),
		DeltaID:       m.ChunkID,
	})
	s.metrics.DeltasApplied.Inc()
	s.scheduler.Add(batchMsg.DocumentID, batchMsg.Deltas, map[string]uint64(result.VectorClock))
	s.coord.PersistDeltaAsync(batchMsg.DocumentID, result.Delta)
}

func (s *Server) handleAwarenessSubscribe(c *connpkg.Connection, m *wire.AwarenessSubscribe) {
	identity, ok := s.requireAuth(c, m.ID)
	if !ok {
		return
	}
	if !s.verifier.CanReadDocument(identity, m.DocumentID) {
		s.sendError(c, m.ID, errs.PermissionDenied, "read access denied for document "+m.DocumentID)
		return
	}
	doc, err := s.coord.Get(context.Background(), m.DocumentID)
	if err != nil {
		s.sendError(c, m.ID, errs.StorageUnavailable, err.Error())
		return
	}
	doc.SubscribeAwareness(c.ID())
	entries := s.presence.Snapshot(m.DocumentID)
	c.Send(&wire.AwarenessState{
		Envelope:   wire.Envelope{ID: m.ID, TimestampMs: nowMs()},
		DocumentID: m.DocumentID,
		States:     toWireEntries(entries),
	})
}

func (s *Server) handleAwarenessUpdate(c *connpkg.Connection, m *wire.AwarenessUpdate) {
	s.presence.Update(m.DocumentID, c.ClientID(), m.State)
}

// handleTextUpdate implements spec.md §4.6's opaque text-CRDT pass-through:
// the blob is persisted verbatim via the Sync Coordinator and relayed to
// every other subscriber of the document (unlike Delta fan-out, the sender
// is not included); the server never inspects or merges it.
func (s *Server) handleTextUpdate(c *connpkg.Connection, m *wire.TextUpdate) {
	identity, ok := s.requireAuth(c, m.ID)
	if !ok {
		return
	}
	if !s.verifier.CanWriteDocument(identity, m.DocumentID) {
		s.sendError(c, m.ID, errs.PermissionDenied, "write access denied for document "+m.DocumentID)
		return
	}
	if err := s.coord.SaveTextState(context.Background(), m.DocumentID, m.Blob, c.ClientID(), nowMs()); err != nil {
		s.sendError(c, m.ID, errs.StorageUnavailable, err.Error())
		return
	}
	doc, err := s.coord.Get(context.Background(), m.DocumentID)
	if err != nil {
		return
	}
	relay := &wire.TextUpdate{
		Envelope:   wire.Envelope{ID: uuid.NewString(), TimestampMs: nowMs()},
		DocumentID: m.DocumentID,
		Blob:       m.Blob,
	}
	for _, connID := range doc.Subscribers() {
		if connID == c.ID() {
			continue
		}
		if rc, ok := s.registry.Get(connID); ok {
			if conn, ok := rc.(*connpkg.Connection); ok {
				conn.Send(relay)
			}
		}
	}
}

// broadcastAwareness is awareness.Broadcast: every connection subscribed
// to a document's awareness channel receives the full entry set, the
// sender included.
func (s *Server) broadcastAwareness(documentID string, entries []awareness.Entry) {
	doc, err := s.coord.Get(context.Background(), documentID)
	if err != nil {
		return
	}
	msg := &wire.AwarenessState{
		Envelope:   wire.Envelope{ID: uuid.NewString(), TimestampMs: nowMs()},
		DocumentID: documentID,
		States:     toWireEntries(entries),
	}
	for _, connID := range doc.AwarenessSubscribers() {
		if c, ok := s.registry.Get(connID); ok {
			if conn, ok := c.(*connpkg.Connection); ok {
				conn.Send(msg)
			}
		}
	}
}

// flushBatch is batch.Flush: it fans the coalesced field map out to every
// subscriber of documentID as one DeltaBatch message and tracks it for
// acknowledgement.
func (s *Server) flushBatch(documentID string, merged map[string]json.RawMessage, clock map[string]uint64) {
	doc, err := s.coord.Get(context.Background(), documentID)
	if err != nil {
		return
	}
	messageID := uuid.NewString()
	msg := &wire.DeltaBatch{
		Envelope:   wire.Envelope{ID: uuid.NewString(), TimestampMs: nowMs()},
		DocumentID: documentID,
		Deltas:     merged,
		Clock:      clock,
		MessageID:  messageID,
	}
	for _, connID := range doc.Subscribers() {
		c, ok := s.registry.Get(connID)
		if !ok {
			continue
		}
		conn, ok := c.(*connpkg.Connection)
		if !ok {
			continue
		}
		conn.Send(msg)
		s.acks.Track(connID, messageID)
	}
	s.rememberPayload(messageID, msg)
	s.metrics.AckPending.Set(float64(s.acks.PendingCount()))

	if err := s.coord.Persist(context.Background(), doc); err != nil {
		synclog.Sync.Warnf("document %s: persisting after flush failed: %v", documentID, err)
	}
}

// resendMessage is ack.Resend: it re-delivers the exact frame retained
// from the original fan-out (flushBatch), since a retry must carry the
// same messageID the client is expected to ack.
func (s *Server) resendMessage(connID, messageID string) error {
	c, ok := s.registry.Get(connID)
	if !ok {
		return fmt.Errorf("server: connection %s no longer registered", connID)
	}
	conn, ok := c.(*connpkg.Connection)
	if !ok {
		return fmt.Errorf("server: connection %s has unexpected type", connID)
	}
	msg, ok := s.lookupPayload(messageID)
	if !ok {
		return fmt.Errorf("server: no retained payload for message %s", messageID)
	}
	return conn.Send(msg)
}

// sendError sends an Error frame carrying kind's stable wire code, per
// spec.md §4.4/§7 (e.g. DOCUMENT_ID_INVALID, RATE_LIMIT_EXCEEDED). A fatal
// kind additionally closes the connection, since some error categories
// (AuthFailed) cannot be recovered from on the same connection.
func (s *Server) sendError(c *connpkg.Connection, id string, kind errs.Kind, msg string) {
	e := &wire.Error{
		Envelope: wire.Envelope{ID: id, TimestampMs: nowMs()},
		ErrorMsg: msg,
		Code:     string(kind),
	}
	c.Send(e)
	if kind.Fatal() {
		c.Close(1008, msg)
	}
}

func toWireEntries(entries []awareness.Entry) []wire.AwarenessEntryWire {
	out := make([]wire.AwarenessEntryWire, 0, len(entries))
	for _, e := range entries {
		out = append(out, wire.AwarenessEntryWire{ClientID: e.ClientID, State: e.State})
	}
	return out
}

func nowMs() int64 { return time.Now().UnixMilli() }
