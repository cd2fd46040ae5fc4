// Package conn owns one transport endpoint: frame parsing, a serialized
// outbound sender, a heartbeat timer, and chunk reassembly for
// DeltaBatchChunk streams. One Connection exists per live client, mirroring
// the teacher's xds.Connection (one pushChannel/stop/sendDelta per proxy
// stream) generalized from a gRPC bidi-stream to a gorilla/websocket
// duplex connection.
package conn

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/istio-ecosystem/syncmesh/pkg/auth"
	synclog "github.com/istio-ecosystem/syncmesh/pkg/log"
	"github.com/istio-ecosystem/syncmesh/pkg/wire"
)

// State is the connection lifecycle state.
type State int

const (
	Connecting State = iota
	Authenticating
	Authenticated
	Disconnecting
	Disconnected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "Connecting"
	case Authenticating:
		return "Authenticating"
	case Authenticated:
		return "Authenticated"
	case Disconnecting:
		return "Disconnecting"
	case Disconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// Transport is the minimal surface Connection needs from a websocket. The
// real implementation is *websocket.Conn; tests substitute a fake.
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
	RemoteAddr() string
}

// wsTransport adapts *websocket.Conn to Transport.
type wsTransport struct{ c *websocket.Conn }

func (w wsTransport) ReadMessage() (int, []byte, error)  { return w.c.ReadMessage() }
func (w wsTransport) WriteMessage(t int, d []byte) error { return w.c.WriteMessage(t, d) }
func (w wsTransport) RemoteAddr() string                 { return w.c.RemoteAddr().String() }
func (w wsTransport) WriteControl(t int, d []byte, dl time.Time) error {
	return w.c.WriteControl(t, d, dl)
}

func NewWebsocketTransport(c *websocket.Conn) Transport { return wsTransport{c: c} }

type chunkAssembly struct {
	chunks     [][]byte
	total      int
	received   int
	receivedAt time.Time
}

// Connection owns one transport endpoint plus everything the spec requires
// to be per-connection: heartbeat, send serialization, chunk reassembly,
// and the subscription set.
type Connection struct {
	id        string
	transport Transport

	mu          sync.Mutex
	state       State
	userID      string
	clientID    string
	permissions []string
	protocol    wire.ProtocolMode

	subMu      sync.Mutex
	subscribed map[string]struct{}

	chunkMu sync.Mutex
	chunks  map[string]*chunkAssembly

	sendMu sync.Mutex // serializes outbound sends: at most one frame in flight
	outbox chan []byte

	heartbeatInterval time.Duration
	heartbeatStop     chan struct{}
	heartbeatDone     chan struct{}
	lastPong          time.Time
	lastPing          time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

// New constructs a Connection around a transport. Heartbeat and the send
// loop are started by Run.
func New(transport Transport, heartbeatInterval time.Duration) *Connection {
	if heartbeatInterval <= 0 {
		heartbeatInterval = 30 * time.Second
	}
	return &Connection{
		id:                uuid.NewString(),
		transport:         transport,
		state:             Connecting,
		subscribed:        make(map[string]struct{}),
		chunks:            make(map[string]*chunkAssembly),
		outbox:            make(chan []byte, 64),
		heartbeatInterval: heartbeatInterval,
		heartbeatStop:     make(chan struct{}),
		heartbeatDone:     make(chan struct{}),
		closed:            make(chan struct{}),
		lastPong:          time.Now(),
	}
}

func (c *Connection) ID() string { return c.id }

func (c *Connection) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Connection) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// RemoteIP returns the host part of the transport's remote address, the key
// of the registry's per-IP index.
func (c *Connection) RemoteIP() string {
	addr := c.transport.RemoteAddr()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

func (c *Connection) SetAuthenticated(userID string, permissions []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = userID
	c.permissions = permissions
	c.state = Authenticated
}

func (c *Connection) SetClientID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clientID = id
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Identity projects the connection's authenticated userID/permissions into
// an auth.Identity, for passing to auth.Verifier's CanReadDocument/
// CanWriteDocument predicates. Returns the zero Identity for a connection
// that has not authenticated.
func (c *Connection) Identity() auth.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return auth.Identity{UserID: c.userID, Permissions: c.permissions}
}

func (c *Connection) HasPermission(perm string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.permissions {
		if p == perm || p == "*" {
			return true
		}
	}
	return false
}

// Subscriptions / awareness set management.
func (c *Connection) AddSubscription(docID string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.subscribed[docID] = struct{}{}
}

func (c *Connection) RemoveSubscription(docID string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	delete(c.subscribed, docID)
}

func (c *Connection) Subscriptions() []string {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	out := make([]string, 0, len(c.subscribed))
	for id := range c.subscribed {
		out = append(out, id)
	}
	return out
}

// LatchProtocol sets the connection's protocol mode on first frame; once
// latched, a frame of the other kind is rejected by the caller.
func (c *Connection) LatchProtocol(mode wire.ProtocolMode) (ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.protocol == wire.ModeUnknown {
		c.protocol = mode
		return true
	}
	return c.protocol == mode
}

func (c *Connection) Protocol() wire.ProtocolMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.protocol
}

// Send serializes m and enqueues it on the single outbound sender. At most
// one frame is ever in flight, preserving per-connection ordering.
func (c *Connection) Send(m wire.Message) error {
	var (
		frame []byte
		err   error
	)
	if c.Protocol() == wire.ModeJSON {
		frame, err = wire.EncodeJSON(m)
	} else {
		frame, err = wire.Encode(m)
	}
	if err != nil {
		return err
	}
	select {
	case c.outbox <- frame:
		return nil
	case <-c.closed:
		return fmt.Errorf("conn: connection %s is closed", c.id)
	}
}

// runSendLoop is the single consumer of outbox, guaranteeing at most one
// write in flight on the transport at a time.
func (c *Connection) runSendLoop() {
	for {
		select {
		case frame, ok := <-c.outbox:
			if !ok {
				return
			}
			c.sendMu.Lock()
			msgType := websocket.BinaryMessage
			if c.Protocol() == wire.ModeJSON {
				msgType = websocket.TextMessage
			}
			if err := c.transport.WriteMessage(msgType, frame); err != nil {
				synclog.Conn.Warnf("connection %s: write error: %v", c.id, err)
			}
			c.sendMu.Unlock()
		case <-c.closed:
			return
		}
	}
}

// runHeartbeat pings the transport every heartbeatInterval and terminates
// the connection if the previous ping was never acknowledged.
func (c *Connection) runHeartbeat() {
	defer close(c.heartbeatDone)
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			stale := c.lastPing.After(c.lastPong)
			c.mu.Unlock()
			if stale {
				synclog.Conn.Warnf("connection %s: heartbeat timeout, closing", c.id)
				c.Close(1001, "heartbeat timeout")
				return
			}
			deadline := time.Now().Add(c.heartbeatInterval / 2)
			c.mu.Lock()
			c.lastPing = time.Now()
			c.mu.Unlock()
			if err := c.transport.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				synclog.Conn.Warnf("connection %s: ping failed: %v", c.id, err)
			}
		case <-c.heartbeatStop:
			return
		}
	}
}

// RecordPong should be invoked whenever a Pong is observed, including the
// transport-level pong handler and the application-level Pong message.
func (c *Connection) RecordPong() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastPong = time.Now()
}

// Run starts the heartbeat and send loop. Callers drive ReadMessage/parsing
// in their own loop (typically the orchestrator) and call Dispatch-level
// handlers per parsed message.
func (c *Connection) Run() {
	go c.runHeartbeat()
	go c.runSendLoop()
}

// ReassembleChunk folds one DeltaBatchChunk into its in-progress assembly,
// returning the fully reassembled payload once every chunk has arrived.
// Partial assemblies older than 30s are discarded lazily on next touch.
func (c *Connection) ReassembleChunk(chunk wire.DeltaBatchChunk) (completed []byte, done bool, err error) {
	c.chunkMu.Lock()
	defer c.chunkMu.Unlock()

	now := time.Now()
	for id, a := range c.chunks {
		if now.Sub(a.receivedAt) > 30*time.Second {
			delete(c.chunks, id)
		}
	}

	a, ok := c.chunks[chunk.ChunkID]
	if !ok {
		if chunk.TotalChunks <= 0 {
			return nil, false, fmt.Errorf("conn: chunk %s has invalid totalChunks %d", chunk.ChunkID, chunk.TotalChunks)
		}
		a = &chunkAssembly{chunks: make([][]byte, chunk.TotalChunks), total: chunk.TotalChunks, receivedAt: now}
		c.chunks[chunk.ChunkID] = a
	}
	if chunk.ChunkIndex < 0 || chunk.ChunkIndex >= a.total {
		return nil, false, fmt.Errorf("conn: chunk index %d out of range [0,%d)", chunk.ChunkIndex, a.total)
	}
	if a.chunks[chunk.ChunkIndex] == nil {
		a.received++
	}
	a.chunks[chunk.ChunkIndex] = chunk.Data
	a.receivedAt = now

	if a.received < a.total {
		return nil, false, nil
	}
	delete(c.chunks, chunk.ChunkID)
	var buf []byte
	for _, part := range a.chunks {
		buf = append(buf, part...)
	}
	return buf, true, nil
}

// Close terminates the connection: stops the heartbeat, closes the
// transport, releases chunk buffers and subscriptions. Idempotent.
func (c *Connection) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = Disconnected
		c.mu.Unlock()

		close(c.heartbeatStop)
		close(c.closed)

		c.chunkMu.Lock()
		c.chunks = nil
		c.chunkMu.Unlock()

		c.subMu.Lock()
		c.subscribed = nil
		c.subMu.Unlock()

		closeMsg := websocket.FormatCloseMessage(code, reason)
		_ = c.transport.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
		err = c.transport.Close()
	})
	return err
}

// Done reports the channel that closes when the connection is closed.
func (c *Connection) Done() <-chan struct{} { return c.closed }
