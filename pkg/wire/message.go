// Package wire implements the binary and JSON framing protocol described in
// the synctide wire spec: a tagged message envelope carrying a typed
// payload, generalized from the line-delimited JSON framing pattern in
// gazette's message package to the length-prefixed binary frame this
// protocol requires.
package wire

import "encoding/json"

// Type is the wire type code. Binary frames carry it as a single byte;
// JSON frames carry the equivalent string discriminator in "type".
type Type byte

const (
	TypePing             Type = 0x01
	TypePong             Type = 0x02
	TypeAuth             Type = 0x10
	TypeAuthSuccess      Type = 0x11
	TypeAuthError        Type = 0x12
	TypeSubscribe        Type = 0x20
	TypeUnsubscribe      Type = 0x21
	TypeSyncResponse     Type = 0x22
	TypeSyncRequest      Type = 0x23
	TypeTextUpdate       Type = 0x24
	TypeDelta            Type = 0x30
	TypeDeltaBatch       Type = 0x31
	TypeAck              Type = 0x32
	TypeDeltaBatchChunk  Type = 0x33
	TypeAwarenessSub     Type = 0x40
	TypeAwarenessUpdate  Type = 0x41
	TypeAwarenessState   Type = 0x42
	TypeError            Type = 0xFF
)

// name is the JSON-mode discriminator string for each type, matching the
// variant names used in spec.md.
var name = map[Type]string{
	TypePing:            "Ping",
	TypePong:            "Pong",
	TypeAuth:            "Auth",
	TypeAuthSuccess:     "AuthSuccess",
	TypeAuthError:       "AuthError",
	TypeSubscribe:       "Subscribe",
	TypeUnsubscribe:     "Unsubscribe",
	TypeSyncResponse:    "SyncResponse",
	TypeSyncRequest:     "SyncRequest",
	TypeTextUpdate:      "TextUpdate",
	TypeDelta:           "Delta",
	TypeDeltaBatch:      "DeltaBatch",
	TypeAck:             "Ack",
	TypeDeltaBatchChunk: "DeltaBatchChunk",
	TypeAwarenessSub:    "AwarenessSubscribe",
	TypeAwarenessUpdate: "AwarenessUpdate",
	TypeAwarenessState:  "AwarenessState",
	TypeError:           "Error",
}

var typeByName = func() map[string]Type {
	m := make(map[string]Type, len(name))
	for t, n := range name {
		m[n] = t
	}
	return m
}()

func (t Type) String() string {
	if n, ok := name[t]; ok {
		return n
	}
	return "Unknown"
}

// Message is the closed sum type every wire payload implements. Rather than
// a base class with dynamic dispatch, every variant is a distinct struct
// and dispatch is a type switch in the orchestrator (see DESIGN.md's
// Inheritance/dynamic dispatch note).
type Message interface {
	MessageType() Type
	MessageID() string
	MessageTimestampMs() int64
	isMessage()
}

// Envelope carries the fields common to every message variant.
type Envelope struct {
	ID          string `json:"id"`
	TimestampMs int64  `json:"timestamp"`
}

func (e Envelope) MessageID() string          { return e.ID }
func (e Envelope) MessageTimestampMs() int64  { return e.TimestampMs }
func (Envelope) isMessage()                   {}

type Ping struct {
	Envelope
}

func (Ping) MessageType() Type { return TypePing }

type Pong struct {
	Envelope
}

func (Pong) MessageType() Type { return TypePong }

type Auth struct {
	Envelope
	Token    string `json:"token,omitempty"`
	APIKey   string `json:"apiKey,omitempty"`
	ClientID string `json:"clientId,omitempty"`
	UserID   string `json:"userId,omitempty"`
}

func (Auth) MessageType() Type { return TypeAuth }

type AuthSuccess struct {
	Envelope
	UserID      string   `json:"userId"`
	Permissions []string `json:"permissions"`
}

func (AuthSuccess) MessageType() Type { return TypeAuthSuccess }

type AuthError struct {
	Envelope
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func (AuthError) MessageType() Type { return TypeAuthError }

type Subscribe struct {
	Envelope
	DocumentID string `json:"documentId"`
}

func (Subscribe) MessageType() Type { return TypeSubscribe }

type Unsubscribe struct {
	Envelope
	DocumentID string `json:"documentId"`
}

func (Unsubscribe) MessageType() Type { return TypeUnsubscribe }

type SyncRequest struct {
	Envelope
	DocumentID  string            `json:"documentId"`
	VectorClock map[string]uint64 `json:"vectorClock,omitempty"`
}

func (SyncRequest) MessageType() Type { return TypeSyncRequest }

type SyncResponse struct {
	Envelope
	RequestID  string                     `json:"requestId,omitempty"`
	DocumentID string                     `json:"documentId"`
	State      map[string]json.RawMessage `json:"state"`
	Deltas     []DeltaRecord              `json:"deltas,omitempty"`
	Clock      map[string]uint64          `json:"clock"`
	TextState  *string                    `json:"textState,omitempty"`
}

func (SyncResponse) MessageType() Type { return TypeSyncResponse }

// TextUpdate carries an opaque text-CRDT blob (e.g. a Yjs/Automerge update)
// that the server persists and relays without interpreting, per spec.md
// §4.6/§6's pass-through text-state requirement.
type TextUpdate struct {
	Envelope
	DocumentID string `json:"documentId"`
	Blob       string `json:"blob"`
}

func (TextUpdate) MessageType() Type { return TypeTextUpdate }

// DeltaRecord is the wire projection of a document.StoredDelta.
type DeltaRecord struct {
	ID          string                     `json:"id"`
	ClientID    string                     `json:"clientId"`
	TimestampMs int64                      `json:"timestampMs"`
	Data        map[string]json.RawMessage `json:"data"`
	Clock       map[string]uint64          `json:"clock"`
}

type Delta struct {
	Envelope
	DocumentID string                     `json:"documentId"`
	Field      map[string]json.RawMessage `json:"delta"`
	Clock      map[string]uint64          `json:"clock"`
	MessageID  string                     `json:"messageId,omitempty"`
}

func (Delta) MessageType() Type { return TypeDelta }

type DeltaBatch struct {
	Envelope
	DocumentID string                     `json:"documentId"`
	Deltas     map[string]json.RawMessage `json:"deltas"`
	Clock      map[string]uint64          `json:"clock"`
	MessageID  string                     `json:"messageId,omitempty"`
}

func (DeltaBatch) MessageType() Type { return TypeDeltaBatch }

type DeltaBatchChunk struct {
	Envelope
	ChunkID     string `json:"chunkId"`
	TotalChunks int    `json:"totalChunks"`
	ChunkIndex  int    `json:"chunkIndex"`
	Data        []byte `json:"data"`
}

func (DeltaBatchChunk) MessageType() Type { return TypeDeltaBatchChunk }

type Ack struct {
	Envelope
	MessageID string `json:"messageId"`
}

func (Ack) MessageType() Type { return TypeAck }

type AwarenessSubscribe struct {
	Envelope
	DocumentID string `json:"documentId"`
}

func (AwarenessSubscribe) MessageType() Type { return TypeAwarenessSub }

type AwarenessUpdate struct {
	Envelope
	DocumentID string             `json:"documentId"`
	ClientID   string             `json:"clientId"`
	State      json.RawMessage    `json:"state"`
	Clock      map[string]uint64  `json:"clock,omitempty"`
}

func (AwarenessUpdate) MessageType() Type { return TypeAwarenessUpdate }

type AwarenessEntryWire struct {
	ClientID string          `json:"clientId"`
	State    json.RawMessage `json:"state"`
}

type AwarenessState struct {
	Envelope
	DocumentID string               `json:"documentId"`
	States     []AwarenessEntryWire `json:"states"`
}

func (AwarenessState) MessageType() Type { return TypeAwarenessState }

type Error struct {
	Envelope
	ErrorMsg string `json:"error"`
	Code     string `json:"code,omitempty"`
	Details  string `json:"details,omitempty"`
}

func (Error) MessageType() Type { return TypeError }
