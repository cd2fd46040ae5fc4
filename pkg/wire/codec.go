package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// Frame layout (bit-exact to spec): [type:u8][ts:u64be][len:u32be][payload].
const headerLen = 1 + 8 + 4

// ProtocolMode is latched per connection on the first frame received.
type ProtocolMode int

const (
	ModeUnknown ProtocolMode = iota
	ModeBinary
	ModeJSON
)

// taggedPayload is the subset of fields every JSON payload must carry so
// decode can verify the tag matches the type code (spec: "frames ... whose
// JSON ... lacks the tag expected for the type code" must be rejected).
type taggedPayload struct {
	Type string `json:"type"`
}

// Encode renders m as a binary frame.
func Encode(m Message) ([]byte, error) {
	payload, err := marshalPayload(m)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, headerLen+len(payload))
	buf[0] = byte(m.MessageType())
	binary.BigEndian.PutUint64(buf[1:9], uint64(m.MessageTimestampMs()))
	binary.BigEndian.PutUint32(buf[9:13], uint32(len(payload)))
	copy(buf[headerLen:], payload)
	return buf, nil
}

// Decode parses a binary frame. It rejects frames shorter than the header,
// frames whose declared length disagrees with the remaining bytes, and
// payloads that fail to parse or whose tag mismatches the type byte.
func Decode(frame []byte) (Message, error) {
	if len(frame) < headerLen {
		return nil, fmt.Errorf("wire: frame too short: %d bytes", len(frame))
	}
	t := Type(frame[0])
	n := binary.BigEndian.Uint32(frame[9:13])
	payload := frame[headerLen:]
	if uint32(len(payload)) != n {
		return nil, fmt.Errorf("wire: declared payload length %d does not match remaining %d bytes", n, len(payload))
	}
	return decodeTagged(t, payload)
}

// EncodeJSON renders m as a JSON-mode text frame: the full JSON object with
// its "type" discriminator, and no outer binary header.
func EncodeJSON(m Message) ([]byte, error) {
	return marshalPayload(m)
}

// DecodeJSON parses a JSON-mode text frame. The type discriminator embedded
// in the payload selects the variant.
func DecodeJSON(data []byte) (Message, error) {
	var tag taggedPayload
	if err := json.Unmarshal(data, &tag); err != nil {
		return nil, fmt.Errorf("wire: malformed json frame: %w", err)
	}
	t, ok := typeByName[tag.Type]
	if !ok {
		return nil, fmt.Errorf("wire: unknown message type %q", tag.Type)
	}
	return decodeTagged(t, data)
}

// marshalPayload JSON-encodes m with its "type" discriminator injected, so
// both binary and JSON frames carry a self-describing payload.
func marshalPayload(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal %s: %w", m.MessageType(), err)
	}
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(body, &generic); err != nil {
		return nil, err
	}
	typeJSON, _ := json.Marshal(m.MessageType().String())
	generic["type"] = typeJSON
	return json.Marshal(generic)
}

func decodeTagged(t Type, payload []byte) (Message, error) {
	var tag taggedPayload
	if err := json.Unmarshal(payload, &tag); err != nil {
		return nil, fmt.Errorf("wire: malformed payload for type %s: %w", t, err)
	}
	if tag.Type != t.String() {
		return nil, fmt.Errorf("wire: payload tag %q does not match type code %s", tag.Type, t)
	}

	unmarshalInto := func(m Message) (Message, error) {
		if err := json.Unmarshal(payload, m); err != nil {
			return nil, fmt.Errorf("wire: unmarshal %s: %w", t, err)
		}
		return m, nil
	}

	switch t {
	case TypePing:
		return unmarshalInto(&Ping{})
	case TypePong:
		return unmarshalInto(&Pong{})
	case TypeAuth:
		return unmarshalInto(&Auth{})
	case TypeAuthSuccess:
		return unmarshalInto(&AuthSuccess{})
	case TypeAuthError:
		return unmarshalInto(&AuthError{})
	case TypeSubscribe:
		return unmarshalInto(&Subscribe{})
	case TypeUnsubscribe:
		return unmarshalInto(&Unsubscribe{})
	case TypeSyncRequest:
		return unmarshalInto(&SyncRequest{})
	case TypeSyncResponse:
		return unmarshalInto(&SyncResponse{})
	case TypeTextUpdate:
		return unmarshalInto(&TextUpdate{})
	case TypeDelta:
		return unmarshalInto(&Delta{})
	case TypeDeltaBatch:
		return unmarshalInto(&DeltaBatch{})
	case TypeDeltaBatchChunk:
		return unmarshalInto(&DeltaBatchChunk{})
	case TypeAck:
		return unmarshalInto(&Ack{})
	case TypeAwarenessSub:
		return unmarshalInto(&AwarenessSubscribe{})
	case TypeAwarenessUpdate:
		return unmarshalInto(&AwarenessUpdate{})
	case TypeAwarenessState:
		return unmarshalInto(&AwarenessState{})
	case TypeError:
		return unmarshalInto(&Error{})
	default:
		return nil, fmt.Errorf("wire: unknown type code 0x%02x", byte(t))
	}
}
