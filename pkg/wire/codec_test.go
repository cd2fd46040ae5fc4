package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTripBinary(t *testing.T) {
	msgs := []Message{
		&Ping{Envelope: Envelope{ID: "1", TimestampMs: 1000}},
		&Subscribe{Envelope: Envelope{ID: "2", TimestampMs: 1000}, DocumentID: "room:1"},
		&Delta{
			Envelope:   Envelope{ID: "3", TimestampMs: 1000},
			DocumentID: "room:1",
			Field:      map[string]json.RawMessage{"title": json.RawMessage(`"A"`)},
			Clock:      map[string]uint64{"A": 1},
		},
		&Ack{Envelope: Envelope{ID: "4", TimestampMs: 1000}, MessageID: "3"},
	}
	for _, m := range msgs {
		frame, err := Encode(m)
		require.NoError(t, err)
		decoded, err := Decode(frame)
		require.NoError(t, err)
		require.Equal(t, m, decoded)
	}
}

func TestFrameRoundTripJSON(t *testing.T) {
	m := &AwarenessUpdate{
		Envelope:   Envelope{ID: "1", TimestampMs: 1000},
		DocumentID: "room:1",
		ClientID:   "c1",
		State:      json.RawMessage(`{"cursor":{"x":1,"y":2}}`),
	}
	data, err := EncodeJSON(m)
	require.NoError(t, err)
	decoded, err := DecodeJSON(data)
	require.NoError(t, err)
	require.Equal(t, m, decoded)
}

func TestDecodeRejectsShortFrame(t *testing.T) {
	_, err := Decode([]byte{0x01, 0x02})
	require.Error(t, err)
}

func TestDecodeRejectsLengthMismatch(t *testing.T) {
	frame, err := Encode(&Ping{Envelope: Envelope{ID: "1", TimestampMs: 1}})
	require.NoError(t, err)
	frame[9] = 0xFF // corrupt declared length
	_, err = Decode(frame)
	require.Error(t, err)
}

func TestDecodeRejectsTagMismatch(t *testing.T) {
	frame, err := Encode(&Ping{Envelope: Envelope{ID: "1", TimestampMs: 1}})
	require.NoError(t, err)
	frame[0] = byte(TypePong) // type byte now disagrees with embedded tag "Ping"
	_, err = Decode(frame)
	require.Error(t, err)
}
