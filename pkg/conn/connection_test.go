package conn

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/istio-ecosystem/syncmesh/pkg/wire"
)

type fakeTransport struct {
	mu      sync.Mutex
	written [][]byte
	closed  bool
}

func (f *fakeTransport) ReadMessage() (int, []byte, error) { return 0, nil, nil }

func (f *fakeTransport) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, data)
	return nil
}

func (f *fakeTransport) WriteControl(int, []byte, time.Time) error { return nil }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) RemoteAddr() string { return "10.0.0.1:1234" }

func (f *fakeTransport) writtenCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.written)
}

func TestSendSerializesFramesInOrder(t *testing.T) {
	ft := &fakeTransport{}
	c := New(ft, time.Hour)
	c.Run()
	defer c.Close(1000, "done")

	for i := 0; i < 5; i++ {
		require.NoError(t, c.Send(&wire.Ping{Envelope: wire.Envelope{ID: "p"}}))
	}

	require.Eventually(t, func() bool { return ft.writtenCount() == 5 }, time.Second, time.Millisecond)
}

func TestCloseIsIdempotent(t *testing.T) {
	ft := &fakeTransport{}
	c := New(ft, time.Hour)
	c.Run()

	require.NoError(t, c.Close(1000, "bye"))
	require.NoError(t, c.Close(1000, "bye again"))
	require.True(t, ft.closed)
}

func TestSendAfterCloseErrors(t *testing.T) {
	ft := &fakeTransport{}
	c := New(ft, time.Hour)
	c.Run()
	require.NoError(t, c.Close(1000, "bye"))

	err := c.Send(&wire.Ping{Envelope: wire.Envelope{ID: "p"}})
	require.Error(t, err)
}

func TestProtocolLatchesOnFirstFrame(t *testing.T) {
	ft := &fakeTransport{}
	c := New(ft, time.Hour)
	defer c.Close(1000, "done")

	require.True(t, c.LatchProtocol(wire.ModeJSON))
	require.True(t, c.LatchProtocol(wire.ModeJSON))
	require.False(t, c.LatchProtocol(wire.ModeBinary))
}

func TestReassembleChunkAcrossOutOfOrderArrivals(t *testing.T) {
	ft := &fakeTransport{}
	c := New(ft, time.Hour)
	defer c.Close(1000, "done")

	chunks := []wire.DeltaBatchChunk{
		{ChunkID: "x", ChunkIndex: 1, TotalChunks: 3, Data: []byte("B")},
		{ChunkID: "x", ChunkIndex: 0, TotalChunks: 3, Data: []byte("A")},
		{ChunkID: "x", ChunkIndex: 2, TotalChunks: 3, Data: []byte("C")},
	}

	var out []byte
	var done bool
	var err error
	for _, ch := range chunks {
		out, done, err = c.ReassembleChunk(ch)
		require.NoError(t, err)
	}
	require.True(t, done)
	require.Equal(t, "ABC", string(out))
}

func TestReassembleChunkRejectsOutOfRangeIndex(t *testing.T) {
	ft := &fakeTransport{}
	c := New(ft, time.Hour)
	defer c.Close(1000, "done")

	_, _, err := c.ReassembleChunk(wire.DeltaBatchChunk{ChunkID: "y", ChunkIndex: 5, TotalChunks: 2})
	require.Error(t, err)
}

func TestHeartbeatClosesConnectionOnStalePong(t *testing.T) {
	ft := &fakeTransport{}
	c := New(ft, 10*time.Millisecond)
	c.Run()

	require.Eventually(t, func() bool {
		return c.State() == Disconnected
	}, time.Second, 5*time.Millisecond)
}

func TestHasPermissionWildcard(t *testing.T) {
	ft := &fakeTransport{}
	c := New(ft, time.Hour)
	defer c.Close(1000, "done")

	c.SetAuthenticated("u1", []string{"*"})
	require.True(t, c.HasPermission("write:room:general"))

	c.SetAuthenticated("u2", []string{"read:room:general"})
	require.True(t, c.HasPermission("read:room:general"))
	require.False(t, c.HasPermission("write:room:general"))
}
