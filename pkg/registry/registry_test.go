package registry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id, user, client, ip string
	closed                bool
}

func (f *fakeConn) ID() string       { return f.id }
func (f *fakeConn) UserID() string   { return f.user }
func (f *fakeConn) ClientID() string { return f.client }
func (f *fakeConn) RemoteIP() string { return f.ip }
func (f *fakeConn) Close(code int, reason string) error {
	f.closed = true
	return nil
}

func TestAddAndRemoveIsConsistentAcrossIndexes(t *testing.T) {
	r := New(0, 0)
	c := &fakeConn{id: "c1", user: "u1", client: "cl1", ip: "1.2.3.4"}
	require.True(t, r.Add(c))
	r.LinkUser(c.id, c.user)
	r.LinkClient(c.id, c.client)

	require.Len(t, r.ByUser("u1"), 1)
	require.Len(t, r.ByClient("cl1"), 1)

	r.Remove(c.id)
	_, ok := r.Get(c.id)
	require.False(t, ok)
	require.Empty(t, r.ByUser("u1"))
	require.Empty(t, r.ByClient("cl1"))
}

func TestPerIPCapRejectsBeyondLimit(t *testing.T) {
	r := New(0, 1)
	require.True(t, r.Add(&fakeConn{id: "c1", ip: "1.1.1.1"}))
	require.False(t, r.Add(&fakeConn{id: "c2", ip: "1.1.1.1"}))
	require.True(t, r.Add(&fakeConn{id: "c3", ip: "2.2.2.2"}))
}

func TestGlobalCapRejectsBeyondLimit(t *testing.T) {
	r := New(1, 0)
	require.True(t, r.Add(&fakeConn{id: "c1", ip: "1.1.1.1"}))
	require.False(t, r.Add(&fakeConn{id: "c2", ip: "2.2.2.2"}))
}

func TestCloseAllClosesEveryConnection(t *testing.T) {
	r := New(0, 0)
	a := &fakeConn{id: "a", ip: "1.1.1.1"}
	b := &fakeConn{id: "b", ip: "2.2.2.2"}
	r.Add(a)
	r.Add(b)
	require.NoError(t, r.CloseAll(1001, "shutdown"))
	require.True(t, a.closed)
	require.True(t, b.closed)
}

func TestMetricsReportsOccupancy(t *testing.T) {
	r := New(0, 0)
	r.Add(&fakeConn{id: "a", ip: "1.1.1.1"})
	r.Add(&fakeConn{id: "b", ip: "1.1.1.1"})
	m := r.Metrics()
	require.Equal(t, 2, m.TotalConnections)
	require.Equal(t, 2, m.PerIP["1.1.1.1"])
}
