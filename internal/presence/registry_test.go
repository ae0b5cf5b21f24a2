package presence

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"realtime-service/internal/models"
)

type fakeConn struct {
	id string

	mu       sync.Mutex
	payloads [][]byte
	reject   bool
	closed   bool
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reject {
		return false
	}
	c.payloads = append(c.payloads, payload)
	return true
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) received() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.payloads))
	copy(out, c.payloads)
	return out
}

type recordingWatcher struct {
	mu      sync.Mutex
	online  []models.Identity
	offline []models.Identity
}

func (w *recordingWatcher) IdentityOnline(identity models.Identity) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.online = append(w.online, identity)
}

func (w *recordingWatcher) IdentityOffline(identity models.Identity) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.offline = append(w.offline, identity)
}

func TestRegisterAndPush(t *testing.T) {
	r := NewRegistry()
	alice := models.Identity{UserID: "u1", Type: models.ParticipantStudent}

	conn := newFakeConn("c1")
	r.Register(alice, conn)

	require.True(t, r.IsOnline("u1"))
	assert.False(t, r.IsOnline("u2"))

	delivered := r.Push("u1", []byte(`{"event":"x"}`))
	assert.Equal(t, 1, delivered)
	require.Len(t, conn.received(), 1)
}

func TestMultipleConnectionsPerIdentity(t *testing.T) {
	r := NewRegistry()
	alice := models.Identity{UserID: "u1", Type: models.ParticipantStudent}

	tab := newFakeConn("c1")
	phone := newFakeConn("c2")
	r.Register(alice, tab)
	r.Register(alice, phone)

	delivered := r.Push("u1", []byte("hi"))
	assert.Equal(t, 2, delivered)
	assert.Len(t, tab.received(), 1)
	assert.Len(t, phone.received(), 1)

	identity, last := r.Unregister(tab)
	assert.Equal(t, alice, identity)
	assert.False(t, last)
	require.True(t, r.IsOnline("u1"))

	identity, last = r.Unregister(phone)
	assert.Equal(t, alice, identity)
	assert.True(t, last)
	assert.False(t, r.IsOnline("u1"))
}

func TestRegisterIdempotentPerConnection(t *testing.T) {
	r := NewRegistry()
	alice := models.Identity{UserID: "u1", Type: models.ParticipantStudent}
	bob := models.Identity{UserID: "u2", Type: models.ParticipantTeacher}

	conn := newFakeConn("c1")
	r.Register(alice, conn)
	r.Register(alice, conn)
	r.Register(bob, conn)

	assert.Len(t, r.ConnectionsFor("u1"), 1)
	assert.Empty(t, r.ConnectionsFor("u2"))

	_, last := r.Unregister(conn)
	assert.True(t, last)

	identity, last := r.Unregister(conn)
	assert.Equal(t, models.Identity{}, identity)
	assert.False(t, last)
}

func TestWatcherFiresOnEdgesOnly(t *testing.T) {
	r := NewRegistry()
	w := &recordingWatcher{}
	r.Watch(w)
	alice := models.Identity{UserID: "u1", Type: models.ParticipantStudent}

	first := newFakeConn("c1")
	second := newFakeConn("c2")
	r.Register(alice, first)
	r.Register(alice, second)

	require.Len(t, w.online, 1)
	assert.Equal(t, alice, w.online[0])

	r.Unregister(first)
	assert.Empty(t, w.offline)

	r.Unregister(second)
	require.Len(t, w.offline, 1)
	assert.Equal(t, alice, w.offline[0])
}

func TestPushSkipsRejectingConnections(t *testing.T) {
	r := NewRegistry()
	alice := models.Identity{UserID: "u1", Type: models.ParticipantStudent}

	healthy := newFakeConn("c1")
	stuck := newFakeConn("c2")
	stuck.reject = true
	r.Register(alice, healthy)
	r.Register(alice, stuck)

	delivered := r.Push("u1", []byte("hi"))
	assert.Equal(t, 1, delivered)
}

func TestBroadcastReachesEveryIdentity(t *testing.T) {
	r := NewRegistry()
	a := newFakeConn("c1")
	b := newFakeConn("c2")
	r.Register(models.Identity{UserID: "u1", Type: models.ParticipantStudent}, a)
	r.Register(models.Identity{UserID: "u2", Type: models.ParticipantTeacher}, b)

	r.Broadcast([]byte("ping"))
	assert.Len(t, a.received(), 1)
	assert.Len(t, b.received(), 1)
}
