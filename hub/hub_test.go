package hub

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/h0uu0h/videosync/domain"
)

type mockConn struct {
	id       string
	clientID string
	room     string

	mu         sync.Mutex
	received   [][]byte
	sendErr    error
	alive      bool
	probes     int
	terminated bool
	closeCode  int
}

func newMockConn(id, clientID, room string) *mockConn {
	return &mockConn{id: id, clientID: clientID, room: room, alive: true}
}

func (m *mockConn) ID() string       { return m.id }
func (m *mockConn) ClientID() string { return m.clientID }
func (m *mockConn) Room() string     { return m.room }

func (m *mockConn) Send(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.received = append(m.received, data)
	return nil
}

func (m *mockConn) Alive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alive
}

func (m *mockConn) SetAlive(alive bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alive = alive
}

func (m *mockConn) Probe() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probes++
	return nil
}

func (m *mockConn) Close(code int, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCode = code
	return nil
}

func (m *mockConn) Terminate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminated = true
}

func (m *mockConn) messages(t *testing.T) []domain.Message {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Message, 0, len(m.received))
	for _, raw := range m.received {
		var msg domain.Message
		require.NoError(t, json.Unmarshal(raw, &msg))
		out = append(out, msg)
	}
	return out
}

func (m *mockConn) messagesOfType(t *testing.T, typ string) []domain.Message {
	t.Helper()
	var out []domain.Message
	for _, msg := range m.messages(t) {
		if msg.Type == typ {
			out = append(out, msg)
		}
	}
	return out
}

func TestHub_JoinReturnsRoomSize(t *testing.T) {
	h := New(Config{})

	a := newMockConn("conn-a", "clientA", "movie1")
	b := newMockConn("conn-b", "clientB", "movie1")

	assert.Equal(t, 1, h.Join(a))
	assert.Equal(t, 2, h.Join(b))
}

func TestHub_DuplicateJoinSameTransport(t *testing.T) {
	h := New(Config{})
	a := newMockConn("conn-a", "clientA", "movie1")

	h.Join(a)
	size := h.Join(a)

	assert.Equal(t, 1, size, "same transport must not be counted twice")

	stats := h.Stats()
	assert.Equal(t, int64(1), stats.TotalConnections)
	assert.Equal(t, int64(1), stats.CurrentConnections)
}

func TestHub_JoinAnnouncements(t *testing.T) {
	h := New(Config{})

	a := newMockConn("conn-a", "clientA", "movie1")
	b := newMockConn("conn-b", "clientB", "movie1")

	h.Join(a)
	h.Join(b)

	// A learns about B's arrival.
	joined := a.messagesOfType(t, domain.TypeUserJoined)
	require.Len(t, joined, 1)
	assert.Equal(t, "clientB", joined[0].ClientID)
	assert.Equal(t, 2, joined[0].RoomSize)

	// B gets the membership snapshot first, then its own ack.
	msgs := b.messages(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.TypeRoomInfo, msgs[0].Type)
	assert.Equal(t, []string{"clientA"}, msgs[0].Clients)
	assert.Equal(t, 2, msgs[0].RoomSize)
	assert.Equal(t, domain.TypeConnected, msgs[1].Type)
	assert.Equal(t, "clientB", msgs[1].ClientID)
	assert.Equal(t, "movie1", msgs[1].RoomID)
	assert.Equal(t, 2, msgs[1].RoomSize)
}

func TestHub_BroadcastExcludesSender(t *testing.T) {
	tests := []struct {
		name          string
		members       int
		exclude       bool
		wantDelivered int
	}{
		{"three members excluding sender", 3, true, 2},
		{"three members including sender", 3, false, 3},
		{"sender alone", 1, true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := New(Config{})
			conns := make([]*mockConn, tt.members)
			for i := range conns {
				conns[i] = newMockConn(
					"conn-"+string(rune('a'+i)),
					"client-"+string(rune('a'+i)),
					"movie1")
				h.Join(conns[i])
			}

			var exclude domain.Connection
			if tt.exclude {
				exclude = conns[0]
			}
			delivered := h.Broadcast("movie1", exclude, []byte(`{"type":"play"}`))

			assert.Equal(t, tt.wantDelivered, delivered)
		})
	}
}

func TestHub_BroadcastSkipsFailedPeer(t *testing.T) {
	h := New(Config{})

	sender := newMockConn("conn-s", "sender", "movie1")
	broken := newMockConn("conn-x", "broken", "movie1")
	healthy := newMockConn("conn-h", "healthy", "movie1")
	broken.sendErr = assert.AnError

	h.Join(sender)
	h.Join(broken)
	h.Join(healthy)

	delivered := h.Broadcast("movie1", sender, []byte("payload"))

	assert.Equal(t, 1, delivered)
	assert.NotEmpty(t, healthy.received)
}

func TestHub_BroadcastUnknownRoom(t *testing.T) {
	h := New(Config{})
	assert.Equal(t, 0, h.Broadcast("nowhere", nil, []byte("payload")))
}

func TestHub_LeaveBroadcastsUserLeft(t *testing.T) {
	h := New(Config{})

	a := newMockConn("conn-a", "clientA", "movie1")
	b := newMockConn("conn-b", "clientB", "movie1")
	h.Join(a)
	h.Join(b)

	h.Leave(b, 1000, "bye")

	left := a.messagesOfType(t, domain.TypeUserLeft)
	require.Len(t, left, 1)
	assert.Equal(t, "clientB", left[0].ClientID)
	assert.Equal(t, 1, left[0].RoomSize)
}

func TestHub_LeaveIsIdempotent(t *testing.T) {
	h := New(Config{})

	a := newMockConn("conn-a", "clientA", "movie1")
	b := newMockConn("conn-b", "clientB", "movie1")
	h.Join(a)
	h.Join(b)

	h.Leave(b, 1006, "error")
	h.Leave(b, 1006, "error")

	assert.Len(t, a.messagesOfType(t, domain.TypeUserLeft), 1,
		"double leave must produce exactly one user_left")
	assert.Equal(t, int64(1), h.Stats().CurrentConnections)

	// Leaving a room that never existed is a no-op too.
	h.Leave(newMockConn("conn-z", "ghost", "nowhere"), 1000, "")
}

func TestHub_EmptyRoomRetainedDuringGrace(t *testing.T) {
	h := New(Config{GracePeriod: time.Hour})

	a := newMockConn("conn-a", "clientA", "movie1")
	h.Join(a)
	h.Leave(a, 1000, "bye")

	h.ReclaimRooms()

	rooms := h.Rooms()
	require.Contains(t, rooms, "movie1", "empty room must survive the grace period")
	assert.Equal(t, 0, rooms["movie1"].ClientCount)
}

func TestHub_EmptyRoomReclaimedAfterGrace(t *testing.T) {
	h := New(Config{GracePeriod: 10 * time.Millisecond})

	a := newMockConn("conn-a", "clientA", "movie1")
	h.Join(a)
	h.Leave(a, 1000, "bye")

	time.Sleep(30 * time.Millisecond)
	h.ReclaimRooms()

	assert.NotContains(t, h.Rooms(), "movie1")
}

func TestHub_RejoinKeepsCreationTimestamp(t *testing.T) {
	h := New(Config{GracePeriod: time.Hour})

	a := newMockConn("conn-a", "clientA", "movie1")
	h.Join(a)
	createdAt := h.Rooms()["movie1"].CreatedAt
	h.Leave(a, 1000, "bye")

	b := newMockConn("conn-b", "clientA", "movie1")
	h.Join(b)

	rooms := h.Rooms()
	require.Contains(t, rooms, "movie1")
	assert.Equal(t, createdAt, rooms["movie1"].CreatedAt,
		"rejoin before reclamation must reuse the room")
	assert.Equal(t, int64(1), h.Stats().RoomsCreated)

	// Once reclaimed, the next join creates a fresh room.
	h.Leave(b, 1000, "bye")
	backdateEmptyRooms(h, 24*time.Hour)
	h.ReclaimRooms()
	require.Empty(t, h.Rooms())

	h.Join(newMockConn("conn-c", "clientC", "movie1"))
	assert.Equal(t, int64(2), h.Stats().RoomsCreated)
}

// backdateEmptyRooms pushes every empty room past the grace period.
func backdateEmptyRooms(h *Hub, by time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range h.rooms {
		r.mu.Lock()
		if !r.emptySince.IsZero() {
			r.emptySince = r.emptySince.Add(-by)
		}
		r.mu.Unlock()
	}
}

func TestHub_Counters(t *testing.T) {
	h := New(Config{})

	a := newMockConn("conn-a", "clientA", "movie1")
	b := newMockConn("conn-b", "clientB", "movie2")
	h.Join(a)
	h.Join(b)
	h.CountMessage()
	h.CountMessage()
	h.CountMessage()
	h.Leave(b, 1000, "bye")

	stats := h.Stats()
	assert.Equal(t, int64(2), stats.TotalConnections)
	assert.Equal(t, int64(1), stats.CurrentConnections)
	assert.Equal(t, int64(2), stats.RoomsCreated)
	assert.Equal(t, int64(3), stats.MessagesProcessed)
}

func TestHub_ProbeSweepTerminatesSilentConnection(t *testing.T) {
	h := New(Config{})

	quiet := newMockConn("conn-q", "quiet", "movie1")
	chatty := newMockConn("conn-c", "chatty", "movie1")
	h.Join(quiet)
	h.Join(chatty)

	// First sweep: both were alive, both get probed and cleared.
	h.ProbeConnections()
	assert.False(t, quiet.terminated)
	assert.Equal(t, 1, quiet.probes)

	// chatty acknowledges, quiet stays silent.
	chatty.SetAlive(true)

	// Second sweep: quiet missed two consecutive probes.
	h.ProbeConnections()
	assert.True(t, quiet.terminated)
	assert.False(t, chatty.terminated)
	assert.Equal(t, 2, chatty.probes)
}

func TestHub_JoinNeverLandsInReclaimedRoom(t *testing.T) {
	// A join can fetch the room pointer just before the sweep deletes
	// the room from the registry. Whatever the interleaving, the
	// joined connection must end up in a registered room, visible to
	// the listing and reachable by broadcasts.
	for i := 0; i < 200; i++ {
		h := New(Config{GracePeriod: time.Nanosecond})

		a := newMockConn("conn-a", "clientA", "movie1")
		h.Join(a)
		h.Leave(a, 1000, "bye")

		b := newMockConn("conn-b", "clientB", "movie1")
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			h.ReclaimRooms()
		}()
		go func() {
			defer wg.Done()
			h.Join(b)
		}()
		wg.Wait()

		rooms := h.Rooms()
		require.Contains(t, rooms, "movie1", "iteration %d", i)
		require.Equal(t, 1, rooms["movie1"].ClientCount, "iteration %d", i)
		require.Equal(t, 1, h.Broadcast("movie1", nil, []byte(`{"type":"play"}`)),
			"iteration %d: member unreachable by broadcast", i)
	}
}

func TestHub_RoomsListing(t *testing.T) {
	h := New(Config{})

	h.Join(newMockConn("conn-a", "clientA", "movie1"))
	h.Join(newMockConn("conn-b", "clientB", "movie1"))
	h.Join(newMockConn("conn-c", "clientC", "movie2"))

	rooms := h.Rooms()
	require.Len(t, rooms, 2)
	assert.Equal(t, 2, rooms["movie1"].ClientCount)
	assert.ElementsMatch(t, []string{"clientA", "clientB"}, rooms["movie1"].ClientIDs)
	assert.Equal(t, 1, rooms["movie2"].ClientCount)
	assert.False(t, rooms["movie1"].CreatedAt.IsZero())
}

func TestHub_Shutdown(t *testing.T) {
	h := New(Config{})
	h.Start()

	a := newMockConn("conn-a", "clientA", "movie1")
	b := newMockConn("conn-b", "clientB", "movie2")
	h.Join(a)
	h.Join(b)

	h.Shutdown()

	for _, conn := range []*mockConn{a, b} {
		notices := conn.messagesOfType(t, domain.TypeServerShutdown)
		require.Len(t, notices, 1, "client %s", conn.clientID)
		assert.Equal(t, 1001, conn.closeCode)
	}
	assert.Empty(t, h.Rooms())
}

func TestHub_NoCrossRoomBroadcast(t *testing.T) {
	h := New(Config{})

	a := newMockConn("conn-a", "clientA", "movie1")
	b := newMockConn("conn-b", "clientB", "movie2")
	h.Join(a)
	h.Join(b)

	h.Broadcast("movie1", nil, []byte("payload"))

	for _, raw := range b.received {
		assert.NotEqual(t, "payload", string(raw))
	}
}
