package hub

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/h0uu0h/videosync/domain"
)

// Config holds the hub timers. Zero values fall back to the defaults
// below.
type Config struct {
	ProbeInterval time.Duration // liveness sweep period
	SweepInterval time.Duration // empty-room reclamation period
	GracePeriod   time.Duration // how long an empty room is retained
}

const (
	DefaultProbeInterval = 30 * time.Second
	DefaultSweepInterval = 30 * time.Second
	DefaultGracePeriod   = 60 * time.Second
)

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = DefaultProbeInterval
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	return cfg
}

type room struct {
	clients    map[string]domain.Connection // keyed by connection id
	createdAt  time.Time
	emptySince time.Time // zero while occupied
	dead       bool      // set when the sweep removes the room
	mu         sync.RWMutex
}

// Hub owns the room-to-members mapping and the process-wide counters.
// Rooms are created implicitly on first join and deleted only by the
// reclamation sweep, so a brief reconnect gap does not lose the room.
type Hub struct {
	cfg   Config
	rooms map[string]*room
	mu    sync.RWMutex

	totalConnections   atomic.Int64
	currentConnections atomic.Int64
	roomsCreated       atomic.Int64
	messagesProcessed  atomic.Int64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Stats is a point-in-time snapshot of the aggregate counters.
type Stats struct {
	TotalConnections   int64 `json:"totalConnections"`
	CurrentConnections int64 `json:"currentConnections"`
	RoomsCreated       int64 `json:"roomsCreated"`
	MessagesProcessed  int64 `json:"messagesProcessed"`
}

// RoomInfo is one entry of the read-only room listing.
type RoomInfo struct {
	ClientCount int       `json:"clientCount"`
	ClientIDs   []string  `json:"clientIds"`
	CreatedAt   time.Time `json:"createdAt"`
}

func New(cfg Config) *Hub {
	return &Hub{
		cfg:    cfg.withDefaults(),
		rooms:  make(map[string]*room),
		stopCh: make(chan struct{}),
	}
}

// Start launches the liveness and reclamation loops.
func (h *Hub) Start() {
	h.wg.Add(2)
	go h.probeLoop()
	go h.reclaimLoop()
}

// Join adds conn to its room, creating the room if absent, and returns
// the resulting room size. The newcomer receives a membership snapshot
// followed by its private ack; existing members are told about the new
// arrival.
func (h *Hub) Join(conn domain.Connection) int {
	var r *room
	for {
		h.mu.Lock()
		got, exists := h.rooms[conn.Room()]
		if !exists {
			got = &room{
				clients:   make(map[string]domain.Connection),
				createdAt: time.Now(),
			}
			h.rooms[conn.Room()] = got
			h.roomsCreated.Add(1)
			slog.Info("room created", "room", conn.Room())
		}
		h.mu.Unlock()

		got.mu.Lock()
		if got.dead {
			// The sweep reclaimed this room between the registry
			// lookup and the member insert; joining it would strand
			// the connection outside the registry. Retry.
			got.mu.Unlock()
			continue
		}
		r = got
		break
	}

	r.emptySince = time.Time{}
	_, rejoined := r.clients[conn.ID()]
	r.clients[conn.ID()] = conn
	size := len(r.clients)
	peers := make([]string, 0, size-1)
	for id, c := range r.clients {
		if id != conn.ID() {
			peers = append(peers, c.ClientID())
		}
	}
	r.mu.Unlock()

	if !rejoined {
		h.totalConnections.Add(1)
		h.currentConnections.Add(1)
	}

	now := time.Now().UnixMilli()
	h.sendTo(conn, &domain.Message{
		Type:      domain.TypeRoomInfo,
		Clients:   peers,
		RoomSize:  size,
		Timestamp: now,
	})
	h.sendTo(conn, &domain.Message{
		Type:      domain.TypeConnected,
		ClientID:  conn.ClientID(),
		RoomID:    conn.Room(),
		RoomSize:  size,
		Timestamp: now,
	})
	h.broadcastMessage(conn.Room(), conn, &domain.Message{
		Type:      domain.TypeUserJoined,
		ClientID:  conn.ClientID(),
		RoomSize:  size,
		Timestamp: now,
	})

	slog.Info("client joined", "room", conn.Room(), "clientId", conn.ClientID(), "clients", size)
	return size
}

// Leave removes conn from its room. It is idempotent: a connection or
// room that is already gone is a no-op. An emptied room is stamped
// empty-since and left for the reclamation sweep.
func (h *Hub) Leave(conn domain.Connection, code int, reason string) {
	h.mu.RLock()
	r, exists := h.rooms[conn.Room()]
	h.mu.RUnlock()
	if !exists {
		return
	}

	r.mu.Lock()
	if _, member := r.clients[conn.ID()]; !member {
		r.mu.Unlock()
		return
	}
	delete(r.clients, conn.ID())
	size := len(r.clients)
	if size == 0 {
		r.emptySince = time.Now()
	}
	r.mu.Unlock()

	h.currentConnections.Add(-1)

	h.broadcastMessage(conn.Room(), nil, &domain.Message{
		Type:      domain.TypeUserLeft,
		ClientID:  conn.ClientID(),
		RoomSize:  size,
		Timestamp: time.Now().UnixMilli(),
	})

	slog.Info("client left",
		"room", conn.Room(),
		"clientId", conn.ClientID(),
		"code", code,
		"reason", reason,
		"clients", size)
}

// Broadcast delivers data to every member of roomID except exclude
// (pass nil to include everyone). Delivery is fire and forget: a peer
// that cannot accept the frame is skipped, never retried. Returns the
// number of successful deliveries.
func (h *Hub) Broadcast(roomID string, exclude domain.Connection, data []byte) int {
	h.mu.RLock()
	r, exists := h.rooms[roomID]
	h.mu.RUnlock()
	if !exists {
		return 0
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	delivered := 0
	for _, conn := range r.clients {
		if exclude != nil && conn.ID() == exclude.ID() {
			continue
		}
		if err := conn.Send(data); err != nil {
			slog.Debug("broadcast skip", "room", roomID, "clientId", conn.ClientID(), "error", err)
			continue
		}
		delivered++
	}
	return delivered
}

// CountMessage records one processed inbound message.
func (h *Hub) CountMessage() {
	h.messagesProcessed.Add(1)
}

// Stats returns a snapshot of the aggregate counters.
func (h *Hub) Stats() Stats {
	return Stats{
		TotalConnections:   h.totalConnections.Load(),
		CurrentConnections: h.currentConnections.Load(),
		RoomsCreated:       h.roomsCreated.Load(),
		MessagesProcessed:  h.messagesProcessed.Load(),
	}
}

// Rooms returns the current room listing.
func (h *Hub) Rooms() map[string]RoomInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make(map[string]RoomInfo, len(h.rooms))
	for id, r := range h.rooms {
		r.mu.RLock()
		ids := make([]string, 0, len(r.clients))
		for _, c := range r.clients {
			ids = append(ids, c.ClientID())
		}
		out[id] = RoomInfo{
			ClientCount: len(r.clients),
			ClientIDs:   ids,
			CreatedAt:   r.createdAt,
		}
		r.mu.RUnlock()
	}
	return out
}

// Shutdown stops the sweep loops, notifies every room and closes every
// connection with a going-away code.
func (h *Hub) Shutdown() {
	close(h.stopCh)
	h.wg.Wait()

	notice, _ := json.Marshal(&domain.Message{
		Type:      domain.TypeServerShutdown,
		Reason:    "server shutting down",
		Timestamp: time.Now().UnixMilli(),
	})

	h.mu.Lock()
	rooms := h.rooms
	h.rooms = make(map[string]*room)
	h.mu.Unlock()

	for id, r := range rooms {
		r.mu.Lock()
		r.dead = true
		for _, conn := range r.clients {
			_ = conn.Send(notice)
			_ = conn.Close(websocket.CloseGoingAway, "server shutdown")
		}
		r.mu.Unlock()
		slog.Info("room closed", "room", id)
	}
	slog.Info("hub stopped")
}

// probeLoop runs the liveness sweep. A connection whose flag is still
// false from the previous sweep never acknowledged its probe and is
// forcibly terminated; teardown flows through the normal leave path via
// its read loop.
func (h *Hub) probeLoop() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.ProbeConnections()
		case <-h.stopCh:
			return
		}
	}
}

// ProbeConnections performs one liveness sweep. Exported so tests can
// drive sweeps without waiting on the ticker.
func (h *Hub) ProbeConnections() {
	for _, conn := range h.snapshotConnections() {
		if !conn.Alive() {
			slog.Warn("terminating unresponsive client",
				"room", conn.Room(), "clientId", conn.ClientID())
			conn.Terminate()
			continue
		}
		conn.SetAlive(false)
		if err := conn.Probe(); err != nil {
			slog.Debug("probe failed", "clientId", conn.ClientID(), "error", err)
		}
	}
}

func (h *Hub) reclaimLoop() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.ReclaimRooms()
		case <-h.stopCh:
			return
		}
	}
}

// ReclaimRooms deletes rooms that have been empty longer than the grace
// period. Exported so tests can drive sweeps directly.
func (h *Hub) ReclaimRooms() {
	cutoff := time.Now().Add(-h.cfg.GracePeriod)

	h.mu.Lock()
	defer h.mu.Unlock()

	for id, r := range h.rooms {
		r.mu.Lock()
		expired := len(r.clients) == 0 && !r.emptySince.IsZero() && r.emptySince.Before(cutoff)
		if expired {
			// Flag the room under its own lock so a join that already
			// fetched the pointer knows to retry instead of inserting
			// into an unregistered room.
			r.dead = true
		}
		r.mu.Unlock()
		if expired {
			delete(h.rooms, id)
			slog.Info("room reclaimed", "room", id)
		}
	}
}

func (h *Hub) snapshotConnections() []domain.Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var conns []domain.Connection
	for _, r := range h.rooms {
		r.mu.RLock()
		for _, c := range r.clients {
			conns = append(conns, c)
		}
		r.mu.RUnlock()
	}
	return conns
}

func (h *Hub) sendTo(conn domain.Connection, msg *domain.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("marshal error", "type", msg.Type, "error", err)
		return
	}
	if err := conn.Send(data); err != nil {
		slog.Debug("send skip", "clientId", conn.ClientID(), "error", err)
	}
}

func (h *Hub) broadcastMessage(roomID string, exclude domain.Connection, msg *domain.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("marshal error", "type", msg.Type, "error", err)
		return
	}
	h.Broadcast(roomID, exclude, data)
}
