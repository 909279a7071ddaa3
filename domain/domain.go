package domain

import "encoding/json"

// Inbound message types accepted by the relay.
const (
	TypePing         = "ping"
	TypeSyncStart    = "sync_start"
	TypeSyncStop     = "sync_stop"
	TypePlay         = "play"
	TypePause        = "pause"
	TypeSeek         = "seek"
	TypeVolumeChange = "volume_change"
	TypePlayerState  = "player_state"
	TypeSyncRequest  = "sync_request"
	TypeSyncResponse = "sync_response"
	TypeChatMessage  = "chat_message"
)

// Outbound message types produced by the relay.
const (
	TypePong              = "pong"
	TypeError             = "error"
	TypeConnected         = "connected"
	TypeRoomInfo          = "room_info"
	TypeUserJoined        = "user_joined"
	TypeUserLeft          = "user_left"
	TypeSyncStarted       = "sync_started"
	TypeSyncStopped       = "sync_stopped"
	TypePlayerStateUpdate = "player_state_update"
	TypeServerShutdown    = "server_shutdown"
)

// Message is the wire envelope. Inbound and outbound frames share one
// struct; fields not used by a given type are omitted. The relay never
// interprets Data, State or Changes.
type Message struct {
	Type        string          `json:"type"`
	Timestamp   int64           `json:"timestamp"`
	ClientID    string          `json:"clientId,omitempty"`
	PlayerID    string          `json:"playerId,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	State       json.RawMessage `json:"state,omitempty"`
	Changes     json.RawMessage `json:"changes,omitempty"`
	Message     string          `json:"message,omitempty"`
	DisplayName string          `json:"displayName,omitempty"`
	Original    *int64          `json:"original,omitempty"`
	RoomID      string          `json:"roomId,omitempty"`
	RoomSize    int             `json:"roomSize,omitempty"`
	Clients     []string        `json:"clients,omitempty"`
	Error       string          `json:"error,omitempty"`
	Reason      string          `json:"reason,omitempty"`
}

// Valid reports whether the envelope carries a usable type field.
func (m *Message) Valid() bool {
	return m.Type != ""
}

// Connection is one live transport session. ID is unique per session;
// ClientID is a display/addressing label chosen by the caller and may
// repeat across reconnects.
type Connection interface {
	ID() string
	ClientID() string
	Room() string

	// Send queues data for delivery. It never blocks; a full or closed
	// peer returns an error and the frame is dropped.
	Send(data []byte) error

	// Liveness flag, set by probe acknowledgments and cleared by each
	// monitor sweep.
	Alive() bool
	SetAlive(alive bool)

	// Probe issues a transport-level liveness check.
	Probe() error

	// Close sends a close frame with the given code and tears down the
	// transport. Terminate tears down without a close frame.
	Close(code int, reason string) error
	Terminate()
}

// Broadcaster groups connections into rooms and fans messages out to
// room members.
type Broadcaster interface {
	Join(conn Connection) int
	Leave(conn Connection, code int, reason string)
	Broadcast(roomID string, exclude Connection, data []byte) int

	// CountMessage records one processed inbound message.
	CountMessage()
}

// MessageHandler routes one inbound frame from a connection.
type MessageHandler interface {
	Handle(conn Connection, data []byte)
}
