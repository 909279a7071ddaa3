package protocol

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/h0uu0h/videosync/domain"
)

// Handler routes inbound frames by message type. It is stateless with
// respect to connections: every rule resolves to a private reply or a
// room broadcast through the Broadcaster.
type Handler struct {
	broadcaster domain.Broadcaster
}

func NewHandler(b domain.Broadcaster) *Handler {
	return &Handler{broadcaster: b}
}

// Handle parses and dispatches one inbound frame. Malformed JSON, a
// missing type and an unknown type each produce a private error reply;
// none of them is fatal to the connection or visible to the room.
func (h *Handler) Handle(conn domain.Connection, data []byte) {
	var msg domain.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("invalid message", "clientId", conn.ClientID(), "error", err)
		h.replyError(conn, "invalid message format")
		return
	}
	if !msg.Valid() {
		slog.Warn("message missing type", "clientId", conn.ClientID())
		h.replyError(conn, "message type is required")
		return
	}

	h.broadcaster.CountMessage()

	now := time.Now().UnixMilli()

	switch msg.Type {
	case domain.TypePing:
		original := msg.Timestamp
		h.reply(conn, &domain.Message{
			Type:      domain.TypePong,
			Timestamp: now,
			Original:  &original,
		})

	case domain.TypeSyncStart:
		h.broadcast(conn, &domain.Message{
			Type:      domain.TypeSyncStarted,
			ClientID:  conn.ClientID(),
			PlayerID:  msg.PlayerID,
			Timestamp: now,
		})

	case domain.TypeSyncStop:
		h.broadcast(conn, &domain.Message{
			Type:      domain.TypeSyncStopped,
			ClientID:  conn.ClientID(),
			Timestamp: now,
		})

	case domain.TypePlay, domain.TypePause, domain.TypeSeek, domain.TypeVolumeChange:
		h.broadcast(conn, &domain.Message{
			Type:      msg.Type,
			ClientID:  conn.ClientID(),
			Data:      msg.Data,
			Timestamp: now,
		})

	case domain.TypePlayerState:
		h.broadcast(conn, &domain.Message{
			Type:      domain.TypePlayerStateUpdate,
			ClientID:  conn.ClientID(),
			State:     msg.State,
			Changes:   msg.Changes,
			Timestamp: now,
		})

	case domain.TypeSyncRequest:
		h.broadcast(conn, &domain.Message{
			Type:      domain.TypeSyncRequest,
			ClientID:  conn.ClientID(),
			Timestamp: now,
		})

	case domain.TypeSyncResponse:
		h.broadcast(conn, &domain.Message{
			Type:      domain.TypeSyncResponse,
			ClientID:  conn.ClientID(),
			State:     msg.State,
			Timestamp: now,
		})

	case domain.TypeChatMessage:
		// Chat is the one type echoed back to its sender.
		h.broadcastAll(conn, &domain.Message{
			Type:        domain.TypeChatMessage,
			ClientID:    conn.ClientID(),
			DisplayName: msg.DisplayName,
			Message:     msg.Message,
			Timestamp:   now,
		})

	default:
		slog.Debug("unknown message type", "type", msg.Type, "clientId", conn.ClientID())
		h.replyError(conn, fmt.Sprintf("unknown message type: %s", msg.Type))
	}
}

func (h *Handler) reply(conn domain.Connection, msg *domain.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Warn("marshal error", "clientId", conn.ClientID(), "error", err)
		return
	}
	if err := conn.Send(data); err != nil {
		slog.Debug("reply dropped", "clientId", conn.ClientID(), "error", err)
	}
}

func (h *Handler) replyError(conn domain.Connection, reason string) {
	h.reply(conn, &domain.Message{
		Type:      domain.TypeError,
		Error:     reason,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (h *Handler) broadcast(conn domain.Connection, msg *domain.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Warn("marshal error", "clientId", conn.ClientID(), "error", err)
		return
	}
	h.broadcaster.Broadcast(conn.Room(), conn, data)
}

func (h *Handler) broadcastAll(conn domain.Connection, msg *domain.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Warn("marshal error", "clientId", conn.ClientID(), "error", err)
		return
	}
	h.broadcaster.Broadcast(conn.Room(), nil, data)
}
