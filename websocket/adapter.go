package websocket

import (
	"crypto/rand"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/h0uu0h/videosync/domain"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4096
	sendBuffer     = 256
)

// Conn adapts a gorilla websocket to domain.Connection. Each Conn runs
// one read pump and one write pump; all outbound traffic flows through
// the buffered send channel so per-peer ordering is preserved and a
// slow peer never blocks a broadcast.
type Conn struct {
	id          string // internal key, unique per session
	clientID    string // display/addressing label
	room        string
	ws          *websocket.Conn
	send        chan []byte
	closeReq    chan closeFrame
	done        chan struct{}
	doneOnce    sync.Once
	alive       atomic.Bool
	joinedAt    time.Time
	broadcaster domain.Broadcaster
	handler     domain.MessageHandler
}

type closeFrame struct {
	code int
	text string
}

// NewConn wraps ws. A reconnecting client may reuse its clientID; the
// internal id stays unique so the hub never confuses two transports.
func NewConn(clientID, room string, ws *websocket.Conn, b domain.Broadcaster, h domain.MessageHandler) *Conn {
	c := &Conn{
		id:          uuid.New().String(),
		clientID:    clientID,
		room:        room,
		ws:          ws,
		send:        make(chan []byte, sendBuffer),
		closeReq:    make(chan closeFrame, 1),
		done:        make(chan struct{}),
		joinedAt:    time.Now(),
		broadcaster: b,
		handler:     h,
	}
	c.alive.Store(true)
	return c
}

func (c *Conn) ID() string       { return c.id }
func (c *Conn) ClientID() string { return c.clientID }
func (c *Conn) Room() string     { return c.room }

// Send queues data for the write pump. It never blocks: a full buffer
// or a closed connection drops the frame and reports an error.
func (c *Conn) Send(data []byte) error {
	select {
	case <-c.done:
		return websocket.ErrCloseSent
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return websocket.ErrCloseSent
	}
}

func (c *Conn) Alive() bool         { return c.alive.Load() }
func (c *Conn) SetAlive(alive bool) { c.alive.Store(alive) }

// Probe sends a ping control frame; the browser answers with a pong
// automatically, which flips the alive flag back on.
func (c *Conn) Probe() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Close hands the write pump a close request: queued frames are
// flushed first, then the close frame with the given code goes out and
// the transport is torn down. Blocks until the pump has finished (or
// the write deadline passes). Safe to call more than once.
func (c *Conn) Close(code int, reason string) error {
	select {
	case c.closeReq <- closeFrame{code: code, text: reason}:
	default:
	}
	select {
	case <-c.done:
	case <-time.After(writeWait):
	}
	return nil
}

// Terminate hard-closes the transport without a close frame. The read
// pump observes the error and routes teardown through the leave path.
func (c *Conn) Terminate() {
	c.doneOnce.Do(func() { close(c.done) })
	_ = c.ws.Close()
}

// Start registers the connection with the hub and launches the pumps.
// The liveness sweep is the only timeout in play, so no read deadline
// is set here.
func (c *Conn) Start() {
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetPongHandler(func(string) error {
		c.alive.Store(true)
		return nil
	})

	c.broadcaster.Join(c)
	go c.writePump()
	go c.readPump()
}

func (c *Conn) readPump() {
	code, reason := websocket.CloseAbnormalClosure, "connection error"
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("panic in connection handler", "clientId", c.clientID, "panic", rec)
		}
		c.broadcaster.Leave(c, code, reason)
		c.doneOnce.Do(func() { close(c.done) })
		_ = c.ws.Close()
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				code, reason = ce.Code, ce.Text
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Error("read error", "clientId", c.clientID, "error", err)
			}
			return
		}
		c.handler.Handle(c, data)
	}
}

func (c *Conn) writePump() {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("panic in write pump", "clientId", c.clientID, "panic", rec)
		}
		c.doneOnce.Do(func() { close(c.done) })
		_ = c.ws.Close()
	}()

	for {
		select {
		case message := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case req := <-c.closeReq:
			// Everything queued before the close request must reach
			// the peer ahead of the close frame.
			c.flushSend()
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(req.code, req.text),
				time.Now().Add(writeWait))
			return
		case <-c.done:
			// Teardown raced us; flush whatever was already queued.
			c.flushSend()
			return
		}
	}
}

func (c *Conn) flushSend() {
	for {
		select {
		case message := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}

// GenerateClientID returns an identifier of the shape
// client_<random>_<millis base36>. It is not guaranteed globally
// unique; client ids address and label connections, nothing more.
func GenerateClientID() string {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	b := make([]byte, 9)
	if _, err := rand.Read(b); err != nil {
		return "client_fallback_" + strconv.FormatInt(time.Now().UnixMilli(), 36)
	}
	for i := range b {
		b[i] = alphabet[int(b[i])%len(alphabet)]
	}
	return "client_" + string(b) + "_" + strconv.FormatInt(time.Now().UnixMilli(), 36)
}
