package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/h0uu0h/videosync/hub"
	"github.com/h0uu0h/videosync/protocol"
	ws "github.com/h0uu0h/videosync/websocket"
)

// MaxRoomIDLength bounds caller-supplied room identifiers.
const MaxRoomIDLength = 50

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server wires the relay endpoint and the read-only introspection
// surface onto one listener.
type Server struct {
	hub       *hub.Hub
	handler   *protocol.Handler
	port      string
	startedAt time.Time
}

func New(h *hub.Hub, handler *protocol.Handler, port string) *Server {
	return &Server{
		hub:       h,
		handler:   handler,
		port:      port,
		startedAt: time.Now(),
	}
}

// Routes returns the full HTTP handler: /ws plus the status surface,
// CORS-open so any page can inspect the relay.
func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.serveWS)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/rooms", s.handleRooms).Methods(http.MethodGet)
	r.NotFoundHandler = http.HandlerFunc(s.handleNotFound)
	return corsMiddleware(r)
}

// corsMiddleware answers preflight requests for any path and stamps
// CORS headers on every response.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// serveWS validates establishment parameters and hands the transport to
// the adapter. A missing or oversized roomId is rejected with a policy
// violation close code before the connection is ever registered, so the
// aggregate counters never see it.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("roomId")
	clientID := r.URL.Query().Get("clientId")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("upgrade error", "error", err)
		return
	}

	if roomID == "" || len(roomID) > MaxRoomIDLength {
		slog.Warn("rejected connection", "reason", "invalid roomId", "length", len(roomID))
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "roomId must be 1-50 characters"),
			deadline)
		_ = conn.Close()
		return
	}

	if clientID == "" {
		clientID = ws.GenerateClientID()
	}

	ws.NewConn(clientID, roomID, conn, s.hub, s.handler).Start()
}

type statusResponse struct {
	Status    string    `json:"status"`
	Port      string    `json:"port"`
	Uptime    float64   `json:"uptime"`
	Stats     hub.Stats `json:"stats"`
	Timestamp int64     `json:"timestamp"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Status:    "running",
		Port:      s.port,
		Uptime:    time.Since(s.startedAt).Seconds(),
		Stats:     s.hub.Stats(),
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.Rooms())
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]string{
		"error": "not found: " + r.URL.Path,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode error", "error", err)
	}
}
