package relay

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/felixge/httpsnoop"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/roach88/notepulse/internal/wire"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Authentication happens before the relay; any origin may connect.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler returns the relay's HTTP routes:
//
//	GET /rooms/{room}            websocket, room key doc-<documentId>
//	GET /rooms/{room}/awareness  live awareness entries as JSON
//	GET /healthz                 liveness
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(logRequests)

	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(s.healthz)
	r.Methods(http.MethodGet).Path("/rooms/{room}").HandlerFunc(s.serveRoom)
	r.Methods(http.MethodGet).Path("/rooms/{room}/awareness").HandlerFunc(s.listAwareness)
	return r
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, req)
		slog.Debug("handled", "method", req.Method, "url", req.URL.Path, "status", m.Code, "duration", m.Duration)
	})
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"instance": s.instanceID,
		"rooms":    len(s.Rooms()),
	})
}

func (s *Server) listAwareness(w http.ResponseWriter, req *http.Request) {
	key := mux.Vars(req)["room"]
	if _, err := wire.ParseRoomKey(key); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	states, err := s.ListAwareness(req.Context(), key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, states)
}

// serveRoom upgrades the request and runs the connection until it closes.
// The optional "user" query parameter names the editor for autosave.
func (s *Server) serveRoom(w http.ResponseWriter, req *http.Request) {
	key := mux.Vars(req)["room"]
	docID, err := wire.ParseRoomKey(key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ws, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		// The upgrader has already written the error response.
		slog.Debug("upgrade failed", "room", key, "error", err)
		return
	}

	c := newConn(uuid.Must(uuid.NewV7()).String(), req.URL.Query().Get("user"), ws, s.opts.SendQueue)
	room, err := s.join(key, docID, c)
	if err != nil {
		c.close(nil)
		c.writeLoop(s.opts.WriteTimeout, s.opts.PingInterval)
		return
	}

	go c.writeLoop(s.opts.WriteTimeout, s.opts.PingInterval)
	c.readLoop(room, 2*s.opts.PingInterval)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to write response", "error", err)
	}
}
