// Package statusapi implements the minimal HTTP status surface:
// a /healthz probe and a WebSocket endpoint that streams
// the operational event bus (scheduling/execution/trigger/
// notebook events) to any connected client, sufficient for the
// evaluation harness's scripted inspection and for manual debugging.
// Each WebSocket connection is tagged with a google/uuid id for log
// correlation, the same way a conversation handler might tag each
// conversation.
package statusapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nugget/thane-ai-agent/internal/buildinfo"
	"github.com/nugget/thane-ai-agent/internal/connwatch"
	"github.com/nugget/thane-ai-agent/internal/events"
)

// HealthFunc reports the status of every dependency the server cares
// about, keyed by a short name (e.g. "hub", "mqtt"). connwatch.Manager.Status
// satisfies this directly.
type HealthFunc func() map[string]connwatch.ServiceStatus

// Server exposes /healthz and /ws over net/http.
type Server struct {
	Bus    *events.Bus
	Health HealthFunc
	Logger *slog.Logger

	upgrader websocket.Upgrader
}

// New builds a Server. health may be nil if there is nothing to report
// beyond process liveness.
func New(bus *events.Bus, health HealthFunc, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		Bus:    bus,
		Health: health,
		Logger: logger.With("component", "statusapi"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the http.Handler exposing /healthz and /ws.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

type healthResponse struct {
	OK           bool                                `json:"ok"`
	Dependencies map[string]connwatch.ServiceStatus `json:"dependencies,omitempty"`
	Build        map[string]string `json:"build"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{OK: true, Build: buildinfo.Info()}
	if s.Health != nil {
		resp.Dependencies = s.Health()
		for _, dep := range resp.Dependencies {
			if !dep.Ready {
				resp.OK = false
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if !resp.OK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// handleWS upgrades the connection and streams every published
// events.Event as JSON until the client disconnects or the bus has no
// more to send.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	connID := uuid.New().String()
	log := s.Logger.With("conn_id", connID)

	sub := s.Bus.Subscribe(64)
	defer s.Bus.Unsubscribe(sub)

	log.Debug("status websocket client connected")
	conn.SetReadDeadline(time.Time{})
	go drainClientReads(conn)

	for ev := range sub {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(ev); err != nil {
			log.Debug("websocket write failed, dropping subscriber", "error", err)
			return
		}
	}
}

// drainClientReads discards messages from the client (none are
// expected) so the connection's read side stays serviced and close
// frames are observed promptly.
func drainClientReads(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
