// Package httpapi is the websocket edge of the ride service: it upgrades
// client connections, feeds inbound events to the session manager and
// drains the pub/sub fan-out back to the socket.
package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/khamenkhai/taxi-ride-socket/internal/observability"
	"github.com/khamenkhai/taxi-ride-socket/internal/pubsub"
	"github.com/khamenkhai/taxi-ride-socket/internal/registry"
	"github.com/khamenkhai/taxi-ride-socket/internal/session"
)

type Server struct {
	hub      *pubsub.Hub
	session  *session.Manager
	registry *registry.Registry
	logger   *slog.Logger
	mux      *mux.Router
	upgrader websocket.Upgrader
	ready    func(*http.Request) error
}

// NewServer wires the transport. ready is an optional probe for /ready
// (e.g. a store ping); nil means always ready.
func NewServer(hub *pubsub.Hub, sm *session.Manager, reg *registry.Registry, logger *slog.Logger, ready func(*http.Request) error) *Server {
	s := &Server{
		hub:      hub,
		session:  sm,
		registry: reg,
		logger:   logger,
		mux:      mux.NewRouter(),
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
		ready:    ready,
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/ws", s.handleWS).Methods("GET")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	}).Methods("GET")
	s.mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if s.ready != nil {
			if err := s.ready(r); err != nil {
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(200)
		w.Write([]byte("ready"))
	}).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// handleWS establishes a client session. Identity comes from the query
// string; a fronting auth layer is expected to have vetted it.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	role := r.URL.Query().Get("role")
	rideID := r.URL.Query().Get("ride_id")
	if userID == "" || (role != "rider" && role != "driver") {
		http.Error(w, "user_id and role=rider|driver required", http.StatusBadRequest)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := newClient(s, conn, userID, role)
	observability.ConnectedClients.Inc()

	if role == "driver" {
		if err := s.registry.Online(r.Context(), userID, c.sub.ID()); err != nil {
			s.logger.Error("driver online failed", "driver_id", userID, "error", err)
		}
	}
	// join own topic (and drivers topic for drivers) and replay ride state
	if err := s.session.ResyncOnReconnect(r.Context(), c.sub, userID, role, rideID); err != nil {
		s.logger.Warn("resync failed", "user_id", userID, "ride_id", rideID, "error", err)
	}

	go c.writePump()
	go c.readPump()
}
