package relay

import (
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
)

// Server exposes the relay over HTTP: the signaling endpoint plus health and
// metrics.
type Server struct {
	hub    *SignalHub
	logger *logrus.Logger
}

// NewServer creates the relay HTTP surface around a hub.
func NewServer(hub *SignalHub, logger *logrus.Logger) *Server {
	return &Server{hub: hub, logger: logger}
}

// Routes registers the relay endpoints on a mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/signal/", s.handleSignal)
	mux.HandleFunc("/health", s.handleHealth)
}

// handleSignal upgrades GET /signal/{sessionID}?participant={id} and joins
// the connection to the session as one leg.
func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimPrefix(r.URL.Path, "/signal/")
	if sessionID == "" || strings.Contains(sessionID, "/") {
		http.Error(w, "session ID required", http.StatusBadRequest)
		return
	}
	participantID := r.URL.Query().Get("participant")

	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Error("Failed to upgrade signaling connection")
		return
	}

	c := &client{
		hub:           s.hub,
		conn:          conn,
		send:          make(chan []byte, sendBuffer),
		sessionID:     sessionID,
		participantID: participantID,
		logger:        s.logger,
	}
	s.hub.register <- c

	go c.writePump()
	go c.readPump()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}
