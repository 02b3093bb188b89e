// Package relay implements the signaling relay: a WebSocket hub that joins
// the two legs of a call session and forwards each frame to the opposite leg.
// The relay never interprets message contents; routing is purely by session.
package relay

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"callbridge/pkg/metrics"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 60 * time.Second
	sendBuffer = 256
)

// client is one connected leg of a session.
type client struct {
	hub           *SignalHub
	conn          *websocket.Conn
	send          chan []byte
	sessionID     string
	participantID string
	logger        *logrus.Logger
}

// frame is one raw signaling frame in flight through the hub.
type frame struct {
	from *client
	data []byte
}

// SignalHub routes signaling frames between the legs of each session.
type SignalHub struct {
	logger *logrus.Logger

	sessions   map[string]map[*client]bool
	forward    chan *frame
	register   chan *client
	unregister chan *client
	mutex      sync.RWMutex
}

// Upgrader configures the WebSocket upgrade for signaling connections.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// NewSignalHub creates a signaling hub.
func NewSignalHub(logger *logrus.Logger) *SignalHub {
	return &SignalHub{
		logger:     logger,
		sessions:   make(map[string]map[*client]bool),
		forward:    make(chan *frame),
		register:   make(chan *client),
		unregister: make(chan *client),
	}
}

// Run drives the hub until the context ends.
func (h *SignalHub) Run(ctx context.Context) {
	h.logger.Info("Starting signaling relay hub")

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("Shutting down signaling relay hub")
			h.closeAll()
			return

		case c := <-h.register:
			h.mutex.Lock()
			legs, exists := h.sessions[c.sessionID]
			if !exists {
				legs = make(map[*client]bool)
				h.sessions[c.sessionID] = legs
			}
			legs[c] = true
			h.mutex.Unlock()

			h.logger.WithFields(logrus.Fields{
				"session_id":  c.sessionID,
				"participant": c.participantID,
				"legs":        len(legs),
			}).Info("Signaling leg connected")

		case c := <-h.unregister:
			h.mutex.Lock()
			if legs, exists := h.sessions[c.sessionID]; exists {
				if _, ok := legs[c]; ok {
					delete(legs, c)
					close(c.send)
					if len(legs) == 0 {
						delete(h.sessions, c.sessionID)
					}
				}
			}
			h.mutex.Unlock()

			h.logger.WithFields(logrus.Fields{
				"session_id":  c.sessionID,
				"participant": c.participantID,
			}).Info("Signaling leg disconnected")

		case f := <-h.forward:
			// Full lock: dropping a slow leg mutates the legs map, which
			// SessionLegs may be reading concurrently.
			h.mutex.Lock()
			legs := h.sessions[f.from.sessionID]
			for c := range legs {
				if c == f.from {
					continue
				}
				select {
				case c.send <- f.data:
				default:
					// Slow leg; drop it rather than stall the session.
					close(c.send)
					delete(legs, c)
					metrics.RecordSignalingDropped("slow_leg")
				}
			}
			h.mutex.Unlock()
		}
	}
}

// SessionLegs returns how many legs a session currently has.
func (h *SignalHub) SessionLegs(sessionID string) int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.sessions[sessionID])
}

func (h *SignalHub) closeAll() {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	for id, legs := range h.sessions {
		for c := range legs {
			close(c.send)
		}
		delete(h.sessions, id)
	}
}

// readPump forwards inbound frames to the hub until the connection drops.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.WithError(err).WithField("session_id", c.sessionID).
					Debug("Signaling leg read error")
			}
			return
		}
		metrics.RecordSignalingMessage("relay", "forward")
		c.hub.forward <- &frame{from: c, data: data}
	}
}

// writePump pumps hub frames out to the connection, keeping it alive with
// pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
