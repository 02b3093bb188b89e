package signaling

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"callbridge/pkg/errors"
	"callbridge/pkg/metrics"
)

// WebSocketOptions configures the WebSocket signaling adapter.
type WebSocketOptions struct {
	// RelayURL is the base URL of the signaling relay, e.g.
	// "ws://relay:8082/signal"; the session ID is appended as a path segment.
	RelayURL string

	// ParticipantID identifies this endpoint to the relay.
	ParticipantID string

	ReconnectInterval time.Duration
	ReconnectMax      time.Duration
	WriteTimeout      time.Duration
}

func (o *WebSocketOptions) withDefaults() {
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = 2 * time.Second
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = 30 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
}

// WebSocketAdapter implements Adapter over one relay WebSocket connection
// per subscribed session, the same shape the mobile clients use: a call's
// signaling lives on a dedicated connection keyed by the session ID.
type WebSocketAdapter struct {
	opts   WebSocketOptions
	logger *logrus.Logger

	mu     sync.Mutex
	conns  map[string]*wsConn
	closed bool
}

type wsConn struct {
	sessionID string
	handler   Handler

	mu   sync.Mutex // guards conn writes and replacement
	conn *websocket.Conn

	done chan struct{}
}

var _ Adapter = (*WebSocketAdapter)(nil)

// NewWebSocketAdapter creates a WebSocket signaling adapter.
func NewWebSocketAdapter(opts WebSocketOptions, logger *logrus.Logger) *WebSocketAdapter {
	opts.withDefaults()
	return &WebSocketAdapter{
		opts:   opts,
		logger: logger,
		conns:  make(map[string]*wsConn),
	}
}

// Subscribe dials the relay channel for the session and starts the read
// loop. The connection is retried with backoff until Unsubscribe or Close.
func (a *WebSocketAdapter) Subscribe(sessionID string, h Handler) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return errors.ErrUnavailable
	}
	if old, ok := a.conns[sessionID]; ok {
		close(old.done)
	}
	wc := &wsConn{
		sessionID: sessionID,
		handler:   h,
		done:      make(chan struct{}),
	}
	a.conns[sessionID] = wc
	a.mu.Unlock()

	conn, err := a.dial(sessionID)
	if err != nil {
		// Keep the subscription; the read loop will keep retrying.
		a.logger.WithError(err).WithField("session_id", sessionID).
			Warn("Initial signaling connection failed, will retry")
	} else {
		wc.mu.Lock()
		wc.conn = conn
		wc.mu.Unlock()
	}

	go a.readLoop(wc)
	return nil
}

// Unsubscribe closes the session's relay connection. Idempotent.
func (a *WebSocketAdapter) Unsubscribe(sessionID string) {
	a.mu.Lock()
	wc, ok := a.conns[sessionID]
	if ok {
		delete(a.conns, sessionID)
	}
	a.mu.Unlock()

	if ok {
		close(wc.done)
		wc.closeConn()
	}
}

// Send writes the message on the session's relay connection.
func (a *WebSocketAdapter) Send(ctx context.Context, msg *Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	a.mu.Lock()
	wc, ok := a.conns[msg.SessionID]
	a.mu.Unlock()
	if !ok {
		return errors.NewSessionNotFound(msg.SessionID)
	}

	data, err := msg.Encode()
	if err != nil {
		return err
	}

	wc.mu.Lock()
	defer wc.mu.Unlock()
	if wc.conn == nil {
		return errors.Wrap(errors.ErrUnavailable, "signaling channel not connected").
			WithField("session_id", msg.SessionID)
	}

	deadline := time.Now().Add(a.opts.WriteTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	_ = wc.conn.SetWriteDeadline(deadline)

	if err := wc.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.Wrap(err, "failed to write signaling message").
			WithField("session_id", msg.SessionID)
	}

	metrics.RecordSignalingMessage(string(msg.Type), "out")
	return nil
}

// Close tears down all connections.
func (a *WebSocketAdapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	conns := make([]*wsConn, 0, len(a.conns))
	for id, wc := range a.conns {
		conns = append(conns, wc)
		delete(a.conns, id)
	}
	a.mu.Unlock()

	for _, wc := range conns {
		close(wc.done)
		wc.closeConn()
	}
	return nil
}

func (a *WebSocketAdapter) dial(sessionID string) (*websocket.Conn, error) {
	target := fmt.Sprintf("%s/%s?participant=%s",
		a.opts.RelayURL, sessionID, url.QueryEscape(a.opts.ParticipantID))

	conn, _, err := websocket.DefaultDialer.Dial(target, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to dial signaling relay").
			WithField("session_id", sessionID)
	}
	return conn, nil
}

// readLoop pumps inbound messages to the handler, reconnecting with backoff
// while the subscription is alive. Malformed frames are dropped.
func (a *WebSocketAdapter) readLoop(wc *wsConn) {
	backoff := a.opts.ReconnectInterval

	for {
		select {
		case <-wc.done:
			return
		default:
		}

		wc.mu.Lock()
		conn := wc.conn
		wc.mu.Unlock()

		if conn == nil {
			select {
			case <-wc.done:
				return
			case <-time.After(backoff):
			}
			metrics.RecordSignalingReconnect()
			newConn, err := a.dial(wc.sessionID)
			if err != nil {
				a.logger.WithError(err).WithField("session_id", wc.sessionID).
					Debug("Signaling reconnect failed")
				if backoff *= 2; backoff > a.opts.ReconnectMax {
					backoff = a.opts.ReconnectMax
				}
				continue
			}
			wc.mu.Lock()
			wc.conn = newConn
			wc.mu.Unlock()
			backoff = a.opts.ReconnectInterval
			continue
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-wc.done:
				return
			default:
			}
			a.logger.WithError(err).WithField("session_id", wc.sessionID).
				Debug("Signaling connection lost")
			wc.mu.Lock()
			if wc.conn == conn {
				wc.conn = nil
			}
			wc.mu.Unlock()
			_ = conn.Close()
			continue
		}

		msg, err := Decode(data)
		if err != nil {
			a.logger.WithError(err).WithField("session_id", wc.sessionID).
				Debug("Dropping malformed signaling message")
			metrics.RecordSignalingDropped("malformed")
			continue
		}

		metrics.RecordSignalingMessage(string(msg.Type), "in")
		wc.handler(msg)
	}
}

func (wc *wsConn) closeConn() {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	if wc.conn != nil {
		_ = wc.conn.Close()
		wc.conn = nil
	}
}
