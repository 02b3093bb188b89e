package media

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"callbridge/pkg/errors"
	"callbridge/pkg/metrics"
)

// WebRTCConfig configures the pion-backed media engine.
type WebRTCConfig struct {
	// STUNServers are the ICE server URLs for NAT traversal.
	STUNServers []string

	// ReconnectGrace is how long a negotiated session tolerates a
	// disconnected transport before the remote peer is declared gone.
	ReconnectGrace time.Duration
}

// signalEnvelope is the wire form of a negotiation payload. It is opaque to
// the signaling layer; only the two media engines interpret it.
type signalEnvelope struct {
	Kind      string                   `json:"kind"` // "offer", "answer" or "candidate"
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

// WebRTCEngine implements Engine on pion WebRTC, one peer connection per
// session.
type WebRTCEngine struct {
	config    WebRTCConfig
	callbacks Callbacks
	send      SendSignal
	logger    *logrus.Logger

	mu    sync.Mutex
	peers map[string]*peer
}

type peer struct {
	sessionID string
	pc        *webrtc.PeerConnection
	role      Role

	mu         sync.Mutex
	remoteSet  bool
	negotiated bool
	closed     bool
	pending    []webrtc.ICECandidateInit
	graceTimer *time.Timer
	graceGen   uint64

	stopNegotiationClock func()
}

var _ Engine = (*WebRTCEngine)(nil)

// NewWebRTCEngine creates the engine. Callbacks and the signal sender are
// fixed at construction; sessions come and go per call.
func NewWebRTCEngine(config WebRTCConfig, callbacks Callbacks, send SendSignal, logger *logrus.Logger) *WebRTCEngine {
	if config.ReconnectGrace <= 0 {
		config.ReconnectGrace = 10 * time.Second
	}
	return &WebRTCEngine{
		config:    config,
		callbacks: callbacks,
		send:      send,
		logger:    logger,
		peers:     make(map[string]*peer),
	}
}

// BeginNegotiation creates the peer connection for a session and, for the
// caller role, produces and sends the offer.
func (e *WebRTCEngine) BeginNegotiation(ctx context.Context, sessionID string, kind Kind, role Role) error {
	e.mu.Lock()
	if _, exists := e.peers[sessionID]; exists {
		e.mu.Unlock()
		return errors.New("media negotiation already started").
			WithField("session_id", sessionID)
	}
	e.mu.Unlock()

	iceServers := make([]webrtc.ICEServer, 0, len(e.config.STUNServers))
	for _, u := range e.config.STUNServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{u}})
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		metrics.RecordMediaFailure("setup")
		return errors.NewMediaFailure(sessionID, err)
	}

	p := &peer{
		sessionID:            sessionID,
		pc:                   pc,
		role:                 role,
		stopNegotiationClock: metrics.ObserveNegotiation(),
	}

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio,
		webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendrecv}); err != nil {
		_ = pc.Close()
		metrics.RecordMediaFailure("setup")
		return errors.NewMediaFailure(sessionID, err)
	}
	if kind == KindVideo {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo,
			webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendrecv}); err != nil {
			_ = pc.Close()
			metrics.RecordMediaFailure("setup")
			return errors.NewMediaFailure(sessionID, err)
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		e.sendEnvelope(sessionID, &signalEnvelope{Kind: "candidate", Candidate: &init})
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		e.logger.WithFields(logrus.Fields{
			"session_id": sessionID,
			"track_kind": track.Kind().String(),
		}).Debug("Remote media track arrived")
		if e.callbacks.OnRemoteStream != nil {
			e.callbacks.OnRemoteStream(sessionID)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		e.handleConnectionState(p, state)
	})

	e.mu.Lock()
	e.peers[sessionID] = p
	e.mu.Unlock()

	e.logger.WithFields(logrus.Fields{
		"session_id": sessionID,
		"media_kind": string(kind),
		"role":       string(role),
	}).Info("Media negotiation started")

	if role == RoleCaller {
		return e.createAndSendOffer(p)
	}
	return nil
}

// HandleRemoteSignal feeds one inbound negotiation payload into the session.
func (e *WebRTCEngine) HandleRemoteSignal(sessionID string, payload []byte) error {
	p := e.getPeer(sessionID)
	if p == nil {
		return errors.NewSessionNotFound(sessionID)
	}

	var env signalEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return errors.Wrap(errors.ErrSignalingDropped, "malformed negotiation payload").
			WithField("session_id", sessionID)
	}

	switch env.Kind {
	case "offer":
		return e.handleRemoteDescription(p, webrtc.SDPTypeOffer, env.SDP)
	case "answer":
		return e.handleRemoteDescription(p, webrtc.SDPTypeAnswer, env.SDP)
	case "candidate":
		return e.handleRemoteCandidate(p, env.Candidate)
	default:
		return errors.Wrap(errors.ErrSignalingDropped, "unknown negotiation payload kind").
			WithField("kind", env.Kind)
	}
}

// Teardown closes the session's peer connection. Idempotent.
func (e *WebRTCEngine) Teardown(sessionID string) error {
	e.mu.Lock()
	p, ok := e.peers[sessionID]
	if ok {
		delete(e.peers, sessionID)
	}
	e.mu.Unlock()

	if !ok {
		return nil
	}

	p.mu.Lock()
	p.closed = true
	p.graceGen++
	if p.graceTimer != nil {
		p.graceTimer.Stop()
		p.graceTimer = nil
	}
	p.mu.Unlock()

	metrics.RecordMediaTeardown()
	e.logger.WithField("session_id", sessionID).Info("Media session torn down")
	return p.pc.Close()
}

// Close tears down all sessions.
func (e *WebRTCEngine) Close() error {
	e.mu.Lock()
	ids := make([]string, 0, len(e.peers))
	for id := range e.peers {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	var lastErr error
	for _, id := range ids {
		if err := e.Teardown(id); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (e *WebRTCEngine) getPeer(sessionID string) *peer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peers[sessionID]
}

func (e *WebRTCEngine) createAndSendOffer(p *peer) error {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		metrics.RecordMediaFailure("offer")
		return errors.NewMediaFailure(p.sessionID, err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		metrics.RecordMediaFailure("offer")
		return errors.NewMediaFailure(p.sessionID, err)
	}
	return e.sendEnvelope(p.sessionID, &signalEnvelope{Kind: "offer", SDP: offer.SDP})
}

func (e *WebRTCEngine) handleRemoteDescription(p *peer, sdpType webrtc.SDPType, sdp string) error {
	desc := webrtc.SessionDescription{Type: sdpType, SDP: sdp}
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		metrics.RecordMediaFailure("negotiation")
		return errors.NewMediaFailure(p.sessionID, err)
	}

	p.mu.Lock()
	p.remoteSet = true
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, c := range pending {
		if err := p.pc.AddICECandidate(c); err != nil {
			e.logger.WithError(err).WithField("session_id", p.sessionID).
				Warn("Failed to apply buffered ICE candidate")
		}
	}

	if sdpType == webrtc.SDPTypeOffer {
		answer, err := p.pc.CreateAnswer(nil)
		if err != nil {
			metrics.RecordMediaFailure("answer")
			return errors.NewMediaFailure(p.sessionID, err)
		}
		if err := p.pc.SetLocalDescription(answer); err != nil {
			metrics.RecordMediaFailure("answer")
			return errors.NewMediaFailure(p.sessionID, err)
		}
		return e.sendEnvelope(p.sessionID, &signalEnvelope{Kind: "answer", SDP: answer.SDP})
	}
	return nil
}

// handleRemoteCandidate applies a candidate, buffering it when it races
// ahead of the remote description.
func (e *WebRTCEngine) handleRemoteCandidate(p *peer, candidate *webrtc.ICECandidateInit) error {
	if candidate == nil {
		return errors.Wrap(errors.ErrSignalingDropped, "candidate payload without candidate")
	}

	p.mu.Lock()
	if !p.remoteSet {
		p.pending = append(p.pending, *candidate)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	if err := p.pc.AddICECandidate(*candidate); err != nil {
		return errors.NewMediaFailure(p.sessionID, err)
	}
	return nil
}

func (e *WebRTCEngine) sendEnvelope(sessionID string, env *signalEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "failed to encode negotiation payload")
	}
	if err := e.send(sessionID, payload); err != nil {
		return errors.Wrap(err, "failed to send negotiation payload").
			WithField("session_id", sessionID)
	}
	return nil
}

func (e *WebRTCEngine) handleConnectionState(p *peer, state webrtc.PeerConnectionState) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}

	switch state {
	case webrtc.PeerConnectionStateConnected:
		p.graceGen++
		if p.graceTimer != nil {
			p.graceTimer.Stop()
			p.graceTimer = nil
		}
		first := !p.negotiated
		p.negotiated = true
		stopClock := p.stopNegotiationClock
		p.stopNegotiationClock = nil
		p.mu.Unlock()

		if first {
			if stopClock != nil {
				stopClock()
			}
			e.logger.WithField("session_id", p.sessionID).Info("Media negotiation complete")
			if e.callbacks.OnNegotiated != nil {
				e.callbacks.OnNegotiated(p.sessionID)
			}
		}

	case webrtc.PeerConnectionStateDisconnected:
		// Transient transport loss; wait out the grace period before
		// declaring the remote gone.
		if p.negotiated && p.graceTimer == nil {
			gen := p.graceGen
			p.graceTimer = time.AfterFunc(e.config.ReconnectGrace, func() {
				p.mu.Lock()
				expired := !p.closed && p.graceGen == gen
				p.mu.Unlock()
				if expired {
					e.logger.WithField("session_id", p.sessionID).
						Warn("Reconnect grace expired, remote peer lost")
					if e.callbacks.OnRemoteHangupDetected != nil {
						e.callbacks.OnRemoteHangupDetected(p.sessionID)
					}
				}
			})
		}
		p.mu.Unlock()

	case webrtc.PeerConnectionStateFailed:
		negotiated := p.negotiated
		p.mu.Unlock()

		if negotiated {
			if e.callbacks.OnRemoteHangupDetected != nil {
				e.callbacks.OnRemoteHangupDetected(p.sessionID)
			}
		} else {
			metrics.RecordMediaFailure("transport")
			if e.callbacks.OnFailure != nil {
				e.callbacks.OnFailure(p.sessionID, errors.NewMediaFailure(p.sessionID, nil))
			}
		}

	default:
		p.mu.Unlock()
	}
}
