package media

import (
	"context"
	"sync"
)

// MockEngine is an in-memory Engine for tests. It records calls and lets the
// test fire the engine callbacks at will.
type MockEngine struct {
	mu sync.Mutex

	callbacks Callbacks

	negotiations []MockNegotiation
	signals      map[string][][]byte
	teardowns    map[string]int
	closed       bool

	// BeginNegotiationErr, when set, is returned by BeginNegotiation.
	BeginNegotiationErr error
}

// MockNegotiation records one BeginNegotiation call.
type MockNegotiation struct {
	SessionID string
	Kind      Kind
	Role      Role
}

var _ Engine = (*MockEngine)(nil)

// NewMockEngine creates a mock engine.
func NewMockEngine() *MockEngine {
	return &MockEngine{
		signals:   make(map[string][][]byte),
		teardowns: make(map[string]int),
	}
}

// SetCallbacks wires the consumer callbacks the test will fire.
func (m *MockEngine) SetCallbacks(cb Callbacks) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = cb
}

func (m *MockEngine) BeginNegotiation(_ context.Context, sessionID string, kind Kind, role Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.BeginNegotiationErr != nil {
		return m.BeginNegotiationErr
	}
	m.negotiations = append(m.negotiations, MockNegotiation{
		SessionID: sessionID,
		Kind:      kind,
		Role:      role,
	})
	return nil
}

func (m *MockEngine) HandleRemoteSignal(sessionID string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signals[sessionID] = append(m.signals[sessionID], payload)
	return nil
}

func (m *MockEngine) Teardown(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardowns[sessionID]++
	return nil
}

func (m *MockEngine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Negotiations returns the recorded BeginNegotiation calls.
func (m *MockEngine) Negotiations() []MockNegotiation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockNegotiation, len(m.negotiations))
	copy(out, m.negotiations)
	return out
}

// Signals returns the payloads forwarded for a session.
func (m *MockEngine) Signals(sessionID string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.signals[sessionID]))
	copy(out, m.signals[sessionID])
	return out
}

// TeardownCount returns how many times Teardown ran for a session.
func (m *MockEngine) TeardownCount(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.teardowns[sessionID]
}

// FireNegotiated fires OnNegotiated as the real engine would.
func (m *MockEngine) FireNegotiated(sessionID string) {
	m.mu.Lock()
	cb := m.callbacks.OnNegotiated
	m.mu.Unlock()
	if cb != nil {
		cb(sessionID)
	}
}

// FireRemoteStream fires OnRemoteStream.
func (m *MockEngine) FireRemoteStream(sessionID string) {
	m.mu.Lock()
	cb := m.callbacks.OnRemoteStream
	m.mu.Unlock()
	if cb != nil {
		cb(sessionID)
	}
}

// FireFailure fires OnFailure.
func (m *MockEngine) FireFailure(sessionID string, err error) {
	m.mu.Lock()
	cb := m.callbacks.OnFailure
	m.mu.Unlock()
	if cb != nil {
		cb(sessionID, err)
	}
}

// FireRemoteHangupDetected fires OnRemoteHangupDetected.
func (m *MockEngine) FireRemoteHangupDetected(sessionID string) {
	m.mu.Lock()
	cb := m.callbacks.OnRemoteHangupDetected
	m.mu.Unlock()
	if cb != nil {
		cb(sessionID)
	}
}
