package pushwake

import (
	"context"
	"sync"
	"time"

	"callbridge/pkg/errors"
	"callbridge/pkg/media"
)

// WakePointer is the durable record behind a wake event. A woken callee node
// reads it to learn which call is waiting; it expires with the ring window so
// stale wakes find nothing.
type WakePointer struct {
	SessionID string     `json:"session_id"`
	CallerID  string     `json:"caller_id"`
	CalleeID  string     `json:"callee_id"`
	MediaKind media.Kind `json:"media_kind"`
	CreatedAt time.Time  `json:"created_at"`
}

// PointerStore persists wake pointers with a TTL.
type PointerStore interface {
	// Put stores the pointer, overwriting any previous pointer for the
	// session.
	Put(ctx context.Context, pointer WakePointer) error

	// Get returns the pointer for a session, or ErrSessionNotFound when it
	// never existed or already expired.
	Get(ctx context.Context, sessionID string) (WakePointer, error)

	// Delete removes the pointer. Idempotent.
	Delete(ctx context.Context, sessionID string) error

	Close() error
}

// MemoryPointerStore is a process-local PointerStore for single-node
// deployments and tests.
type MemoryPointerStore struct {
	ttl time.Duration

	mu       sync.Mutex
	pointers map[string]memoryPointer
}

type memoryPointer struct {
	pointer   WakePointer
	expiresAt time.Time
}

var _ PointerStore = (*MemoryPointerStore)(nil)

// NewMemoryPointerStore creates an in-memory store with the given TTL.
func NewMemoryPointerStore(ttl time.Duration) *MemoryPointerStore {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &MemoryPointerStore{
		ttl:      ttl,
		pointers: make(map[string]memoryPointer),
	}
}

func (s *MemoryPointerStore) Put(_ context.Context, pointer WakePointer) error {
	if pointer.SessionID == "" {
		return errors.NewInvalidInput("wake pointer requires a session ID")
	}
	if pointer.CreatedAt.IsZero() {
		pointer.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pointers[pointer.SessionID] = memoryPointer{
		pointer:   pointer,
		expiresAt: time.Now().Add(s.ttl),
	}
	return nil
}

func (s *MemoryPointerStore) Get(_ context.Context, sessionID string) (WakePointer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.pointers[sessionID]
	if !ok {
		return WakePointer{}, errors.NewSessionNotFound(sessionID)
	}
	if time.Now().After(entry.expiresAt) {
		delete(s.pointers, sessionID)
		return WakePointer{}, errors.NewSessionNotFound(sessionID)
	}
	return entry.pointer, nil
}

func (s *MemoryPointerStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pointers, sessionID)
	return nil
}

func (s *MemoryPointerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pointers = make(map[string]memoryPointer)
	return nil
}
