package signaling

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"callbridge/pkg/errors"
	"callbridge/pkg/metrics"
)

// MemoryBroker connects in-process signaling endpoints. A message sent by
// one endpoint is delivered to every other endpoint subscribed to the same
// session, in send order. Used by tests and single-process wiring.
type MemoryBroker struct {
	mu        sync.Mutex
	endpoints []*MemoryAdapter
	logger    *logrus.Logger
	closed    bool
}

// NewMemoryBroker creates an empty broker.
func NewMemoryBroker(logger *logrus.Logger) *MemoryBroker {
	if logger == nil {
		logger = logrus.New()
	}
	return &MemoryBroker{logger: logger}
}

// Endpoint creates a new adapter attached to this broker.
func (b *MemoryBroker) Endpoint(name string) *MemoryAdapter {
	b.mu.Lock()
	defer b.mu.Unlock()

	ep := &MemoryAdapter{
		broker: b,
		name:   name,
		logger: b.logger,
		subs:   make(map[string]*memorySub),
	}
	b.endpoints = append(b.endpoints, ep)
	return ep
}

// route fans a message out to every endpoint except the sender.
func (b *MemoryBroker) route(from *MemoryAdapter, msg *Message) {
	b.mu.Lock()
	targets := make([]*MemoryAdapter, 0, len(b.endpoints))
	for _, ep := range b.endpoints {
		if ep != from {
			targets = append(targets, ep)
		}
	}
	b.mu.Unlock()

	for _, ep := range targets {
		ep.deliver(msg)
	}
}

// MemoryAdapter is one endpoint of a MemoryBroker implementing Adapter.
type MemoryAdapter struct {
	broker *MemoryBroker
	name   string
	logger *logrus.Logger

	mu     sync.Mutex
	subs   map[string]*memorySub
	closed bool
}

type memorySub struct {
	queue chan *Message
	done  chan struct{}
}

var _ Adapter = (*MemoryAdapter)(nil)

// Send routes the message to the other endpoints of the broker.
func (a *MemoryAdapter) Send(ctx context.Context, msg *Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return errors.ErrUnavailable
	}

	metrics.RecordSignalingMessage(string(msg.Type), "out")
	a.broker.route(a, msg)
	return nil
}

// Subscribe registers the handler for a session. Delivery runs on one
// goroutine per subscription, preserving arrival order.
func (a *MemoryAdapter) Subscribe(sessionID string, h Handler) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return errors.ErrUnavailable
	}

	if old, ok := a.subs[sessionID]; ok {
		close(old.done)
	}

	sub := &memorySub{
		queue: make(chan *Message, 256),
		done:  make(chan struct{}),
	}
	a.subs[sessionID] = sub

	go func() {
		for {
			select {
			case <-sub.done:
				return
			case msg := <-sub.queue:
				h(msg)
			}
		}
	}()

	return nil
}

// Unsubscribe tears down the session's subscription. Idempotent.
func (a *MemoryAdapter) Unsubscribe(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if sub, ok := a.subs[sessionID]; ok {
		close(sub.done)
		delete(a.subs, sessionID)
	}
}

// Close tears down all subscriptions.
func (a *MemoryAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true
	for id, sub := range a.subs {
		close(sub.done)
		delete(a.subs, id)
	}
	return nil
}

func (a *MemoryAdapter) deliver(msg *Message) {
	a.mu.Lock()
	sub, ok := a.subs[msg.SessionID]
	a.mu.Unlock()

	if !ok {
		// No local subscriber for this session; a real transport would
		// simply not have routed it here.
		return
	}

	metrics.RecordSignalingMessage(string(msg.Type), "in")

	select {
	case sub.queue <- msg:
	default:
		a.logger.WithFields(logrus.Fields{
			"endpoint":   a.name,
			"session_id": msg.SessionID,
			"type":       string(msg.Type),
		}).Warn("Signaling queue full, dropping message")
		metrics.RecordSignalingDropped("queue_full")
	}
}
