package signaling

import "context"

// Handler consumes messages delivered for a subscribed session. Handlers for
// one session are invoked sequentially in arrival order; the adapter never
// reorders or batches deliveries.
type Handler func(msg *Message)

// Adapter is the signaling channel boundary. Implementations deliver
// messages asynchronously to the per-session subscriber and tolerate
// duplicate or late delivery; ordering within one session is preserved.
type Adapter interface {
	// Send transmits a message on the channel of msg.SessionID.
	Send(ctx context.Context, msg *Message) error

	// Subscribe registers the single handler for a session's channel.
	// Subscribing an already-subscribed session replaces the handler.
	Subscribe(sessionID string, h Handler) error

	// Unsubscribe tears down the session's channel. Idempotent.
	Unsubscribe(sessionID string)

	// Close releases all channels.
	Close() error
}
