package session

// Subscribe returns a channel receiving a Notification for every observable
// session state change. Slow consumers lose notifications rather than stall
// the session goroutines. The channel closes when the registry closes.
func (r *Registry) Subscribe() <-chan Notification {
	ch := make(chan Notification, 128)
	r.subsMu.Lock()
	r.subs = append(r.subs, ch)
	r.subsMu.Unlock()
	return ch
}

// publish fans a notification out to all subscribers, dropping on overflow.
func (r *Registry) publish(n Notification) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- n:
		default:
			r.logger.WithField("session_id", n.SessionID).
				Warn("Dropping session notification, subscriber is slow")
		}
	}
}
