package session

import (
	"sync"
	"time"
)

// timerSet manages the state-scoped timers of one session. Every state
// change bumps the generation; a timer that fires with a stale generation is
// discarded by the event loop, so cancellation is effective even when the
// callback has already been queued.
type timerSet struct {
	mu     sync.Mutex
	gen    uint64
	timers map[string]*time.Timer
}

func newTimerSet() *timerSet {
	return &timerSet{timers: make(map[string]*time.Timer)}
}

// bump invalidates all outstanding timers and returns the new generation.
func (t *timerSet) bump() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gen++
	for name, timer := range t.timers {
		timer.Stop()
		delete(t.timers, name)
	}
	return t.gen
}

// generation returns the current generation.
func (t *timerSet) generation() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gen
}

// schedule arms a named timer bound to the current generation. The callback
// receives the generation it was armed with.
func (t *timerSet) schedule(name string, d time.Duration, fire func(gen uint64)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.timers[name]; ok {
		old.Stop()
	}
	gen := t.gen
	t.timers[name] = time.AfterFunc(d, func() {
		fire(gen)
	})
}

// cancel stops one named timer.
func (t *timerSet) cancel(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if timer, ok := t.timers[name]; ok {
		timer.Stop()
		delete(t.timers, name)
	}
}

// cancelAll stops every timer without touching the generation.
func (t *timerSet) cancelAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for name, timer := range t.timers {
		timer.Stop()
		delete(t.timers, name)
	}
}
