package present

import (
	"sync"

	"github.com/MrWong99/lecturepulse/internal/feedback"
)

// subscriber receives state snapshots. Only the newest unsent snapshot is
// kept, so a slow client skips intermediate states instead of stalling the
// publisher.
type subscriber struct {
	ch chan feedback.State
}

func newSubscriber() *subscriber {
	return &subscriber{ch: make(chan feedback.State, 1)}
}

// offer replaces any pending snapshot with s. Only the hub calls it, under
// the hub lock, so the drain-then-send pair cannot interleave.
func (s *subscriber) offer(st feedback.State) {
	select {
	case <-s.ch:
	default:
	}
	s.ch <- st
}

// hub fans controller state changes out to WebSocket clients.
type hub struct {
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool

	// active counts subscribers that have not yet left; Add happens under
	// mu before closed is set, so wait never races a new subscriber.
	active sync.WaitGroup
}

func newHub() *hub {
	return &hub{subs: make(map[*subscriber]struct{})}
}

// publish never blocks; it runs on the controller's event loop.
func (h *hub) publish(st feedback.State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		s.offer(st.Clone())
	}
}

// subscribe registers a subscriber. It returns false once the hub is closed.
func (h *hub) subscribe(s *subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.subs[s] = struct{}{}
	h.active.Add(1)
	return true
}

// leave unregisters a subscriber returned true by subscribe.
func (h *hub) leave(s *subscriber) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
	h.active.Done()
}

// wait blocks until every subscriber has left. Call after close.
func (h *hub) wait() { h.active.Wait() }

// close disconnects every subscriber by closing its channel.
func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for s := range h.subs {
		close(s.ch)
		delete(h.subs, s)
	}
}

func (h *hub) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
