package ledger

import (
	"context"
	"sync"
)

// maxPendingNotifications bounds how far a subscriber may fall behind before
// it is dropped. Dropped subscribers resume with Subscribe(afterSeq).
const maxPendingNotifications = 4096

type subscription struct {
	out    chan Notification
	mu     sync.Mutex
	queue  []Notification
	wake   chan struct{}
	done   chan struct{}
	closed bool
}

func newSubscription(backlog []Notification) *subscription {
	return &subscription{
		out:   make(chan Notification, 64),
		queue: backlog,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

func (s *subscription) push(n Notification) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if len(s.queue) >= maxPendingNotifications {
		s.closed = true
		close(s.done)
		return false
	}
	s.queue = append(s.queue, n)
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

func (s *subscription) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
}

func (s *subscription) pop() (Notification, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return Notification{}, false
	}
	n := s.queue[0]
	s.queue[0] = Notification{}
	s.queue = s.queue[1:]
	return n, true
}

func (s *subscription) pump(ctx context.Context) {
	defer close(s.out)
	for {
		for {
			n, ok := s.pop()
			if !ok {
				break
			}
			select {
			case s.out <- n:
			case <-ctx.Done():
				return
			case <-s.done:
				return
			}
		}
		select {
		case <-s.wake:
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
	}
}

// hub fans committed notifications out to subscribers.
type hub struct {
	mu   sync.Mutex
	subs map[*subscription]struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[*subscription]struct{})}
}

func (h *hub) add(ctx context.Context, backlog []Notification) <-chan Notification {
	sub := newSubscription(backlog)
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	go func() {
		sub.pump(ctx)
		sub.stop()
		h.remove(sub)
	}()
	return sub.out
}

func (h *hub) remove(sub *subscription) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
}

func (h *hub) publish(batch []Notification) {
	if len(batch) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		for _, n := range batch {
			if !sub.push(n) {
				delete(h.subs, sub)
				break
			}
		}
	}
}

func (h *hub) size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
