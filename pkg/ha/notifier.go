package ha

import (
	"sync"
	"sync/atomic"
)

// defaultSignalBufferSize is the buffer size for transition channels.
// Transitions are rare, so a small buffer absorbs any realistic burst.
// Subscribers that can't keep up will have transitions dropped (non-blocking send).
const defaultSignalBufferSize = 16

// TransitionFilter selects which committed transitions a subscriber sees.
type TransitionFilter struct {
	// Targets limits delivery to transitions into these roles. Empty = all.
	Targets []Role
}

// subscription represents a single subscriber.
type subscription struct {
	id     uint64
	filter TransitionFilter
	ch     chan Transition
	closed atomic.Bool
}

// matches checks if the transition passes this subscription's filter.
func (s *subscription) matches(t Transition) bool {
	if len(s.filter.Targets) == 0 {
		return true
	}
	for _, target := range s.filter.Targets {
		if target == t.Target {
			return true
		}
	}
	return false
}

// close closes the subscription channel if not already closed.
func (s *subscription) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

// Hub fans committed transitions out to subscribers. The executor signals it
// after each commit; delivery never blocks the state machine.
type Hub struct {
	mu            sync.RWMutex
	subscriptions map[uint64]*subscription
	nextID        atomic.Uint64
}

// NewHub creates a transition notification hub.
func NewHub() *Hub {
	return &Hub{
		subscriptions: make(map[uint64]*subscription),
	}
}

// Signal sends a transition to all matching subscribers (non-blocking).
func (h *Hub) Signal(t Transition) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscriptions {
		if !sub.matches(t) {
			continue
		}

		// Non-blocking send - drop if buffer full
		select {
		case sub.ch <- t:
		default:
		}
	}
}

// Subscribe creates a new subscription and returns the channel and cancel
// function. The cancel function is idempotent.
func (h *Hub) Subscribe(filter TransitionFilter) (<-chan Transition, func()) {
	sub := &subscription{
		id:     h.nextID.Add(1),
		filter: filter,
		ch:     make(chan Transition, defaultSignalBufferSize),
	}

	h.mu.Lock()
	h.subscriptions[sub.id] = sub
	h.mu.Unlock()

	cancel := func() {
		h.unsubscribe(sub.id)
	}

	return sub.ch, cancel
}

// unsubscribe removes a subscription and closes its channel.
func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	sub, ok := h.subscriptions[id]
	if ok {
		delete(h.subscriptions, id)
	}
	h.mu.Unlock()

	if ok {
		sub.close()
	}
}
