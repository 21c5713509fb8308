// Package notify wakes publish log readers when new entries are appended so
// they do not have to wait out a poll interval.
package notify

import (
	"sync"
	"sync/atomic"
)

// signalBufferSize bounds each subscriber's pending signals. Signals are
// hints: a subscriber that falls behind misses some and reads the log anyway.
const signalBufferSize = 16

// Signal reports that entries up to Seq were appended for Database
type Signal struct {
	Database string
	Seq      uint64
}

// Filter selects signals by database. Empty matches every database.
type Filter struct {
	Databases []string
}

func (f Filter) matches(database string) bool {
	if len(f.Databases) == 0 {
		return true
	}
	for _, db := range f.Databases {
		if db == database {
			return true
		}
	}
	return false
}

type subscription struct {
	filter Filter
	ch     chan Signal
	closed atomic.Bool
}

func (s *subscription) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

// Hub fans append signals out to subscribers. Safe for concurrent use.
type Hub struct {
	mu            sync.RWMutex
	subscriptions map[uint64]*subscription
	nextID        atomic.Uint64
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{subscriptions: make(map[uint64]*subscription)}
}

// Signal notifies matching subscribers without blocking. Full subscribers
// are skipped.
func (h *Hub) Signal(database string, seq uint64) {
	signal := Signal{Database: database, Seq: seq}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscriptions {
		if !sub.filter.matches(database) {
			continue
		}
		select {
		case sub.ch <- signal:
		default:
		}
	}
}

// Subscribe registers a subscriber. The cancel function removes it and
// closes the channel; calling it more than once is harmless.
func (h *Hub) Subscribe(filter Filter) (<-chan Signal, func()) {
	id := h.nextID.Add(1)
	sub := &subscription{
		filter: filter,
		ch:     make(chan Signal, signalBufferSize),
	}

	h.mu.Lock()
	h.subscriptions[id] = sub
	h.mu.Unlock()

	return sub.ch, func() { h.unsubscribe(id) }
}

// Len returns the number of active subscribers
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscriptions)
}

func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	sub, ok := h.subscriptions[id]
	delete(h.subscriptions, id)
	h.mu.Unlock()

	if ok {
		sub.close()
	}
}
