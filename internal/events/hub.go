package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Hub fans published events out to subscribers.
//
// Thread-safety: all methods are safe for concurrent use. Publish never
// blocks; a slow subscriber only grows its own queue.
type Hub struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
	seq    atomic.Int64
	now    func() time.Time
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		subs: make(map[uint64]*Subscription),
		now:  time.Now,
	}
}

// Filter selects which events a subscription receives. A nil filter
// accepts everything.
type Filter func(Event) bool

// ForRun accepts only events of one run.
func ForRun(runID string) Filter {
	return func(e Event) bool { return e.RunID == runID }
}

// Subscription is one subscriber's view of the hub.
type Subscription struct {
	id     uint64
	hub    *Hub
	filter Filter
	q      *queue
	ch     chan Event
	done   chan struct{}
	once   sync.Once
}

// C returns the receive-only event channel. It is closed after
// Subscription.Close, or after Hub.Close once queued events are delivered.
func (s *Subscription) C() <-chan Event { return s.ch }

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s.id)
		close(s.done)
		s.q.close()
	})
}

// Pending returns the number of events queued but not yet delivered.
func (s *Subscription) Pending() int { return s.q.len() }

// Subscribe registers a subscriber. After the hub is closed it returns a
// subscription whose channel is already closed.
func (h *Hub) Subscribe(filter Filter) *Subscription {
	sub := &Subscription{
		hub:    h,
		filter: filter,
		q:      newQueue(),
		ch:     make(chan Event),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sub.q.close()
		close(sub.ch)
		return sub
	}
	h.nextID++
	sub.id = h.nextID
	h.subs[sub.id] = sub
	h.mu.Unlock()

	go sub.deliver()
	return sub
}

// Publish stamps the event with a sequence number (and time, when unset)
// and enqueues it for every matching subscriber.
func (h *Hub) Publish(e Event) {
	e.Seq = h.seq.Add(1)
	if e.Time.IsZero() {
		e.Time = h.now()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for _, sub := range h.subs {
		if sub.filter == nil || sub.filter(e) {
			sub.q.push(e)
		}
	}
}

// Close closes every subscription. Queued events are still delivered.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := h.subs
	h.subs = make(map[uint64]*Subscription)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.q.close()
	}
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, id)
}

// deliver moves events from the queue to the channel. After Hub.Close the
// remaining queued events are still delivered; after Subscription.Close
// delivery stops at once.
func (s *Subscription) deliver() {
	defer close(s.ch)
	for {
		e, ok := s.q.pop()
		if !ok {
			if s.q.drained() {
				return
			}
			select {
			case <-s.q.signal:
			case <-s.done:
				return
			}
			continue
		}
		select {
		case s.ch <- e:
		case <-s.done:
			return
		}
	}
}
