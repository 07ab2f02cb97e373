package audit

import "sync"

// DefaultRingCapacity is the number of recent events kept in memory.
const DefaultRingCapacity = 1000

// Ring is a fixed-capacity buffer of the most recent events. The oldest
// event is overwritten once the ring is full. Contents are per process.
type Ring struct {
	mu     sync.RWMutex
	events []Event
	next   int
	full   bool
}

func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	return &Ring{events: make([]Event, capacity)}
}

// Append stores event, evicting the oldest entry when full.
func (r *Ring) Append(event Event) {
	r.mu.Lock()
	r.events[r.next] = event
	r.next = (r.next + 1) % len(r.events)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
}

// Len returns the number of stored events.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.full {
		return len(r.events)
	}
	return r.next
}

// Recent returns up to n events, newest first. n <= 0 returns everything.
func (r *Ring) Recent(n int) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	size := r.next
	if r.full {
		size = len(r.events)
	}
	if n <= 0 || n > size {
		n = size
	}

	out := make([]Event, 0, n)
	idx := r.next
	for i := 0; i < n; i++ {
		idx--
		if idx < 0 {
			idx = len(r.events) - 1
		}
		out = append(out, r.events[idx])
	}
	return out
}
