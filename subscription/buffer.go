package subscription

import "encoding/json"

// Event is one data-model change. Paths drive predicate matching; Raw
// is the delta JSON handed to the guest untouched.
type Event struct {
	Paths []string
	Raw   json.RawMessage
}

// Buffer is a bounded FIFO of events. Pushing onto a full buffer drops
// the oldest entry. Not safe for concurrent use; callers hold the
// subscriber lock.
type Buffer struct {
	events  []Event
	head    int
	n       int
	dropped uint64
}

// NewBuffer returns a buffer holding at most capacity events.
// Capacity must be positive.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &Buffer{events: make([]Event, capacity)}
}

// Push appends ev, dropping the oldest event when full. Reports
// whether a drop happened.
func (b *Buffer) Push(ev Event) bool {
	var dropped bool
	if b.n == len(b.events) {
		b.head = (b.head + 1) % len(b.events)
		b.n--
		b.dropped++
		dropped = true
	}
	b.events[(b.head+b.n)%len(b.events)] = ev
	b.n++
	return dropped
}

// Pop removes and returns the oldest event.
func (b *Buffer) Pop() (Event, bool) {
	if b.n == 0 {
		return Event{}, false
	}
	ev := b.events[b.head]
	b.events[b.head] = Event{}
	b.head = (b.head + 1) % len(b.events)
	b.n--
	return ev, true
}

// Len returns the number of buffered events.
func (b *Buffer) Len() int { return b.n }

// Dropped returns the total events discarded since creation.
func (b *Buffer) Dropped() uint64 { return b.dropped }
