package subscription

import (
	"context"
	"strings"
	"sync"
)

// DefaultBufferCap bounds the per-instance event queue.
const DefaultBufferCap = 1000

// Handler delivers one event to a subscriber instance. The lifecycle
// manager implements it; errors do not retry the event.
type Handler func(ctx context.Context, id string, ev Event) error

// Options tune the router. The zero value is usable.
type Options struct {
	// BufferCap bounds each subscriber's queue. Defaults to
	// DefaultBufferCap.
	BufferCap int
	// OnError observes delivery failures. Delivery is at most once;
	// the event is gone either way.
	OnError func(id string, ev Event, err error)
	// OnDrop observes events discarded from a full queue.
	OnDrop func(id string, ev Event)
}

type subscriber struct {
	id       string
	mu       sync.Mutex
	cond     *sync.Cond
	all      bool
	prefixes []string
	queue    *Buffer
	paused   bool
	closed   bool
}

func (s *subscriber) matches(ev Event) bool {
	if s.all {
		return true
	}
	for _, p := range ev.Paths {
		for _, prefix := range s.prefixes {
			if strings.HasPrefix(p, prefix) {
				return true
			}
		}
	}
	return false
}

// Router fans published events out to subscribed instances. Safe for
// concurrent use.
type Router struct {
	deliver Handler
	bufCap  int
	onError func(id string, ev Event, err error)
	onDrop  func(id string, ev Event)

	mu     sync.RWMutex
	subs   map[string]*subscriber
	closed bool
}

func NewRouter(deliver Handler, opts *Options) *Router {
	r := &Router{
		deliver: deliver,
		bufCap:  DefaultBufferCap,
		subs:    make(map[string]*subscriber),
	}
	if opts != nil {
		if opts.BufferCap > 0 {
			r.bufCap = opts.BufferCap
		}
		r.onError = opts.OnError
		r.onDrop = opts.OnDrop
	}
	return r
}

// Subscribe registers interest in a path prefix for an instance. The
// empty prefix matches every event. Repeated calls extend the
// predicate; duplicates are ignored.
func (r *Router) Subscribe(id, prefix string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	s, ok := r.subs[id]
	if !ok {
		s = &subscriber{id: id, queue: NewBuffer(r.bufCap)}
		s.cond = sync.NewCond(&s.mu)
		r.subs[id] = s
		go r.work(s)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if prefix == "" {
		s.all = true
		return
	}
	for _, p := range s.prefixes {
		if p == prefix {
			return
		}
	}
	s.prefixes = append(s.prefixes, prefix)
}

// Unsubscribe removes an instance entirely, discarding anything still
// queued.
func (r *Router) Unsubscribe(id string) {
	r.mu.Lock()
	s, ok := r.subs[id]
	delete(r.subs, id)
	r.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Subscribed reports whether the instance has a subscription entry.
func (r *Router) Subscribed(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.subs[id]
	return ok
}

// Publish routes an event to every matching subscriber's queue and
// returns the number of instances it reached. Delivery itself happens
// on the subscriber workers.
func (r *Router) Publish(ev Event) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return 0
	}

	matched := 0
	for _, s := range r.subs {
		s.mu.Lock()
		if s.closed || !s.matches(ev) {
			s.mu.Unlock()
			continue
		}
		matched++
		if s.queue.Push(ev) && r.onDrop != nil {
			r.onDrop(s.id, ev)
		}
		if !s.paused {
			s.cond.Signal()
		}
		s.mu.Unlock()
	}
	return matched
}

// BeginBuffering parks a subscriber: matching events keep queueing but
// the worker stops draining. No-op for unknown instances.
func (r *Router) BeginBuffering(id string) {
	r.mu.RLock()
	s, ok := r.subs[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

// EndBuffering releases a parked subscriber. The worker drains the
// queued backlog in order before any event published afterwards.
func (r *Router) EndBuffering(id string) {
	r.mu.RLock()
	s, ok := r.subs[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	s.mu.Lock()
	s.paused = false
	s.cond.Signal()
	s.mu.Unlock()
}

// Buffered returns how many events wait in an instance's queue.
func (r *Router) Buffered(id string) int {
	r.mu.RLock()
	s, ok := r.subs[id]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// Close removes every subscriber and stops their workers.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	subs := r.subs
	r.subs = make(map[string]*subscriber)
	r.mu.Unlock()

	for _, s := range subs {
		s.mu.Lock()
		s.closed = true
		s.cond.Broadcast()
		s.mu.Unlock()
	}
}

// work is the per-subscriber delivery loop: one event at a time, in
// queue order, never while paused.
func (r *Router) work(s *subscriber) {
	for {
		s.mu.Lock()
		for !s.closed && (s.paused || s.queue.Len() == 0) {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		ev, _ := s.queue.Pop()
		s.mu.Unlock()

		if err := r.deliver(context.Background(), s.id, ev); err != nil && r.onError != nil {
			r.onError(s.id, ev, err)
		}
	}
}
