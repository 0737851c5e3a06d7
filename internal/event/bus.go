// Package event distributes committed-change notifications to subscribers.
//
// Each provider owns one Bus. Mutating operations publish only after their
// transaction commits; a rolled-back transaction publishes nothing. Delivery
// is asynchronous relative to the mutating call: Publish never blocks waiting
// for subscriber processing. Every subscriber receives every event, in commit
// order for its bus. Ordering across different buses is not defined.
package event

import "sync"

// Kind classifies a committed change.
type Kind int

const (
	Created Kind = iota + 1
	Updated
	Deleted
)

// String returns the kind's wire name.
func (k Kind) String() string {
	switch k {
	case Created:
		return "created"
	case Updated:
		return "updated"
	case Deleted:
		return "deleted"
	}
	return "unknown"
}

// Event carries the new state of an entity and, for updates and deletes, its
// prior state.
type Event[T any] struct {
	Kind  Kind
	State T
	Prior *T
}

// CreatedEvent builds a creation event.
func CreatedEvent[T any](state T) Event[T] {
	return Event[T]{Kind: Created, State: state}
}

// UpdatedEvent builds an update event carrying the pre-update snapshot.
func UpdatedEvent[T any](state, prior T) Event[T] {
	return Event[T]{Kind: Updated, State: state, Prior: &prior}
}

// DeletedEvent builds a deletion event carrying the deleted state.
func DeletedEvent[T any](state T) Event[T] {
	return Event[T]{Kind: Deleted, State: state}
}

// Bus broadcasts events to independent subscribers through a dedicated
// dispatch goroutine fed by an unbounded outbound queue.
type Bus[T any] struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []Event[T]
	subs    map[int]*Subscription[T]
	nextID  int
	closed  bool
	done    chan struct{}
}

// NewBus starts a bus and its dispatch loop.
func NewBus[T any]() *Bus[T] {
	b := &Bus[T]{
		subs: make(map[int]*Subscription[T]),
		done: make(chan struct{}),
	}
	b.cond = sync.NewCond(&b.mu)
	go b.dispatch()
	return b
}

// Publish enqueues events for delivery. It never blocks on subscribers and is
// a no-op after Close.
func (b *Bus[T]) Publish(events ...Event[T]) {
	if b == nil || len(events) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.pending = append(b.pending, events...)
	b.cond.Signal()
}

// Subscribe registers a new subscriber. The subscriber receives every event
// published after the call, in publish order, on C until Cancel or bus Close.
func (b *Bus[T]) Subscribe() *Subscription[T] {
	sub := &Subscription[T]{
		ch:   make(chan Event[T]),
		stop: make(chan struct{}),
	}
	sub.C = sub.ch
	sub.cond = sync.NewCond(&sub.mu)
	go sub.pump()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.Cancel()
		return sub
	}
	id := b.nextID
	b.nextID++
	sub.cancel = func() { b.remove(id) }
	b.subs[id] = sub
	return sub
}

// Close drains the pending queue, then closes every subscription. Publish
// calls racing with Close may be dropped.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.done
		return
	}
	b.closed = true
	b.cond.Signal()
	b.mu.Unlock()
	<-b.done
}

func (b *Bus[T]) remove(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

func (b *Bus[T]) dispatch() {
	defer close(b.done)
	for {
		b.mu.Lock()
		for len(b.pending) == 0 && !b.closed {
			b.cond.Wait()
		}
		batch := b.pending
		b.pending = nil
		closed := b.closed
		subs := make([]*Subscription[T], 0, len(b.subs))
		for _, sub := range b.subs {
			subs = append(subs, sub)
		}
		b.mu.Unlock()

		for _, evt := range batch {
			for _, sub := range subs {
				sub.enqueue(evt)
			}
		}
		if closed {
			b.mu.Lock()
			final := make([]*Subscription[T], 0, len(b.subs))
			for _, sub := range b.subs {
				final = append(final, sub)
			}
			b.subs = make(map[int]*Subscription[T])
			b.mu.Unlock()
			for _, sub := range final {
				sub.finish()
			}
			return
		}
	}
}

// Subscription is one subscriber's view of a bus. Events arrive on C in
// publish order, buffered without bound so a slow consumer never stalls the
// bus or its publishers.
type Subscription[T any] struct {
	C <-chan Event[T]

	ch     chan Event[T]
	cancel func()

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Event[T]
	stopped bool
	stop    chan struct{}
}

// Cancel detaches the subscription from its bus, discards buffered events and
// closes C. Consumers that stop reading must call Cancel or the pump goroutine
// stays blocked on the next delivery.
func (s *Subscription[T]) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		s.queue = nil
		close(s.stop)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *Subscription[T]) enqueue(evt Event[T]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.queue = append(s.queue, evt)
	s.cond.Signal()
}

func (s *Subscription[T]) finish() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *Subscription[T]) pump() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.stopped {
			s.cond.Wait()
		}
		if len(s.queue) == 0 && s.stopped {
			s.mu.Unlock()
			close(s.ch)
			return
		}
		evt := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.ch <- evt:
		case <-s.stop:
			close(s.ch)
			return
		}
	}
}
