package bridge

import "sync"

// RecvStatus is the outcome of a non-blocking receive.
type RecvStatus int

const (
	// RecvOK means an event was returned.
	RecvOK RecvStatus = iota
	// RecvEmpty means no event is queued yet but producers are still live.
	RecvEmpty
	// RecvClosed means every producer has gone away and the queue is drained.
	RecvClosed
)

// eventQueue is an unbounded FIFO shared by any number of senders and one receiver.
// Once an Exit has been queued, every later send is dropped.
type eventQueue struct {
	mu        sync.Mutex
	items     []Event
	head      int
	producers int
	exited    bool

	// notify has capacity 1 and is poked on every push and on close, so a waiting receiver never misses a wakeup.
	notify chan struct{}
}

func (q *eventQueue) push(s *Sender, e Event) bool {
	q.mu.Lock()
	if q.exited || s.closed {
		q.mu.Unlock()
		return false
	}
	if e.Terminal() {
		q.exited = true
	}
	q.items = append(q.items, e)
	q.mu.Unlock()
	q.poke()
	return true
}

func (q *eventQueue) poke() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *eventQueue) tryRecv() (Event, RecvStatus) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.head < len(q.items) {
		e := q.items[q.head]
		q.items[q.head] = Event{}
		q.head++
		if q.head == len(q.items) {
			q.items = q.items[:0]
			q.head = 0
		}
		return e, RecvOK
	}
	if q.producers == 0 {
		return Event{}, RecvClosed
	}
	return Event{}, RecvEmpty
}

func (q *eventQueue) addProducer() {
	q.mu.Lock()
	q.producers++
	q.mu.Unlock()
}

func (q *eventQueue) release(s *Sender) {
	q.mu.Lock()
	if s.closed {
		q.mu.Unlock()
		return
	}
	s.closed = true
	q.producers--
	closed := q.producers == 0
	q.mu.Unlock()
	if closed {
		q.poke()
	}
}

// Sender is one producing end of an event channel. Each Sender must be closed exactly once;
// the channel closes when every Sender has been closed.
type Sender struct {
	q *eventQueue
	// closed is guarded by q.mu.
	closed bool
}

// Send queues an event without blocking. It returns false if the event was dropped, either because the
// Sender is closed or because the job already reported its Exit.
func (s *Sender) Send(e Event) bool {
	return s.q.push(s, e)
}

// Clone returns a new Sender on the same channel. It must be called before the receiver can observe closure,
// i.e. while s is still open.
func (s *Sender) Clone() *Sender {
	s.q.addProducer()
	return &Sender{q: s.q}
}

// Close releases this producer. Calling Close more than once has no effect.
func (s *Sender) Close() {
	s.q.release(s)
}

// Receiver is the single consuming end of an event channel.
type Receiver struct {
	q *eventQueue
}

// TryRecv returns the next queued event without blocking.
func (r *Receiver) TryRecv() (Event, RecvStatus) {
	return r.q.tryRecv()
}

// Ready returns a channel that receives a value after new events are queued or the channel closes.
// A value on Ready is a hint; callers must still check TryRecv.
func (r *Receiver) Ready() <-chan struct{} {
	return r.q.notify
}

// NewChannel creates an unbounded event channel with a single open Sender.
func NewChannel() (*Sender, *Receiver) {
	q := &eventQueue{producers: 1, notify: make(chan struct{}, 1)}
	return &Sender{q: q}, &Receiver{q: q}
}
