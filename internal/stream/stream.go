// Package stream provides a small multi-subscriber broadcast primitive used to
// expose event and connection-state sequences to UI collaborators.
package stream

import "sync"

// defaultBuffer is the per-subscriber channel capacity.
const defaultBuffer = 16

// Stream is a produce-many broadcast sequence. Each subscriber receives
// values on its own buffered channel; a subscriber that stops draining loses
// newest values rather than blocking the publisher.
type Stream[T any] struct {
	mu     sync.Mutex
	subs   map[int]chan T
	nextID int
	buffer int
	closed bool
}

// New creates a Stream with the given per-subscriber buffer. buffer <= 0 uses
// the default.
func New[T any](buffer int) *Stream[T] {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Stream[T]{
		subs:   make(map[int]chan T),
		buffer: buffer,
	}
}

// Subscribe returns a receive channel and an unsubscribe function. The
// unsubscribe function is idempotent and closes the channel. Subscribing to a
// closed stream returns an already-closed channel.
func (s *Stream[T]) Subscribe() (<-chan T, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan T, s.buffer)
	if s.closed {
		close(ch)
		return ch, func() {}
	}

	id := s.nextID
	s.nextID++
	s.subs[id] = ch

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if sub, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(sub)
			}
		})
	}
	return ch, unsubscribe
}

// Publish delivers v to every current subscriber without blocking.
func (s *Stream[T]) Publish(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	for _, ch := range s.subs {
		select {
		case ch <- v:
		default:
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (s *Stream[T]) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Close closes all subscriber channels. Further Publish calls are no-ops and
// further Subscribe calls return closed channels.
func (s *Stream[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}
