package broker

import (
	"errors"
	"sync"
)

var ErrNoSubscribers = errors.New("broker: no subscribers")

// subscriber queues messages without bound, and delivers them in order from its own goroutine.
type subscriber[T any] struct {
	ch     chan T
	notify chan struct{}
	done   chan struct{}

	mu sync.Mutex
	// queue holds messages not received yet, including the one being delivered.
	queue []T
}

func newSubscriber[T any](size int) *subscriber[T] {
	s := &subscriber[T]{
		ch:     make(chan T, size),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go s.deliver()
	return s
}

func (s *subscriber[T]) push(t T) {
	s.mu.Lock()
	s.queue = append(s.queue, t)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscriber[T]) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *subscriber[T]) deliver() {
	defer close(s.ch)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}
		t := s.queue[0]
		s.mu.Unlock()

		select {
		case s.ch <- t:
		case <-s.done:
			return
		}

		s.mu.Lock()
		var zero T
		s.queue[0] = zero
		s.queue = s.queue[1:]
		s.mu.Unlock()
	}
}

func (s *subscriber[T]) close() {
	close(s.done)
}

// Broker fans out messages to named subscribers. Publishing never blocks and never drops:
// each subscriber gets every message in publish order, however slow it reads.
type Broker[T any] struct {
	mu          sync.Mutex
	subscribers map[string]*subscriber[T]
}

func NewBroker[T any]() *Broker[T] {
	return &Broker[T]{
		subscribers: make(map[string]*subscriber[T]),
	}
}

// Subscribe registers a new subscriber with the given name and channel buffer size,
// replacing (and closing) any previous subscriber with the same name.
// It returns a receive-only channel that will receive published messages.
func (b *Broker[T]) Subscribe(name string, size int) <-chan T {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.subscribers[name]; ok {
		s.close()
	}
	s := newSubscriber[T](size)
	b.subscribers[name] = s
	return s.ch
}

// Unsubscribe stops delivering to the named subscriber. Its channel is closed once any
// message being delivered is abandoned.
func (b *Broker[T]) Unsubscribe(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.subscribers[name]
	if !ok {
		return false
	}
	s.close()
	delete(b.subscribers, name)
	return true
}

// Publish queues a message to all registered subscribers.
func (b *Broker[T]) Publish(t T) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.subscribers) == 0 {
		return ErrNoSubscribers
	}

	for _, s := range b.subscribers {
		s.push(t)
	}

	return nil
}

// Pending is how many messages wait to be put in the channel of the named subscriber.
func (b *Broker[T]) Pending(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.subscribers[name]; ok {
		return s.pending()
	}
	return 0
}

// Close closes all subscriber channels, signaling that no more messages will be published.
// Messages still queued are discarded.
func (b *Broker[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, s := range b.subscribers {
		s.close()
	}

	b.subscribers = make(map[string]*subscriber[T])
}
