package fanout

import (
	"sync"

	"github.com/google/uuid"
)

// DefaultBufferSize bounds the outbound queue of a subscriber.
const DefaultBufferSize = 32

// Subscriber is one live connection's mailbox. Deliveries never block: when
// the buffer is full the hub evicts the subscriber instead.
type Subscriber struct {
	id      string
	label   string
	send    chan []byte
	onEvict func()

	mu     sync.Mutex
	topics map[string]struct{}
	closed bool
}

// NewSubscriber creates a subscriber with the given buffer. onEvict runs once
// if the hub drops the subscriber for falling behind.
func NewSubscriber(label string, buffer int, onEvict func()) *Subscriber {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	return &Subscriber{
		id:      uuid.NewString(),
		label:   label,
		send:    make(chan []byte, buffer),
		onEvict: onEvict,
		topics:  make(map[string]struct{}),
	}
}

// ID returns the subscriber's unique identifier.
func (s *Subscriber) ID() string { return s.id }

// Label is a human readable tag used in logs.
func (s *Subscriber) Label() string { return s.label }

// Messages is closed once the subscriber has left every topic for good.
func (s *Subscriber) Messages() <-chan []byte { return s.send }

// Topics returns a snapshot of the topics the subscriber has joined.
func (s *Subscriber) Topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.topics))
	for topic := range s.topics {
		out = append(out, topic)
	}
	return out
}

// Closed reports whether the subscriber has been shut down.
func (s *Subscriber) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Offer enqueues payload without blocking. It returns false when the buffer
// is full or the subscriber is closed.
func (s *Subscriber) Offer(payload []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- payload:
		return true
	default:
		return false
	}
}

func (s *Subscriber) track(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.topics[topic] = struct{}{}
	return true
}

func (s *Subscriber) untrack(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.topics, topic)
}

// shutdown marks the subscriber closed and returns the topics it still held.
func (s *Subscriber) shutdown() ([]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false
	}
	s.closed = true
	topics := make([]string, 0, len(s.topics))
	for topic := range s.topics {
		topics = append(topics, topic)
	}
	s.topics = make(map[string]struct{})
	close(s.send)
	return topics, true
}
