// Package inmem implements an in-process bus.Bus, useful for tests and for
// running a deputy and its sheriff in the same binary. It carries no wire
// format: payloads are handed to subscribers exactly as published.
package inmem

import (
	"sync"

	"github.com/procdeputy/deputy/bus"
)

// Bus is an in-memory, single-process implementation of bus.Bus. The zero
// value is not usable; use New.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]*subscription
	seq  uint64
}

var _ bus.Bus = (*Bus)(nil)

// New creates a ready-to-use in-memory bus.
func New() *Bus {
	return &Bus{subs: make(map[string][]*subscription)}
}

type subscription struct {
	id    uint64
	topic string
	h     bus.Handler
	b     *Bus
}

func (s *subscription) Cancel() {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()

	list := s.b.subs[s.topic]
	for i, sub := range list {
		if sub.id == s.id {
			s.b.subs[s.topic] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

// Publish delivers payload synchronously to every current subscriber of
// topic, on the calling goroutine. Callers that must not block should
// publish from their own goroutine.
func (b *Bus) Publish(topic string, payload []byte) error {
	b.mu.RLock()
	subs := append([]*subscription(nil), b.subs[topic]...)
	b.mu.RUnlock()

	for _, s := range subs {
		s.h(payload)
	}
	return nil
}

// Subscribe registers h to receive every payload published to topic.
func (b *Bus) Subscribe(topic string, h bus.Handler) (bus.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	s := &subscription{id: b.seq, topic: topic, h: h, b: b}
	b.subs[topic] = append(b.subs[topic], s)
	return s, nil
}

// Close cancels every outstanding subscription.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subs = make(map[string][]*subscription)
	return nil
}
