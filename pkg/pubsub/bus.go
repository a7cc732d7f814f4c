// Package pubsub is a small in-process topic bus.
//
// Invariants:
// - Handlers of a topic run synchronously in registration order.
// - A handler removed with Unsubscribe is never called afterwards, even when
//   removed by another handler during the same Publish.
// - Publish never holds the bus lock while a handler runs, so handlers may
//   subscribe, unsubscribe and publish.
package pubsub

import (
	"sync"
	"sync/atomic"
)

// Handler receives the payload of a published topic.
type Handler func(payload interface{})

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	bus     *Bus
	topic   string
	id      uint64
	handler Handler
	active  atomic.Bool
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string {
	return s.topic
}

// Unsubscribe removes the handler. Calling it twice is a no-op.
func (s *Subscription) Unsubscribe() {
	if !s.active.CompareAndSwap(true, false) {
		return
	}
	s.bus.remove(s)
}

// Bus delivers payloads to topic subscribers.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	topics map[string][]*Subscription
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{topics: make(map[string][]*Subscription)}
}

// Subscribe registers handler for topic.
func (b *Bus) Subscribe(topic string, handler Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{bus: b, topic: topic, id: b.nextID, handler: handler}
	sub.active.Store(true)
	b.topics[topic] = append(b.topics[topic], sub)
	return sub
}

// Publish delivers payload to every active subscriber of topic.
func (b *Bus) Publish(topic string, payload interface{}) {
	b.mu.RLock()
	subs := b.topics[topic]
	snapshot := make([]*Subscription, len(subs))
	copy(snapshot, subs)
	b.mu.RUnlock()

	for _, sub := range snapshot {
		if !sub.active.Load() {
			continue
		}
		sub.handler(payload)
	}
}

// SubscriberCount returns the number of active handlers for topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Close drops every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, subs := range b.topics {
		for _, sub := range subs {
			sub.active.Store(false)
		}
	}
	b.topics = make(map[string][]*Subscription)
}

func (b *Bus) remove(target *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.topics[target.topic]
	filtered := make([]*Subscription, 0, len(subs))
	for _, sub := range subs {
		if sub.id != target.id {
			filtered = append(filtered, sub)
		}
	}
	if len(filtered) == 0 {
		delete(b.topics, target.topic)
		return
	}
	b.topics[target.topic] = filtered
}
