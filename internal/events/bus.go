// Package events implements the pub-sub transport the core publishes
// lifecycle events on. Delivery is best-effort per subscriber; the core is
// the source of truth for task lifecycle and subscribes to nothing itself.
package events

import (
	"sync"
)

// Bus is a channel-based pub-sub event bus over typed topics.
// Supports topic-based subscriptions and SubscribeAll for cross-topic
// consumption. Delivery never blocks a publisher: a full subscriber channel
// drops the event and the per-topic drop counter records the loss.
type Bus struct {
	mu      sync.RWMutex
	subs    map[Topic][]chan Event // topic -> subscriber channels
	allSubs []chan Event           // channels subscribed to all topics
	dropped map[Topic]uint64       // topic -> events dropped on full channels
	closed  bool
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subs:    make(map[Topic][]chan Event),
		allSubs: make([]chan Event, 0),
		dropped: make(map[Topic]uint64),
	}
}

// Subscribe creates a subscription to a specific topic.
// Returns a read-only channel that receives events published to that topic.
// bufSize determines the channel buffer size (defaults to 256 if <= 0).
func (b *Bus) Subscribe(topic Topic, bufSize int) <-chan Event {
	if bufSize <= 0 {
		bufSize = 256
	}

	ch := make(chan Event, bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch
	}

	b.subs[topic] = append(b.subs[topic], ch)

	return ch
}

// SubscribeAll creates a subscription to ALL topics.
// bufSize determines the channel buffer size (defaults to 256 if <= 0).
func (b *Bus) SubscribeAll(bufSize int) <-chan Event {
	if bufSize <= 0 {
		bufSize = 256
	}

	ch := make(chan Event, bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch
	}

	b.allSubs = append(b.allSubs, ch)

	return ch
}

// Publish sends an event to all subscribers of the given topic.
// Non-blocking: if a subscriber's channel is full, the event is dropped for
// that subscriber and counted against the topic. Also sends to all
// SubscribeAll channels.
func (b *Bus) Publish(topic Topic, event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	for _, ch := range b.subs[topic] {
		select {
		case ch <- event:
		default:
			b.dropped[topic]++
		}
	}

	for _, ch := range b.allSubs {
		select {
		case ch <- event:
		default:
			b.dropped[topic]++
		}
	}
}

// Dropped returns how many events have been dropped on the given topic
// because a subscriber channel was full. A growing count means a consumer
// is not draining its buffer fast enough for the configured size.
func (b *Bus) Dropped(topic Topic) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped[topic]
}

// Close closes the event bus and all subscriber channels.
// Safe to call multiple times (idempotent).
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.closed = true

	for _, channels := range b.subs {
		for _, ch := range channels {
			close(ch)
		}
	}

	for _, ch := range b.allSubs {
		close(ch)
	}
}
