// Package eventbus is an in-process publish/subscribe channel.
//
// Delivery is best effort: every subscriber has a bounded buffer and
// Publish never blocks. When a buffer is full the event is dropped for that
// subscriber, logged and counted. Consumers that must see every change
// reconcile from durable state instead of relying on the bus alone.
package eventbus

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/roach88/strata/internal/metrics"
)

// DefaultBuffer is the per-subscriber buffer used when Subscribe is given
// a non-positive size.
const DefaultBuffer = 1000

// Bus fans events out to subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
	clock  *Clock
}

// New creates a bus with no subscribers.
func New() *Bus {
	return &Bus{
		subs:  make(map[uint64]*Subscription),
		clock: NewClock(),
	}
}

// Subscription receives events from a Bus until closed.
type Subscription struct {
	id     uint64
	bus    *Bus
	ch     chan Event
	filter  map[EventType]bool
	once    sync.Once
	dropped atomic.Uint64
}

// C returns the delivery channel. It is closed when the subscription or
// the bus is closed.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	s.closeLocked()
}

func (s *Subscription) closeLocked() {
	s.once.Do(func() {
		delete(s.bus.subs, s.id)
		close(s.ch)
	})
}

// Dropped returns how many events this subscriber has missed because its
// buffer was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Subscription) wants(t EventType) bool {
	return len(s.filter) == 0 || s.filter[t]
}

// Subscribe registers a subscriber with the given buffer size. If types is
// non-empty only those event types are delivered.
func (b *Bus) Subscribe(buffer int, types ...EventType) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	sub := &Subscription{
		bus: b,
		ch:  make(chan Event, buffer),
	}
	if len(types) > 0 {
		sub.filter = make(map[EventType]bool, len(types))
		for _, t := range types {
			sub.filter[t] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		sub.once.Do(func() { close(sub.ch) })
		return sub
	}
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	return sub
}

// Publish stamps e with the next sequence number and offers it to every
// matching subscriber without blocking. It returns the stamped sequence and
// the number of subscribers that accepted the event.
func (b *Bus) Publish(e Event) (seq int64, delivered int) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	e.Seq = b.clock.Next()
	metrics.BusPublished.Inc()

	if b.closed {
		slog.Debug("event dropped: bus closed", "type", e.Type.String(), "seq", e.Seq)
		return e.Seq, 0
	}

	for _, sub := range b.subs {
		if !sub.wants(e.Type) {
			continue
		}
		select {
		case sub.ch <- e:
			delivered++
		default:
			sub.dropped.Add(1)
			metrics.BusDropped.Inc()
			slog.Warn("event dropped: subscriber buffer full",
				"type", e.Type.String(),
				"seq", e.Seq,
				"subscriber", sub.id,
				"buffer", cap(sub.ch))
		}
	}
	return e.Seq, delivered
}

// Close closes every subscription. Later publishes are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		sub.closeLocked()
	}
}

// Subscribers returns the number of attached subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
