package events

import (
	"sync"

	"github.com/cskr/pubsub/v2"
)

// DefaultBufferSize is the per-subscriber channel capacity of a Bus.
const DefaultBufferSize = 64

// Bus is a Sink that fans events out to subscribers, one topic per Kind.
//
// Publish blocks while a subscriber's channel is full, so a subscriber that
// stops reading must Unsubscribe.
type Bus struct {
	ps *pubsub.PubSub[Kind, Event]

	mu     sync.RWMutex
	closed bool
}

// Subscription delivers events of the subscribed kinds on C.
type Subscription struct {
	C <-chan Event

	ch     chan Event
	kinds  []Kind
	bus    *Bus
	unsubs sync.Once
}

// NewBus returns a bus whose subscriber channels hold capacity events.
func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}
	return &Bus{ps: pubsub.New[Kind, Event](capacity)}
}

// Publish sends ev to every subscriber of ev.Kind. It is a no-op after Close.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.ps.Pub(ev, ev.Kind)
}

// Subscribe returns a subscription for kinds, or for every kind when none are given.
func (b *Bus) Subscribe(kinds ...Kind) *Subscription {
	if len(kinds) == 0 {
		kinds = AllKinds
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		ch := make(chan Event)
		close(ch)
		return &Subscription{C: ch, ch: ch}
	}

	ch := b.ps.Sub(kinds...)
	return &Subscription{C: ch, ch: ch, kinds: kinds, bus: b}
}

// Unsubscribe detaches the subscription; C is closed once pending events are dropped.
func (s *Subscription) Unsubscribe() {
	if s.bus == nil {
		return
	}
	s.bus.mu.RLock()
	closed := s.bus.closed
	s.bus.mu.RUnlock()
	if closed {
		return
	}
	s.unsubs.Do(func() {
		done := make(chan struct{})
		go func() {
			s.bus.ps.Unsub(s.ch, s.kinds...)
			close(done)
		}()
		// Drain so a publisher blocked on this channel can finish.
		for {
			select {
			case <-done:
				return
			case _, ok := <-s.ch:
				if !ok {
					<-done
					return
				}
			}
		}
	})
}

// Close shuts the bus down and closes every subscription channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.ps.Shutdown()
}
