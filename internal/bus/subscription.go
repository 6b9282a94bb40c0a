package bus

import (
	"sync"
)

const defaultSubscriptionBuffer = 64

// Bus routes events from publishers to topic subscribers.
type Bus struct {
	mu     sync.RWMutex
	topics map[string]map[*Subscription]struct{}
}

// Subscription is one subscriber's handle on a topic.  Events arrive on C
// until [Subscription.Close] is called, after which C is closed.
type Subscription struct {
	C <-chan Event

	bus   *Bus
	topic string
	ch    chan Event
	once  sync.Once
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{topics: make(map[string]map[*Subscription]struct{})}
}

// Subscribe registers a new subscriber on topic.
func (b *Bus) Subscribe(topic string) *Subscription {
	ch := make(chan Event, defaultSubscriptionBuffer)
	sub := &Subscription{C: ch, bus: b, topic: topic, ch: ch}

	b.mu.Lock()
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[*Subscription]struct{})
		b.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Publish delivers ev to every current subscriber of topic.  Slow
// subscribers have the event dropped; Publish never blocks.  Returns the
// number of subscribers the event was handed to.
func (b *Bus) Publish(topic string, ev Event) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for sub := range b.topics[topic] {
		select {
		case sub.ch <- ev:
			delivered++
		default:
		}
	}
	return delivered
}

// Subscribers returns the current subscriber count for topic.
func (b *Bus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Close removes the subscription from its topic and closes C.  Safe to
// call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		b := s.bus
		b.mu.Lock()
		subs := b.topics[s.topic]
		delete(subs, s)
		if len(subs) == 0 {
			delete(b.topics, s.topic)
		}
		// Closing under the write lock: publishers send while holding the
		// read lock, so no send can race this close.
		close(s.ch)
		b.mu.Unlock()
	})
}
