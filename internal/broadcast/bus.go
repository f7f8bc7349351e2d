// Package broadcast implements a payload-free publish/subscribe bus with
// at-most-once, no-ack delivery.
package broadcast

import (
	"sync"
	"time"

	"github.com/eliteGoblin/focusd/kioskd/internal/domain"
)

// Bus fans topic signals out to subscribers. A subscriber that has not
// drained its previous signal misses the new one; nothing is queued or retried.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string]map[uint64]chan domain.Broadcast
	now    func() time.Time
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[string]map[uint64]chan domain.Broadcast),
		now:  time.Now,
	}
}

// Subscribe registers interest in topic. The returned channel has capacity 1.
// cancel unregisters and closes the channel; it is safe to call more than once.
func (b *Bus) Subscribe(topic string) (<-chan domain.Broadcast, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	ch := make(chan domain.Broadcast, 1)
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[uint64]chan domain.Broadcast)
	}
	b.subs[topic][id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[topic], id)
			if len(b.subs[topic]) == 0 {
				delete(b.subs, topic)
			}
			close(ch)
		})
	}
	return ch, cancel
}

// Publish sends one signal to every subscriber of topic without blocking.
func (b *Bus) Publish(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	msg := domain.Broadcast{Topic: topic, At: b.now()}
	delivered := 0
	for _, ch := range b.subs[topic] {
		select {
		case ch <- msg:
			delivered++
		default:
		}
	}
	return delivered
}

// Subscribers returns the number of live subscriptions on topic.
func (b *Bus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

var (
	_ domain.Publisher  = (*Bus)(nil)
	_ domain.Subscriber = (*Bus)(nil)
)
