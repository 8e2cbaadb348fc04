package bus

import (
	"sync"
)

// Subscriber is a named tap on the event stream. Multiple subscribers can
// independently consume the same published events (fan-out).
type Subscriber struct {
	Name string
	ch   chan SystemEvent // receives copies of published events
}

// EventBus fans system events out to all subscribers. Publishing never
// blocks; slow consumers drop.
type EventBus struct {
	mu        sync.RWMutex
	subs      []*Subscriber
	closed    bool
	closeOnce sync.Once
}

func NewEventBus() *EventBus {
	return &EventBus{}
}

// Subscribe creates a named subscriber that receives copies of all
// published events. The returned channel is buffered; slow consumers drop.
func (b *EventBus) Subscribe(name string) <-chan SystemEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &Subscriber{Name: name, ch: make(chan SystemEvent, 64)}
	b.subs = append(b.subs, sub)
	return sub.ch
}

// Publish delivers an event to every subscriber.
func (b *EventBus) Publish(event SystemEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		select {
		case sub.ch <- event:
		default: // drop if slow
		}
	}
}

// Close shuts the bus down and closes all subscriber channels.
func (b *EventBus) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		for _, sub := range b.subs {
			close(sub.ch)
		}
		b.mu.Unlock()
	})
}
