package engine

import (
	"sync"
	"time"
)

// EventBus delivers engine events to subscribers synchronously, in
// subscription order.
type EventBus struct {
	mu     sync.RWMutex
	nextID int
	subs   []subscription
}

type subscription struct {
	id    int
	fn    func(Event)
	types map[EventType]bool // nil = all
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{}
}

// Subscribe registers fn for every event and returns its id.
func (b *EventBus) Subscribe(fn func(Event)) int {
	return b.add(fn, nil)
}

// SubscribeTypes registers fn for the given event types only.
func (b *EventBus) SubscribeTypes(fn func(Event), types ...EventType) int {
	set := make(map[EventType]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return b.add(fn, set)
}

func (b *EventBus) add(fn func(Event), types map[EventType]bool) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.subs = append(b.subs, subscription{id: b.nextID, fn: fn, types: types})
	return b.nextID
}

// Unsubscribe removes a subscription. Unknown ids are ignored.
func (b *EventBus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Emit stamps e and calls the matching subscribers. Subscribers run on the
// caller's goroutine and must not block.
func (b *EventBus) Emit(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		if s.types != nil && !s.types[e.Type] {
			continue
		}
		s.fn(e)
	}
}
