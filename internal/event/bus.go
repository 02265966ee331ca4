package event

import (
	"log"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// Handler is a function that handles an event.
type Handler func(Event)

// subscription is a registered handler for one event kind.
type subscription struct {
	id      uint64
	kind    string
	handler Handler
}

// Bus is a synchronous pub-sub event bus. Delivery order matches
// emission order and handlers run on the publisher's goroutine; a
// panicking handler is recovered and logged so it can never corrupt
// scheduling state or block delivery to other handlers.
type Bus struct {
	mu            sync.RWMutex
	subscriptions map[string][]subscription
	nextID        atomic.Uint64
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{subscriptions: make(map[string][]subscription)}
}

// Subscribe registers a handler for a specific event kind and returns a
// subscription ID usable with Unsubscribe.
func (b *Bus) Subscribe(kind string, handler Handler) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID.Add(1)
	b.subscriptions[kind] = append(b.subscriptions[kind], subscription{
		id:      id,
		kind:    kind,
		handler: handler,
	})
	return id
}

// SubscribeAll registers a handler that receives every published event.
func (b *Bus) SubscribeAll(handler Handler) uint64 {
	return b.Subscribe("*", handler)
}

// Unsubscribe removes a subscription by ID. Returns true if it existed.
func (b *Bus) Unsubscribe(id uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for kind, subs := range b.subscriptions {
		for i, sub := range subs {
			if sub.id == id {
				b.subscriptions[kind] = append(subs[:i], subs[i+1:]...)
				return true
			}
		}
	}
	return false
}

// Publish dispatches an event to kind-specific handlers first, then to
// wildcard handlers, each in registration order.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	specific := make([]subscription, len(b.subscriptions[e.Kind()]))
	copy(specific, b.subscriptions[e.Kind()])
	wildcard := make([]subscription, len(b.subscriptions["*"]))
	copy(wildcard, b.subscriptions["*"])
	b.mu.RUnlock()

	for _, sub := range specific {
		b.safeCall(sub.handler, e)
	}
	for _, sub := range wildcard {
		b.safeCall(sub.handler, e)
	}
}

// safeCall invokes a handler and recovers from panics, logging the stack
// so a misbehaving observer is visible but harmless.
func (b *Bus) safeCall(handler Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("ERROR: event handler panicked for %s: %v\n%s", e.Kind(), r, debug.Stack())
		}
	}()
	handler(e)
}

// SubscriptionCount returns the total number of active subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := 0
	for _, subs := range b.subscriptions {
		count += len(subs)
	}
	return count
}
