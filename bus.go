package recordsync

import (
	"sync"
)

// --- Invalidation Bus ---

// InvalidationEvent says that cached data for a resource may be stale. A nil
// Key covers every query of the resource.
type InvalidationEvent struct {
	Resource string
	Key      *QueryKey
}

// Matches reports whether the event covers the given query key.
func (e InvalidationEvent) Matches(key QueryKey) bool {
	if e.Resource != key.Resource {
		return false
	}
	if e.Key == nil {
		return true
	}
	return e.Key.Hash() == key.Hash()
}

// InvalidationPredicate filters the events a handler receives.
type InvalidationPredicate func(InvalidationEvent) bool

// InvalidationHandler receives matching events.
type InvalidationHandler func(InvalidationEvent)

type busSubscription struct {
	id        uint64
	predicate InvalidationPredicate
	handler   InvalidationHandler
}

// InvalidationBus delivers invalidation events synchronously and in publish
// order. Every subscriber registered when Publish starts has seen the event
// when Publish returns. Handlers must not publish.
type InvalidationBus struct {
	mu        sync.RWMutex // protects subs and nextID
	publishMu sync.Mutex   // serializes delivery
	subs      []*busSubscription
	nextID    uint64
}

// NewInvalidationBus creates an empty bus.
func NewInvalidationBus() *InvalidationBus {
	return &InvalidationBus{}
}

// Subscribe registers a handler. A nil predicate accepts every event.
func (b *InvalidationBus) Subscribe(predicate InvalidationPredicate, handler InvalidationHandler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &busSubscription{id: b.nextID, predicate: predicate, handler: handler}
	b.subs = append(b.subs, sub)

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(sub.id) })
	}
}

func (b *InvalidationBus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers the event to every matching subscriber before returning.
func (b *InvalidationBus) Publish(event InvalidationEvent) {
	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	b.mu.RLock()
	subs := make([]*busSubscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.predicate != nil && !sub.predicate(event) {
			continue
		}
		sub.handler(event)
	}
}

// Len returns the number of live subscriptions.
func (b *InvalidationBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
