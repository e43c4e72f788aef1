package recordsync

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// --- Event System ---

// EventType defines the type for mutation lifecycle events.
type EventType string

// Mutation lifecycle event types
const (
	EventBeforeMutate  EventType = "BeforeMutate"
	EventAfterProject  EventType = "AfterProject"
	EventAfterCommit   EventType = "AfterCommit"
	EventAfterRollback EventType = "AfterRollback"
	EventAfterFail     EventType = "AfterFail"
)

// EventListener defines the signature for functions that listen to mutation
// events. err is the failure for EventAfterFail and nil otherwise. Only an
// error returned from an EventBeforeMutate listener has an effect: it aborts
// the mutation before anything is projected.
type EventListener func(ctx context.Context, eventType EventType, m *Mutation, err error) error

// listenerRegistry holds the registered listeners for each event type.
type listenerRegistry struct {
	mu        sync.RWMutex
	listeners map[EventType][]EventListener
	logger    *zap.Logger
}

func newListenerRegistry(logger *zap.Logger) *listenerRegistry {
	return &listenerRegistry{
		listeners: make(map[EventType][]EventListener),
		logger:    logger,
	}
}

// register adds a listener function for a specific event type.
func (r *listenerRegistry) register(eventType EventType, listener EventListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners[eventType] = append(r.listeners[eventType], listener)
}

// trigger executes all registered listeners for a given event type.
func (r *listenerRegistry) trigger(ctx context.Context, eventType EventType, m *Mutation, cause error) error {
	r.mu.RLock()
	listeners := r.listeners[eventType]
	r.mu.RUnlock()

	// Execute listeners sequentially.
	for _, listener := range listeners {
		if err := listener(ctx, eventType, m, cause); err != nil {
			r.logger.Warn("event listener failed",
				zap.String("event", string(eventType)),
				zap.String("mutation", m.ID()),
				zap.String("resource", m.Resource()),
				zap.Error(err))
			return fmt.Errorf("event listener for %s failed: %w", eventType, err)
		}
	}
	return nil
}
