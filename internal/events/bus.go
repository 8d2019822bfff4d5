package events

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/radiowatch/radiowatch/internal/logger"
)

// EventBus dispatches events to subscribers.
type EventBus interface {
	PublishAsync(event Event)
	Subscribe(types []EventType, handler EventHandler) string
	Unsubscribe(id string)
	Start(ctx context.Context)
	Stop()
}

type subscription struct {
	id      string
	types   map[EventType]bool
	handler EventHandler
}

// Bus is the default asynchronous in-process EventBus. Slow subscribers
// never block publishers; a full queue drops the event with a warning.
type Bus struct {
	queue chan Event
	subs  map[string]*subscription
	mu    sync.RWMutex
	done  chan struct{}
	once  sync.Once
}

// NewBus creates an event bus with the given queue depth.
func NewBus(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Bus{
		queue: make(chan Event, queueSize),
		subs:  make(map[string]*subscription),
		done:  make(chan struct{}),
	}
}

// PublishAsync enqueues an event without blocking the caller.
func (b *Bus) PublishAsync(event Event) {
	select {
	case b.queue <- event:
	default:
		logger.Warn("event queue full, dropping event", "type", event.Type, "source", event.Source)
	}
}

// Subscribe registers a handler for the given event types. An empty
// type list subscribes to everything. Returns the subscription ID.
func (b *Bus) Subscribe(types []EventType, handler EventHandler) string {
	sub := &subscription{
		id:      uuid.NewString(),
		handler: handler,
	}
	if len(types) > 0 {
		sub.types = make(map[EventType]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()
	return sub.id
}

// Unsubscribe removes a subscription.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Start begins dispatching events until the context is cancelled or
// Stop is called.
func (b *Bus) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case event := <-b.queue:
				b.dispatch(event)
			case <-ctx.Done():
				return
			case <-b.done:
				return
			}
		}
	}()
}

// Stop shuts the dispatch loop down.
func (b *Bus) Stop() {
	b.once.Do(func() { close(b.done) })
}

func (b *Bus) dispatch(event Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.types == nil || sub.types[event.Type] {
			handlers = append(handlers, sub.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}
