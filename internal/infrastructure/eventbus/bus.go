package eventbus

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/stepline/stepline/internal/domain/entity"
)

// Wildcard subscribes a handler to every event type.
const Wildcard = "*"

// Handler consumes one event. Handlers run on the dispatch goroutine
// and must not block indefinitely.
type Handler func(ctx context.Context, event entity.Event)

// Bus fans execution events out to observers. Publish is best-effort:
// a full buffer drops the event rather than stalling the run loop.
type Bus interface {
	Publish(ctx context.Context, event entity.Event)
	Subscribe(eventType string, handler Handler)
	Unsubscribe(eventType string)
	Close()
}

// InMemoryBus is the in-process Bus used by the engine. Events are
// queued on a buffered channel and dispatched by a single goroutine so
// subscribers observe them in publish order.
type InMemoryBus struct {
	mu        sync.RWMutex
	handlers  map[string][]Handler
	eventChan chan eventWrapper
	closed    bool
	logger    *zap.Logger
	wg        sync.WaitGroup
}

type eventWrapper struct {
	ctx   context.Context
	event entity.Event
}

func NewInMemoryBus(logger *zap.Logger, bufferSize int) *InMemoryBus {
	bus := &InMemoryBus{
		handlers:  make(map[string][]Handler),
		eventChan: make(chan eventWrapper, bufferSize),
		logger:    logger,
	}

	bus.wg.Add(1)
	go bus.dispatch()

	return bus
}

// Publish enqueues an event without blocking. Dropped events are
// logged; the execution stream returned by the scheduler is the
// authoritative record, the bus only feeds observers.
func (b *InMemoryBus) Publish(ctx context.Context, event entity.Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	b.mu.RUnlock()

	select {
	case b.eventChan <- eventWrapper{ctx: ctx, event: event}:
	default:
		b.logger.Warn("Event buffer full, dropping event",
			zap.String("type", string(event.Type)),
			zap.String("session_id", event.SessionID),
		)
	}
}

// Subscribe registers a handler for one event type, or all types via
// the Wildcard.
func (b *InMemoryBus) Subscribe(eventType string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[eventType] = append(b.handlers[eventType], handler)

	b.logger.Debug("Handler subscribed",
		zap.String("event_type", eventType),
	)
}

// Unsubscribe removes the most recently registered handler for the
// type. Function values are not comparable, so removal is LIFO.
func (b *InMemoryBus) Unsubscribe(eventType string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	handlers := b.handlers[eventType]
	if len(handlers) == 0 {
		return
	}
	if len(handlers) == 1 {
		delete(b.handlers, eventType)
		return
	}
	b.handlers[eventType] = handlers[:len(handlers)-1]
}

// Close stops dispatching after draining the queue.
func (b *InMemoryBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.eventChan)
	b.mu.Unlock()

	b.wg.Wait()
	b.logger.Info("Event bus closed")
}

func (b *InMemoryBus) dispatch() {
	defer b.wg.Done()

	for wrapper := range b.eventChan {
		b.dispatchEvent(wrapper.ctx, wrapper.event)
	}
}

func (b *InMemoryBus) dispatchEvent(ctx context.Context, event entity.Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0)
	if h, ok := b.handlers[string(event.Type)]; ok {
		handlers = append(handlers, h...)
	}
	if h, ok := b.handlers[Wildcard]; ok {
		handlers = append(handlers, h...)
	}
	b.mu.RUnlock()

	var wg sync.WaitGroup
	for _, handler := range handlers {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("Handler panicked",
						zap.String("event_type", string(event.Type)),
						zap.Any("panic", r),
					)
				}
			}()
			h(ctx, event)
		}(handler)
	}
	wg.Wait()
}
