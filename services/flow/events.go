package flow

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// EventBus fans events out synchronously to every current subscriber.
type EventBus struct {
	logger *slog.Logger

	mu        sync.RWMutex
	listeners []listenerEntry
	nextID    uint64

	dropped atomic.Int64
}

type listenerEntry struct {
	id uint64
	fn func(Event)
}

// NewEventBus creates an empty bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{logger: logger}
}

// Subscribe registers fn for every event and returns its unsubscribe func.
// Calling the returned func more than once is safe.
func (b *EventBus) Subscribe(fn func(Event)) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.listeners = append(b.listeners, listenerEntry{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

// SubscribeChan delivers events accepted by filter (nil accepts all) on a
// buffered channel. The subscription ends and the channel closes when ctx is
// done. Delivery never blocks the publisher: events that do not fit in the
// buffer are dropped and counted.
func (b *EventBus) SubscribeChan(ctx context.Context, buffer int, filter func(Event) bool) <-chan Event {
	ch := make(chan Event, buffer)
	var (
		mu     sync.Mutex
		closed bool
	)

	unsubscribe := b.Subscribe(func(ev Event) {
		if filter != nil && !filter(ev) {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
			b.logger.Warn("event subscriber buffer full, dropping event",
				"type", ev.Type, "run_id", ev.RunID)
		}
	})

	go func() {
		<-ctx.Done()
		unsubscribe()
		mu.Lock()
		closed = true
		close(ch)
		mu.Unlock()
	}()

	return ch
}

// Emit delivers ev to all listeners in subscription order. A panicking
// listener is logged and does not stop delivery to the rest.
func (b *EventBus) Emit(ev Event) {
	b.mu.RLock()
	listeners := make([]listenerEntry, len(b.listeners))
	copy(listeners, b.listeners)
	b.mu.RUnlock()

	for _, l := range listeners {
		b.deliver(l, ev)
	}
}

// Dropped returns how many events channel subscribers have missed.
func (b *EventBus) Dropped() int64 {
	return b.dropped.Load()
}

// Len returns the number of current subscribers.
func (b *EventBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

func (b *EventBus) deliver(l listenerEntry, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event listener panicked",
				"type", ev.Type, "run_id", ev.RunID, "panic", r)
		}
	}()
	l.fn(ev)
}

func (b *EventBus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, l := range b.listeners {
		if l.id == id {
			b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
			return
		}
	}
}
