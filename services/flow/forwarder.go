package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

const (
	forwarderBuffer         = 1024
	forwarderPublishTimeout = 5 * time.Second
)

// EventPublisher sends an encoded event to a message broker.
type EventPublisher interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
}

// EventForwarder publishes every engine event to an EventPublisher. Events
// are queued on a buffered subscription so a slow broker never blocks runs.
type EventForwarder struct {
	publisher EventPublisher
	logger    *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewEventForwarder subscribes to bus and starts forwarding events.
func NewEventForwarder(bus *EventBus, publisher EventPublisher, logger *slog.Logger) *EventForwarder {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	f := &EventForwarder{
		publisher: publisher,
		logger:    logger.With("component", "event-forwarder"),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go f.loop(bus.SubscribeChan(ctx, forwarderBuffer, nil))
	return f
}

func (f *EventForwarder) loop(events <-chan Event) {
	defer close(f.done)
	for ev := range events {
		if err := f.forward(ev); err != nil {
			f.logger.Warn("failed to forward event", "type", ev.Type, "run_id", ev.RunID, "error", err)
		}
	}
}

func (f *EventForwarder) forward(ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), forwarderPublishTimeout)
	defer cancel()
	return f.publisher.Publish(ctx, RoutingKey(ev.Type), body)
}

// Close stops forwarding once queued events are published or ctx ends.
func (f *EventForwarder) Close(ctx context.Context) error {
	f.once.Do(f.cancel)
	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RoutingKey maps an event type to a broker routing key, e.g.
// "node:complete" becomes "node.complete".
func RoutingKey(t EventType) string {
	return strings.ReplaceAll(string(t), ":", ".")
}
