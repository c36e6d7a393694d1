package flow

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	key  string
	body []byte
}

type memoryPublisher struct {
	mu       sync.Mutex
	messages []published
	fail     error
}

func (p *memoryPublisher) Publish(_ context.Context, routingKey string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	p.messages = append(p.messages, published{key: routingKey, body: body})
	return nil
}

func (p *memoryPublisher) keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, len(p.messages))
	for i, m := range p.messages {
		keys[i] = m.key
	}
	return keys
}

func TestEventForwarder_PublishesEveryEvent(t *testing.T) {
	pub := &memoryPublisher{}
	noop := &funcExecutor{typ: "noop", fn: func(context.Context, ExecutionContext, map[string]any) error { return nil }}
	e := newTestEngine(t, Config{}, noop)
	fwd := NewEventForwarder(e.Events(), pub, quietLogger())

	snap, err := e.ExecuteAndWait(context.Background(), singleNodeFlow("noop"), trigger(nil), nil, ExecuteOptions{})
	require.NoError(t, err)
	require.NoError(t, fwd.Close(context.Background()))

	assert.Equal(t, []string{
		"execution.start",
		"node.complete",
		"node.start",
		"node.complete",
		"execution.complete",
	}, pub.keys())

	var last Event
	pub.mu.Lock()
	body := pub.messages[len(pub.messages)-1].body
	pub.mu.Unlock()
	require.NoError(t, json.Unmarshal(body, &last))
	assert.Equal(t, EventExecutionComplete, last.Type)
	assert.Equal(t, snap.ID, last.RunID)
}

func TestEventForwarder_PublishErrorsAreLogged(t *testing.T) {
	pub := &memoryPublisher{fail: errors.New("broker gone")}
	bus := NewEventBus(quietLogger())
	fwd := NewEventForwarder(bus, pub, quietLogger())

	bus.Emit(Event{Type: EventNodeStart, RunID: "r1", NodeID: "n1"})
	require.NoError(t, fwd.Close(context.Background()))
	assert.Empty(t, pub.keys())
}

func TestRoutingKey(t *testing.T) {
	assert.Equal(t, "execution.start", RoutingKey(EventExecutionStart))
	assert.Equal(t, "node.retry", RoutingKey(EventNodeRetry))
}
