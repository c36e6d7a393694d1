package flow

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// nodeContext is the ExecutionContext handed to an executor for one node of one run.
type nodeContext struct {
	engine    *Engine
	run       *Run
	node      *Node
	cancelled atomic.Bool
}

func (e *Engine) newExecutionContext(run *Run, node *Node) *nodeContext {
	return &nodeContext{engine: e, run: run, node: node}
}

func (c *nodeContext) RunID() string  { return c.run.ID }
func (c *nodeContext) NodeID() string { return c.node.ID }

func (c *nodeContext) GetVariable(key string) (any, bool) { return c.run.Variable(key) }

func (c *nodeContext) SetVariable(key string, value any) { c.run.setVariable(key, value) }

// Log appends a timestamped entry to the node's log and echoes it to the
// engine logger in debug mode or at error level.
func (c *nodeContext) Log(level slog.Level, message string, data map[string]any) {
	c.run.appendLog(c.node.ID, LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     levelName(level),
		Message:   message,
		Data:      data,
	})

	if !c.engine.cfg.Debug && level < slog.LevelError {
		return
	}
	attrs := []any{"run_id", c.run.ID, "node_id", c.node.ID}
	for k, v := range data {
		attrs = append(attrs, k, v)
	}
	c.engine.logger.Log(context.Background(), level, message, attrs...)
}

func (c *nodeContext) GetInput(port string) (any, bool) { return c.run.input(c.node.ID, port) }

func (c *nodeContext) Inputs() map[string]any { return c.run.inputs(c.node.ID) }

func (c *nodeContext) SetOutput(port string, value any) { c.run.setOutput(c.node.ID, port, value) }

// RunInputs returns the caller-supplied inputs of the run.
func (c *nodeContext) RunInputs() map[string]any { return copyMap(c.run.Inputs) }

// ExecuteChild runs a pending node of the same run synchronously, merging
// inputs into its state first, and returns its outputs.
func (c *nodeContext) ExecuteChild(ctx context.Context, nodeID string, inputs map[string]any) (map[string]any, error) {
	if nodeID == c.node.ID {
		return nil, fmt.Errorf("node %q cannot execute itself", nodeID)
	}
	var child *Node
	for i := range c.run.Schema.Nodes {
		if c.run.Schema.Nodes[i].ID == nodeID {
			child = &c.run.Schema.Nodes[i]
			break
		}
	}
	if child == nil {
		return nil, fmt.Errorf("%w: %q", ErrNodeNotFound, nodeID)
	}
	if c.IsCancelled() {
		return nil, ErrRunCancelled
	}

	if err := c.run.mergeInputs(nodeID, inputs); err != nil {
		return nil, err
	}
	incoming := buildIncomingMap(c.run.Schema.Edges)[nodeID]
	if err := c.engine.executeNode(ctx, c.run, child, incoming); err != nil {
		return nil, err
	}
	return c.run.outputsOf(nodeID), nil
}

// Cancel marks this context cancelled and asks the engine to cancel the run.
func (c *nodeContext) Cancel(reason string) {
	c.cancelled.Store(true)
	go c.engine.CancelExecution(c.run.ID, reason)
}

func (c *nodeContext) IsCancelled() bool {
	return c.cancelled.Load() || c.run.Status() == RunCancelled
}

// Sleep waits for d or until ctx ends.
func (c *nodeContext) Sleep(ctx context.Context, d time.Duration) error {
	if err := sleepContext(ctx, d); err != nil {
		return fmt.Errorf("sleep interrupted: %w", err)
	}
	return nil
}

func (c *nodeContext) HTTP() HTTPClient      { return c.engine.http }
func (c *nodeContext) Env() Env              { return c.engine.env }
func (c *nodeContext) Project() ProjectStore { return c.engine.project }
