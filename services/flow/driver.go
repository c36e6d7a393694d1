package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"
)

const (
	maxStackLines    = 20
	skipStillRunning = "still running from an earlier out-of-band execution"
)

// executeRun drives an admitted run to a terminal status and frees its slot.
func (e *Engine) executeRun(run *Run) {
	defer e.release(run)

	logger := e.logger.With("run_id", run.ID, "flow_id", run.FlowID)

	if !run.begin() {
		logger.Debug("run left pending state before start", "status", run.Status())
		return
	}
	logger.Info("run started", "priority", run.Priority, "nodes", len(run.Schema.Nodes))
	e.emitRun(EventExecutionStart, run)

	triggerID, err := e.runNodes(run, logger)
	if err != nil {
		runErr := toRunError(err)
		if run.finish(RunFailed, runErr, nil) {
			logger.Error("run failed", "code", runErr.Code, "node_id", runErr.NodeID, "error", runErr.Message)
			e.recordFinish(run)
			e.emitRun(EventExecutionFail, run)
		}
		return
	}

	if run.complete(triggerID) {
		logger.Info("run completed", "duration", run.Snapshot().Duration)
		e.recordFinish(run)
		e.emitRun(EventExecutionComplete, run)
	}
}

// runNodes walks the planned order once. It returns nil when the walk ends,
// including when the run stopped being "running" part way through.
func (e *Engine) runNodes(run *Run, logger *slog.Logger) (triggerID string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &RunError{Code: CodeInternal, Message: fmt.Sprintf("engine panic: %v", r), Stack: stackHead()}
		}
	}()

	order, err := Plan(run.Schema)
	if err != nil {
		return "", err
	}

	trigger, err := TriggerNode(run.Schema)
	if err != nil {
		return "", err
	}
	e.emitNode(EventNodeComplete, run, run.seedTrigger(trigger.ID))

	incoming := buildIncomingMap(run.Schema.Edges)
	continueOnError := run.Schema.Settings.ErrorHandling.ContinueOnError

	for _, node := range order {
		if node.ID == trigger.ID {
			continue
		}
		if status := run.Status(); status != RunRunning {
			logger.Debug("run no longer running, abandoning remaining nodes", "status", status)
			return trigger.ID, nil
		}
		if st := run.nodeStatus(node.ID); st != NodePending {
			// Already settled out of band through ExecuteChild.
			if st.IsTerminal() {
				continue
			}
			// An ExecuteChild call whose caller timed out can leave its target running.
			logger.Warn("node still running out of band, skipping", "node_id", node.ID)
			e.emitNode(EventNodeSkip, run, run.skipNode(node.ID, skipStillRunning))
			continue
		}
		if node.Disabled {
			e.emitNode(EventNodeSkip, run, run.skipNode(node.ID, "disabled"))
			continue
		}
		edges := incoming[node.ID]
		if !run.eligible(edges) {
			logger.Debug("skipping node without completed predecessor", "node_id", node.ID)
			e.emitNode(EventNodeSkip, run, run.skipNode(node.ID, "no completed predecessor"))
			continue
		}

		if err := e.executeNode(run.ctx, run, node, edges); err != nil {
			if continueOnError && !errors.Is(err, ErrExecutorNotFound) {
				logger.Warn("node failed, continuing", "node_id", node.ID, "error", err)
				continue
			}
			return trigger.ID, err
		}
	}
	return trigger.ID, nil
}

// executeNode runs one node to completion or failure, including retries.
// The returned error is a *NodeError.
func (e *Engine) executeNode(ctx context.Context, run *Run, node *Node, incoming []Edge) error {
	logger := e.logger.With("run_id", run.ID, "node_id", node.ID, "node_type", node.Type)

	st, err := run.startNode(node.ID, incoming)
	if err != nil {
		return &NodeError{NodeID: node.ID, Err: err}
	}
	e.emitNode(EventNodeStart, run, st)

	executor, ok := e.registry.Get(node.Type)
	if !ok {
		err := fmt.Errorf("%w %q", ErrExecutorNotFound, node.Type)
		e.failNode(run, node, err)
		return &NodeError{NodeID: node.ID, Err: err}
	}

	timeout := run.Schema.Settings.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}

	for attempt := 1; ; attempt++ {
		err = e.invoke(ctx, run, node, executor, timeout)
		if err == nil {
			break
		}
		if attempt >= e.cfg.Retry.MaxAttempts || run.Status() != RunRunning {
			break
		}

		delay := e.cfg.Retry.delay(attempt)
		logger.Warn("node attempt failed, retrying", "attempt", attempt, "delay", delay, "error", err)
		retried := run.noteRetry(node.ID)
		e.bus.Emit(Event{
			Type:      EventNodeRetry,
			RunID:     run.ID,
			NodeID:    node.ID,
			Timestamp: time.Now().UTC(),
			Data:      retried,
		})
		if sleepErr := sleepContext(ctx, delay); sleepErr != nil {
			break
		}
	}

	if err != nil {
		e.failNode(run, node, err)
		nodeErr := &NodeError{NodeID: node.ID, Err: err}
		var pe *panicError
		if errors.As(err, &pe) {
			nodeErr.Stack = pe.stack
		}
		return nodeErr
	}

	done, ok := run.finishNode(node.ID, NodeCompleted, nil)
	if !ok {
		logger.Debug("node settled elsewhere before it completed", "status", done.Status)
		return nil
	}
	e.metrics.nodeFinished(node.Type, NodeCompleted, done.Duration)
	logger.Debug("node completed", "duration", done.Duration)
	e.emitNode(EventNodeComplete, run, done)
	return nil
}

// invoke races one executor call against the node timeout. An executor that
// loses the race keeps running in the background with a cancelled context.
func (e *Engine) invoke(ctx context.Context, run *Run, node *Node, executor Executor, timeout time.Duration) error {
	nodeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ec := e.newExecutionContext(run, node)
	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- &panicError{value: r, stack: stackHead()}
			}
		}()
		result <- executor.Execute(nodeCtx, ec, node.Config)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-result:
		if err != nil && errors.Is(nodeCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%w after %s: %v", ErrNodeTimeout, timeout, err)
		}
		return err
	case <-timer.C:
		return fmt.Errorf("%w after %s", ErrNodeTimeout, timeout)
	}
}

func (e *Engine) failNode(run *Run, node *Node, err error) {
	st, ok := run.finishNode(node.ID, NodeFailed, err)
	if !ok {
		return
	}
	e.metrics.nodeFinished(node.Type, NodeFailed, st.Duration)
	e.logger.Warn("node failed", "run_id", run.ID, "node_id", node.ID, "node_type", node.Type, "error", err)
	e.emitNode(EventNodeFail, run, st)
}

type panicError struct {
	value any
	stack string
}

func (p *panicError) Error() string {
	return fmt.Sprintf("executor panicked: %v", p.value)
}

func stackHead() string {
	lines := strings.Split(string(debug.Stack()), "\n")
	if len(lines) > maxStackLines {
		lines = lines[:maxStackLines]
	}
	return strings.Join(lines, "\n")
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
