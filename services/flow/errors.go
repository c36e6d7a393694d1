package flow

import (
	"errors"
	"fmt"
)

var (
	ErrCycleDetected      = errors.New("cycle detected")
	ErrNoTriggerNode      = errors.New("flow has no trigger node")
	ErrExecutorNotFound   = errors.New("no executor registered for node type")
	ErrNodeNotFound       = errors.New("node not found")
	ErrNodeTimeout        = errors.New("node execution timed out")
	ErrRunCancelled       = errors.New("run cancelled")
	ErrWaitTimeout        = errors.New("timed out waiting for run")
	ErrProjectUnavailable = errors.New("project capability not configured")
)

// Error codes attached to RunError.
const (
	CodeCycleDetected    = "CYCLE_DETECTED"
	CodeNoTriggerNode    = "NO_TRIGGER_NODE"
	CodeExecutorNotFound = "EXECUTOR_NOT_FOUND"
	CodeNodeFailed       = "NODE_EXECUTION_FAILED"
	CodeNodeTimeout      = "NODE_TIMEOUT"
	CodeCancelled        = "CANCELLED"
	CodeInternal         = "INTERNAL"
)

// RunError is the normalized failure attached to a run.
type RunError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	NodeID  string `json:"nodeId,omitempty"`
	Stack   string `json:"stack,omitempty"`
}

func (e *RunError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("%s: node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return e.Code + ": " + e.Message
}

// NodeError wraps a failure raised while executing a specific node.
type NodeError struct {
	NodeID string
	Stack  string
	Err    error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s: %v", e.NodeID, e.Err)
}

func (e *NodeError) Unwrap() error { return e.Err }

// toRunError maps any error that escaped the node loop to a RunError.
func toRunError(err error) *RunError {
	var re *RunError
	if errors.As(err, &re) {
		return re
	}

	out := &RunError{Code: CodeInternal, Message: err.Error()}

	var ne *NodeError
	if errors.As(err, &ne) {
		out.NodeID = ne.NodeID
		out.Stack = ne.Stack
		out.Message = ne.Err.Error()
		out.Code = CodeNodeFailed
	}

	switch {
	case errors.Is(err, ErrCycleDetected):
		out.Code = CodeCycleDetected
	case errors.Is(err, ErrNoTriggerNode):
		out.Code = CodeNoTriggerNode
	case errors.Is(err, ErrExecutorNotFound):
		out.Code = CodeExecutorNotFound
	case errors.Is(err, ErrNodeTimeout):
		out.Code = CodeNodeTimeout
	case errors.Is(err, ErrRunCancelled):
		out.Code = CodeCancelled
	}
	return out
}
