package flow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"dario.cat/mergo"
	"github.com/google/uuid"
)

// Run is one execution of a flow schema. Identity fields are immutable after
// construction; mutable state is guarded by mu and read through accessors or
// Snapshot.
type Run struct {
	ID          string
	FlowID      string
	Schema      *FlowSchema
	Priority    Priority
	ParentRunID string
	TriggerData TriggerData
	Inputs      map[string]any
	CreatedAt   time.Time

	// Set by the scheduler on admission, before the run's goroutine starts.
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.RWMutex
	status      RunStatus
	nodeStates  map[string]*NodeState
	variables   map[string]any
	startedAt   time.Time
	completedAt time.Time
	duration    time.Duration
	outputs     map[string]map[string]any
	err         *RunError
	retryCount  int
}

func newRun(schema *FlowSchema, trigger TriggerData, inputs map[string]any, opts ExecuteOptions) *Run {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	if trigger.Timestamp.IsZero() {
		trigger.Timestamp = time.Now().UTC()
	}
	priority := opts.Priority
	if priority == "" {
		priority = PriorityNormal
	}

	r := &Run{
		ID:          id.String(),
		FlowID:      schema.ID,
		Schema:      schema,
		Priority:    priority,
		ParentRunID: opts.ParentRunID,
		TriggerData: trigger,
		Inputs:      copyMap(inputs),
		CreatedAt:   time.Now().UTC(),
		status:      RunPending,
		nodeStates:  make(map[string]*NodeState, len(schema.Nodes)),
		variables:   make(map[string]any),
	}
	for _, n := range schema.Nodes {
		r.nodeStates[n.ID] = newNodeState(n.ID)
	}
	return r
}

// Status returns the current run status.
func (r *Run) Status() RunStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// NodeState returns a copy of the state of nodeID.
func (r *Run) NodeState(nodeID string) (NodeState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.nodeStates[nodeID]
	if !ok {
		return NodeState{}, false
	}
	return st.clone(), true
}

// Variable returns a run-scoped variable.
func (r *Run) Variable(key string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.variables[key]
	return v, ok
}

// Snapshot returns a copy of the run that is safe to retain and share.
func (r *Run) Snapshot() RunSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := RunSnapshot{
		ID:          r.ID,
		FlowID:      r.FlowID,
		Status:      r.status,
		Priority:    r.Priority,
		ParentRunID: r.ParentRunID,
		TriggerData: r.TriggerData,
		Inputs:      copyMap(r.Inputs),
		NodeStates:  make(map[string]NodeState, len(r.nodeStates)),
		Variables:   copyMap(r.variables),
		CreatedAt:   r.CreatedAt,
		StartedAt:   r.startedAt,
		CompletedAt: r.completedAt,
		Duration:    r.duration,
		RetryCount:  r.retryCount,
	}
	for id, st := range r.nodeStates {
		snap.NodeStates[id] = st.clone()
	}
	if r.outputs != nil {
		snap.Outputs = make(map[string]map[string]any, len(r.outputs))
		for id, out := range r.outputs {
			snap.Outputs[id] = copyMap(out)
		}
	}
	if r.err != nil {
		e := *r.err
		snap.Error = &e
	}
	return snap
}

// begin moves an admitted run to running. It fails if the run was cancelled
// between admission and start.
func (r *Run) begin() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != RunPending {
		return false
	}
	r.status = RunRunning
	r.startedAt = time.Now().UTC()
	return true
}

// finish sets a terminal status exactly once and reports whether this call did it.
func (r *Run) finish(status RunStatus, runErr *RunError, outputs map[string]map[string]any) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.IsTerminal() {
		return false
	}
	now := time.Now().UTC()
	if r.startedAt.IsZero() {
		r.startedAt = now
	}
	r.status = status
	r.completedAt = now
	r.duration = now.Sub(r.startedAt)
	r.err = runErr
	if outputs != nil {
		r.outputs = outputs
	}
	return true
}

// complete finishes a run that is still running, collecting terminal outputs.
func (r *Run) complete(triggerID string) bool {
	r.mu.Lock()
	if r.status != RunRunning {
		r.mu.Unlock()
		return false
	}
	outgoing := buildEdgeMap(r.Schema.Edges)
	outputs := make(map[string]map[string]any)
	for _, n := range r.Schema.Nodes {
		if n.ID == triggerID || len(outgoing[n.ID]) > 0 {
			continue
		}
		if st := r.nodeStates[n.ID]; st != nil && st.Status == NodeCompleted {
			outputs[n.ID] = copyMap(st.Outputs)
		}
	}
	r.mu.Unlock()

	return r.finish(RunCompleted, nil, outputs)
}

func (r *Run) setVariable(key string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.variables[key] = value
}

// seedTrigger marks the trigger node completed with outputs derived only
// from the trigger payload.
func (r *Run) seedTrigger(nodeID string) NodeState {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.nodeStates[nodeID]
	now := time.Now().UTC()
	st.Outputs = map[string]any{
		"data":      r.TriggerData.Data,
		"timestamp": r.TriggerData.Timestamp,
		"source":    r.TriggerData.Source,
		"type":      r.TriggerData.Type,
	}
	st.Status = NodeCompleted
	st.StartedAt = now
	st.CompletedAt = now
	return st.clone()
}

// eligible reports whether at least one incoming edge comes from a completed node.
func (r *Run) eligible(incoming []Edge) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, edge := range incoming {
		if st := r.nodeStates[edge.SourceID]; st != nil && st.Status == NodeCompleted {
			return true
		}
	}
	return false
}

// startNode marks nodeID running and writes inputs gathered from completed
// predecessors. Later edges to the same port overwrite earlier ones.
func (r *Run) startNode(nodeID string, incoming []Edge) (NodeState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.nodeStates[nodeID]
	if st.Status != NodePending {
		return NodeState{}, fmt.Errorf("node %q is already %s", nodeID, st.Status)
	}
	for _, edge := range incoming {
		src := r.nodeStates[edge.SourceID]
		if src == nil || src.Status != NodeCompleted {
			continue
		}
		st.Inputs[edge.TargetPort] = src.Outputs[edge.SourcePort]
	}
	st.Status = NodeRunning
	st.StartedAt = time.Now().UTC()
	return st.clone(), nil
}

// finishNode records the final status of nodeID. It reports false and leaves
// the state alone unless the node is still running, so a late executor
// cannot overwrite a node the driver already skipped.
func (r *Run) finishNode(nodeID string, status NodeStatus, err error) (NodeState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.nodeStates[nodeID]
	if st.Status != NodeRunning {
		return st.clone(), false
	}
	now := time.Now().UTC()
	st.Status = status
	st.CompletedAt = now
	if !st.StartedAt.IsZero() {
		st.Duration = now.Sub(st.StartedAt)
	}
	if err != nil {
		st.Error = err.Error()
	}
	return st.clone(), true
}

// skipNode marks a node skipped.
func (r *Run) skipNode(nodeID, reason string) NodeState {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.nodeStates[nodeID]
	st.Status = NodeSkipped
	st.CompletedAt = time.Now().UTC()
	st.Logs = append(st.Logs, LogEntry{Timestamp: st.CompletedAt, Level: "info", Message: "skipped: " + reason})
	return st.clone()
}

func (r *Run) nodeStatus(nodeID string) NodeStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if st := r.nodeStates[nodeID]; st != nil {
		return st.Status
	}
	return ""
}

func (r *Run) noteRetry(nodeID string) NodeState {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.nodeStates[nodeID]
	st.RetryCount++
	return st.clone()
}

// mergeInputs folds supplied values into a node's input map before an out-of-band execution.
func (r *Run) mergeInputs(nodeID string, inputs map[string]any) error {
	if len(inputs) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.nodeStates[nodeID]
	if err := mergo.Merge(&st.Inputs, inputs, mergo.WithOverride); err != nil {
		return fmt.Errorf("merge inputs for node %q: %w", nodeID, err)
	}
	return nil
}

func (r *Run) input(nodeID, port string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.nodeStates[nodeID].Inputs[port]
	return v, ok
}

func (r *Run) inputs(nodeID string) map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyMap(r.nodeStates[nodeID].Inputs)
}

func (r *Run) setOutput(nodeID, port string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodeStates[nodeID].Outputs[port] = value
}

func (r *Run) outputsOf(nodeID string) map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyMap(r.nodeStates[nodeID].Outputs)
}

func (r *Run) appendLog(nodeID string, entry LogEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.nodeStates[nodeID]
	st.Logs = append(st.Logs, entry)
}
