package flow

import (
	"log/slog"
	"time"

	"github.com/goccy/go-json"
)

// FlowSchema is the immutable node/edge graph a run executes.
type FlowSchema struct {
	ID            string    `json:"id"`
	Name          string    `json:"name,omitempty"`
	Nodes         []Node    `json:"nodes"`
	Edges         []Edge    `json:"edges"`
	TriggerNodeID string    `json:"triggerNodeId,omitempty"`
	Settings      Settings  `json:"settings"`
	CreatedAt     time.Time `json:"createdAt,omitempty"`
	UpdatedAt     time.Time `json:"updatedAt,omitempty"`
}

// Settings holds per-flow execution settings.
type Settings struct {
	// Timeout bounds a single node execution. Zero falls back to the engine default.
	// Encoded in JSON as milliseconds.
	Timeout       time.Duration
	ErrorHandling ErrorHandling
}

type settingsJSON struct {
	TimeoutMs     float64       `json:"timeout,omitempty"`
	ErrorHandling ErrorHandling `json:"errorHandling"`
}

func (s Settings) MarshalJSON() ([]byte, error) {
	return json.Marshal(settingsJSON{
		TimeoutMs:     float64(s.Timeout) / float64(time.Millisecond),
		ErrorHandling: s.ErrorHandling,
	})
}

func (s *Settings) UnmarshalJSON(data []byte) error {
	var raw settingsJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.Timeout = time.Duration(raw.TimeoutMs * float64(time.Millisecond))
	s.ErrorHandling = raw.ErrorHandling
	return nil
}

// ErrorHandling controls how node failures affect the run.
type ErrorHandling struct {
	ContinueOnError bool `json:"continueOnError"`
}

// NodeCategory groups node types by role in the graph.
type NodeCategory string

const (
	CategoryTrigger NodeCategory = "trigger"
	CategoryAction  NodeCategory = "action"
	CategoryLogic   NodeCategory = "logic"
	CategoryData    NodeCategory = "data"
)

// Node is a single unit of work, resolved to an executor by Type.
type Node struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Category NodeCategory   `json:"category"`
	Label    string         `json:"label,omitempty"`
	Config   map[string]any `json:"config,omitempty"`
	Disabled bool           `json:"disabled,omitempty"`
}

// Edge is a named output-to-input data channel between two nodes.
type Edge struct {
	ID         string `json:"id,omitempty"`
	SourceID   string `json:"sourceId"`
	SourcePort string `json:"sourcePort"`
	TargetID   string `json:"targetId"`
	TargetPort string `json:"targetPort"`
}

// TriggerData is the external payload that seeds the trigger node.
type TriggerData struct {
	Type      string    `json:"type"`
	Source    string    `json:"source"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s RunStatus) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// NodeStatus is the lifecycle state of one node within one run.
type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeRunning   NodeStatus = "running"
	NodeCompleted NodeStatus = "completed"
	NodeFailed    NodeStatus = "failed"
	NodeSkipped   NodeStatus = "skipped"
)

// IsTerminal reports whether the node has settled.
func (s NodeStatus) IsTerminal() bool {
	return s == NodeCompleted || s == NodeFailed || s == NodeSkipped
}

// Priority orders queued runs. Lower rank is admitted first.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

func (p Priority) rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// LogEntry is a single line appended by an executor through its context.
type LogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

// NodeState tracks one node within one run.
type NodeState struct {
	NodeID      string         `json:"nodeId"`
	Status      NodeStatus     `json:"status"`
	Inputs      map[string]any `json:"inputs"`
	Outputs     map[string]any `json:"outputs"`
	RetryCount  int            `json:"retryCount"`
	Logs        []LogEntry     `json:"logs,omitempty"`
	StartedAt   time.Time      `json:"startedAt,omitempty"`
	CompletedAt time.Time      `json:"completedAt,omitempty"`
	Duration    time.Duration  `json:"duration"`
	Error       string         `json:"error,omitempty"`
}

func newNodeState(nodeID string) *NodeState {
	return &NodeState{
		NodeID:  nodeID,
		Status:  NodePending,
		Inputs:  make(map[string]any),
		Outputs: make(map[string]any),
	}
}

func (s *NodeState) clone() NodeState {
	cp := *s
	cp.Inputs = copyMap(s.Inputs)
	cp.Outputs = copyMap(s.Outputs)
	if s.Logs != nil {
		cp.Logs = append([]LogEntry(nil), s.Logs...)
	}
	return cp
}

// RunSnapshot is a point-in-time copy of a run, safe to share across goroutines.
type RunSnapshot struct {
	ID          string                    `json:"id"`
	FlowID      string                    `json:"flowId"`
	Status      RunStatus                 `json:"status"`
	Priority    Priority                  `json:"priority"`
	ParentRunID string                    `json:"parentRunId,omitempty"`
	TriggerData TriggerData               `json:"triggerData"`
	Inputs      map[string]any            `json:"inputs,omitempty"`
	NodeStates  map[string]NodeState      `json:"nodeStates"`
	Variables   map[string]any            `json:"variables,omitempty"`
	CreatedAt   time.Time                 `json:"createdAt"`
	StartedAt   time.Time                 `json:"startedAt,omitempty"`
	CompletedAt time.Time                 `json:"completedAt,omitempty"`
	Duration    time.Duration             `json:"duration"`
	Outputs     map[string]map[string]any `json:"outputs,omitempty"`
	Error       *RunError                 `json:"error,omitempty"`
	RetryCount  int                       `json:"retryCount"`
}

// EventType names a lifecycle notification.
type EventType string

const (
	EventExecutionStart    EventType = "execution:start"
	EventExecutionComplete EventType = "execution:complete"
	EventExecutionFail     EventType = "execution:fail"
	EventExecutionCancel   EventType = "execution:cancel"
	EventNodeStart         EventType = "node:start"
	EventNodeComplete      EventType = "node:complete"
	EventNodeFail          EventType = "node:fail"
	EventNodeSkip          EventType = "node:skip"
	EventNodeRetry         EventType = "node:retry"
)

// IsTerminal reports whether the event ends a run.
func (t EventType) IsTerminal() bool {
	return t == EventExecutionComplete || t == EventExecutionFail || t == EventExecutionCancel
}

// Event is an immutable lifecycle notification. Run-level events carry a
// RunSnapshot in Data, node-level events carry a NodeState.
type Event struct {
	Type      EventType `json:"type"`
	RunID     string    `json:"runId"`
	NodeID    string    `json:"nodeId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// Status is the aggregate engine counter set returned by Engine.Status.
type Status struct {
	Running              bool          `json:"running"`
	ActiveRuns           int           `json:"activeRuns"`
	QueuedRuns           int           `json:"queuedRuns"`
	TotalExecutions      int64         `json:"totalExecutions"`
	SuccessfulExecutions int64         `json:"successfulExecutions"`
	FailedExecutions     int64         `json:"failedExecutions"`
	CancelledExecutions  int64         `json:"cancelledExecutions"`
	AverageDuration      time.Duration `json:"averageDuration"`
}

func levelName(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "error"
	case l >= slog.LevelWarn:
		return "warn"
	case l >= slog.LevelInfo:
		return "info"
	default:
		return "debug"
	}
}

func copyMap(m map[string]any) map[string]any {
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
