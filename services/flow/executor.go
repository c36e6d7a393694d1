package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Executor performs the side effect of one node type. Results are published
// through ExecutionContext.SetOutput.
type Executor interface {
	Type() string
	Execute(ctx context.Context, ec ExecutionContext, config map[string]any) error
}

// Initializer is implemented by executors that need setup when the engine starts.
type Initializer interface {
	Init(ctx context.Context) error
}

// Cleaner is implemented by executors that hold resources released on engine stop.
type Cleaner interface {
	Cleanup(ctx context.Context) error
}

// ExecutionContext is the capability set handed to a running executor.
type ExecutionContext interface {
	RunID() string
	NodeID() string

	GetVariable(key string) (any, bool)
	SetVariable(key string, value any)

	Log(level slog.Level, message string, data map[string]any)

	GetInput(port string) (any, bool)
	Inputs() map[string]any
	SetOutput(port string, value any)
	RunInputs() map[string]any

	// ExecuteChild runs another node of the same run out of band and returns its outputs.
	ExecuteChild(ctx context.Context, nodeID string, inputs map[string]any) (map[string]any, error)

	Cancel(reason string)
	IsCancelled() bool
	Sleep(ctx context.Context, d time.Duration) error

	HTTP() HTTPClient
	Env() Env
	Project() ProjectStore
}

// Registry maps node type strings to their executor implementation.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// DefaultRegistry creates a registry populated with all built-in executor types.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(&LogExecutor{})
	r.Register(&SetVariableExecutor{})
	r.Register(&DelayExecutor{})
	r.Register(&HTTPRequestExecutor{})
	r.Register(&ConditionExecutor{})
	r.Register(&MergeExecutor{})
	return r
}

// Register adds an executor, replacing any previous one with the same type.
func (r *Registry) Register(e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[e.Type()] = e
}

// Get returns the executor for nodeType.
func (r *Registry) Get(nodeType string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[nodeType]
	return e, ok
}

func (r *Registry) Has(nodeType string) bool {
	_, ok := r.Get(nodeType)
	return ok
}

// Types returns the registered node types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.executors))
	for t := range r.executors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// InitAll initializes executors in type order and stops at the first failure.
func (r *Registry) InitAll(ctx context.Context) error {
	for _, t := range r.Types() {
		e, _ := r.Get(t)
		in, ok := e.(Initializer)
		if !ok {
			continue
		}
		if err := in.Init(ctx); err != nil {
			return fmt.Errorf("init executor %q: %w", t, err)
		}
	}
	return nil
}

// CleanupAll releases every executor and reports all failures together.
func (r *Registry) CleanupAll(ctx context.Context) error {
	var errs []error
	for _, t := range r.Types() {
		e, _ := r.Get(t)
		c, ok := e.(Cleaner)
		if !ok {
			continue
		}
		if err := c.Cleanup(ctx); err != nil {
			errs = append(errs, fmt.Errorf("cleanup executor %q: %w", t, err))
		}
	}
	return errors.Join(errs...)
}
