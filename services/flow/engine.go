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

const (
	defaultMaxConcurrent  = 10
	defaultTimeout        = 30 * time.Second
	defaultRetryDelay     = time.Second
	defaultRetryBackoff   = 2.0
	shutdownCancelMessage = "Engine shutdown"
	// recentRunsLimit bounds how many finished runs LookupRun still serves
	// from memory while the recorder catches up.
	recentRunsLimit = 100
)

// Config configures an Engine. Zero values are replaced by defaults.
type Config struct {
	// MaxConcurrent caps the number of runs executing at once.
	MaxConcurrent int
	// DefaultTimeout bounds a node when the flow sets no timeout, and bounds
	// ExecuteAndWait when the caller sets none.
	DefaultTimeout time.Duration
	// Debug echoes every node log line to Logger.
	Debug bool
	Retry RetryConfig

	CustomExecutors []Executor
	// Registry defaults to DefaultRegistry().
	Registry *Registry

	Logger     *slog.Logger
	Metrics    *Metrics
	HTTPClient HTTPClient
	Env        Env
	Project    ProjectStore
}

// RetryConfig controls automatic per-node retries. MaxAttempts counts the
// first attempt, so 1 disables retries.
type RetryConfig struct {
	MaxAttempts       int
	Delay             time.Duration
	BackoffMultiplier float64
}

// delay returns the wait before the given retry (1-based).
func (c RetryConfig) delay(retry int) time.Duration {
	d := float64(c.Delay)
	for i := 1; i < retry; i++ {
		d *= c.BackoffMultiplier
	}
	return time.Duration(d)
}

// ExecuteOptions are the per-call options for Execute and ExecuteAndWait.
type ExecuteOptions struct {
	Priority    Priority
	ParentRunID string
	// Timeout only applies to ExecuteAndWait.
	Timeout time.Duration
}

// Engine schedules flow runs and drives them to completion.
type Engine struct {
	cfg      Config
	registry *Registry
	bus      *EventBus
	logger   *slog.Logger
	metrics  *Metrics
	http     HTTPClient
	env      Env
	project  ProjectStore

	lifecycle sync.Mutex

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	queue   []*Run
	active  map[string]*Run
	stats   engineStats

	recent      map[string]*Run
	recentOrder []string

	wg sync.WaitGroup
}

type engineStats struct {
	total         int64
	succeeded     int64
	failed        int64
	cancelled     int64
	totalDuration time.Duration
}

// NewEngine creates an engine. It does not admit runs until Start is called.
func NewEngine(cfg Config) *Engine {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 1
	}
	if cfg.Retry.Delay <= 0 {
		cfg.Retry.Delay = defaultRetryDelay
	}
	if cfg.Retry.BackoffMultiplier < 1 {
		cfg.Retry.BackoffMultiplier = defaultRetryBackoff
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = NewHTTPClient(cfg.DefaultTimeout)
	}
	if cfg.Env == nil {
		cfg.Env = SnapshotEnv()
	}
	if cfg.Project == nil {
		cfg.Project = unavailableProject{}
	}
	if cfg.Registry == nil {
		cfg.Registry = DefaultRegistry()
	}
	for _, e := range cfg.CustomExecutors {
		cfg.Registry.Register(e)
	}

	logger := cfg.Logger.With("component", "flow-engine")
	return &Engine{
		cfg:      cfg,
		registry: cfg.Registry,
		bus:      NewEventBus(logger),
		logger:   logger,
		metrics:  cfg.Metrics,
		http:     cfg.HTTPClient,
		env:      cfg.Env,
		project:  cfg.Project,
		active:   make(map[string]*Run),
		recent:   make(map[string]*Run),
	}
}

// Registry returns the executor registry owned by the engine.
func (e *Engine) Registry() *Registry { return e.registry }

// Events returns the engine's event bus.
func (e *Engine) Events() *EventBus { return e.bus }

// Subscribe registers a listener for every engine event.
func (e *Engine) Subscribe(fn func(Event)) func() { return e.bus.Subscribe(fn) }

// Start initializes executors and begins admitting queued runs. Calling
// Start on a running engine is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	e.mu.Lock()
	running := e.running
	e.mu.Unlock()
	if running {
		return nil
	}

	if err := e.registry.InitAll(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	e.mu.Lock()
	e.ctx, e.cancel = context.WithCancel(context.WithoutCancel(ctx))
	e.running = true
	e.mu.Unlock()

	e.logger.Info("flow engine started",
		"max_concurrent", e.cfg.MaxConcurrent,
		"default_timeout", e.cfg.DefaultTimeout,
		"executors", e.registry.Types(),
	)

	e.admit()
	return nil
}

// Stop cancels every active run, waits for their drivers to return (bounded
// by ctx) and cleans up executors. Queued runs stay queued. Calling Stop on
// a stopped engine is a no-op.
func (e *Engine) Stop(ctx context.Context) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	ids := make([]string, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		e.CancelExecution(id, shutdownCancelMessage)
	}

	var errs []error
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("wait for runs: %w", ctx.Err()))
	}

	e.mu.Lock()
	e.cancel()
	e.mu.Unlock()

	if err := e.registry.CleanupAll(ctx); err != nil {
		errs = append(errs, err)
	}

	e.logger.Info("flow engine stopped", "cancelled_runs", len(ids))
	return errors.Join(errs...)
}

// Execute queues a run of schema and returns it immediately. Failures are
// reported asynchronously through events and the run's status.
func (e *Engine) Execute(schema *FlowSchema, trigger TriggerData, inputs map[string]any, opts ExecuteOptions) (*Run, error) {
	if schema == nil {
		return nil, errors.New("flow schema is required")
	}
	run := newRun(schema, trigger, inputs, opts)
	e.enqueue(run)
	return run, nil
}

// ExecuteAndWait queues a run and blocks until it reaches a terminal status.
// A failed or cancelled run is returned without error. If the wait times out
// the run is cancelled first and ErrWaitTimeout is returned with its snapshot.
func (e *Engine) ExecuteAndWait(ctx context.Context, schema *FlowSchema, trigger TriggerData, inputs map[string]any, opts ExecuteOptions) (RunSnapshot, error) {
	if schema == nil {
		return RunSnapshot{}, errors.New("flow schema is required")
	}
	run := newRun(schema, trigger, inputs, opts)

	waitCtx, stopWaiting := context.WithCancel(ctx)
	defer stopWaiting()
	terminal := e.bus.SubscribeChan(waitCtx, 1, func(ev Event) bool {
		return ev.RunID == run.ID && ev.Type.IsTerminal()
	})

	e.enqueue(run)

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ev, ok := <-terminal:
		if !ok {
			// Closed only once ctx is done.
			e.abandon(run, "Caller stopped waiting")
			return run.Snapshot(), ctx.Err()
		}
		if snap, isSnap := ev.Data.(RunSnapshot); isSnap {
			return snap, nil
		}
		return run.Snapshot(), nil
	case <-timer.C:
		e.abandon(run, "Execution wait timed out")
		return run.Snapshot(), fmt.Errorf("%w %s after %s", ErrWaitTimeout, run.ID, timeout)
	case <-ctx.Done():
		e.abandon(run, "Caller stopped waiting")
		return run.Snapshot(), ctx.Err()
	}
}

// CancelExecution cancels an active run. It returns false when the run is
// not active, either because it already finished or was never admitted.
// Cancellation is cooperative: an executor already in flight is signalled
// through its context but is not interrupted.
func (e *Engine) CancelExecution(runID, reason string) bool {
	e.mu.Lock()
	run, ok := e.active[runID]
	if ok {
		delete(e.active, runID)
	}
	e.mu.Unlock()
	if !ok {
		return false
	}

	cancelled := run.finish(RunCancelled, &RunError{Code: CodeCancelled, Message: reason}, nil)
	if run.cancel != nil {
		run.cancel()
	}
	if cancelled {
		e.logger.Info("run cancelled", "run_id", run.ID, "flow_id", run.FlowID, "reason", reason)
		e.recordFinish(run)
		e.emitRun(EventExecutionCancel, run)
	}
	e.admit()
	return cancelled
}

// Status returns aggregate engine counters.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := Status{
		Running:              e.running,
		ActiveRuns:           len(e.active),
		QueuedRuns:           len(e.queue),
		TotalExecutions:      e.stats.total,
		SuccessfulExecutions: e.stats.succeeded,
		FailedExecutions:     e.stats.failed,
		CancelledExecutions:  e.stats.cancelled,
	}
	if finished := e.stats.succeeded + e.stats.failed + e.stats.cancelled; finished > 0 {
		st.AverageDuration = e.stats.totalDuration / time.Duration(finished)
	}
	return st
}

// LookupRun returns a queued or active run, or one of the most recently
// finished runs still held in memory.
func (e *Engine) LookupRun(runID string) (*Run, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if run, ok := e.active[runID]; ok {
		return run, true
	}
	for _, run := range e.queue {
		if run.ID == runID {
			return run, true
		}
	}
	run, ok := e.recent[runID]
	return run, ok
}

func (e *Engine) enqueue(run *Run) {
	e.mu.Lock()
	e.queue = append(e.queue, run)
	sort.SliceStable(e.queue, func(i, j int) bool {
		return e.queue[i].Priority.rank() < e.queue[j].Priority.rank()
	})
	e.stats.total++
	e.metrics.setQueue(len(e.active), len(e.queue))
	e.mu.Unlock()

	e.metrics.runSubmitted()
	e.logger.Debug("run queued", "run_id", run.ID, "flow_id", run.FlowID, "priority", run.Priority)
	e.admit()
}

// admit promotes queued runs into the active set while slots are free and
// starts each one on its own goroutine.
func (e *Engine) admit() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	var started []*Run
	for len(e.queue) > 0 && len(e.active) < e.cfg.MaxConcurrent {
		run := e.queue[0]
		e.queue = e.queue[1:]
		run.ctx, run.cancel = context.WithCancel(e.ctx)
		e.active[run.ID] = run
		started = append(started, run)
	}
	e.wg.Add(len(started))
	e.metrics.setQueue(len(e.active), len(e.queue))
	e.mu.Unlock()

	for _, run := range started {
		go func(run *Run) {
			defer e.wg.Done()
			e.executeRun(run)
		}(run)
	}
}

// release frees the run's slot and re-evaluates admission.
func (e *Engine) release(run *Run) {
	e.mu.Lock()
	delete(e.active, run.ID)
	e.metrics.setQueue(len(e.active), len(e.queue))
	e.mu.Unlock()

	if run.cancel != nil {
		run.cancel()
	}
	e.admit()
}

// abandon stops a run the caller no longer waits for, whether it is active
// or still queued.
func (e *Engine) abandon(run *Run, reason string) {
	if e.CancelExecution(run.ID, reason) {
		return
	}

	e.mu.Lock()
	removed := false
	for i, queued := range e.queue {
		if queued.ID == run.ID {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			removed = true
			break
		}
	}
	e.metrics.setQueue(len(e.active), len(e.queue))
	e.mu.Unlock()

	if removed && run.finish(RunCancelled, &RunError{Code: CodeCancelled, Message: reason}, nil) {
		e.recordFinish(run)
		e.emitRun(EventExecutionCancel, run)
	}
}

func (e *Engine) recordFinish(run *Run) {
	snap := run.Snapshot()

	e.mu.Lock()
	switch snap.Status {
	case RunCompleted:
		e.stats.succeeded++
	case RunFailed:
		e.stats.failed++
	case RunCancelled:
		e.stats.cancelled++
	}
	e.stats.totalDuration += snap.Duration
	e.remember(run)
	e.mu.Unlock()

	e.metrics.runFinished(snap.Status, snap.Duration)
}

// remember keeps a finished run reachable through LookupRun, evicting the
// oldest once recentRunsLimit is exceeded. Callers hold e.mu.
func (e *Engine) remember(run *Run) {
	if _, ok := e.recent[run.ID]; ok {
		return
	}
	e.recent[run.ID] = run
	e.recentOrder = append(e.recentOrder, run.ID)
	for len(e.recentOrder) > recentRunsLimit {
		delete(e.recent, e.recentOrder[0])
		e.recentOrder = e.recentOrder[1:]
	}
}

func (e *Engine) emitRun(t EventType, run *Run) {
	e.bus.Emit(Event{
		Type:      t,
		RunID:     run.ID,
		Timestamp: time.Now().UTC(),
		Data:      run.Snapshot(),
	})
}

func (e *Engine) emitNode(t EventType, run *Run, st NodeState) {
	e.bus.Emit(Event{
		Type:      t,
		RunID:     run.ID,
		NodeID:    st.NodeID,
		Timestamp: time.Now().UTC(),
		Data:      st,
	})
}
