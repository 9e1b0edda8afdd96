package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rhagen/taskflow-go/flow/emit"
	"github.com/rhagen/taskflow-go/flow/store"
)

// Orchestrator is the entry point for the orchestration core: it validates
// and owns workflows, runs them through the parallel execution engine, and
// exposes state, subscriptions, and statistics.
//
// Every data structure is instance-owned; independent orchestrators can
// coexist (in tests or as a small coordinated set sharing one Store).
//
// Example:
//
//	orch, err := flow.New(
//	    flow.WithMaxConcurrency(8),
//	    flow.WithDefaultTaskTimeout(30*time.Second),
//	)
//	id, err := orch.SubmitWorkflow(ctx, tasks, nil)
//	results, err := orch.Execute(ctx, id, runner)
type Orchestrator struct {
	opts    Options
	state   *StateSynchronizer
	emitter emit.Emitter

	mu        sync.RWMutex
	workflows map[string]*workflowHandle
}

// workflowHandle bundles the per-workflow execution machinery.
type workflowHandle struct {
	id       string
	graph    *DepGraph
	tasks    []*Task
	recovery *RecoveryManager
	engine   *Engine
	cancel   context.CancelFunc
}

// New creates an Orchestrator from the given options.
func New(options ...Option) (*Orchestrator, error) {
	opts := defaultOptions()
	for _, opt := range options {
		if err := opt(&opts); err != nil {
			return nil, err
		}
	}

	return &Orchestrator{
		opts:      opts,
		state:     NewStateSynchronizer(opts.Store, opts.Emitter, opts.Metrics),
		emitter:   opts.Emitter,
		workflows: make(map[string]*workflowHandle),
	}, nil
}

// SubmitWorkflow validates the task graph and registers a new workflow.
//
// Validation runs synchronously: a malformed or cyclic graph is rejected
// here with a *ValidationError before anything executes. On success the
// workflow's state is created at version 0 with every task pending, and the
// generated workflow id is returned.
func (o *Orchestrator) SubmitWorkflow(ctx context.Context, tasks []*Task, sharedContext map[string]any) (string, error) {
	if len(tasks) == 0 {
		return "", &ValidationError{Errors: []string{"workflow has no tasks"}}
	}

	graph := NewDepGraph()
	taskIDs := make([]string, 0, len(tasks))
	seen := make(map[string]bool, len(tasks))
	var errs []string
	for _, task := range tasks {
		if task == nil || task.ID == "" {
			errs = append(errs, "task with empty id")
			continue
		}
		if seen[task.ID] {
			errs = append(errs, fmt.Sprintf("duplicate task id %s", task.ID))
			continue
		}
		seen[task.ID] = true
		taskIDs = append(taskIDs, task.ID)
		if err := graph.Add(task); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return "", &ValidationError{Errors: errs}
	}

	if result := graph.Validate(); !result.Valid {
		return "", &ValidationError{Errors: result.Errors}
	}

	id := uuid.NewString()
	if err := o.state.Register(ctx, id, taskIDs, sharedContext); err != nil {
		return "", err
	}

	recovery := NewRecoveryManager(o.opts.DefaultRetry, o.opts.JitterFraction)
	engine := NewEngine(graph, recovery, o.opts)
	handle := &workflowHandle{
		id:       id,
		graph:    graph,
		tasks:    tasks,
		recovery: recovery,
		engine:   engine,
	}

	o.mu.Lock()
	o.workflows[id] = handle
	o.mu.Unlock()

	o.emitter.Emit(emit.Event{
		WorkflowID: id,
		Msg:        "workflow_submitted",
		Timestamp:  time.Now(),
		Meta:       map[string]interface{}{"tasks": len(tasks)},
	})
	return id, nil
}

// Execute runs the workflow through the engine with the supplied runner,
// which is typically the agent router's dispatch function.
//
// Task completions and failures are mirrored into the synchronized state as
// they land; the workflow's aggregate status is derived from the final task
// statuses (failed if any task failed terminally or stayed blocked behind a
// failed hard dependency, completed otherwise).
func (o *Orchestrator) Execute(ctx context.Context, workflowID string, runner TaskRunner) ([]ExecutionResult, error) {
	handle, err := o.handle(workflowID)
	if err != nil {
		return nil, err
	}

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	o.mu.Lock()
	handle.cancel = cancel
	o.mu.Unlock()

	handle.engine.SetOnResult(func(res ExecutionResult) {
		ts := store.TaskState{
			Status:     string(res.Status),
			UpdatedAt:  time.Now(),
			RetryCount: 0,
		}
		if task, ok := handle.graph.Task(res.TaskID); ok {
			ts.RetryCount = task.RetryCount
		}
		if res.Err != nil {
			ts.Error = res.Err.Error()
		}
		// State write failures must not halt execution; subscribers see
		// the next successful merge.
		_, _ = o.state.UpdateTaskState(context.WithoutCancel(wctx), workflowID, res.TaskID, ts)
	})

	if _, err := o.state.UpdateWorkflowStatus(ctx, workflowID, StatusRunning); err != nil {
		return nil, err
	}

	results, execErr := handle.engine.ExecuteParallel(wctx, workflowID, runner)

	final := deriveWorkflowStatus(results, execErr)
	_, _ = o.state.UpdateWorkflowStatus(context.WithoutCancel(ctx), workflowID, final)
	o.emitter.Emit(emit.Event{
		WorkflowID: workflowID,
		Msg:        "workflow_" + string(final),
		Timestamp:  time.Now(),
	})

	return results, execErr
}

// deriveWorkflowStatus folds task results into the aggregate status.
func deriveWorkflowStatus(results []ExecutionResult, execErr error) Status {
	if execErr != nil && errors.Is(execErr, context.Canceled) {
		return StatusCanceled
	}
	for _, res := range results {
		switch res.Status {
		case StatusFailed, StatusTimeout, StatusPending:
			return StatusFailed
		}
	}
	return StatusCompleted
}

// GetExecutionOrder returns the hard-edge topological order for the
// workflow's tasks, or a *CycleError.
func (o *Orchestrator) GetExecutionOrder(workflowID string) ([]string, error) {
	handle, err := o.handle(workflowID)
	if err != nil {
		return nil, err
	}
	return handle.graph.ExecutionOrder()
}

// GetReadyTasks returns the ids of tasks currently eligible for scheduling.
func (o *Orchestrator) GetReadyTasks(workflowID string) ([]string, error) {
	handle, err := o.handle(workflowID)
	if err != nil {
		return nil, err
	}
	ready := handle.graph.ReadyTasks()
	ids := make([]string, len(ready))
	for i, task := range ready {
		ids[i] = task.ID
	}
	return ids, nil
}

// UpdateTaskStatus records a task status change in both the graph and the
// synchronized state.
func (o *Orchestrator) UpdateTaskStatus(ctx context.Context, workflowID, taskID string, status Status) error {
	handle, err := o.handle(workflowID)
	if err != nil {
		return err
	}
	if err := handle.graph.UpdateTaskStatus(taskID, status); err != nil {
		return err
	}
	task, _ := handle.graph.Task(taskID)
	ts := store.TaskState{Status: string(status), UpdatedAt: time.Now()}
	if task != nil {
		ts.RetryCount = task.RetryCount
	}
	_, err = o.state.UpdateTaskState(ctx, workflowID, taskID, ts)
	return err
}

// GetState returns the workflow's current state snapshot.
func (o *Orchestrator) GetState(ctx context.Context, workflowID string) (store.WorkflowState, error) {
	return o.state.GetState(ctx, workflowID)
}

// UpdateContext merges a partial shared context into the workflow state.
func (o *Orchestrator) UpdateContext(ctx context.Context, workflowID string, partial map[string]any) (store.WorkflowState, error) {
	return o.state.UpdateContext(ctx, workflowID, partial)
}

// Subscribe registers for the workflow's state-change notifications.
func (o *Orchestrator) Subscribe(workflowID string) (<-chan StateChange, func(), error) {
	if _, err := o.handle(workflowID); err != nil {
		return nil, nil, err
	}
	ch, cancel := o.state.Subscribe(workflowID)
	return ch, cancel, nil
}

// SetRetryStrategy overrides the retry strategy for one task type within
// the workflow.
func (o *Orchestrator) SetRetryStrategy(workflowID, taskType string, strategy RetryStrategy) error {
	handle, err := o.handle(workflowID)
	if err != nil {
		return err
	}
	return handle.recovery.SetStrategy(taskType, strategy)
}

// CancelWorkflow aborts the workflow: pending retries are canceled,
// in-flight tasks are abandoned best-effort, and the aggregate status
// becomes canceled. Side effects of already-running tasks are not rolled
// back.
func (o *Orchestrator) CancelWorkflow(ctx context.Context, workflowID string) error {
	handle, err := o.handle(workflowID)
	if err != nil {
		return err
	}

	o.mu.RLock()
	cancel := handle.cancel
	o.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
	handle.recovery.CancelAll()

	_, err = o.state.UpdateWorkflowStatus(ctx, workflowID, StatusCanceled)
	return err
}

// Archive removes a terminal workflow from the active store and releases
// its execution machinery.
func (o *Orchestrator) Archive(ctx context.Context, workflowID string) error {
	if _, err := o.handle(workflowID); err != nil {
		return err
	}
	if err := o.state.Archive(ctx, workflowID); err != nil {
		return err
	}
	o.mu.Lock()
	delete(o.workflows, workflowID)
	o.mu.Unlock()
	return nil
}

// ActiveWorkflows lists workflows not yet in a terminal status.
func (o *Orchestrator) ActiveWorkflows(ctx context.Context) ([]string, error) {
	return o.state.ActiveWorkflows(ctx)
}

// StateStats aggregates store-level statistics across workflows.
func (o *Orchestrator) StateStats(ctx context.Context) (StateStats, error) {
	return o.state.Stats(ctx)
}

// WorkflowStats aggregates the per-component statistics for one workflow.
type WorkflowStats struct {
	Graph     GraphStats
	Execution ExecutionStats
	Recovery  RecoveryStats
}

// GetStats reports dependency, execution, and recovery statistics.
func (o *Orchestrator) GetStats(workflowID string) (WorkflowStats, error) {
	handle, err := o.handle(workflowID)
	if err != nil {
		return WorkflowStats{}, err
	}
	return WorkflowStats{
		Graph:     handle.graph.Stats(),
		Execution: handle.engine.Stats(),
		Recovery:  handle.recovery.Stats(),
	}, nil
}

// handle resolves a workflow id to its execution machinery.
func (o *Orchestrator) handle(workflowID string) (*workflowHandle, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	handle, ok := o.workflows[workflowID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkflow, workflowID)
	}
	return handle, nil
}
