package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rhagen/taskflow-go/flow/emit"
)

// Engine executes a workflow's tasks concurrently under a worker-count
// ceiling, honoring the dependency graph as tasks complete.
//
// The execution loop repeatedly:
//  1. Asks the DepGraph for the current ready set.
//  2. Orders ready tasks through the priority queue.
//  3. Launches tasks up to the remaining worker budget.
//  4. On each completion or failure, updates the graph and recomputes
//     readiness; newly unblocked tasks enter the queue next iteration.
//  5. Terminates when every task is terminal or permanently blocked.
//
// Because the graph is validated acyclic over hard edges before execution
// starts, the loop always terminates: every iteration either launches work
// or waits on bounded in-flight work.
//
// Failures are routed through the RecoveryManager (when configured) before
// being finalized; retryable ones re-enter the ready set after backoff.
type Engine struct {
	graph    *DepGraph
	recovery *RecoveryManager
	opts     Options
	emitter  emit.Emitter
	metrics  *Metrics

	// onResult, if set, observes each final ExecutionResult as it lands.
	onResult func(ExecutionResult)

	mu    sync.Mutex
	stats executionCounters
}

// executionCounters accumulates engine statistics across runs.
type executionCounters struct {
	completed int
	failed    int
	timedOut  int
	totalExec time.Duration
	peak      int
}

// NewEngine creates an engine over the given graph. recovery may be nil to
// disable retries; every failure is then final.
func NewEngine(graph *DepGraph, recovery *RecoveryManager, opts Options) *Engine {
	if opts.MaxConcurrency < 1 {
		opts.MaxConcurrency = defaultOptions().MaxConcurrency
	}
	if opts.QueueCapacity < 1 {
		opts.QueueCapacity = defaultOptions().QueueCapacity
	}
	emitter := opts.Emitter
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &Engine{
		graph:    graph,
		recovery: recovery,
		opts:     opts,
		emitter:  emitter,
		metrics:  opts.Metrics,
	}
}

// SetOnResult registers an observer for final task results. Must be called
// before ExecuteParallel.
func (e *Engine) SetOnResult(fn func(ExecutionResult)) {
	e.onResult = fn
}

// taskDone is one worker completion delivered to the execution loop.
type taskDone struct {
	task     *Task
	start    time.Time
	elapsed  time.Duration
	err      error
	timedOut bool
}

// ExecuteParallel runs every task in the graph and returns one
// ExecutionResult per task. Output order is unspecified; each result
// carries its actual start time so callers can reconstruct execution order.
//
// Tasks whose hard dependencies fail terminally never become ready; they
// are reported with StatusPending and a DEPENDENCY_FAILED error, and the
// workflow finishes partially failed.
//
// Canceling ctx stops launching new work, cancels pending retries, and
// abandons in-flight tasks best-effort; side effects of already-running
// tasks are not rolled back.
func (e *Engine) ExecuteParallel(ctx context.Context, workflowID string, runner TaskRunner) ([]ExecutionResult, error) {
	if runner == nil {
		return nil, fmt.Errorf("task runner cannot be nil")
	}

	total := e.graph.Size()
	queue := NewPriorityQueue(e.opts.QueueCapacity)
	events := make(chan taskDone, total)
	resubmits := make(chan *Task, total)

	queued := make(map[string]bool, total)
	results := make(map[string]ExecutionResult, total)

	inflight := 0
	retriesPending := 0

	finalize := func(done taskDone, status Status) {
		_ = e.graph.UpdateTaskStatus(done.task.ID, status)
		res := ExecutionResult{
			TaskID:        done.task.ID,
			Status:        status,
			StartTime:     done.start,
			ExecutionTime: done.elapsed,
			Err:           done.err,
		}
		results[done.task.ID] = res
		e.recordResult(workflowID, done.task, res)
		if e.onResult != nil {
			e.onResult(res)
		}
	}

	for {
		// Canceled workflows stop here even if a completion event raced
		// ahead of the ctx.Done select arm.
		if ctx.Err() != nil {
			e.drainCancel(workflowID)
			return collectResults(e.graph, results), ctx.Err()
		}

		// Feed newly ready tasks into the priority queue.
		for _, task := range e.graph.ReadyTasks() {
			if queued[task.ID] {
				continue
			}
			if err := queue.Add(task); err != nil {
				if e.metrics != nil {
					e.metrics.IncrementBackpressure(workflowID, "queue_full")
				}
				break
			}
			queued[task.ID] = true
		}
		if e.metrics != nil {
			e.metrics.UpdateQueueDepth(queue.Len())
		}

		// Launch up to the remaining worker budget.
		for inflight < e.opts.MaxConcurrency {
			task, ok := queue.Next()
			if !ok {
				break
			}
			delete(queued, task.ID)
			inflight++
			e.noteConcurrency(inflight)
			e.launch(ctx, workflowID, task, runner, events)
		}

		// Done when nothing is running, queued, pending retry, or ready.
		if inflight == 0 && retriesPending == 0 && queue.Len() == 0 && len(e.graph.ReadyTasks()) == 0 {
			break
		}

		select {
		case <-ctx.Done():
			e.drainCancel(workflowID)
			return collectResults(e.graph, results), ctx.Err()

		case task := <-resubmits:
			retriesPending--
			delete(queued, task.ID)

		case done := <-events:
			inflight--
			if e.metrics != nil {
				e.metrics.UpdateInflightTasks(inflight)
			}

			if done.err == nil {
				finalize(done, StatusCompleted)
				continue
			}

			failStatus := StatusFailed
			if done.timedOut {
				failStatus = StatusTimeout
			}

			if e.recovery == nil {
				finalize(done, failStatus)
				continue
			}

			action := e.recovery.HandleFailure(done.task, done.err)
			if action.Action != ActionRetry {
				finalize(done, failStatus)
				continue
			}

			// Keep the failed status visible while the backoff runs;
			// the fired retry resets the task to pending.
			_ = e.graph.UpdateTaskStatus(done.task.ID, failStatus)
			retriesPending++
			if e.metrics != nil {
				e.metrics.IncrementRetries(workflowID, done.task.Type, string(action.Category))
			}
			e.emitter.Emit(emit.Event{
				WorkflowID: workflowID,
				TaskID:     done.task.ID,
				Msg:        "task_retry",
				Timestamp:  time.Now(),
				Meta: map[string]interface{}{
					"attempt":       action.Attempt,
					"delay_seconds": int(action.Delay.Seconds()),
					"category":      string(action.Category),
					"error":         done.err.Error(),
				},
			})

			if err := e.recovery.ExecuteRecovery(ctx, done.task, action, func(t *Task) {
				// Runs on the timer goroutine; the graph lock keeps the
				// status flip and retry count atomic with respect to
				// ready-set computation in the loop.
				_ = e.graph.MarkRetry(t.ID, action.Attempt)
				resubmits <- t
			}); err != nil {
				retriesPending--
				finalize(done, failStatus)
			}
		}
	}

	return collectResults(e.graph, results), nil
}

// launch marks the task running and starts a worker goroutine.
func (e *Engine) launch(ctx context.Context, workflowID string, task *Task, runner TaskRunner, events chan<- taskDone) {
	_ = e.graph.UpdateTaskStatus(task.ID, StatusRunning)
	e.emitter.Emit(emit.Event{
		WorkflowID: workflowID,
		TaskID:     task.ID,
		Msg:        "task_start",
		Timestamp:  time.Now(),
		Meta:       map[string]interface{}{"attempt": task.RetryCount},
	})

	start := time.Now()
	go func() {
		err, timedOut := runTaskWithTimeout(ctx, runner, task, e.opts.DefaultTaskTimeout)
		events <- taskDone{
			task:     task,
			start:    start,
			elapsed:  time.Since(start),
			err:      err,
			timedOut: timedOut,
		}
	}()
}

// runTaskWithTimeout executes the runner under the configured timeout.
// Runners that ignore cancellation are abandoned: the engine records the
// timeout and moves on while the goroutine winds down on its own.
func runTaskWithTimeout(ctx context.Context, runner TaskRunner, task *Task, timeout time.Duration) (err error, timedOut bool) {
	if timeout <= 0 {
		return runner(ctx, task), false
	}

	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- runner(tctx, task) }()

	select {
	case err := <-done:
		if errors.Is(err, context.DeadlineExceeded) {
			return err, true
		}
		return err, false
	case <-tctx.Done():
		if errors.Is(tctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("task %s exceeded timeout of %v: %w", task.ID, timeout, context.DeadlineExceeded), true
		}
		return tctx.Err(), false
	}
}

// recordResult updates counters and metrics for one final result.
func (e *Engine) recordResult(workflowID string, task *Task, res ExecutionResult) {
	e.mu.Lock()
	switch res.Status {
	case StatusCompleted:
		e.stats.completed++
	case StatusTimeout:
		e.stats.timedOut++
	default:
		e.stats.failed++
	}
	e.stats.totalExec += res.ExecutionTime
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.RecordTaskLatency(workflowID, task.Type, res.ExecutionTime, string(res.Status))
	}
	e.emitter.Emit(emit.Event{
		WorkflowID: workflowID,
		TaskID:     task.ID,
		Msg:        "task_" + string(res.Status),
		Timestamp:  time.Now(),
		Meta:       map[string]interface{}{"duration_ms": res.ExecutionTime.Milliseconds()},
	})
}

// noteConcurrency tracks the observed peak concurrent worker count.
func (e *Engine) noteConcurrency(inflight int) {
	e.mu.Lock()
	if inflight > e.stats.peak {
		e.stats.peak = inflight
	}
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.UpdateInflightTasks(inflight)
	}
}

// drainCancel cancels pending retries on workflow abort.
func (e *Engine) drainCancel(workflowID string) {
	if e.recovery != nil {
		e.recovery.CancelAll()
	}
	e.emitter.Emit(emit.Event{
		WorkflowID: workflowID,
		Msg:        "workflow_canceled",
		Timestamp:  time.Now(),
	})
}

// collectResults produces one ExecutionResult per task. Tasks that never
// ran because a hard dependency failed are reported as pending with a
// DEPENDENCY_FAILED error.
func collectResults(graph *DepGraph, executed map[string]ExecutionResult) []ExecutionResult {
	order, err := graph.ExecutionOrder()
	if err != nil {
		// The graph was validated before execution; fall back to the
		// executed set if it somehow mutated into a cycle.
		out := make([]ExecutionResult, 0, len(executed))
		for _, res := range executed {
			out = append(out, res)
		}
		return out
	}

	out := make([]ExecutionResult, 0, len(order))
	for _, id := range order {
		if res, ok := executed[id]; ok {
			out = append(out, res)
			continue
		}
		task, _ := graph.Task(id)
		status := StatusPending
		if task != nil {
			status = task.Status
		}
		out = append(out, ExecutionResult{
			TaskID: id,
			Status: status,
			Err: &TaskError{
				TaskID:  id,
				Code:    "DEPENDENCY_FAILED",
				Message: "never became ready: a hard dependency failed or the workflow was canceled",
			},
		})
	}
	return out
}

// ExecutionStats summarizes engine activity for capacity tuning and
// regression tests.
type ExecutionStats struct {
	Completed       int
	Failed          int
	TimedOut        int
	SuccessRate     float64
	AvgExecution    time.Duration
	PeakConcurrency int
}

// Stats returns a snapshot of execution statistics.
func (e *Engine) Stats() ExecutionStats {
	e.mu.Lock()
	defer e.mu.Unlock()

	total := e.stats.completed + e.stats.failed + e.stats.timedOut
	stats := ExecutionStats{
		Completed:       e.stats.completed,
		Failed:          e.stats.failed,
		TimedOut:        e.stats.timedOut,
		PeakConcurrency: e.stats.peak,
	}
	if total > 0 {
		stats.SuccessRate = float64(e.stats.completed) / float64(total)
		stats.AvgExecution = e.stats.totalExec / time.Duration(total)
	}
	return stats
}
