package flow

import (
	"errors"
	"fmt"
	"strings"
)

// ErrCycleDetected indicates the hard-edge dependency graph contains a cycle.
// Cyclic graphs are rejected at submission; no partial order is ever returned.
var ErrCycleDetected = errors.New("circular dependency detected")

// ErrUnknownTask is returned when an operation references a task id that was
// never registered in the graph.
var ErrUnknownTask = errors.New("unknown task")

// ErrUnknownWorkflow is returned when an operation references a workflow id
// the orchestrator does not own.
var ErrUnknownWorkflow = errors.New("unknown workflow")

// ErrMaxRetriesExceeded indicates a task failed more times than its
// MaxRetries budget allows. The failure is final.
var ErrMaxRetriesExceeded = errors.New("max retry attempts exceeded")

// ErrRetryCanceled indicates a pending retry was canceled before firing,
// typically by a workflow-level abort.
var ErrRetryCanceled = errors.New("retry canceled")

// ErrInvalidRetryStrategy indicates a RetryStrategy violates its constraints
// (see RetryStrategy.Validate).
var ErrInvalidRetryStrategy = errors.New("invalid retry strategy")

// ErrQueueSaturated indicates the scheduler queue reached its configured
// capacity. Callers should treat this as backpressure and slow submission.
var ErrQueueSaturated = errors.New("scheduler queue at capacity")

// CycleError reports a hard-edge cycle, naming task ids involved so the
// caller can fix the graph rather than guessing.
type CycleError struct {
	// TaskIDs are the tasks on hard-edge cycles, sorted. Tasks that are
	// merely blocked behind a cycle are not listed.
	TaskIDs []string
}

// Error implements the error interface.
func (e *CycleError) Error() string {
	return fmt.Sprintf("circular dependency involving tasks: %s", strings.Join(e.TaskIDs, ", "))
}

// Unwrap allows errors.Is(err, ErrCycleDetected).
func (e *CycleError) Unwrap() error {
	return ErrCycleDetected
}

// ValidationError rejects a malformed workflow at submission, before any
// task executes. Errors lists every problem found, not just the first.
type ValidationError struct {
	Errors []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("workflow validation failed: %s", strings.Join(e.Errors, "; "))
}

// ConflictError reports an optimistic-concurrency version mismatch on a
// state write. The caller re-reads the state and re-applies the merge;
// conflicts are never silently dropped.
type ConflictError struct {
	WorkflowID string
	// Expected is the version the writer observed; Attempts is how many
	// read-merge-write rounds were tried before giving up.
	Expected int
	Attempts int
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("state version conflict for workflow %s: expected version %d after %d attempts",
		e.WorkflowID, e.Expected, e.Attempts)
}

// TaskError is a structured task execution failure.
type TaskError struct {
	TaskID  string
	Code    string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *TaskError) Error() string {
	if e.TaskID != "" {
		return "task " + e.TaskID + ": " + e.Message
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *TaskError) Unwrap() error {
	return e.Cause
}
