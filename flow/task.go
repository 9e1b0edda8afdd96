// Package flow provides the orchestration core for dependent asynchronous tasks.
package flow

import (
	"context"
	"time"
)

// Priority orders tasks within the scheduler queue.
//
// Higher values are dequeued first. The four levels map to the scheduler's
// four queue buckets; within a bucket, ordering falls back to SLA deadline
// and then insertion order (see PriorityQueue).
type Priority int

const (
	// PriorityLow is background work that can wait behind everything else.
	PriorityLow Priority = iota

	// PriorityNormal is the default for tasks without an explicit priority.
	PriorityNormal

	// PriorityHigh is for tasks on the critical path of a workflow.
	PriorityHigh

	// PriorityCritical preempts all other queued work.
	PriorityCritical
)

// numPriorities is the bucket count for the scheduler queue.
const numPriorities = 4

// String returns the human-readable priority name.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// DepKind distinguishes hard ordering edges from soft ones.
type DepKind int

const (
	// DepHard requires the dependency to reach StatusCompleted before the
	// dependent may run. Hard edges must form an acyclic graph.
	DepHard DepKind = iota

	// DepSoft only requires the dependency to reach a terminal status
	// (completed, failed, or timeout). A failed soft dependency does not
	// block its dependents.
	DepSoft
)

// String returns "hard" or "soft".
func (k DepKind) String() string {
	if k == DepSoft {
		return "soft"
	}
	return "hard"
}

// Status is the lifecycle state of a task or workflow.
//
// Tasks move pending -> running -> {completed, failed, timeout}.
// Workflows move pending -> running -> {completed, failed, canceled}.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusCanceled  Status = "canceled"
)

// Terminal reports whether the status is final. Terminal tasks never run
// again and unblock their soft dependents.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCanceled:
		return true
	default:
		return false
	}
}

// Dependency is one edge in the task graph: the dependent waits on TaskID
// according to Kind.
type Dependency struct {
	TaskID string  `json:"task_id"`
	Kind   DepKind `json:"kind"`
}

// Hard builds a hard dependency edge on the given task.
func Hard(taskID string) Dependency {
	return Dependency{TaskID: taskID, Kind: DepHard}
}

// Soft builds a soft dependency edge on the given task.
func Soft(taskID string) Dependency {
	return Dependency{TaskID: taskID, Kind: DepSoft}
}

// Task is one schedulable unit of work within a workflow.
//
// A Task is created once at workflow submission and is immutable afterwards
// except for Status and RetryCount, which are only mutated through the
// DepGraph and RecoveryManager APIs. A Task never outlives its Workflow.
type Task struct {
	// ID uniquely identifies the task within its workflow.
	ID string `json:"id"`

	// Type selects the agent/runner capability and the retry strategy.
	Type string `json:"type"`

	// DependsOn lists the tasks this one waits on, with edge kinds.
	DependsOn []Dependency `json:"depends_on,omitempty"`

	// Priority orders the task within the scheduler queue.
	Priority Priority `json:"priority"`

	// Deadline is the optional SLA deadline. The zero time means none.
	// Within a priority bucket, deadline-carrying tasks are dequeued ahead
	// of deadline-free ones, earliest deadline first.
	Deadline time.Time `json:"deadline,omitempty"`

	// Status is the current lifecycle state.
	Status Status `json:"status"`

	// RetryCount is the number of retry attempts consumed so far.
	// Never exceeds MaxRetries.
	RetryCount int `json:"retry_count"`

	// MaxRetries bounds retry attempts for this task.
	MaxRetries int `json:"max_retries"`

	// Payload is opaque input for the task runner.
	Payload map[string]any `json:"payload,omitempty"`
}

// HasDeadline reports whether the task carries an SLA deadline.
func (t *Task) HasDeadline() bool {
	return !t.Deadline.IsZero()
}

// Workflow is a submitted set of tasks plus shared context visible to all of
// them. Aggregate workflow status is derived from task statuses.
type Workflow struct {
	ID      string         `json:"id"`
	Tasks   []*Task        `json:"tasks"`
	Context map[string]any `json:"context,omitempty"`
}

// ExecutionResult records the outcome of one task execution.
//
// The engine returns one result per task; results carry the actual start
// time so callers can reconstruct the observed execution order.
type ExecutionResult struct {
	TaskID        string        `json:"task_id"`
	Status        Status        `json:"status"`
	StartTime     time.Time     `json:"start_time"`
	ExecutionTime time.Duration `json:"execution_time"`
	Err           error         `json:"-"`
}

// TaskRunner executes a single task. It is the seam between the
// orchestration core and the agent router: the router maps the task's Type
// to a concrete agent and performs the actual work.
//
// Runners must honor ctx cancellation; the engine additionally enforces a
// per-task timeout by abandoning runners that do not return in time.
type TaskRunner func(ctx context.Context, task *Task) error
