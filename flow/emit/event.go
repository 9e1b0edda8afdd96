// Package emit provides the observability event model and emitters for
// workflow execution.
package emit

import "time"

// Event is one observability event from the orchestration core.
//
// Events cover task dispatch/completion, state changes, retries, and
// workflow lifecycle transitions. They are delivered to an Emitter, which
// can log them, turn them into OpenTelemetry spans, or buffer them for
// inspection in tests.
type Event struct {
	// WorkflowID identifies the workflow that emitted this event.
	WorkflowID string

	// TaskID identifies the task involved. Empty for workflow-level
	// events (submitted, completed, canceled, state merged).
	TaskID string

	// Msg names the event, e.g. "task_start", "task_complete",
	// "task_retry", "state_changed", "workflow_completed".
	Msg string

	// Timestamp records when the event occurred.
	Timestamp time.Time

	// ChangedKeys lists the state keys touched by a state-change event
	// ("status", "context.budget", "tasks.render"). Nil otherwise.
	ChangedKeys []string

	// Meta carries additional structured data. Common keys:
	//   - "duration_ms": execution duration in milliseconds
	//   - "error": error details
	//   - "attempt": retry attempt number
	//   - "delay_seconds": scheduled retry delay
	//   - "version": state version after a merge
	Meta map[string]interface{}
}
