// Package store provides persistence for versioned workflow state.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested workflow id does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyExists is returned when creating a workflow state whose id is
// already registered.
var ErrAlreadyExists = errors.New("already exists")

// ErrVersionConflict is returned when a write's expected version does not
// match the stored version. The writer must re-read and re-apply its merge.
var ErrVersionConflict = errors.New("version conflict")

// TaskState is the per-task slice of WorkflowState. The task-state map is
// merged key-by-key: new task ids are added, existing entries are replaced
// whole.
type TaskState struct {
	Status     string    `json:"status"`
	RetryCount int       `json:"retry_count"`
	Error      string    `json:"error,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// WorkflowState is the authoritative, versioned view of one workflow.
//
// Version increases by exactly 1 on every accepted write; no two accepted
// writes share a version. Writers supply the version they observed and the
// store rejects the write with ErrVersionConflict if it is stale.
type WorkflowState struct {
	WorkflowID string               `json:"workflow_id"`
	Version    int                  `json:"version"`
	Status     string               `json:"status"`
	Context    map[string]any       `json:"context"`
	Tasks      map[string]TaskState `json:"tasks"`
}

// Store persists WorkflowState with compare-and-swap version semantics.
//
// The version counter is the sole serialization point for state: merges are
// applied optimistically by callers, and the store accepts a write only when
// the caller's observed version is still current. This favors availability
// over blocking locks; concurrent writers on disjoint keys never lose data,
// and same-leaf writers resolve by arrival order at the store.
//
// Implementations:
//   - MemStore: in-memory, for tests and single-process runs
//   - SQLiteStore: single-file durable store (modernc.org/sqlite)
//   - MySQLStore: shared store for a small coordinated orchestrator set
type Store interface {
	// Create registers a new workflow state at version 0.
	// Returns ErrAlreadyExists if the id is taken.
	Create(ctx context.Context, state WorkflowState) error

	// Load returns the current state snapshot for the workflow.
	// Returns ErrNotFound for unknown or archived ids.
	Load(ctx context.Context, workflowID string) (WorkflowState, error)

	// Save writes the state if the stored version equals expectedVersion.
	// state.Version must be expectedVersion+1. Returns ErrVersionConflict
	// on a stale expectedVersion and ErrNotFound for unknown ids.
	Save(ctx context.Context, state WorkflowState, expectedVersion int) error

	// List returns the ids of all non-archived workflows.
	List(ctx context.Context) ([]string, error)

	// Archive removes the workflow from the active set once it reaches a
	// terminal status. Archived state is no longer readable via Load.
	Archive(ctx context.Context, workflowID string) error
}

// Clone returns a deep copy of the state so callers can merge into it
// without aliasing stored maps.
func Clone(s WorkflowState) WorkflowState {
	out := s
	out.Context = cloneMap(s.Context)
	out.Tasks = make(map[string]TaskState, len(s.Tasks))
	for id, ts := range s.Tasks {
		out.Tasks[id] = ts
	}
	return out
}

// cloneMap deep-copies nested map[string]any values; other values are
// copied by assignment.
func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			out[k] = cloneMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}
