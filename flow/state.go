package flow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rhagen/taskflow-go/flow/emit"
	"github.com/rhagen/taskflow-go/flow/store"
)

// defaultSyncAttempts is the read-merge-write retry budget for one SyncState
// call before it surfaces a ConflictError.
const defaultSyncAttempts = 5

// subscriberBuffer is the channel depth for state-change subscribers. Slow
// subscribers drop notifications rather than block writers.
const subscriberBuffer = 64

// StateDelta is a partial WorkflowState update for SyncState.
//
// Merge policy: last write wins per leaf key, everything else is preserved.
//   - Status: applied when non-empty.
//   - Context: deep-merged; nested maps merge recursively, other values
//     overwrite, unspecified keys are retained.
//   - Tasks: merged key-by-key; new task ids are added, existing entries
//     are replaced whole.
type StateDelta struct {
	Status  string
	Context map[string]any
	Tasks   map[string]store.TaskState
}

// StateChange notifies subscribers that a workflow's state was merged.
type StateChange struct {
	WorkflowID  string
	Timestamp   time.Time
	ChangedKeys []string
}

// StateSynchronizer holds the authoritative, versioned workflow state and
// publishes change notifications.
//
// Writes are not serialized by a blocking lock: callers merge optimistically
// and the backing Store increments the version transactionally per accepted
// write. Merges are commutative on disjoint keys, so concurrent writers
// touching different leaves never lose data; same-leaf writers resolve by
// arrival order at the store. On a version conflict the synchronizer
// re-reads and re-applies the merge, up to a bounded number of attempts.
type StateSynchronizer struct {
	store   store.Store
	emitter emit.Emitter
	metrics *Metrics

	mu        sync.RWMutex
	subs      map[string]map[int]chan StateChange
	nextSubID int
}

// NewStateSynchronizer creates a synchronizer over the given store.
// A nil emitter disables event emission; a nil metrics disables counters.
func NewStateSynchronizer(st store.Store, emitter emit.Emitter, metrics *Metrics) *StateSynchronizer {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &StateSynchronizer{
		store:   st,
		emitter: emitter,
		metrics: metrics,
		subs:    make(map[string]map[int]chan StateChange),
	}
}

// Register creates the workflow's state at version 0 with every task
// pending and the supplied initial shared context.
func (s *StateSynchronizer) Register(ctx context.Context, workflowID string, taskIDs []string, initial map[string]any) error {
	tasks := make(map[string]store.TaskState, len(taskIDs))
	now := time.Now()
	for _, id := range taskIDs {
		tasks[id] = store.TaskState{Status: string(StatusPending), UpdatedAt: now}
	}

	state := store.WorkflowState{
		WorkflowID: workflowID,
		Version:    0,
		Status:     string(StatusPending),
		Context:    initial,
		Tasks:      tasks,
	}
	if state.Context == nil {
		state.Context = map[string]any{}
	}
	return s.store.Create(ctx, state)
}

// SyncState deep-merges the delta into the stored state, increments the
// version by exactly 1, and notifies the workflow's subscribers with the
// changed keys.
//
// On a stale version it re-reads and re-applies; after the retry budget is
// exhausted it returns a *ConflictError. Conflicts are never silently
// dropped.
func (s *StateSynchronizer) SyncState(ctx context.Context, workflowID string, delta StateDelta) (store.WorkflowState, error) {
	var lastObserved int

	for attempt := 0; attempt < defaultSyncAttempts; attempt++ {
		current, err := s.store.Load(ctx, workflowID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return store.WorkflowState{}, fmt.Errorf("%w: %s", ErrUnknownWorkflow, workflowID)
			}
			return store.WorkflowState{}, err
		}
		lastObserved = current.Version

		merged, changed := applyDelta(store.Clone(current), delta)
		merged.Version = current.Version + 1

		err = s.store.Save(ctx, merged, current.Version)
		if errors.Is(err, store.ErrVersionConflict) {
			if s.metrics != nil {
				s.metrics.IncrementVersionConflicts(workflowID)
			}
			continue
		}
		if err != nil {
			return store.WorkflowState{}, err
		}

		s.notify(workflowID, changed, merged.Version)
		return merged, nil
	}

	return store.WorkflowState{}, &ConflictError{
		WorkflowID: workflowID,
		Expected:   lastObserved,
		Attempts:   defaultSyncAttempts,
	}
}

// applyDelta merges the delta into state and returns the changed key paths.
func applyDelta(state store.WorkflowState, delta StateDelta) (store.WorkflowState, []string) {
	var changed []string

	if delta.Status != "" {
		state.Status = delta.Status
		changed = append(changed, "status")
	}

	if len(delta.Context) > 0 {
		if state.Context == nil {
			state.Context = make(map[string]any)
		}
		mergeInto(state.Context, delta.Context, "context.", &changed)
	}

	if len(delta.Tasks) > 0 {
		if state.Tasks == nil {
			state.Tasks = make(map[string]store.TaskState)
		}
		ids := make([]string, 0, len(delta.Tasks))
		for id := range delta.Tasks {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			state.Tasks[id] = delta.Tasks[id]
			changed = append(changed, "tasks."+id)
		}
	}

	return state, changed
}

// mergeInto deep-merges src into dst, recording the leaf key paths it
// touched. Nested maps merge recursively; any other value overwrites.
func mergeInto(dst, src map[string]any, prefix string, changed *[]string) {
	keys := make([]string, 0, len(src))
	for k := range src {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := src[k]
		srcMap, srcIsMap := v.(map[string]any)
		dstMap, dstIsMap := dst[k].(map[string]any)
		if srcIsMap && dstIsMap {
			mergeInto(dstMap, srcMap, prefix+k+".", changed)
			continue
		}
		dst[k] = v
		*changed = append(*changed, prefix+k)
	}
}

// UpdateTaskState is SyncState scoped to one task entry.
func (s *StateSynchronizer) UpdateTaskState(ctx context.Context, workflowID, taskID string, ts store.TaskState) (store.WorkflowState, error) {
	if ts.UpdatedAt.IsZero() {
		ts.UpdatedAt = time.Now()
	}
	return s.SyncState(ctx, workflowID, StateDelta{
		Tasks: map[string]store.TaskState{taskID: ts},
	})
}

// UpdateContext is SyncState scoped to the shared context sub-tree.
func (s *StateSynchronizer) UpdateContext(ctx context.Context, workflowID string, partial map[string]any) (store.WorkflowState, error) {
	return s.SyncState(ctx, workflowID, StateDelta{Context: partial})
}

// UpdateWorkflowStatus is SyncState scoped to the aggregate status.
func (s *StateSynchronizer) UpdateWorkflowStatus(ctx context.Context, workflowID string, status Status) (store.WorkflowState, error) {
	return s.SyncState(ctx, workflowID, StateDelta{Status: string(status)})
}

// GetState returns the current state snapshot.
func (s *StateSynchronizer) GetState(ctx context.Context, workflowID string) (store.WorkflowState, error) {
	state, err := s.store.Load(ctx, workflowID)
	if errors.Is(err, store.ErrNotFound) {
		return store.WorkflowState{}, fmt.Errorf("%w: %s", ErrUnknownWorkflow, workflowID)
	}
	return state, err
}

// Subscribe registers for change notifications on one workflow. The
// returned cancel func removes the subscription and closes the channel.
//
// Notifications are delivered best-effort: a subscriber that falls more
// than subscriberBuffer events behind misses the overflow.
func (s *StateSynchronizer) Subscribe(workflowID string) (<-chan StateChange, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan StateChange, subscriberBuffer)
	if s.subs[workflowID] == nil {
		s.subs[workflowID] = make(map[int]chan StateChange)
	}
	id := s.nextSubID
	s.nextSubID++
	s.subs[workflowID][id] = ch

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub, ok := s.subs[workflowID][id]; ok {
			delete(s.subs[workflowID], id)
			close(sub)
		}
	}
	return ch, cancel
}

// notify fans a change out to the workflow's subscribers and the emitter.
func (s *StateSynchronizer) notify(workflowID string, changedKeys []string, version int) {
	change := StateChange{
		WorkflowID:  workflowID,
		Timestamp:   time.Now(),
		ChangedKeys: changedKeys,
	}

	s.mu.RLock()
	for _, ch := range s.subs[workflowID] {
		select {
		case ch <- change:
		default:
			// Subscriber is behind; drop rather than block the writer.
		}
	}
	s.mu.RUnlock()

	s.emitter.Emit(emit.Event{
		WorkflowID:  workflowID,
		Msg:         "state_changed",
		Timestamp:   change.Timestamp,
		ChangedKeys: changedKeys,
		Meta:        map[string]interface{}{"version": version},
	})
}

// ActiveWorkflows lists workflows not yet in a terminal status.
func (s *StateSynchronizer) ActiveWorkflows(ctx context.Context) ([]string, error) {
	ids, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}

	var active []string
	for _, id := range ids {
		state, err := s.store.Load(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if !Status(state.Status).Terminal() {
			active = append(active, id)
		}
	}
	return active, nil
}

// Archive removes a terminal workflow from the active set.
func (s *StateSynchronizer) Archive(ctx context.Context, workflowID string) error {
	return s.store.Archive(ctx, workflowID)
}

// StateStats aggregates the store's active workflows for observability.
type StateStats struct {
	Workflows    int
	ByStatus     map[string]int
	AvgTaskCount float64
}

// Stats reports workflow counts by status and the average task count.
func (s *StateSynchronizer) Stats(ctx context.Context) (StateStats, error) {
	ids, err := s.store.List(ctx)
	if err != nil {
		return StateStats{}, err
	}

	stats := StateStats{ByStatus: make(map[string]int)}
	totalTasks := 0
	for _, id := range ids {
		state, err := s.store.Load(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return StateStats{}, err
		}
		stats.Workflows++
		stats.ByStatus[state.Status]++
		totalTasks += len(state.Tasks)
	}
	if stats.Workflows > 0 {
		stats.AvgTaskCount = float64(totalTasks) / float64(stats.Workflows)
	}
	return stats, nil
}
