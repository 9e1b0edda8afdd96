package store

import (
	"context"
	"sort"
	"sync"
)

// MemStore is an in-memory implementation of Store.
//
// Designed for tests, development, and single-process orchestrators where
// durability across restarts is not required. For durable state use
// SQLiteStore; for a shared store across a coordinated orchestrator set use
// MySQLStore.
//
// Thread-safe for concurrent access; the mutex makes version checks and
// writes atomic, which is what gives the CAS its guarantee.
type MemStore struct {
	mu       sync.RWMutex
	states   map[string]WorkflowState
	archived map[string]WorkflowState
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		states:   make(map[string]WorkflowState),
		archived: make(map[string]WorkflowState),
	}
}

// Create registers a new workflow state.
func (m *MemStore) Create(_ context.Context, state WorkflowState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.states[state.WorkflowID]; ok {
		return ErrAlreadyExists
	}
	if _, ok := m.archived[state.WorkflowID]; ok {
		return ErrAlreadyExists
	}
	m.states[state.WorkflowID] = Clone(state)
	return nil
}

// Load returns a snapshot of the current state.
func (m *MemStore) Load(_ context.Context, workflowID string) (WorkflowState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.states[workflowID]
	if !ok {
		return WorkflowState{}, ErrNotFound
	}
	return Clone(state), nil
}

// Save applies a compare-and-swap write against expectedVersion.
func (m *MemStore) Save(_ context.Context, state WorkflowState, expectedVersion int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.states[state.WorkflowID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != expectedVersion {
		return ErrVersionConflict
	}
	m.states[state.WorkflowID] = Clone(state)
	return nil
}

// List returns sorted ids of all active workflows.
func (m *MemStore) List(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.states))
	for id := range m.states {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Archive moves the workflow out of the active set.
func (m *MemStore) Archive(_ context.Context, workflowID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states[workflowID]
	if !ok {
		return ErrNotFound
	}
	delete(m.states, workflowID)
	m.archived[workflowID] = state
	return nil
}
