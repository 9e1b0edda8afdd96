package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite implementation of Store.
//
// It persists workflow state in a single-file database. Designed for:
//   - Development and testing with zero setup
//   - Single-process orchestrators needing durability across restarts
//   - Prototyping before migrating to MySQLStore
//
// The version CAS runs inside a transaction: the UPDATE is guarded by the
// expected version, so a stale writer changes zero rows and gets
// ErrVersionConflict instead of clobbering a newer write.
//
// Schema:
//   - workflow_states: one row per workflow, latest version only, with an
//     archived flag for terminal workflows
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.Mutex
	closed bool
	path   string
}

// NewSQLiteStore creates a new SQLite-backed store.
//
// The path parameter specifies the database file location ("./flow.db",
// an absolute path, or ":memory:" for tests). The store creates the file
// and schema on first use and enables WAL mode for concurrent reads.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// createTables creates the schema if it doesn't exist.
func (s *SQLiteStore) createTables(ctx context.Context) error {
	table := `
		CREATE TABLE IF NOT EXISTS workflow_states (
			workflow_id TEXT NOT NULL PRIMARY KEY,
			version INTEGER NOT NULL,
			status TEXT NOT NULL,
			context TEXT NOT NULL,
			tasks TEXT NOT NULL,
			archived INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`
	if _, err := s.db.ExecContext(ctx, table); err != nil {
		return fmt.Errorf("failed to create workflow_states table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_states_archived ON workflow_states(archived)"); err != nil {
		return fmt.Errorf("failed to create idx_states_archived: %w", err)
	}
	return nil
}

// Create registers a new workflow state row.
func (s *SQLiteStore) Create(ctx context.Context, state WorkflowState) error {
	contextJSON, tasksJSON, err := marshalState(state)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_states (workflow_id, version, status, context, tasks)
		VALUES (?, ?, ?, ?, ?)
	`, state.WorkflowID, state.Version, state.Status, contextJSON, tasksJSON)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to insert workflow state: %w", err)
	}
	return nil
}

// Load returns the current state for a non-archived workflow.
func (s *SQLiteStore) Load(ctx context.Context, workflowID string) (WorkflowState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT version, status, context, tasks
		FROM workflow_states
		WHERE workflow_id = ? AND archived = 0
	`, workflowID)

	return scanState(row, workflowID)
}

// Save applies a compare-and-swap write: the update only lands if the stored
// version still equals expectedVersion.
func (s *SQLiteStore) Save(ctx context.Context, state WorkflowState, expectedVersion int) error {
	contextJSON, tasksJSON, err := marshalState(state)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_states
		SET version = ?, status = ?, context = ?, tasks = ?, updated_at = CURRENT_TIMESTAMP
		WHERE workflow_id = ? AND version = ? AND archived = 0
	`, state.Version, state.Status, contextJSON, tasksJSON, state.WorkflowID, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update workflow state: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		// Distinguish a stale version from a missing row.
		var exists int
		err := s.db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM workflow_states WHERE workflow_id = ? AND archived = 0",
			state.WorkflowID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check workflow existence: %w", err)
		}
		if exists == 0 {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	return nil
}

// List returns ids of all active workflows.
func (s *SQLiteStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT workflow_id FROM workflow_states WHERE archived = 0 ORDER BY workflow_id")
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan workflow id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Archive flags a terminal workflow so it no longer appears in Load/List.
func (s *SQLiteStore) Archive(ctx context.Context, workflowID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_states
		SET archived = 1, updated_at = CURRENT_TIMESTAMP
		WHERE workflow_id = ? AND archived = 0
	`, workflowID)
	if err != nil {
		return fmt.Errorf("failed to archive workflow: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// marshalState encodes the context and task maps as JSON columns.
func marshalState(state WorkflowState) (contextJSON, tasksJSON []byte, err error) {
	ctxMap := state.Context
	if ctxMap == nil {
		ctxMap = map[string]any{}
	}
	contextJSON, err = json.Marshal(ctxMap)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal context: %w", err)
	}

	tasks := state.Tasks
	if tasks == nil {
		tasks = map[string]TaskState{}
	}
	tasksJSON, err = json.Marshal(tasks)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal tasks: %w", err)
	}
	return contextJSON, tasksJSON, nil
}

// scanState decodes one workflow_states row.
func scanState(row *sql.Row, workflowID string) (WorkflowState, error) {
	var (
		version               int
		status                string
		contextJSON, tasksJSON []byte
	)
	if err := row.Scan(&version, &status, &contextJSON, &tasksJSON); err != nil {
		if err == sql.ErrNoRows {
			return WorkflowState{}, ErrNotFound
		}
		return WorkflowState{}, fmt.Errorf("failed to scan workflow state: %w", err)
	}

	state := WorkflowState{
		WorkflowID: workflowID,
		Version:    version,
		Status:     status,
	}
	if err := json.Unmarshal(contextJSON, &state.Context); err != nil {
		return WorkflowState{}, fmt.Errorf("failed to unmarshal context: %w", err)
	}
	if err := json.Unmarshal(tasksJSON, &state.Tasks); err != nil {
		return WorkflowState{}, fmt.Errorf("failed to unmarshal tasks: %w", err)
	}
	return state, nil
}
