package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL/MariaDB implementation of Store.
//
// Designed for:
//   - Production workflows requiring persistence
//   - A small coordinated set of orchestrator instances sharing one store
//   - Audit trails over workflow state history
//
// The version column carries the optimistic-concurrency guarantee across
// processes: every writer's UPDATE is guarded by the version it observed,
// so concurrent orchestrators cannot overwrite each other's accepted
// writes.
//
// Security note: never hardcode credentials in the DSN. Read it from the
// environment:
//
//	dsn := os.Getenv("TASKFLOW_MYSQL_DSN")
//	st, err := store.NewMySQLStore(dsn)
type MySQLStore struct {
	db     *sql.DB
	mu     sync.Mutex
	closed bool
}

// NewMySQLStore creates a new MySQL-backed store.
//
// DSN format: [username[:password]@][protocol[(address)]]/dbname[?params]
// e.g. "user:pass@tcp(localhost:3306)/taskflow?parseTime=true".
//
// The store verifies connectivity, configures pooling, and creates the
// schema if it doesn't exist.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	m := &MySQLStore{db: db}
	if err := m.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return m, nil
}

// createTables creates the schema if it doesn't exist.
func (m *MySQLStore) createTables(ctx context.Context) error {
	table := `
		CREATE TABLE IF NOT EXISTS workflow_states (
			workflow_id VARCHAR(255) NOT NULL PRIMARY KEY,
			version INT NOT NULL,
			status VARCHAR(32) NOT NULL,
			context JSON NOT NULL,
			tasks JSON NOT NULL,
			archived TINYINT(1) NOT NULL DEFAULT 0,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
			INDEX idx_states_archived (archived)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := m.db.ExecContext(ctx, table); err != nil {
		return fmt.Errorf("failed to create workflow_states table: %w", err)
	}
	return nil
}

// Create registers a new workflow state row.
func (m *MySQLStore) Create(ctx context.Context, state WorkflowState) error {
	contextJSON, tasksJSON, err := marshalState(state)
	if err != nil {
		return err
	}

	_, err = m.db.ExecContext(ctx, `
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
func (m *MySQLStore) Load(ctx context.Context, workflowID string) (WorkflowState, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT version, status, context, tasks
		FROM workflow_states
		WHERE workflow_id = ? AND archived = 0
	`, workflowID)

	return scanState(row, workflowID)
}

// Save applies a compare-and-swap write against expectedVersion.
func (m *MySQLStore) Save(ctx context.Context, state WorkflowState, expectedVersion int) error {
	contextJSON, tasksJSON, err := marshalState(state)
	if err != nil {
		return err
	}

	res, err := m.db.ExecContext(ctx, `
		UPDATE workflow_states
		SET version = ?, status = ?, context = ?, tasks = ?
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
		var exists int
		err := m.db.QueryRowContext(ctx,
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
func (m *MySQLStore) List(ctx context.Context) ([]string, error) {
	rows, err := m.db.QueryContext(ctx,
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
func (m *MySQLStore) Archive(ctx context.Context, workflowID string) error {
	res, err := m.db.ExecContext(ctx, `
		UPDATE workflow_states SET archived = 1 WHERE workflow_id = ? AND archived = 0
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

// Close releases the database connection pool.
func (m *MySQLStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.db.Close()
}

// isUniqueViolation reports whether the error is a primary-key/unique
// constraint failure from either driver.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // modernc.org/sqlite
		strings.Contains(msg, "Error 1062") || // MySQL duplicate entry
		strings.Contains(msg, "Duplicate entry")
}
