package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Kind names the state transition a checkpoint records.
type Kind string

const (
	KindRunSubmitted      Kind = "run_submitted"
	KindWorkspaceCreated  Kind = "workspace_created"
	KindWorkspaceReleased Kind = "workspace_released"
	KindTaskReady         Kind = "task_ready"
	KindTaskStarted       Kind = "task_started"
	KindTaskRetrying      Kind = "task_retrying"
	KindTaskCompleted     Kind = "task_completed"
	KindTaskFailed        Kind = "task_failed"
	KindTaskSkipped       Kind = "task_skipped"
	KindSnapshot          Kind = "snapshot"
	KindRunFinished       Kind = "run_finished"
)

// Checkpoint is one append-only record of the checkpoint log.
type Checkpoint struct {
	Seq       int64           `json:"seq"`
	RunID     string          `json:"run_id"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Decode unmarshals the payload into v.
func (c Checkpoint) Decode(v any) error {
	if err := json.Unmarshal(c.Payload, v); err != nil {
		return fmt.Errorf("checkpoint %d (%s): %w", c.Seq, c.Kind, err)
	}
	return nil
}

// Store defines the persistence interface for runs and their checkpoint logs.
type Store interface {
	// Checkpoint log
	Append(ctx context.Context, runID string, kind Kind, payload any) (Checkpoint, error)
	Checkpoints(ctx context.Context, runID string) ([]Checkpoint, error)

	// Run registry
	CreateRun(ctx context.Context, run Run) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	ListRuns(ctx context.Context) ([]Run, error)
	UpdateRunStatus(ctx context.Context, runID, status string) error

	// Lifecycle
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore creates a new SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode and busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", dbPath)
	return open(ctx, connStr)
}

// NewMemoryStore creates an in-memory SQLite store for testing.
// Every store gets its own named database; the shared cache lets the
// connections of one store see the same data.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	connStr := fmt.Sprintf("file:graphrun-%s?mode=memory&cache=shared", uuid.New().String())
	return open(ctx, connStr)
}

func open(ctx context.Context, connStr string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Appends must stay totally ordered; a single connection serializes them.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db, now: time.Now}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
