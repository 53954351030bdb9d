package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrRunNotFound is returned for unknown run IDs.
var ErrRunNotFound = errors.New("run not found")

// Run is one entry of the run registry. Spec holds the submitted tasks,
// edges and options so the run can be rebuilt on resume.
type Run struct {
	ID        string          `json:"id"`
	Status    string          `json:"status"`
	Spec      json.RawMessage `json:"spec"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// CreateRun registers a new run.
func (s *SQLiteStore) CreateRun(ctx context.Context, run Run) error {
	now := s.now().UTC().UnixNano()
	spec := string(run.Spec)
	if spec == "" {
		spec = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, status, spec, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, run.ID, run.Status, spec, now, now)
	if err != nil {
		return fmt.Errorf("failed to create run %s: %w", run.ID, err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, status, spec, created_at, updated_at
		FROM runs
		WHERE id = ?
	`, runID)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}
	return run, nil
}

// ListRuns returns all runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, spec, created_at, updated_at
		FROM runs
		ORDER BY created_at DESC, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// UpdateRunStatus sets the status of a run.
func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID, status string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, updated_at = ? WHERE id = ?
	`, status, s.now().UTC().UnixNano(), runID)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		run              Run
		spec             string
		created, updated int64
	)
	if err := row.Scan(&run.ID, &run.Status, &spec, &created, &updated); err != nil {
		return nil, err
	}
	run.Spec = json.RawMessage(spec)
	run.CreatedAt = time.Unix(0, created).UTC()
	run.UpdatedAt = time.Unix(0, updated).UTC()
	return &run, nil
}
