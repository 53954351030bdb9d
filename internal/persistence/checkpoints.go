package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Append writes one checkpoint and returns it with its assigned sequence
// number. Sequence numbers increase monotonically across the whole store.
func (s *SQLiteStore) Append(ctx context.Context, runID string, kind Kind, payload any) (Checkpoint, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("failed to encode %s payload: %w", kind, err)
	}

	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (run_id, kind, payload, created_at)
		VALUES (?, ?, ?, ?)
	`, runID, string(kind), string(data), now.UnixNano())
	if err != nil {
		return Checkpoint{}, fmt.Errorf("failed to append %s checkpoint: %w", kind, err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return Checkpoint{}, fmt.Errorf("failed to read checkpoint sequence: %w", err)
	}

	return Checkpoint{Seq: seq, RunID: runID, Kind: kind, Payload: data, CreatedAt: now}, nil
}

// Checkpoints returns the log of one run in sequence order.
func (s *SQLiteStore) Checkpoints(ctx context.Context, runID string) ([]Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, run_id, kind, payload, created_at
		FROM checkpoints
		WHERE run_id = ?
		ORDER BY seq
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoints: %w", err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		var (
			c       Checkpoint
			kind    string
			payload string
			created int64
		)
		if err := rows.Scan(&c.Seq, &c.RunID, &kind, &payload, &created); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		c.Kind = Kind(kind)
		c.Payload = json.RawMessage(payload)
		c.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating checkpoints: %w", err)
	}
	return out, nil
}
