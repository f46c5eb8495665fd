package store

import (
	"context"
	"database/sql"
	"fmt"
)

// DeadLetterRepo persists DeadLetter rows: steps that exhausted
// max_attempts or failed non-retryably, preserved for inspection or
// manual replay.
type DeadLetterRepo struct {
	db *sql.DB
}

// Create inserts a new DeadLetter.
func (r *DeadLetterRepo) Create(ctx context.Context, d *DeadLetter) error {
	const q = `
		INSERT INTO dead_letters (dead_letter_id, step_id, run_id, reason, original_attempt, payload)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.db.ExecContext(ctx, q, d.ID, d.StepID, d.RunID, d.Reason, d.OriginalAttempt, d.Payload)
	if err != nil {
		return fmt.Errorf("store: create dead letter: %w", err)
	}
	return nil
}

// ListByRun returns every dead-lettered step for a Run, most recent first.
func (r *DeadLetterRepo) ListByRun(ctx context.Context, runID string) ([]*DeadLetter, error) {
	const q = `
		SELECT dead_letter_id, step_id, run_id, reason, original_attempt, payload, created_at
		FROM dead_letters WHERE run_id = $1 ORDER BY created_at DESC`
	rows, err := r.db.QueryContext(ctx, q, runID)
	if err != nil {
		return nil, fmt.Errorf("store: list dead letters: %w", err)
	}
	defer rows.Close()

	var out []*DeadLetter
	for rows.Next() {
		var d DeadLetter
		if err := rows.Scan(&d.ID, &d.StepID, &d.RunID, &d.Reason, &d.OriginalAttempt, &d.Payload, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan dead letter: %w", err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}
