package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// RunRepo persists Run rows. Terminal-state transitions go through
// UpdateStatusCAS, which only applies while the Run is not yet terminal, so two
// components racing to mark a Run terminal (the writer's status-update
// endpoint and the worker's direct write) cannot stomp each other, and a
// duplicate terminal write is a no-op rather than an error.
type RunRepo struct {
	db *sql.DB
}

// Create inserts a new Run in status=pending.
func (r *RunRepo) Create(ctx context.Context, run *Run) error {
	const q = `
		INSERT INTO runs (run_id, tenant_id, task_id, created_by, status, token_budget, tokens_used, estimated_cost_usd, input)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := r.db.ExecContext(ctx, q, run.ID, run.TenantID, run.TaskID, run.CreatedBy, run.Status, run.TokenBudget, run.TokensUsed, run.EstimatedCostUSD, run.Input)
	if err != nil {
		return fmt.Errorf("store: create run: %w", err)
	}
	return nil
}

// Get fetches a Run by id, excluding soft-deleted rows.
func (r *RunRepo) Get(ctx context.Context, id string) (*Run, error) {
	const q = `
		SELECT run_id, tenant_id, task_id, created_by, status, token_budget, tokens_used, estimated_cost_usd,
		       current_step, input, output, error, started_at, finished_at, duration_seconds, deleted_at, created_at, updated_at
		FROM runs WHERE run_id = $1 AND deleted_at IS NULL`
	return r.scanOne(r.db.QueryRowContext(ctx, q, id))
}

func (r *RunRepo) scanOne(row *sql.Row) (*Run, error) {
	var run Run
	err := row.Scan(
		&run.ID, &run.TenantID, &run.TaskID, &run.CreatedBy, &run.Status, &run.TokenBudget, &run.TokensUsed, &run.EstimatedCostUSD,
		&run.CurrentStep, &run.Input, &run.Output, &run.Error, &run.StartedAt, &run.FinishedAt, &run.DurationSeconds, &run.DeletedAt, &run.CreatedAt, &run.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get run: %w", err)
	}
	return &run, nil
}

// MarkRunning transitions a pending Run to running and stamps started_at.
func (r *RunRepo) MarkRunning(ctx context.Context, id string, startedAt time.Time) error {
	const q = `
		UPDATE runs SET status = $3, started_at = $2, updated_at = now()
		WHERE run_id = $1 AND status = $4`
	res, err := r.db.ExecContext(ctx, q, id, startedAt, RunStatusRunning, RunStatusPending)
	if err != nil {
		return fmt.Errorf("store: mark run running: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if n == 0 {
		// Either already running (re-delivered first step) or already terminal; both are fine, idempotent no-op.
		return nil
	}
	return nil
}

// UpdateStatusCAS moves a Run to a terminal status iff it is not already
// terminal. Re-applying the same terminal status, or attempting to
// transition an already-terminal Run, is a no-op (ok=false, err=nil) per
// the absorbing-terminal-state invariant.
func (r *RunRepo) UpdateStatusCAS(ctx context.Context, id, newStatus string, errMsg *string, finishedAt time.Time) (bool, error) {
	const q = `
		UPDATE runs
		SET status = $2,
		    error = COALESCE($3, error),
		    finished_at = $4,
		    duration_seconds = CASE WHEN started_at IS NOT NULL THEN GREATEST(0, EXTRACT(EPOCH FROM ($4 - started_at))::int) ELSE duration_seconds END,
		    updated_at = now()
		WHERE run_id = $1
		  AND status NOT IN ('completed', 'failed', 'cancelled', 'timeout', 'budget_exceeded')`
	res, err := r.db.ExecContext(ctx, q, id, newStatus, errMsg, finishedAt)
	if err != nil {
		return false, fmt.Errorf("store: update run status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: rows affected: %w", err)
	}
	return n > 0, nil
}

// AddUsage atomically adds tokens/cost to a Run's running totals and
// returns the post-update tokens_used so the caller can check against
// token_budget without a second round trip.
func (r *RunRepo) AddUsage(ctx context.Context, id string, tokens int64, cost float64) (int64, error) {
	const q = `
		UPDATE runs SET tokens_used = tokens_used + $2, estimated_cost_usd = estimated_cost_usd + $3, updated_at = now()
		WHERE run_id = $1
		RETURNING tokens_used`
	var total int64
	err := r.db.QueryRowContext(ctx, q, id, tokens, cost).Scan(&total)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("store: add run usage: %w", err)
	}
	return total, nil
}

// SetCurrentStep records which step_name is currently executing, used for
// observability and for the writer's "where did this run get to" queries.
func (r *RunRepo) SetCurrentStep(ctx context.Context, id, stepName string) error {
	const q = `UPDATE runs SET current_step = $2, updated_at = now() WHERE run_id = $1`
	res, err := r.db.ExecContext(ctx, q, id, stepName)
	if err != nil {
		return fmt.Errorf("store: set current step: %w", err)
	}
	return rowsAffectedOrNotFound(res)
}

// ListRunningOlderThan returns non-terminal Runs started before cutoff, for
// the writer's Run-timeout monitor (task.timeout_seconds enforcement).
func (r *RunRepo) ListRunningOlderThan(ctx context.Context, cutoff time.Time) ([]*Run, error) {
	const q = `
		SELECT run_id, tenant_id, task_id, created_by, status, token_budget, tokens_used, estimated_cost_usd,
		       current_step, input, output, error, started_at, finished_at, duration_seconds, deleted_at, created_at, updated_at
		FROM runs
		WHERE status = $1 AND started_at IS NOT NULL AND started_at < $2 AND deleted_at IS NULL`
	rows, err := r.db.QueryContext(ctx, q, RunStatusRunning, cutoff)
	if err != nil {
		return nil, fmt.Errorf("store: list running runs: %w", err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		var run Run
		if err := rows.Scan(
			&run.ID, &run.TenantID, &run.TaskID, &run.CreatedBy, &run.Status, &run.TokenBudget, &run.TokensUsed, &run.EstimatedCostUSD,
			&run.CurrentStep, &run.Input, &run.Output, &run.Error, &run.StartedAt, &run.FinishedAt, &run.DurationSeconds, &run.DeletedAt, &run.CreatedAt, &run.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("store: scan run: %w", err)
		}
		out = append(out, &run)
	}
	return out, rows.Err()
}

// SoftDelete is the only path out of a terminal Run, per spec: "no
// transition out of them except administrative deletion".
func (r *RunRepo) SoftDelete(ctx context.Context, id string) error {
	const q = `UPDATE runs SET deleted_at = now(), updated_at = now() WHERE run_id = $1 AND deleted_at IS NULL`
	res, err := r.db.ExecContext(ctx, q, id)
	if err != nil {
		return fmt.Errorf("store: soft delete run: %w", err)
	}
	return rowsAffectedOrNotFound(res)
}
