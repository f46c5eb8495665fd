package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// StepRepo persists Step rows and implements the claim-based queue: a
// queued, visible step is dequeued with SELECT ... FOR UPDATE SKIP LOCKED
// so concurrent workers never contend on the same row, and redelivery is
// driven by visible_at rather than a separate broker.
type StepRepo struct {
	db *sql.DB
}

// Create inserts a new Step: the control plane creates a Run's first step,
// and the worker creates each successor once its predecessor succeeds.
func (r *StepRepo) Create(ctx context.Context, s *Step) error {
	const q = `
		INSERT INTO steps (step_id, run_id, step_name, step_order, step_type, status, input_data, max_attempts, visible_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := r.db.ExecContext(ctx, q, s.ID, s.RunID, s.StepName, s.StepOrder, s.StepType, s.Status, s.InputData, s.MaxAttempts, s.VisibleAt)
	if err != nil {
		return fmt.Errorf("store: create step: %w", err)
	}
	return nil
}

// Get fetches a Step by id.
func (r *StepRepo) Get(ctx context.Context, id string) (*Step, error) {
	const q = stepSelectColumns + `FROM steps WHERE step_id = $1 AND deleted_at IS NULL`
	return scanStep(r.db.QueryRowContext(ctx, q, id))
}

// GetByOrder fetches the step at a given position in a run's sequence,
// used by the decision executor to load the step whose output it inspects.
func (r *StepRepo) GetByOrder(ctx context.Context, runID string, order int) (*Step, error) {
	const q = stepSelectColumns + `FROM steps WHERE run_id = $1 AND step_order = $2 AND deleted_at IS NULL`
	return scanStep(r.db.QueryRowContext(ctx, q, runID, order))
}

const stepSelectColumns = `
	SELECT step_id, run_id, step_name, step_order, step_type, status, input_data, output_data, error,
	       attempt_number, max_attempts, tokens_used, cost_usd, locked_by, visible_at,
	       started_at, finished_at, deleted_at, created_at, updated_at
`

func scanStep(row *sql.Row) (*Step, error) {
	var s Step
	err := row.Scan(
		&s.ID, &s.RunID, &s.StepName, &s.StepOrder, &s.StepType, &s.Status, &s.InputData, &s.OutputData, &s.Error,
		&s.AttemptNumber, &s.MaxAttempts, &s.TokensUsed, &s.CostUSD, &s.LockedBy, &s.VisibleAt,
		&s.StartedAt, &s.FinishedAt, &s.DeletedAt, &s.CreatedAt, &s.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan step: %w", err)
	}
	return &s, nil
}

// ClaimNext atomically claims one queued, visible step for workerID and
// marks it running, returning ErrNoStepsClaimable when nothing is
// eligible. The transaction holds the row lock only long enough to flip
// status/locked_by/visible_at, mirroring the orchestrator's
// SELECT...FOR UPDATE SKIP LOCKED claim pattern.
func (r *StepRepo) ClaimNext(ctx context.Context, workerID string, visibilityTimeout time.Duration) (*Step, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const selectQ = `
		SELECT step_id FROM steps
		WHERE status = $1 AND visible_at <= now() AND deleted_at IS NULL
		ORDER BY visible_at
		LIMIT 1
		FOR UPDATE SKIP LOCKED`
	var stepID string
	err = tx.QueryRowContext(ctx, selectQ, StepStatusQueued).Scan(&stepID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoStepsClaimable
	}
	if err != nil {
		return nil, fmt.Errorf("store: claim select: %w", err)
	}

	now := time.Now().UTC()
	const updateQ = `
		UPDATE steps
		SET status = $2, locked_by = $3, visible_at = $4, started_at = COALESCE(started_at, $5), updated_at = now()
		WHERE step_id = $1`
	if _, err := tx.ExecContext(ctx, updateQ, stepID, StepStatusRunning, workerID, now.Add(visibilityTimeout), now); err != nil {
		return nil, fmt.Errorf("store: claim update: %w", err)
	}

	const q = stepSelectColumns + `FROM steps WHERE step_id = $1`
	step, err := scanStep(tx.QueryRowContext(ctx, q, stepID))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit claim: %w", err)
	}
	return step, nil
}

// Heartbeat extends visible_at for a step still being worked, so the
// orphan sweep does not mistake a slow-but-alive execution for a crashed
// worker.
func (r *StepRepo) Heartbeat(ctx context.Context, stepID, workerID string, visibilityTimeout time.Duration) error {
	const q = `
		UPDATE steps SET visible_at = $3, updated_at = now()
		WHERE step_id = $1 AND locked_by = $2 AND status = $4`
	res, err := r.db.ExecContext(ctx, q, stepID, workerID, time.Now().UTC().Add(visibilityTimeout), StepStatusRunning)
	if err != nil {
		return fmt.Errorf("store: step heartbeat: %w", err)
	}
	return rowsAffectedOrNotFound(res)
}

// MarkSuccess finalizes a step, recording output and usage. tokens/cost
// are always written, even when zero, so the reconciliation invariant
// (fast counter + relational used = event sum) never drifts from a
// skipped zero-value write.
func (r *StepRepo) MarkSuccess(ctx context.Context, stepID string, output []byte, tokens int64, cost float64, finishedAt time.Time) error {
	const q = `
		UPDATE steps
		SET status = $2, output_data = $3, tokens_used = $4, cost_usd = $5, finished_at = $6, locked_by = NULL, updated_at = now()
		WHERE step_id = $1`
	res, err := r.db.ExecContext(ctx, q, stepID, StepStatusSuccess, output, tokens, cost, finishedAt)
	if err != nil {
		return fmt.Errorf("store: mark step success: %w", err)
	}
	return rowsAffectedOrNotFound(res)
}

// MarkRetrying records a retryable failure and schedules redelivery at
// nextVisibleAt (now + backoff), leaving the step claimable again once
// that time passes. attempt_number is incremented here, so it counts the
// failed attempts already made; ClaimNext does not change it.
func (r *StepRepo) MarkRetrying(ctx context.Context, stepID, errMsg string, nextVisibleAt time.Time) error {
	const q = `
		UPDATE steps
		SET status = $2, error = $3, visible_at = $4, locked_by = NULL, attempt_number = attempt_number + 1, updated_at = now()
		WHERE step_id = $1`
	res, err := r.db.ExecContext(ctx, q, stepID, StepStatusRetrying, errMsg, nextVisibleAt)
	if err != nil {
		return fmt.Errorf("store: mark step retrying: %w", err)
	}
	return rowsAffectedOrNotFound(res)
}

// ReleaseForRedelivery flips a retrying step back to queued; called by the
// worker immediately after MarkRetrying commits. The visible_at set by
// MarkRetrying keeps the step unclaimable until its backoff has elapsed.
func (r *StepRepo) ReleaseForRedelivery(ctx context.Context, stepID string) error {
	const q = `UPDATE steps SET status = $2, updated_at = now() WHERE step_id = $1 AND status = $3`
	res, err := r.db.ExecContext(ctx, q, stepID, StepStatusQueued, StepStatusRetrying)
	if err != nil {
		return fmt.Errorf("store: release step for redelivery: %w", err)
	}
	return rowsAffectedOrNotFound(res)
}

// MarkFailed terminates a step non-retryably (attempts exhausted or
// non-retryable classification).
func (r *StepRepo) MarkFailed(ctx context.Context, stepID, errMsg string, finishedAt time.Time) error {
	const q = `
		UPDATE steps
		SET status = $2, error = $3, finished_at = $4, locked_by = NULL, updated_at = now()
		WHERE step_id = $1`
	res, err := r.db.ExecContext(ctx, q, stepID, StepStatusFailed, errMsg, finishedAt)
	if err != nil {
		return fmt.Errorf("store: mark step failed: %w", err)
	}
	return rowsAffectedOrNotFound(res)
}

// MarkSkipped marks a step that will never run because its Run reached a
// terminal state first (e.g. cancellation) before the step was claimed.
func (r *StepRepo) MarkSkipped(ctx context.Context, stepID string) error {
	const q = `UPDATE steps SET status = $2, locked_by = NULL, updated_at = now() WHERE step_id = $1 AND status = $3`
	res, err := r.db.ExecContext(ctx, q, stepID, StepStatusSkipped, StepStatusQueued)
	if err != nil {
		return fmt.Errorf("store: mark step skipped: %w", err)
	}
	return rowsAffectedOrNotFound(res)
}

// CountByStatus returns the number of non-deleted steps in the given
// status, used by the orchestrator's health endpoint to report queue
// depth.
func (r *StepRepo) CountByStatus(ctx context.Context, status string) (int, error) {
	const q = `SELECT count(*) FROM steps WHERE status = $1 AND deleted_at IS NULL`
	var n int
	if err := r.db.QueryRowContext(ctx, q, status).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count steps by status: %w", err)
	}
	return n, nil
}

// ListOrphaned returns steps stuck in running past their visibility
// deadline: locked_by is set, but nobody extended visible_at in time,
// meaning the owning worker most likely crashed mid-execution.
func (r *StepRepo) ListOrphaned(ctx context.Context, now time.Time) ([]*Step, error) {
	const q = stepSelectColumns + `
		FROM steps
		WHERE status = $1 AND visible_at < $2 AND locked_by IS NOT NULL AND deleted_at IS NULL`
	rows, err := r.db.QueryContext(ctx, q, StepStatusRunning, now)
	if err != nil {
		return nil, fmt.Errorf("store: list orphaned steps: %w", err)
	}
	defer rows.Close()

	var out []*Step
	for rows.Next() {
		var s Step
		if err := rows.Scan(
			&s.ID, &s.RunID, &s.StepName, &s.StepOrder, &s.StepType, &s.Status, &s.InputData, &s.OutputData, &s.Error,
			&s.AttemptNumber, &s.MaxAttempts, &s.TokensUsed, &s.CostUSD, &s.LockedBy, &s.VisibleAt,
			&s.StartedAt, &s.FinishedAt, &s.DeletedAt, &s.CreatedAt, &s.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("store: scan orphaned step: %w", err)
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

// RecoverOrphan releases an orphaned claim back to the queue (if attempts
// remain) or fails it outright (if exhausted); the caller decides which
// based on attempt_number vs max_attempts and then calls the matching
// Mark* method. RecoverOrphan itself only clears the stale lock so the
// row becomes visible to ClaimNext again.
func (r *StepRepo) RecoverOrphan(ctx context.Context, stepID string, nextVisibleAt time.Time) error {
	const q = `
		UPDATE steps SET status = $2, locked_by = NULL, visible_at = $3, updated_at = now()
		WHERE step_id = $1 AND status = $4`
	res, err := r.db.ExecContext(ctx, q, stepID, StepStatusQueued, nextVisibleAt, StepStatusRunning)
	if err != nil {
		return fmt.Errorf("store: recover orphan step: %w", err)
	}
	return rowsAffectedOrNotFound(res)
}
