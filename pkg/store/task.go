package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// TaskRepo persists Task rows. Tasks are immutable once created; a new
// definition is always a new (tenant_id, name, version) row.
type TaskRepo struct {
	db *sql.DB
}

// Create inserts a new Task version.
func (r *TaskRepo) Create(ctx context.Context, t *Task) error {
	const q = `
		INSERT INTO tasks (task_id, tenant_id, name, version, definition, default_token_budget, timeout_seconds, max_retries, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := r.db.ExecContext(ctx, q, t.ID, t.TenantID, t.Name, t.Version, t.Definition, t.DefaultTokenBudget, t.TimeoutSeconds, t.MaxRetries, t.Status)
	if err != nil {
		return fmt.Errorf("store: create task: %w", err)
	}
	return nil
}

// Get fetches a Task by id.
func (r *TaskRepo) Get(ctx context.Context, id string) (*Task, error) {
	const q = `
		SELECT task_id, tenant_id, name, version, definition, default_token_budget, timeout_seconds, max_retries, status, created_at, updated_at
		FROM tasks WHERE task_id = $1`
	return r.scanOne(r.db.QueryRowContext(ctx, q, id))
}

// GetLatestVersion returns the highest-version active Task for
// (tenant_id, name), used when a Run is submitted by name rather than id.
func (r *TaskRepo) GetLatestVersion(ctx context.Context, tenantID, name string) (*Task, error) {
	const q = `
		SELECT task_id, tenant_id, name, version, definition, default_token_budget, timeout_seconds, max_retries, status, created_at, updated_at
		FROM tasks WHERE tenant_id = $1 AND name = $2 AND status = $3
		ORDER BY version DESC LIMIT 1`
	return r.scanOne(r.db.QueryRowContext(ctx, q, tenantID, name, TaskStatusActive))
}

func (r *TaskRepo) scanOne(row *sql.Row) (*Task, error) {
	var t Task
	err := row.Scan(&t.ID, &t.TenantID, &t.Name, &t.Version, &t.Definition, &t.DefaultTokenBudget, &t.TimeoutSeconds, &t.MaxRetries, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get task: %w", err)
	}
	return &t, nil
}

// Archive marks a Task inactive without deleting it; existing Runs keep
// referencing it, but GetLatestVersion will skip it.
func (r *TaskRepo) Archive(ctx context.Context, id string) error {
	const q = `UPDATE tasks SET status = $2, updated_at = now() WHERE task_id = $1`
	res, err := r.db.ExecContext(ctx, q, id, TaskStatusArchived)
	if err != nil {
		return fmt.Errorf("store: archive task: %w", err)
	}
	return rowsAffectedOrNotFound(res)
}
