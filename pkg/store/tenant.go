package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// TenantRepo persists Tenant rows. The gateway's budget reconciler owns
// writes to token_used_current_month; everything else about a Tenant is
// administrative.
type TenantRepo struct {
	db *sql.DB
}

// Create inserts a new Tenant.
func (r *TenantRepo) Create(ctx context.Context, t *Tenant) error {
	const q = `
		INSERT INTO tenants (tenant_id, name, token_budget_monthly, token_used_current_month, rate_limit_per_minute, status)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.db.ExecContext(ctx, q, t.ID, t.Name, t.TokenBudgetMonthly, t.TokenUsedCurrentMonth, t.RateLimitPerMinute, t.Status)
	if err != nil {
		return fmt.Errorf("store: create tenant: %w", err)
	}
	return nil
}

// Get fetches a Tenant by id.
func (r *TenantRepo) Get(ctx context.Context, id string) (*Tenant, error) {
	const q = `
		SELECT tenant_id, name, token_budget_monthly, token_used_current_month, rate_limit_per_minute, status, created_at, updated_at
		FROM tenants WHERE tenant_id = $1`
	var t Tenant
	err := r.db.QueryRowContext(ctx, q, id).Scan(
		&t.ID, &t.Name, &t.TokenBudgetMonthly, &t.TokenUsedCurrentMonth, &t.RateLimitPerMinute, &t.Status, &t.CreatedAt, &t.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get tenant: %w", err)
	}
	return &t, nil
}

// AddTokensUsed atomically adds delta (which may be negative, for a
// post-month-boundary correction) to token_used_current_month. Used by the
// budget reconciler to flush the fast-store counter into the relational
// row; never called from the request hot path.
func (r *TenantRepo) AddTokensUsed(ctx context.Context, tenantID string, delta int64) error {
	if delta == 0 {
		return nil
	}
	const q = `UPDATE tenants SET token_used_current_month = token_used_current_month + $2, updated_at = now() WHERE tenant_id = $1`
	res, err := r.db.ExecContext(ctx, q, tenantID, delta)
	if err != nil {
		return fmt.Errorf("store: add tokens used: %w", err)
	}
	return rowsAffectedOrNotFound(res)
}

// ResetMonthly zeroes token_used_current_month, called once per tenant at
// the first reconciliation past a calendar-month (UTC) boundary.
func (r *TenantRepo) ResetMonthly(ctx context.Context, tenantID string) error {
	const q = `UPDATE tenants SET token_used_current_month = 0, updated_at = now() WHERE tenant_id = $1`
	res, err := r.db.ExecContext(ctx, q, tenantID)
	if err != nil {
		return fmt.Errorf("store: reset monthly usage: %w", err)
	}
	return rowsAffectedOrNotFound(res)
}

// ListActive returns every active tenant, used by the reconciler to sweep
// fast-store counters without needing a side index of "tenants with
// recent activity".
func (r *TenantRepo) ListActive(ctx context.Context) ([]*Tenant, error) {
	const q = `
		SELECT tenant_id, name, token_budget_monthly, token_used_current_month, rate_limit_per_minute, status, created_at, updated_at
		FROM tenants WHERE status = $1`
	rows, err := r.db.QueryContext(ctx, q, TenantStatusActive)
	if err != nil {
		return nil, fmt.Errorf("store: list active tenants: %w", err)
	}
	defer rows.Close()

	var out []*Tenant
	for rows.Next() {
		var t Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.TokenBudgetMonthly, &t.TokenUsedCurrentMonth, &t.RateLimitPerMinute, &t.Status, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan tenant: %w", err)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func rowsAffectedOrNotFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
