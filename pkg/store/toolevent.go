package store

import (
	"context"
	"database/sql"
	"fmt"
)

// ToolEventRepo persists append-only ToolEvent audit rows, written by the
// worker once per tool dispatch.
type ToolEventRepo struct {
	db *sql.DB
}

// Create inserts a new ToolEvent.
func (r *ToolEventRepo) Create(ctx context.Context, e *ToolEvent) error {
	const q = `
		INSERT INTO tool_events (tool_event_id, run_id, step_id, tenant_id, tool_name, input, output, outcome, error, latency_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := r.db.ExecContext(ctx, q, e.ID, e.RunID, e.StepID, e.TenantID, e.ToolName, e.Input, e.Output, e.Outcome, e.Error, e.LatencyMS)
	if err != nil {
		return fmt.Errorf("store: create tool event: %w", err)
	}
	return nil
}
