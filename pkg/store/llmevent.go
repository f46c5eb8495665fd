package store

import (
	"context"
	"database/sql"
	"fmt"
)

// LLMEventRepo persists append-only LLMEvent audit rows. The gateway is
// the sole writer; rows are never updated or deleted except by cascade
// when their Run is removed.
type LLMEventRepo struct {
	db *sql.DB
}

// Create inserts a new LLMEvent.
func (r *LLMEventRepo) Create(ctx context.Context, e *LLMEvent) error {
	const q = `
		INSERT INTO llm_events (llm_event_id, run_id, step_id, tenant_id, requested_model, provider, model,
		                         prompt_tokens, completion_tokens, cost_usd, latency_ms, outcome, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	_, err := r.db.ExecContext(ctx, q, e.ID, e.RunID, e.StepID, e.TenantID, e.RequestedModel, e.Provider, e.Model,
		e.PromptTokens, e.CompletionTokens, e.CostUSD, e.LatencyMS, e.Outcome, e.Error)
	if err != nil {
		return fmt.Errorf("store: create llm event: %w", err)
	}
	return nil
}

// SumUsageSince totals prompt and completion tokens over every successful
// LLMEvent recorded for a tenant, with no time bound, used by property tests validating the reconciliation
// invariant: fast.counter + relational.used == sum(usage) for all events.
func (r *LLMEventRepo) SumUsageSince(ctx context.Context, tenantID string) (promptTokens, completionTokens int64, err error) {
	const q = `
		SELECT COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(completion_tokens), 0)
		FROM llm_events WHERE tenant_id = $1 AND outcome = $2`
	err = r.db.QueryRowContext(ctx, q, tenantID, LLMOutcomeSuccess).Scan(&promptTokens, &completionTokens)
	if err != nil {
		return 0, 0, fmt.Errorf("store: sum llm usage: %w", err)
	}
	return promptTokens, completionTokens, nil
}
