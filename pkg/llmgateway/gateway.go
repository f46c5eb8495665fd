// Package llmgateway implements the stateless completion front-end from
// spec.md §4.2: rate check, budget check, provider routing and failover,
// cost accounting, and LLMEvent persistence. It composes pkg/ratelimit,
// pkg/budget, and pkg/provider rather than owning any of that logic
// itself.
package llmgateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentrun/agentrun/pkg/budget"
	"github.com/agentrun/agentrun/pkg/provider"
	"github.com/agentrun/agentrun/pkg/ratelimit"
	"github.com/agentrun/agentrun/pkg/store"
)

// CompletionRequest is the HTTP request body for POST /v1/completions
// (spec.md §4.2).
type CompletionRequest struct {
	Model             string               `json:"model" binding:"required"`
	Messages          []provider.Message   `json:"messages" binding:"required"`
	TenantID          string               `json:"tenant_id" binding:"required"`
	RunID             string               `json:"run_id,omitempty"`
	StepID            string               `json:"step_id,omitempty"`
	Temperature       float64              `json:"temperature"`
	MaxTokens         int                  `json:"max_tokens,omitempty"`
	TopP              float64              `json:"top_p"`
	FrequencyPenalty  float64              `json:"frequency_penalty"`
	PresencePenalty   float64              `json:"presence_penalty"`
	Stop              []string             `json:"stop,omitempty"`
	Functions         []provider.Function  `json:"functions,omitempty"`
	FunctionCall      any                  `json:"function_call,omitempty"`
	PreferredProvider string               `json:"preferred_provider,omitempty"`
}

// CompletionResponse is the HTTP response body for a successful completion.
type CompletionResponse struct {
	ID                 string         `json:"id"`
	Model              string         `json:"model"`
	Provider           string         `json:"provider"`
	Content            string         `json:"content"`
	FinishReason       string         `json:"finish_reason"`
	Usage              provider.Usage `json:"usage"`
	CostUSD            float64        `json:"cost_usd"`
	LatencyMS          int64          `json:"latency_ms"`
	IsFallback         bool           `json:"is_fallback"`
	AttemptedProviders []string       `json:"attempted_providers"`
	SoftLimitWarning   bool           `json:"soft_limit_reached,omitempty"`
}

// Gateway wires the rate limiter, budget enforcer, and provider registry
// into the ordered request pipeline from spec.md §4.2. It owns LLMEvent
// rows and the Tenant token_used_current_month fast-store counter; Run
// aggregates (tokens_used/estimated_cost_usd) are the orchestrator worker's
// to write, per spec.md §3's ownership split, so Gateway holds no RunRepo.
type Gateway struct {
	rateLimiter *ratelimit.Limiter
	budget      *budget.Enforcer
	registry    *provider.Registry
	calc        *provider.Calculator
	tenants     *store.TenantRepo
	llmEvents   *store.LLMEventRepo

	requests requestWindow
}

// New constructs a Gateway.
func New(rateLimiter *ratelimit.Limiter, budgetEnforcer *budget.Enforcer, registry *provider.Registry, calc *provider.Calculator, tenants *store.TenantRepo, llmEvents *store.LLMEventRepo) *Gateway {
	return &Gateway{
		rateLimiter: rateLimiter,
		budget:      budgetEnforcer,
		registry:    registry,
		calc:        calc,
		tenants:     tenants,
		llmEvents:   llmEvents,
	}
}

// requestWindow is a trailing-60-second request counter for the GET
// /health requests_last_minute field (spec.md §6). Per-process, like the
// circuit breaker state reported alongside it (spec.md §9).
type requestWindow struct {
	mu   sync.Mutex
	seen []time.Time
}

func (w *requestWindow) record(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.seen = append(w.seen, now)
	w.prune(now)
}

func (w *requestWindow) count(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(now)
	return len(w.seen)
}

func (w *requestWindow) prune(now time.Time) {
	cutoff := now.Add(-time.Minute)
	i := 0
	for i < len(w.seen) && w.seen[i].Before(cutoff) {
		i++
	}
	w.seen = w.seen[i:]
}

// RequestsLastMinute reports the number of Complete calls observed in the
// trailing 60 seconds.
func (g *Gateway) RequestsLastMinute() int {
	return g.requests.count(time.Now())
}

// CacheHitRate reports the budget enforcer's cache hit rate.
func (g *Gateway) CacheHitRate() float64 {
	return g.budget.CacheHitRate()
}

// errAllProvidersFailed wraps the registry's terminal failure so HTTP
// handlers can recognize it without depending on the provider package.
var errAllProvidersFailed = errors.New("llmgateway: all providers failed")

// Complete runs the full request pipeline: rate check, token estimation,
// budget check, provider routing, and post-call accounting.
func (g *Gateway) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	g.requests.record(time.Now())

	tenant, err := g.tenants.Get(ctx, req.TenantID)
	if err != nil {
		return nil, fmt.Errorf("llmgateway: load tenant: %w", err)
	}

	rateResult, err := g.rateLimiter.Allow(ctx, req.TenantID, tenant.RateLimitPerMinute)
	if err != nil {
		return nil, fmt.Errorf("llmgateway: rate check: %w", err)
	}
	if !rateResult.Allowed {
		return nil, &ErrRateLimited{RetryAfterSeconds: int64(rateResult.RetryAfter.Seconds())}
	}

	estimated := estimateTokens(req.Messages)

	budgetResult, err := g.budget.Check(ctx, req.TenantID, estimated)
	if err != nil {
		return nil, fmt.Errorf("llmgateway: budget check: %w", err)
	}
	if !budgetResult.Allowed {
		// No LLMEvent row here: the budget guard fires before any provider
		// call is attempted, so there is nothing to audit yet (spec.md §8
		// scenario 2 — "no LLMEvent row; fast.counter unchanged").
		return nil, ErrBudgetExceeded
	}

	providerReq := provider.Request{
		Model:             req.Model,
		Messages:          req.Messages,
		TenantID:          req.TenantID,
		RunID:             req.RunID,
		StepID:            req.StepID,
		Temperature:       req.Temperature,
		MaxTokens:         req.MaxTokens,
		TopP:              req.TopP,
		FrequencyPenalty:  req.FrequencyPenalty,
		PresencePenalty:   req.PresencePenalty,
		Stop:              req.Stop,
		Functions:         req.Functions,
		FunctionCall:      req.FunctionCall,
		PreferredProvider: req.PreferredProvider,
	}

	resp, attempted, err := g.registry.Dispatch(ctx, providerReq)
	if err != nil {
		var rle *provider.RateLimitError
		if errors.As(err, &rle) {
			g.recordFailureEvent(ctx, req, tenant.ID, store.LLMOutcomeRateLimited, attempted, err)
			return nil, &ErrRateLimited{RetryAfterSeconds: 1}
		}
		if len(attempted) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrModelNotSupported, req.Model)
		}
		g.recordFailureEvent(ctx, req, tenant.ID, store.LLMOutcomeError, attempted, err)
		return nil, fmt.Errorf("%w: attempted=%v: %v", errAllProvidersFailed, attempted, err)
	}

	cost, err := g.calc.Calculate(req.Model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	if err != nil {
		slog.Warn("Cost calculation failed, recording zero cost", "model", req.Model, "error", err)
	}

	g.recordSuccessEvent(ctx, req, tenant.ID, resp, attempted, cost)

	if err := g.budget.RecordUsage(ctx, tenant.ID, int64(resp.Usage.TotalTokens)); err != nil {
		slog.Error("Failed to record budget usage", "tenant_id", tenant.ID, "error", err)
	}

	// Run.tokens_used/estimated_cost_usd are not touched here: the caller
	// (the orchestrator's llm step executor, via the worker) is the sole
	// writer of Run aggregates, using this response's Usage/CostUSD.

	return &CompletionResponse{
		ID:                 resp.ID,
		Model:              resp.Model,
		Provider:           resp.Provider,
		Content:            resp.Content,
		FinishReason:       resp.FinishReason,
		Usage:              resp.Usage,
		CostUSD:            cost,
		LatencyMS:          resp.LatencyMS,
		IsFallback:         len(attempted) > 1,
		AttemptedProviders: attempted,
		SoftLimitWarning:   budgetResult.SoftLimitWarn,
	}, nil
}

// recordSuccessEvent persists the audit row for a completed call. LLMEvent
// rows are keyed by (run_id, step_id, tenant_id); standalone calls made
// without a run_id (e.g. ad-hoc gateway testing) are not persisted, since
// run_id is a required column on the audit table.
func (g *Gateway) recordSuccessEvent(ctx context.Context, req CompletionRequest, tenantID string, resp provider.Response, attempted []string, cost float64) {
	if req.RunID == "" {
		return
	}
	event := &store.LLMEvent{
		ID:               uuid.NewString(),
		RunID:            req.RunID,
		StepID:           nullableString(req.StepID),
		TenantID:         tenantID,
		RequestedModel:   req.Model,
		Provider:         resp.Provider,
		Model:            resp.Model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		CostUSD:          cost,
		LatencyMS:        int(resp.LatencyMS),
		Outcome:          store.LLMOutcomeSuccess,
		CreatedAt:        time.Now(),
	}
	if err := g.llmEvents.Create(ctx, event); err != nil {
		slog.Error("Failed to record LLM event", "tenant_id", tenantID, "run_id", req.RunID, "error", err)
	}
}

func (g *Gateway) recordFailureEvent(ctx context.Context, req CompletionRequest, tenantID, outcome string, attempted []string, callErr error) {
	if req.RunID == "" {
		return
	}
	msg := callErr.Error()
	event := &store.LLMEvent{
		ID:             uuid.NewString(),
		RunID:          req.RunID,
		StepID:         nullableString(req.StepID),
		TenantID:       tenantID,
		RequestedModel: req.Model,
		Provider:       lastAttempted(attempted),
		Model:          req.Model,
		Outcome:        outcome,
		Error:          &msg,
		CreatedAt:      time.Now(),
	}
	if err := g.llmEvents.Create(ctx, event); err != nil {
		slog.Error("Failed to record failed LLM event", "tenant_id", tenantID, "run_id", req.RunID, "error", err)
	}
}

func lastAttempted(attempted []string) string {
	if len(attempted) == 0 {
		return "none"
	}
	return attempted[len(attempted)-1]
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
