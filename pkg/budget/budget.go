// Package budget implements the gateway's monthly token-budget
// enforcement: a Redis-cached view of each tenant's budget (TTL 60s) plus
// a monotonic "usage since last reconciliation" counter, reconciled into
// the relational store by a background task (see reconciler.go). The
// design mirrors spec.md §4.4's budget keyspace exactly: budget:{tenant}
// and budget:{tenant}:counter.
package budget

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/agentrun/agentrun/pkg/store"
)

const (
	budgetKeyPrefix  = "budget:"
	counterKeySuffix = ":counter"
)

// ErrBudgetExceeded is returned by Check when a request would push the
// tenant's projected usage at or past its monthly budget.
var ErrBudgetExceeded = errors.New("budget: monthly token budget exceeded")

// cachedBudget is the JSON blob stored at budget:{tenant_id}.
type cachedBudget struct {
	BudgetMonthly int64 `json:"budget_monthly"`
	UsedAtCache   int64 `json:"used_current_month"`
}

// CheckResult reports the outcome of a pre-call budget check.
type CheckResult struct {
	Allowed        bool
	SoftLimitWarn  bool
	ProjectedUsed  int64
	BudgetMonthly  int64
}

// Enforcer checks and records tenant token usage.
type Enforcer struct {
	redis            *redis.Client
	tenants          *store.TenantRepo
	cacheTTL         time.Duration
	softLimitPercent float64

	// cacheHits/cacheMisses feed the gateway's GET /health cache_hit_rate
	// field (spec.md §6); per-process, like everything else reported there.
	cacheHits   atomic.Int64
	cacheMisses atomic.Int64
}

// New creates an Enforcer.
func New(redisClient *redis.Client, tenants *store.TenantRepo, cacheTTL time.Duration, softLimitPercent float64) *Enforcer {
	if cacheTTL <= 0 {
		cacheTTL = 60 * time.Second
	}
	if softLimitPercent <= 0 {
		softLimitPercent = 80
	}
	return &Enforcer{redis: redisClient, tenants: tenants, cacheTTL: cacheTTL, softLimitPercent: softLimitPercent}
}

func budgetKey(tenantID string) string  { return budgetKeyPrefix + tenantID }
func counterKey(tenantID string) string { return budgetKeyPrefix + tenantID + counterKeySuffix }

// loadCached reads budget:{tenant}; on a cache miss it loads the Tenant row
// from the relational store and writes the cache through.
func (e *Enforcer) loadCached(ctx context.Context, tenantID string) (cachedBudget, error) {
	raw, err := e.redis.Get(ctx, budgetKey(tenantID)).Bytes()
	if err == nil {
		var cb cachedBudget
		if jerr := json.Unmarshal(raw, &cb); jerr == nil {
			e.cacheHits.Add(1)
			return cb, nil
		}
		slog.Warn("Corrupt budget cache entry, reloading from store", "tenant_id", tenantID, "error", err)
	} else if !errors.Is(err, redis.Nil) {
		slog.Error("Budget cache read failed, falling back to store", "tenant_id", tenantID, "error", err)
	}
	e.cacheMisses.Add(1)

	tenant, terr := e.tenants.Get(ctx, tenantID)
	if terr != nil {
		return cachedBudget{}, fmt.Errorf("budget: load tenant: %w", terr)
	}
	cb := cachedBudget{BudgetMonthly: tenant.TokenBudgetMonthly, UsedAtCache: tenant.TokenUsedCurrentMonth}
	e.writeThrough(ctx, tenantID, cb)
	return cb, nil
}

// CacheHitRate reports the fraction of budget lookups served from Redis
// without a relational fallback, since this Enforcer was constructed.
// Feeds the gateway's GET /health cache_hit_rate field (spec.md §6).
func (e *Enforcer) CacheHitRate() float64 {
	hits := e.cacheHits.Load()
	total := hits + e.cacheMisses.Load()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

func (e *Enforcer) writeThrough(ctx context.Context, tenantID string, cb cachedBudget) {
	data, err := json.Marshal(cb)
	if err != nil {
		slog.Error("Failed to marshal budget cache entry", "tenant_id", tenantID, "error", err)
		return
	}
	if err := e.redis.Set(ctx, budgetKey(tenantID), data, e.cacheTTL).Err(); err != nil {
		slog.Error("Failed to write budget cache entry", "tenant_id", tenantID, "error", err)
	}
}

// Check evaluates whether estimatedTokens may proceed for tenantID, per
// spec.md §4.2 step 3. It never mutates state; RecordUsage does that
// after a successful call.
func (e *Enforcer) Check(ctx context.Context, tenantID string, estimatedTokens int64) (CheckResult, error) {
	cb, err := e.loadCached(ctx, tenantID)
	if err != nil {
		return CheckResult{}, err
	}

	counter, err := e.redis.Get(ctx, counterKey(tenantID)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		slog.Error("Budget counter read failed, assuming zero", "tenant_id", tenantID, "error", err)
		counter = 0
	}

	effectiveUsed := cb.UsedAtCache + counter
	projected := effectiveUsed + estimatedTokens

	result := CheckResult{
		ProjectedUsed: projected,
		BudgetMonthly: cb.BudgetMonthly,
	}

	if projected >= cb.BudgetMonthly {
		result.Allowed = false
		return result, nil
	}

	result.Allowed = true
	if cb.BudgetMonthly > 0 && float64(effectiveUsed) >= float64(cb.BudgetMonthly)*(e.softLimitPercent/100.0) {
		result.SoftLimitWarn = true
	}
	return result, nil
}

// RecordUsage increments the uncommitted-usage counter by the actual
// token count returned by a successful provider call. It is always
// called, even when actualTokens is zero, to keep the reconciliation
// invariant (fast.counter + relational.used = sum of LLMEvent usage)
// from drifting - the source system's bug of skipping zero-token updates
// is explicitly not reproduced here (spec.md §9).
func (e *Enforcer) RecordUsage(ctx context.Context, tenantID string, actualTokens int64) error {
	if err := e.redis.IncrBy(ctx, counterKey(tenantID), actualTokens).Err(); err != nil {
		return fmt.Errorf("budget: record usage: %w", err)
	}
	return nil
}

// InvalidateCache drops the cached budget blob, forcing the next Check to
// reload from the relational store. Called by the reconciler after it
// updates token_used_current_month, and on a month-boundary reset.
func (e *Enforcer) InvalidateCache(ctx context.Context, tenantID string) error {
	if err := e.redis.Del(ctx, budgetKey(tenantID)).Err(); err != nil {
		return fmt.Errorf("budget: invalidate cache: %w", err)
	}
	return nil
}
