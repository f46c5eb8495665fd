package llmgateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/agentrun/agentrun/pkg/breaker"
	"github.com/agentrun/agentrun/pkg/budget"
	"github.com/agentrun/agentrun/pkg/config"
	"github.com/agentrun/agentrun/pkg/provider"
	"github.com/agentrun/agentrun/pkg/ratelimit"
	"github.com/agentrun/agentrun/pkg/store"
)

// stubProvider is a minimal in-memory provider.Provider used to exercise the
// gateway pipeline without any network calls.
type stubProvider struct {
	name   string
	models map[string]string
	fail   error
	calls  int
}

func (p *stubProvider) Name() string { return p.name }
func (p *stubProvider) SupportsModel(model string) bool {
	_, ok := p.models[model]
	return ok
}
func (p *stubProvider) MapModelName(model string) (string, bool) {
	native, ok := p.models[model]
	return native, ok
}
func (p *stubProvider) CalculateCost(model string, promptTokens, completionTokens int) (float64, error) {
	return 0, nil
}
func (p *stubProvider) IsAvailable() bool { return true }
func (p *stubProvider) Complete(ctx context.Context, req provider.Request) (provider.Response, error) {
	p.calls++
	if p.fail != nil {
		return provider.Response{}, p.fail
	}
	return provider.Response{
		ID:           "resp-1",
		Model:        p.models[req.Model],
		Provider:     p.name,
		Content:      "hello there",
		FinishReason: "stop",
		Usage:        provider.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		LatencyMS:    12,
	}, nil
}

var errDown = errors.New("down")

func testBreakerConfig() breaker.Config {
	return breaker.Config{FailMax: 5, TimeoutDuration: 0}
}

func testPricingTable() map[string]config.PricingEntry {
	return map[string]config.PricingEntry{
		"gpt-4": {Model: "gpt-4", Family: "gpt-4", PromptPer1K: 0.03, CompletionPer1K: 0.06},
	}
}

func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func setupTestStore(t *testing.T) *store.DB {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("agentrun_test"),
		postgres.WithUsername("agentrun"),
		postgres.WithPassword("agentrun"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(pgContainer); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	db, err := store.Open(ctx, store.Config{
		Host: host, Port: port.Int(), User: "agentrun", Password: "agentrun", Database: "agentrun_test",
		SSLMode: "disable", MaxOpenConns: 10, MaxIdleConns: 5, ConnMaxLifetime: time.Hour, ConnMaxIdleTime: 15 * time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seedTenant(t *testing.T, db *store.DB, tokenBudget, tokensUsed int64, ratePerMinute int) *store.Tenant {
	t.Helper()
	tenant := &store.Tenant{
		ID: uuid.NewString(), Name: "acme", TokenBudgetMonthly: tokenBudget,
		RateLimitPerMinute: ratePerMinute, Status: store.TenantStatusActive,
	}
	require.NoError(t, db.Tenants.Create(context.Background(), tenant))
	if tokensUsed > 0 {
		require.NoError(t, db.Tenants.AddTokensUsed(context.Background(), tenant.ID, tokensUsed))
	}
	return tenant
}

func seedRun(t *testing.T, db *store.DB, tenantID string) *store.Run {
	t.Helper()
	task := &store.Task{
		ID: uuid.NewString(), TenantID: tenantID, Name: "demo-task", Version: 1,
		Definition: []byte(`[]`), DefaultTokenBudget: 1_000_000, TimeoutSeconds: 300, MaxRetries: 3,
		Status: store.TaskStatusActive,
	}
	require.NoError(t, db.Tasks.Create(context.Background(), task))

	run := &store.Run{
		ID: uuid.NewString(), TenantID: tenantID, TaskID: task.ID,
		Status: "running", TokenBudget: 1_000_000, Input: []byte(`{}`),
	}
	require.NoError(t, db.Runs.Create(context.Background(), run))
	return run
}

func newTestGateway(db *store.DB, rc *redis.Client, registry *provider.Registry) *Gateway {
	rl := ratelimit.New(rc, time.Minute)
	be := budget.New(rc, db.Tenants, 60*time.Second, 80)
	calc := provider.NewCalculator(testPricingTable())
	return New(rl, be, registry, calc, db.Tenants, db.LLMEvents)
}

func TestCompleteHappyPathPersistsEventAndUsage(t *testing.T) {
	ctx := context.Background()
	db := setupTestStore(t)
	rc := setupTestRedis(t)
	tenant := seedTenant(t, db, 1_000_000, 0, 100)
	run := seedRun(t, db, tenant.ID)

	openai := &stubProvider{name: "openai", models: map[string]string{"gpt-4": "gpt-4"}}
	registry := provider.NewRegistry([]string{"openai"})
	registry.Register(openai, testBreakerConfig())

	gw := newTestGateway(db, rc, registry)

	resp, err := gw.Complete(ctx, CompletionRequest{
		Model:    "gpt-4",
		Messages: []provider.Message{{Role: provider.RoleUser, Content: "hello world"}},
		TenantID: tenant.ID,
		RunID:    run.ID,
	})
	require.NoError(t, err)
	require.Equal(t, "openai", resp.Provider)
	require.Equal(t, int64(15), int64(resp.Usage.TotalTokens))
	require.False(t, resp.IsFallback)
	require.InDelta(t, 0.03*10/1000+0.06*5/1000, resp.CostUSD, 1e-9)

	// Run.tokens_used is not touched by the gateway: that aggregate belongs
	// to the orchestrator worker (spec.md §3), which adds resp.Usage itself.
	gotTenant, err := db.Tenants.Get(ctx, tenant.ID)
	require.NoError(t, err)
	require.Equal(t, int64(15), gotTenant.TokenUsedCurrentMonth)
}

func TestCompleteSkipsEventPersistenceWithoutRunID(t *testing.T) {
	ctx := context.Background()
	db := setupTestStore(t)
	rc := setupTestRedis(t)
	tenant := seedTenant(t, db, 1_000_000, 0, 100)

	openai := &stubProvider{name: "openai", models: map[string]string{"gpt-4": "gpt-4"}}
	registry := provider.NewRegistry([]string{"openai"})
	registry.Register(openai, testBreakerConfig())

	gw := newTestGateway(db, rc, registry)

	resp, err := gw.Complete(ctx, CompletionRequest{
		Model:    "gpt-4",
		Messages: []provider.Message{{Role: provider.RoleUser, Content: "hello world"}},
		TenantID: tenant.ID,
	})
	require.NoError(t, err)
	require.Equal(t, "openai", resp.Provider)

	counter, err := rc.Get(ctx, "budget:"+tenant.ID+":counter").Int64()
	require.NoError(t, err)
	require.Equal(t, int64(15), counter)
}

func TestCompleteReturnsModelNotSupported(t *testing.T) {
	ctx := context.Background()
	db := setupTestStore(t)
	rc := setupTestRedis(t)
	tenant := seedTenant(t, db, 1_000_000, 0, 100)

	openai := &stubProvider{name: "openai", models: map[string]string{"gpt-4": "gpt-4"}}
	registry := provider.NewRegistry([]string{"openai"})
	registry.Register(openai, testBreakerConfig())

	gw := newTestGateway(db, rc, registry)

	_, err := gw.Complete(ctx, CompletionRequest{
		Model:    "claude-3-opus",
		Messages: []provider.Message{{Role: provider.RoleUser, Content: "hi"}},
		TenantID: tenant.ID,
	})
	require.ErrorIs(t, err, ErrModelNotSupported)
}

func TestCompleteReturnsBudgetExceeded(t *testing.T) {
	ctx := context.Background()
	db := setupTestStore(t)
	rc := setupTestRedis(t)
	tenant := seedTenant(t, db, 10, 9, 100)
	run := seedRun(t, db, tenant.ID)

	openai := &stubProvider{name: "openai", models: map[string]string{"gpt-4": "gpt-4"}}
	registry := provider.NewRegistry([]string{"openai"})
	registry.Register(openai, testBreakerConfig())

	gw := newTestGateway(db, rc, registry)

	_, err := gw.Complete(ctx, CompletionRequest{
		Model:    "gpt-4",
		Messages: []provider.Message{{Role: provider.RoleUser, Content: "this message has several words in it"}},
		TenantID: tenant.ID,
		RunID:    run.ID,
	})
	require.ErrorIs(t, err, ErrBudgetExceeded)
	require.Equal(t, 0, openai.calls)
}

func TestCompleteReturnsRateLimited(t *testing.T) {
	ctx := context.Background()
	db := setupTestStore(t)
	rc := setupTestRedis(t)
	tenant := seedTenant(t, db, 1_000_000, 0, 1)

	openai := &stubProvider{name: "openai", models: map[string]string{"gpt-4": "gpt-4"}}
	registry := provider.NewRegistry([]string{"openai"})
	registry.Register(openai, testBreakerConfig())

	gw := newTestGateway(db, rc, registry)

	req := CompletionRequest{
		Model:    "gpt-4",
		Messages: []provider.Message{{Role: provider.RoleUser, Content: "hi"}},
		TenantID: tenant.ID,
	}
	_, err := gw.Complete(ctx, req)
	require.NoError(t, err)

	_, err = gw.Complete(ctx, req)
	require.Error(t, err)
	var rle *ErrRateLimited
	require.ErrorAs(t, err, &rle)
}

func TestCompleteFallsOverAndMarksIsFallback(t *testing.T) {
	ctx := context.Background()
	db := setupTestStore(t)
	rc := setupTestRedis(t)
	tenant := seedTenant(t, db, 1_000_000, 0, 100)
	run := seedRun(t, db, tenant.ID)

	failing := &stubProvider{name: "openai", models: map[string]string{"gpt-4": "gpt-4"}, fail: &provider.ProviderError{Provider: "openai", Retryable: true, Err: errDown}}
	healthy := &stubProvider{name: "anthropic", models: map[string]string{"gpt-4": "claude-3-sonnet-20240229"}}

	registry := provider.NewRegistry([]string{"openai", "anthropic"})
	registry.Register(failing, testBreakerConfig())
	registry.Register(healthy, testBreakerConfig())

	gw := newTestGateway(db, rc, registry)

	resp, err := gw.Complete(ctx, CompletionRequest{
		Model:    "gpt-4",
		Messages: []provider.Message{{Role: provider.RoleUser, Content: "hello world"}},
		TenantID: tenant.ID,
		RunID:    run.ID,
	})
	require.NoError(t, err)
	require.Equal(t, "anthropic", resp.Provider)
	require.True(t, resp.IsFallback)
	require.Equal(t, []string{"openai", "anthropic"}, resp.AttemptedProviders)
}

func TestCompleteReturnsAllProvidersFailed(t *testing.T) {
	ctx := context.Background()
	db := setupTestStore(t)
	rc := setupTestRedis(t)
	tenant := seedTenant(t, db, 1_000_000, 0, 100)
	run := seedRun(t, db, tenant.ID)

	failingA := &stubProvider{name: "openai", models: map[string]string{"gpt-4": "gpt-4"}, fail: &provider.ProviderError{Provider: "openai", Err: errDown}}
	failingB := &stubProvider{name: "anthropic", models: map[string]string{"gpt-4": "claude-3-sonnet-20240229"}, fail: &provider.ProviderError{Provider: "anthropic", Err: errDown}}

	registry := provider.NewRegistry([]string{"openai", "anthropic"})
	registry.Register(failingA, testBreakerConfig())
	registry.Register(failingB, testBreakerConfig())

	gw := newTestGateway(db, rc, registry)

	_, err := gw.Complete(ctx, CompletionRequest{
		Model:    "gpt-4",
		Messages: []provider.Message{{Role: provider.RoleUser, Content: "hello world"}},
		TenantID: tenant.ID,
		RunID:    run.ID,
	})
	require.ErrorIs(t, err, errAllProvidersFailed)

	promptTokens, completionTokens, err := db.LLMEvents.SumUsageSince(ctx, tenant.ID)
	require.NoError(t, err)
	require.Equal(t, int64(0), promptTokens)
	require.Equal(t, int64(0), completionTokens)
}
