package budget

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/agentrun/agentrun/pkg/store"
)

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

func seedTenant(t *testing.T, db *store.DB, budget, used int64) *store.Tenant {
	tenant := &store.Tenant{
		ID: uuid.NewString(), Name: "acme", TokenBudgetMonthly: budget,
		RateLimitPerMinute: 100, Status: store.TenantStatusActive,
	}
	require.NoError(t, db.Tenants.Create(context.Background(), tenant))
	if used > 0 {
		require.NoError(t, db.Tenants.AddTokensUsed(context.Background(), tenant.ID, used))
	}
	return tenant
}

func TestCheckAllowsWithinBudget(t *testing.T) {
	rc := setupTestRedis(t)
	db := setupTestStore(t)
	tenant := seedTenant(t, db, 1_000_000, 0)

	e := New(rc, db.Tenants, 60*time.Second, 80)
	res, err := e.Check(context.Background(), tenant.ID, 10)
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.False(t, res.SoftLimitWarn)
}

func TestCheckBlocksWhenProjectedUsageExceedsBudget(t *testing.T) {
	rc := setupTestRedis(t)
	db := setupTestStore(t)
	tenant := seedTenant(t, db, 1000, 999)

	e := New(rc, db.Tenants, 60*time.Second, 80)
	res, err := e.Check(context.Background(), tenant.ID, 10)
	require.NoError(t, err)
	require.False(t, res.Allowed)
}

func TestCheckWarnsAtSoftLimit(t *testing.T) {
	rc := setupTestRedis(t)
	db := setupTestStore(t)
	tenant := seedTenant(t, db, 1000, 850)

	e := New(rc, db.Tenants, 60*time.Second, 80)
	res, err := e.Check(context.Background(), tenant.ID, 1)
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.True(t, res.SoftLimitWarn)
}

func TestRecordUsageAndReconcileFlushesCounter(t *testing.T) {
	ctx := context.Background()
	rc := setupTestRedis(t)
	db := setupTestStore(t)
	tenant := seedTenant(t, db, 1_000_000, 0)

	e := New(rc, db.Tenants, 60*time.Second, 80)
	require.NoError(t, e.RecordUsage(ctx, tenant.ID, 4))

	recon := NewReconciler(rc, db.Tenants, e, time.Minute)
	recon.reconcileOnce(ctx)

	got, err := db.Tenants.Get(ctx, tenant.ID)
	require.NoError(t, err)
	require.Equal(t, int64(4), got.TokenUsedCurrentMonth)

	// Reconciling again with nothing new accrued is a no-op.
	recon.reconcileOnce(ctx)
	got2, err := db.Tenants.Get(ctx, tenant.ID)
	require.NoError(t, err)
	require.Equal(t, got.TokenUsedCurrentMonth, got2.TokenUsedCurrentMonth)
}
