package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func newTestDB(t *testing.T) *DB {
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

	db, err := Open(ctx, Config{
		Host:            host,
		Port:            port.Int(),
		User:            "agentrun",
		Password:        "agentrun",
		Database:        "agentrun_test",
		SSLMode:         "disable",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 15 * time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return db
}

func seedTenant(t *testing.T, db *DB) *Tenant {
	tenant := &Tenant{
		ID:                 uuid.NewString(),
		Name:               "acme",
		TokenBudgetMonthly: 1_000_000,
		RateLimitPerMinute: 100,
		Status:             TenantStatusActive,
	}
	require.NoError(t, db.Tenants.Create(context.Background(), tenant))
	return tenant
}

func seedTask(t *testing.T, db *DB, tenantID string) *Task {
	task := &Task{
		ID:                 uuid.NewString(),
		TenantID:           tenantID,
		Name:               "summarize",
		Version:            1,
		Definition:         []byte(`[{"name":"call_llm","type":"llm"}]`),
		DefaultTokenBudget: 10_000,
		TimeoutSeconds:     3600,
		MaxRetries:         3,
		Status:             TaskStatusActive,
	}
	require.NoError(t, db.Tasks.Create(context.Background(), task))
	return task
}

func TestTenantRepoCreateAndGet(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	tenant := seedTenant(t, db)

	got, err := db.Tenants.Get(ctx, tenant.ID)
	require.NoError(t, err)
	require.Equal(t, tenant.Name, got.Name)
	require.Equal(t, int64(0), got.TokenUsedCurrentMonth)

	_, err = db.Tenants.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTenantRepoAddTokensUsedAndReset(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	tenant := seedTenant(t, db)

	require.NoError(t, db.Tenants.AddTokensUsed(ctx, tenant.ID, 42))
	got, err := db.Tenants.Get(ctx, tenant.ID)
	require.NoError(t, err)
	require.Equal(t, int64(42), got.TokenUsedCurrentMonth)

	require.NoError(t, db.Tenants.ResetMonthly(ctx, tenant.ID))
	got, err = db.Tenants.Get(ctx, tenant.ID)
	require.NoError(t, err)
	require.Equal(t, int64(0), got.TokenUsedCurrentMonth)
}

func TestRunLifecycleCAS(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	tenant := seedTenant(t, db)
	task := seedTask(t, db, tenant.ID)

	run := &Run{
		ID:          uuid.NewString(),
		TenantID:    tenant.ID,
		TaskID:      task.ID,
		Status:      RunStatusPending,
		TokenBudget: task.DefaultTokenBudget,
	}
	require.NoError(t, db.Runs.Create(ctx, run))

	require.NoError(t, db.Runs.MarkRunning(ctx, run.ID, time.Now().UTC()))
	got, err := db.Runs.Get(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, RunStatusRunning, got.Status)
	require.NotNil(t, got.StartedAt)

	total, err := db.Runs.AddUsage(ctx, run.ID, 4, 0.0000035)
	require.NoError(t, err)
	require.Equal(t, int64(4), total)

	ok, err := db.Runs.UpdateStatusCAS(ctx, run.ID, RunStatusCompleted, nil, time.Now().UTC())
	require.NoError(t, err)
	require.True(t, ok)

	// Re-applying a terminal transition is a no-op, not an error.
	ok, err = db.Runs.UpdateStatusCAS(ctx, run.ID, RunStatusFailed, nil, time.Now().UTC())
	require.NoError(t, err)
	require.False(t, ok)

	got, err = db.Runs.Get(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, RunStatusCompleted, got.Status)
	require.NotNil(t, got.DurationSeconds)
}

func TestStepClaimAndHeartbeat(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	tenant := seedTenant(t, db)
	task := seedTask(t, db, tenant.ID)

	run := &Run{ID: uuid.NewString(), TenantID: tenant.ID, TaskID: task.ID, Status: RunStatusPending, TokenBudget: task.DefaultTokenBudget}
	require.NoError(t, db.Runs.Create(ctx, run))

	step := &Step{
		ID:          uuid.NewString(),
		RunID:       run.ID,
		StepName:    "call_llm",
		StepOrder:   0,
		StepType:    StepTypeLLM,
		Status:      StepStatusQueued,
		MaxAttempts: 3,
		VisibleAt:   time.Now().UTC(),
	}
	require.NoError(t, db.Steps.Create(ctx, step))

	claimed, err := db.Steps.ClaimNext(ctx, "worker-1", 30*time.Second)
	require.NoError(t, err)
	require.Equal(t, step.ID, claimed.ID)
	require.Equal(t, StepStatusRunning, claimed.Status)

	// Nothing else is claimable while the only step is locked.
	_, err = db.Steps.ClaimNext(ctx, "worker-2", 30*time.Second)
	require.ErrorIs(t, err, ErrNoStepsClaimable)

	require.NoError(t, db.Steps.Heartbeat(ctx, step.ID, "worker-1", 30*time.Second))

	require.NoError(t, db.Steps.MarkSuccess(ctx, step.ID, []byte(`{"text":"ok"}`), 4, 0.0000035, time.Now().UTC()))

	got, err := db.Steps.Get(ctx, step.ID)
	require.NoError(t, err)
	require.Equal(t, StepStatusSuccess, got.Status)
	require.Equal(t, int64(4), got.TokensUsed)
	require.Nil(t, got.LockedBy)
}

func TestStepRetryThenOrphanRecovery(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	tenant := seedTenant(t, db)
	task := seedTask(t, db, tenant.ID)
	run := &Run{ID: uuid.NewString(), TenantID: tenant.ID, TaskID: task.ID, Status: RunStatusPending, TokenBudget: task.DefaultTokenBudget}
	require.NoError(t, db.Runs.Create(ctx, run))

	step := &Step{
		ID: uuid.NewString(), RunID: run.ID, StepName: "call_llm", StepOrder: 0,
		StepType: StepTypeLLM, Status: StepStatusQueued, MaxAttempts: 3, VisibleAt: time.Now().UTC(),
	}
	require.NoError(t, db.Steps.Create(ctx, step))

	claimed, err := db.Steps.ClaimNext(ctx, "worker-1", 30*time.Second)
	require.NoError(t, err)
	require.Equal(t, 0, claimed.AttemptNumber)

	require.NoError(t, db.Steps.MarkRetrying(ctx, step.ID, "connection reset", time.Now().UTC().Add(-time.Second)))
	require.NoError(t, db.Steps.ReleaseForRedelivery(ctx, step.ID))

	got, err := db.Steps.Get(ctx, step.ID)
	require.NoError(t, err)
	require.Equal(t, StepStatusQueued, got.Status)
	require.Equal(t, 1, got.AttemptNumber)

	claimed2, err := db.Steps.ClaimNext(ctx, "worker-2", 30*time.Second)
	require.NoError(t, err)
	require.Equal(t, step.ID, claimed2.ID)

	// Simulate a crashed worker: heartbeat deadline already passed.
	orphaned, err := db.Steps.ListOrphaned(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, orphaned, 1)

	require.NoError(t, db.Steps.RecoverOrphan(ctx, step.ID, time.Now().UTC().Add(-time.Second)))
	got, err = db.Steps.Get(ctx, step.ID)
	require.NoError(t, err)
	require.Equal(t, StepStatusQueued, got.Status)
	require.Nil(t, got.LockedBy)
}

func TestDeadLetterAndLLMEventRoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	tenant := seedTenant(t, db)
	task := seedTask(t, db, tenant.ID)
	run := &Run{ID: uuid.NewString(), TenantID: tenant.ID, TaskID: task.ID, Status: RunStatusPending, TokenBudget: task.DefaultTokenBudget}
	require.NoError(t, db.Runs.Create(ctx, run))

	step := &Step{
		ID: uuid.NewString(), RunID: run.ID, StepName: "call_llm", StepOrder: 0,
		StepType: StepTypeLLM, Status: StepStatusQueued, MaxAttempts: 1, VisibleAt: time.Now().UTC(),
	}
	require.NoError(t, db.Steps.Create(ctx, step))

	require.NoError(t, db.LLMEvents.Create(ctx, &LLMEvent{
		ID: uuid.NewString(), RunID: run.ID, StepID: &step.ID, TenantID: tenant.ID,
		RequestedModel: "gpt-3.5-turbo", Provider: "openai", Model: "gpt-3.5-turbo",
		PromptTokens: 3, CompletionTokens: 1, CostUSD: 0.0000035, LatencyMS: 120, Outcome: LLMOutcomeSuccess,
	}))

	prompt, completion, err := db.LLMEvents.SumUsageSince(ctx, tenant.ID)
	require.NoError(t, err)
	require.Equal(t, int64(3), prompt)
	require.Equal(t, int64(1), completion)

	require.NoError(t, db.DeadLetters.Create(ctx, &DeadLetter{
		ID: uuid.NewString(), StepID: step.ID, RunID: run.ID, Reason: "max_attempts_exceeded", OriginalAttempt: 1,
	}))
	letters, err := db.DeadLetters.ListByRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	require.Equal(t, "max_attempts_exceeded", letters[0].Reason)
}
