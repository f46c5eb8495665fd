package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/agentrun/agentrun/pkg/config"
	"github.com/agentrun/agentrun/pkg/executor"
	"github.com/agentrun/agentrun/pkg/store"
)

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

func seedRunWithSteps(t *testing.T, db *store.DB, stepTypes []string, stepConfigs [][]byte, maxAttempts int) *store.Run {
	t.Helper()
	ctx := context.Background()

	tenant := &store.Tenant{ID: uuid.NewString(), Name: "acme", TokenBudgetMonthly: 1_000_000, RateLimitPerMinute: 1000, Status: store.TenantStatusActive}
	require.NoError(t, db.Tenants.Create(ctx, tenant))

	task := &store.Task{
		ID: uuid.NewString(), TenantID: tenant.ID, Name: "demo", Version: 1,
		Definition: []byte("[]"), DefaultTokenBudget: 1_000_000, TimeoutSeconds: 300, MaxRetries: maxAttempts, Status: store.TaskStatusActive,
	}
	require.NoError(t, db.Tasks.Create(ctx, task))

	run := &store.Run{
		ID: uuid.NewString(), TenantID: tenant.ID, TaskID: task.ID, Status: store.RunStatusRunning,
		TokenBudget: 1_000_000, Input: []byte("{}"),
	}
	require.NoError(t, db.Runs.Create(ctx, run))
	require.NoError(t, db.Runs.MarkRunning(ctx, run.ID, time.Now().UTC()))

	for i, st := range stepTypes {
		step := &store.Step{
			ID: uuid.NewString(), RunID: run.ID, StepName: st, StepOrder: i + 1,
			StepType: st, Status: store.StepStatusQueued, InputData: stepConfigs[i],
			MaxAttempts: maxAttempts, VisibleAt: time.Now().UTC(),
		}
		require.NoError(t, db.Steps.Create(ctx, step))
	}
	return run
}

func testQueueConfig() *config.QueueConfig {
	return &config.QueueConfig{
		WorkerCount: 1, MaxConcurrentLLMCalls: 2, PollInterval: 20 * time.Millisecond,
		ErrorBackoff: 20 * time.Millisecond, VisibilityTimeout: 5 * time.Second,
		HeartbeatInterval: time.Second, OrphanDetectionInterval: time.Hour, OrphanThreshold: time.Minute,
		GracefulShutdownTimeout: 2 * time.Second,
	}
}

func testStepConfig() *config.StepConfig {
	return &config.StepConfig{DefaultTimeout: 5 * time.Second, MaxRetries: 3, RetryBaseSeconds: 0.01, RetryMaxSeconds: 0.02}
}

func TestPoolRunsStepToSuccessAndCompletesRun(t *testing.T) {
	db := setupTestStore(t)

	toolCfg, _ := json.Marshal(map[string]any{"tool_name": "noop", "action": "run"})
	run := seedRunWithSteps(t, db, []string{store.StepTypeTool}, [][]byte{toolCfg}, 3)

	tools := executor.NewToolDispatcher(db.ToolEvents)
	tools.Register("noop", func(ctx context.Context, action string, params map[string]any) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	})
	dispatch := executor.NewDispatcher(nil, tools, nil)

	pool := NewPool("worker-1", db, dispatch, testQueueConfig(), testStepConfig())
	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)

	require.Eventually(t, func() bool {
		got, err := db.Runs.Get(context.Background(), run.ID)
		require.NoError(t, err)
		return got.Status == store.RunStatusCompleted
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	pool.Stop()
}

func TestPoolRetriesThenFailsExhaustedStep(t *testing.T) {
	db := setupTestStore(t)

	toolCfg, _ := json.Marshal(map[string]any{"tool_name": "always_fails", "action": "run"})
	run := seedRunWithSteps(t, db, []string{store.StepTypeTool}, [][]byte{toolCfg}, 3)

	tools := executor.NewToolDispatcher(db.ToolEvents)
	tools.Register("always_fails", func(ctx context.Context, action string, params map[string]any) (map[string]any, error) {
		return nil, context.DeadlineExceeded
	})
	dispatch := executor.NewDispatcher(nil, tools, nil)

	pool := NewPool("worker-1", db, dispatch, testQueueConfig(), testStepConfig())
	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)

	require.Eventually(t, func() bool {
		got, err := db.Runs.Get(context.Background(), run.ID)
		require.NoError(t, err)
		return got.Status == store.RunStatusFailed
	}, 3*time.Second, 20*time.Millisecond)

	dls, err := db.DeadLetters.ListByRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, dls, 1)

	cancel()
	pool.Stop()
}
