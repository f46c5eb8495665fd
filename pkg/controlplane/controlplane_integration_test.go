package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/agentrun/agentrun/pkg/config"
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

func newTestServer(t *testing.T, db *store.DB) (*gin.Engine, *Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	srv := NewServer(db)
	srv.Register(router)
	return router, srv
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reqBody = bytes.NewBuffer(raw)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}
	req := httptest.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func createTenant(t *testing.T, router *gin.Engine, budget int64) store.Tenant {
	t.Helper()
	w := doJSON(t, router, http.MethodPost, "/tenants", CreateTenantRequest{
		Name: "acme", TokenBudgetMonthly: budget, RateLimitPerMinute: 1000,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var tenant store.Tenant
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tenant))
	return tenant
}

func createTask(t *testing.T, router *gin.Engine, tenantID string, steps []store.StepSpec, defaultBudget int64) store.Task {
	t.Helper()
	w := doJSON(t, router, http.MethodPost, "/tasks", CreateTaskRequest{
		TenantID: tenantID, Name: "greeter", Definition: steps,
		DefaultTokenBudget: defaultBudget, TimeoutSeconds: 60, MaxRetries: 2,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var task store.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &task))
	return task
}

func oneStepDefinition() []store.StepSpec {
	return []store.StepSpec{
		{StepName: "say_hi", StepType: store.StepTypeTool, StepConfig: json.RawMessage(`{"tool_name":"noop"}`)},
	}
}

func TestCreateRunSeedsFirstStepAndMarksRunning(t *testing.T) {
	db := setupTestStore(t)
	router, _ := newTestServer(t, db)

	tenant := createTenant(t, router, 1_000_000)
	task := createTask(t, router, tenant.ID, oneStepDefinition(), 1000)

	w := doJSON(t, router, http.MethodPost, "/runs", CreateRunRequest{TaskID: task.ID})
	require.Equal(t, http.StatusCreated, w.Code)

	var run store.Run
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &run))
	require.Equal(t, store.RunStatusRunning, run.Status)
	require.Equal(t, int64(1000), run.TokenBudget)

	step, err := db.Steps.GetByOrder(context.Background(), run.ID, 1)
	require.NoError(t, err)
	require.Equal(t, "say_hi", step.StepName)
	require.Equal(t, store.StepStatusQueued, step.Status)
}

func TestCreateRunRejectsOverBudget(t *testing.T) {
	db := setupTestStore(t)
	router, _ := newTestServer(t, db)

	tenant := createTenant(t, router, 100)
	task := createTask(t, router, tenant.ID, oneStepDefinition(), 1000)

	w := doJSON(t, router, http.MethodPost, "/runs", CreateRunRequest{TaskID: task.ID})
	require.Equal(t, http.StatusPaymentRequired, w.Code)

	got, err := db.Tenants.Get(context.Background(), tenant.ID)
	require.NoError(t, err)
	require.Equal(t, int64(0), got.TokenUsedCurrentMonth) // no Run created, so no budget was consumed
}

func TestCreateTaskRejectsEmptyDefinition(t *testing.T) {
	db := setupTestStore(t)
	router, _ := newTestServer(t, db)

	tenant := createTenant(t, router, 1_000_000)

	w := doJSON(t, router, http.MethodPost, "/tasks", CreateTaskRequest{
		TenantID: tenant.ID, Name: "empty", Definition: []store.StepSpec{},
		DefaultTokenBudget: 100, TimeoutSeconds: 60, MaxRetries: 1,
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateTaskVersionsOnRepeatName(t *testing.T) {
	db := setupTestStore(t)
	router, _ := newTestServer(t, db)

	tenant := createTenant(t, router, 1_000_000)
	first := createTask(t, router, tenant.ID, oneStepDefinition(), 100)
	second := createTask(t, router, tenant.ID, oneStepDefinition(), 100)

	require.Equal(t, 1, first.Version)
	require.Equal(t, 2, second.Version)
	_ = db
}

func TestRunLifecycleStatusUpdateAndCancel(t *testing.T) {
	db := setupTestStore(t)
	router, _ := newTestServer(t, db)

	tenant := createTenant(t, router, 1_000_000)
	task := createTask(t, router, tenant.ID, oneStepDefinition(), 1000)
	w := doJSON(t, router, http.MethodPost, "/runs", CreateRunRequest{TaskID: task.ID})
	require.Equal(t, http.StatusCreated, w.Code)
	var run store.Run
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &run))

	w = doJSON(t, router, http.MethodPatch, "/runs/"+run.ID+"/status", UpdateRunStatusRequest{Status: store.RunStatusCompleted})
	require.Equal(t, http.StatusOK, w.Code)

	got, err := db.Runs.Get(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, store.RunStatusCompleted, got.Status)

	w = doJSON(t, router, http.MethodPost, "/runs/"+run.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)

	stillCompleted, err := db.Runs.Get(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, store.RunStatusCompleted, stillCompleted.Status) // terminal state absorbs the cancel attempt
}

func TestTimeoutMonitorTransitionsOverdueRun(t *testing.T) {
	db := setupTestStore(t)
	router, _ := newTestServer(t, db)

	tenant := createTenant(t, router, 1_000_000)
	w := doJSON(t, router, http.MethodPost, "/tasks", CreateTaskRequest{
		TenantID: tenant.ID, Name: "slow", Definition: oneStepDefinition(),
		DefaultTokenBudget: 1000, TimeoutSeconds: 1, MaxRetries: 1,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var task store.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &task))

	w = doJSON(t, router, http.MethodPost, "/runs", CreateRunRequest{TaskID: task.ID})
	require.Equal(t, http.StatusCreated, w.Code)
	var run store.Run
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &run))

	time.Sleep(1200 * time.Millisecond)

	monitor := NewTimeoutMonitor(db, &config.ControlPlaneConfig{MonitorInterval: 10 * time.Millisecond})
	require.NoError(t, monitor.sweep(context.Background()))

	got, err := db.Runs.Get(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, store.RunStatusTimeout, got.Status)
}
