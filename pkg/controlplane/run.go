package controlplane

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/agentrun/agentrun/pkg/store"
)

// CreateRunRequest is the request body for POST /runs.
type CreateRunRequest struct {
	TaskID      string          `json:"task_id" binding:"required"`
	CreatedBy   string          `json:"created_by"`
	TokenBudget int64           `json:"token_budget"`
	Input       json.RawMessage `json:"input"`
}

// CreateRun handles POST /runs, implementing spec.md §4.5's atomic
// contract: validate budget headroom, insert the Run as pending, seed the
// first Step from the Task's Definition, then mark the Run running.
func (s *Server) CreateRun(c *gin.Context) {
	var req CreateRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_schema", "message": err.Error()})
		return
	}
	ctx := c.Request.Context()

	task, err := s.db.Tasks.Get(ctx, req.TaskID)
	if err != nil {
		writeError(c, err)
		return
	}

	tenant, err := s.db.Tenants.Get(ctx, task.TenantID)
	if err != nil {
		writeError(c, err)
		return
	}
	if tenant.Status != store.TenantStatusActive {
		writeError(c, ErrTenantSuspended)
		return
	}

	specs, err := store.DecodeDefinition(task.Definition)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_schema", "message": err.Error()})
		return
	}
	if len(specs) == 0 {
		writeError(c, ErrEmptyDefinition)
		return
	}

	requestedBudget := req.TokenBudget
	if requestedBudget <= 0 {
		requestedBudget = task.DefaultTokenBudget
	}
	if tenant.TokenBudgetMonthly-tenant.TokenUsedCurrentMonth < requestedBudget {
		writeError(c, ErrBudgetExceeded)
		return
	}

	input := []byte(req.Input)
	if len(input) == 0 {
		input = []byte("{}")
	}

	var createdBy *string
	if req.CreatedBy != "" {
		createdBy = &req.CreatedBy
	}

	run := &store.Run{
		ID:          uuid.NewString(),
		TenantID:    tenant.ID,
		TaskID:      task.ID,
		CreatedBy:   createdBy,
		Status:      store.RunStatusPending,
		TokenBudget: requestedBudget,
		Input:       input,
	}
	if err := s.db.Runs.Create(ctx, run); err != nil {
		writeError(c, err)
		return
	}

	first := specs[0]
	firstStep := &store.Step{
		ID:          uuid.NewString(),
		RunID:       run.ID,
		StepName:    first.StepName,
		StepOrder:   1,
		StepType:    first.StepType,
		Status:      store.StepStatusQueued,
		InputData:   first.StepConfig,
		MaxAttempts: task.MaxRetries + 1,
		VisibleAt:   time.Now().UTC(),
	}
	if err := s.db.Steps.Create(ctx, firstStep); err != nil {
		writeError(c, err)
		return
	}

	if err := s.db.Runs.MarkRunning(ctx, run.ID, time.Now().UTC()); err != nil {
		writeError(c, err)
		return
	}
	run.Status = store.RunStatusRunning

	c.JSON(http.StatusCreated, run)
}

// GetRun handles GET /runs/:id.
func (s *Server) GetRun(c *gin.Context) {
	run, err := s.db.Runs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// UpdateRunStatusRequest is the request body for PATCH /runs/:id/status,
// the internal API spec.md §4.5 says the worker uses to drive terminal Run
// transitions. This repo's worker holds a direct store handle and calls
// store.RunRepo.UpdateStatusCAS itself (pkg/queue/worker.go); this endpoint
// exists for callers (or a future out-of-process worker) that only have
// HTTP access to the control plane.
type UpdateRunStatusRequest struct {
	Status       string `json:"status" binding:"required"`
	ErrorMessage string `json:"error_message"`
}

var terminalRunStatuses = map[string]bool{
	store.RunStatusCompleted:      true,
	store.RunStatusFailed:         true,
	store.RunStatusCancelled:      true,
	store.RunStatusTimeout:        true,
	store.RunStatusBudgetExceeded: true,
}

// UpdateRunStatus handles PATCH /runs/:id/status.
func (s *Server) UpdateRunStatus(c *gin.Context) {
	var req UpdateRunStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_schema", "message": err.Error()})
		return
	}
	if !terminalRunStatuses[req.Status] {
		writeError(c, ErrInvalidTransition)
		return
	}

	var errMsg *string
	if req.ErrorMessage != "" {
		errMsg = &req.ErrorMessage
	}

	ok, err := s.db.Runs.UpdateStatusCAS(c.Request.Context(), c.Param("id"), req.Status, errMsg, time.Now().UTC())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": ok})
}

// CancelRun handles POST /runs/:id/cancel. Cancellation transitions the Run
// to cancelled; an in-flight step completes on its own clock and will not
// enqueue a successor once the Run is terminal (spec.md §5).
func (s *Server) CancelRun(c *gin.Context) {
	ok, err := s.db.Runs.UpdateStatusCAS(c.Request.Context(), c.Param("id"), store.RunStatusCancelled, nil, time.Now().UTC())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": ok})
}
