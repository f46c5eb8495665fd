package controlplane

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/agentrun/agentrun/pkg/store"
)

// CreateTaskRequest is the request body for POST /tasks. Definition is the
// ordered list of step specifications (spec.md §3's task_config).
type CreateTaskRequest struct {
	TenantID           string           `json:"tenant_id" binding:"required"`
	Name               string           `json:"name" binding:"required"`
	Definition         []store.StepSpec `json:"definition" binding:"required"`
	DefaultTokenBudget int64            `json:"default_token_budget"`
	TimeoutSeconds     int              `json:"timeout_seconds"`
	MaxRetries         int              `json:"max_retries"`
}

// CreateTask handles POST /tasks. Tasks are immutable: a new request for an
// existing (tenant_id, name) creates the next version rather than
// overwriting the prior one.
func (s *Server) CreateTask(c *gin.Context) {
	var req CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_schema", "message": err.Error()})
		return
	}
	if len(req.Definition) == 0 {
		writeError(c, ErrEmptyDefinition)
		return
	}

	definition, err := json.Marshal(req.Definition)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_schema", "message": err.Error()})
		return
	}

	version := 1
	if prior, err := s.db.Tasks.GetLatestVersion(c.Request.Context(), req.TenantID, req.Name); err == nil {
		version = prior.Version + 1
	} else if !isNotFound(err) {
		writeError(c, err)
		return
	}

	timeout := req.TimeoutSeconds
	if timeout <= 0 {
		timeout = 300
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	task := &store.Task{
		ID:                 uuid.NewString(),
		TenantID:           req.TenantID,
		Name:               req.Name,
		Version:            version,
		Definition:         definition,
		DefaultTokenBudget: req.DefaultTokenBudget,
		TimeoutSeconds:     timeout,
		MaxRetries:         maxRetries,
		Status:             store.TaskStatusActive,
	}
	if err := s.db.Tasks.Create(c.Request.Context(), task); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, task)
}

// GetTask handles GET /tasks/:id.
func (s *Server) GetTask(c *gin.Context) {
	task, err := s.db.Tasks.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}
