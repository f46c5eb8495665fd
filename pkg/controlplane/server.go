// Package controlplane implements the Run-creation/status-update writer
// from spec.md §4.5, plus the minimal Tenant/Task/Run CRUD surface this
// repo needs to drive the core path end to end (spec.md treats a fuller
// REST layer as an external collaborator; without at least this much,
// nothing can call the Run-creation contract). Grounded on
// pkg/llmgateway/handler.go's gin handler style and the teacher's
// pkg/api/handlers.go.
package controlplane

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentrun/agentrun/pkg/store"
	"github.com/agentrun/agentrun/pkg/version"
)

// Server exposes the control-plane writer's HTTP surface.
type Server struct {
	db *store.DB
}

// NewServer builds a Server over the relational store.
func NewServer(db *store.DB) *Server {
	return &Server{db: db}
}

// Register attaches the control-plane's routes to an existing gin engine.
func (s *Server) Register(router gin.IRouter) {
	router.POST("/tenants", s.CreateTenant)
	router.GET("/tenants/:id", s.GetTenant)

	router.POST("/tasks", s.CreateTask)
	router.GET("/tasks/:id", s.GetTask)

	router.POST("/runs", s.CreateRun)
	router.GET("/runs/:id", s.GetRun)
	router.PATCH("/runs/:id/status", s.UpdateRunStatus)
	router.POST("/runs/:id/cancel", s.CancelRun)

	router.GET("/health", s.Health)
}

// Health handles GET /health.
func (s *Server) Health(c *gin.Context) {
	status := "healthy"
	dbReachable := true
	if err := s.db.Conn().PingContext(c.Request.Context()); err != nil {
		status = "unhealthy"
		dbReachable = false
	}
	c.JSON(http.StatusOK, gin.H{
		"status":       status,
		"version":      version.Full(),
		"db_reachable": dbReachable,
	})
}

func writeError(c *gin.Context, err error) {
	switch {
	case isNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case isBudgetExceeded(err):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "budget_exceeded", "message": err.Error()})
	case isInvalidInput(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
	}
}
