package controlplane

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/agentrun/agentrun/pkg/store"
)

// CreateTenantRequest is the request body for POST /tenants.
type CreateTenantRequest struct {
	Name               string `json:"name" binding:"required"`
	TokenBudgetMonthly int64  `json:"token_budget_monthly" binding:"required"`
	RateLimitPerMinute int    `json:"rate_limit_per_minute"`
}

// CreateTenant handles POST /tenants.
func (s *Server) CreateTenant(c *gin.Context) {
	var req CreateTenantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_schema", "message": err.Error()})
		return
	}

	rateLimit := req.RateLimitPerMinute
	if rateLimit <= 0 {
		rateLimit = 100
	}

	tenant := &store.Tenant{
		ID:                 uuid.NewString(),
		Name:               req.Name,
		TokenBudgetMonthly: req.TokenBudgetMonthly,
		RateLimitPerMinute: rateLimit,
		Status:             store.TenantStatusActive,
	}
	if err := s.db.Tenants.Create(c.Request.Context(), tenant); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, tenant)
}

// GetTenant handles GET /tenants/:id.
func (s *Server) GetTenant(c *gin.Context) {
	tenant, err := s.db.Tenants.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tenant)
}
