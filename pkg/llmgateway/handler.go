package llmgateway

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/agentrun/agentrun/pkg/config"
	"github.com/agentrun/agentrun/pkg/provider"
	"github.com/agentrun/agentrun/pkg/version"
)

// Server exposes the gateway's HTTP surface (spec.md §6): POST
// /v1/completions and GET /health.
type Server struct {
	gateway  *Gateway
	registry *provider.Registry
}

// NewServer creates a Server.
func NewServer(gw *Gateway, registry *provider.Registry) *Server {
	return &Server{gateway: gw, registry: registry}
}

// Register attaches the gateway's routes to an existing gin engine.
func (s *Server) Register(router gin.IRouter) {
	router.POST("/v1/completions", s.PostCompletions)
	router.GET("/health", s.Health)
}

// PostCompletions handles POST /v1/completions.
func (s *Server) PostCompletions(c *gin.Context) {
	var req CompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_schema", "message": err.Error()})
		return
	}

	resp, err := s.gateway.Complete(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) writeError(c *gin.Context, err error) {
	var rle *ErrRateLimited
	switch {
	case errors.As(err, &rle):
		c.Header("Retry-After", secondsHeader(rle.RetryAfterSeconds))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate_limit_exceeded", "message": err.Error()})
	case errors.Is(err, ErrBudgetExceeded):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "budget_exceeded", "message": err.Error()})
	case errors.Is(err, config.ErrModelNotSupported), errors.Is(err, ErrModelNotSupported):
		c.JSON(http.StatusBadRequest, gin.H{"error": "model_not_supported", "message": err.Error()})
	case errors.Is(err, errAllProvidersFailed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "all_providers_failed", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
	}
}

func secondsHeader(s int64) string {
	if s <= 0 {
		s = 1
	}
	return strconv.FormatInt(s, 10)
}

// ProviderHealth reports one provider's availability and breaker state for
// the health endpoint.
type ProviderHealth struct {
	Provider            string `json:"provider"`
	Status              string `json:"status"`
	CircuitBreakerState string `json:"circuit_breaker_state"`
}

// Health handles GET /health.
func (s *Server) Health(c *gin.Context) {
	names := s.registry.Providers()
	providers := make([]ProviderHealth, 0, len(names))
	for _, name := range names {
		b := s.registry.Breaker(name)
		state := "unknown"
		if b != nil {
			state = b.GetState().String()
		}
		providers = append(providers, ProviderHealth{Provider: name, Status: "configured", CircuitBreakerState: state})
	}

	c.JSON(http.StatusOK, gin.H{
		"status":               "healthy",
		"version":              version.Full(),
		"providers":            providers,
		"cache_hit_rate":       s.gateway.CacheHitRate(),
		"requests_last_minute": s.gateway.RequestsLastMinute(),
	})
}
