package config

import "fmt"

// validate performs sanity checks on loaded configuration. Unlike the
// teacher's agent/chain/mcp cross-reference validator, there is no registry
// of user-defined entities to cross-check here: Tasks are created at
// runtime via the control-plane API, not loaded from YAML. This validator
// only guards against nonsensical tuning values.
func validate(cfg *Config) error {
	if cfg.Queue.WorkerCount < 1 {
		return NewValidationError("queue", "worker_count", "", fmt.Errorf("%w: must be >= 1", ErrInvalidValue))
	}
	if cfg.Queue.MaxConcurrentLLMCalls < 1 {
		return NewValidationError("queue", "max_concurrent_llm_calls", "", fmt.Errorf("%w: must be >= 1", ErrInvalidValue))
	}
	if cfg.Step.MaxRetries < 1 {
		return NewValidationError("step", "max_retries", "", fmt.Errorf("%w: must be >= 1", ErrInvalidValue))
	}
	if cfg.Step.RetryBaseSeconds <= 0 || cfg.Step.RetryMaxSeconds < cfg.Step.RetryBaseSeconds {
		return NewValidationError("step", "retry_backoff", "", fmt.Errorf("%w: base must be > 0 and <= max", ErrInvalidValue))
	}
	if cfg.CircuitBreaker.FailMax < 1 {
		return NewValidationError("circuit_breaker", "fail_max", "", fmt.Errorf("%w: must be >= 1", ErrInvalidValue))
	}
	if cfg.RateLimit.RequestsPerMinute < 1 {
		return NewValidationError("rate_limit", "requests_per_minute", "", fmt.Errorf("%w: must be >= 1", ErrInvalidValue))
	}
	if cfg.Budget.SoftLimitPercent <= 0 || cfg.Budget.SoftLimitPercent > 100 {
		return NewValidationError("budget", "soft_limit_percent", "", fmt.Errorf("%w: must be in (0, 100]", ErrInvalidValue))
	}
	if len(cfg.Provider.Priority) == 0 {
		return NewValidationError("provider", "priority", "", fmt.Errorf("%w: at least one provider required", ErrMissingRequiredField))
	}
	if cfg.GatewayClient.BaseURL == "" {
		return NewValidationError("gateway_client", "base_url", "", fmt.Errorf("%w: must not be empty", ErrMissingRequiredField))
	}
	if cfg.ControlPlane.MonitorInterval <= 0 {
		return NewValidationError("control_plane", "monitor_interval", "", fmt.Errorf("%w: must be > 0", ErrInvalidValue))
	}
	for model, entry := range cfg.Pricing {
		if entry.PromptPer1K < 0 || entry.CompletionPer1K < 0 {
			return NewValidationError("pricing", model, "", fmt.Errorf("%w: prices must be non-negative", ErrInvalidValue))
		}
	}
	return nil
}
