package config

import "time"

// DefaultQueueConfig returns the built-in worker pool defaults (spec.md §6).
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		WorkerCount:             5,
		MaxConcurrentLLMCalls:   10,
		PollInterval:            1 * time.Second,
		PollIntervalJitter:      250 * time.Millisecond,
		ErrorBackoff:            5 * time.Second,
		VisibilityTimeout:       300 * time.Second,
		HeartbeatInterval:       30 * time.Second,
		OrphanDetectionInterval: 60 * time.Second,
		OrphanThreshold:         300 * time.Second,
		GracefulShutdownTimeout: 60 * time.Second,
	}
}

// DefaultStepConfig returns the built-in per-step execution defaults.
func DefaultStepConfig() *StepConfig {
	return &StepConfig{
		DefaultTimeout:   300 * time.Second,
		MaxRetries:       3,
		RetryBaseSeconds: 2,
		RetryMaxSeconds:  60,
	}
}

// DefaultCircuitBreakerConfig returns the built-in breaker defaults.
func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		FailMax:         5,
		TimeoutDuration: 60 * time.Second,
	}
}

// DefaultRateLimitConfig returns the built-in tenant rate-limit defaults.
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerMinute: 100,
		WindowSeconds:     60 * time.Second,
	}
}

// DefaultBudgetConfig returns the built-in budget enforcement defaults.
func DefaultBudgetConfig() *BudgetConfig {
	return &BudgetConfig{
		SoftLimitPercent:  80,
		CacheTTL:          60 * time.Second,
		ReconcileInterval: 60 * time.Second,
	}
}

// DefaultProviderConfig returns the built-in provider failover order.
func DefaultProviderConfig() *ProviderConfig {
	return &ProviderConfig{
		Priority: []string{"openai", "anthropic", "local"},
	}
}

// DefaultGatewayClientConfig returns the built-in orchestrator→gateway HTTP
// client settings.
func DefaultGatewayClientConfig() *GatewayClientConfig {
	return &GatewayClientConfig{
		BaseURL: "http://localhost:8081",
		Timeout: 90 * time.Second,
	}
}

// DefaultControlPlaneConfig returns the built-in Run-timeout monitor defaults.
func DefaultControlPlaneConfig() *ControlPlaneConfig {
	return &ControlPlaneConfig{
		MonitorInterval: 30 * time.Second,
	}
}

// DefaultPricing returns the built-in pricing table, used when pricing.yaml
// does not override a model.
func DefaultPricing() map[string]PricingEntry {
	entries := []PricingEntry{
		{Model: "gpt-4", Family: "gpt-4", PromptPer1K: 0.03, CompletionPer1K: 0.06},
		{Model: "gpt-4-turbo", Family: "gpt-4", PromptPer1K: 0.01, CompletionPer1K: 0.03},
		{Model: "gpt-3.5-turbo", Family: "gpt-3.5", PromptPer1K: 0.0005, CompletionPer1K: 0.0015},
		{Model: "claude-3-opus", Family: "claude-3", PromptPer1K: 0.015, CompletionPer1K: 0.075},
		{Model: "claude-3-sonnet", Family: "claude-3", PromptPer1K: 0.003, CompletionPer1K: 0.015},
		{Model: "claude-3-haiku", Family: "claude-3", PromptPer1K: 0.00025, CompletionPer1K: 0.00125},
		{Model: "local-llama3", Family: "local", PromptPer1K: 0, CompletionPer1K: 0},
	}
	table := make(map[string]PricingEntry, len(entries))
	for _, e := range entries {
		table[e.Model] = e
	}
	return table
}
