package config

import "time"

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RedisConfig holds the fast key-value store connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// QueueConfig controls how the orchestrator worker pool polls, claims, and
// processes queued steps.
type QueueConfig struct {
	// WorkerCount is the number of concurrent step executions per process
	// (spec.md's "C").
	WorkerCount int `yaml:"worker_count"`

	// MaxConcurrentLLMCalls bounds outbound gateway calls independent of
	// WorkerCount, so a slow provider cannot starve tool/decision steps.
	MaxConcurrentLLMCalls int `yaml:"max_concurrent_llm_calls"`

	// PollInterval is the base backoff between empty poll cycles.
	PollInterval time.Duration `yaml:"poll_interval"`

	// PollIntervalJitter is the random jitter added to PollInterval.
	PollIntervalJitter time.Duration `yaml:"poll_interval_jitter"`

	// ErrorBackoff is the sleep after a transport/database error, to avoid a
	// hot loop under outage.
	ErrorBackoff time.Duration `yaml:"error_backoff"`

	// VisibilityTimeout is how long a claimed step is invisible to other
	// workers before it is eligible for redelivery.
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`

	// HeartbeatInterval is how often a worker refreshes visible_at for a
	// step it still owns.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// OrphanDetectionInterval is how often the pool scans for steps whose
	// owning worker heartbeat has gone stale.
	OrphanDetectionInterval time.Duration `yaml:"orphan_detection_interval"`

	// OrphanThreshold is how long a step can go without a heartbeat before
	// it is considered orphaned.
	OrphanThreshold time.Duration `yaml:"orphan_threshold"`

	// GracefulShutdownTimeout bounds how long Stop() waits for in-flight
	// steps to finish.
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`
}

// StepConfig controls default step execution behavior; individual Tasks may
// override per-step via their config.
type StepConfig struct {
	DefaultTimeout  time.Duration `yaml:"default_timeout"`
	MaxRetries      int           `yaml:"max_retries"`
	RetryBaseSeconds float64      `yaml:"retry_base_seconds"`
	RetryMaxSeconds  float64      `yaml:"retry_max_seconds"`
}

// CircuitBreakerConfig controls the per-provider circuit breaker.
type CircuitBreakerConfig struct {
	FailMax         int           `yaml:"fail_max"`
	TimeoutDuration time.Duration `yaml:"timeout_duration"`
}

// RateLimitConfig controls the gateway's per-tenant fixed-window limiter.
type RateLimitConfig struct {
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	WindowSeconds     time.Duration `yaml:"window_seconds"`
}

// BudgetConfig controls the gateway's budget enforcement and reconciliation.
type BudgetConfig struct {
	SoftLimitPercent      float64       `yaml:"soft_limit_percent"`
	CacheTTL              time.Duration `yaml:"cache_ttl"`
	ReconcileInterval     time.Duration `yaml:"reconcile_interval"`
}

// ProviderConfig lists the global failover priority order for providers
// (spec.md §4.3 step 2). It has no per-provider circuit breaker settings.
type ProviderConfig struct {
	Priority []string `yaml:"priority"`
}

// GatewayClientConfig tells the orchestrator where to reach the LLM
// gateway's HTTP surface for `llm`-type steps. The gateway itself does not
// use this section.
type GatewayClientConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// ControlPlaneConfig controls the control-plane writer's Run-timeout
// monitor: the periodic sweep that transitions Runs whose Task.TimeoutSeconds
// has elapsed to status=timeout (spec.md §5's "Run timeout is monitored by
// the writer").
type ControlPlaneConfig struct {
	MonitorInterval time.Duration `yaml:"monitor_interval"`
}

// PricingEntry is one row of the model → price-per-1k-tokens table.
type PricingEntry struct {
	Model            string  `yaml:"model"`
	Family           string  `yaml:"family"`
	PromptPer1K      float64 `yaml:"prompt_per_1k"`
	CompletionPer1K  float64 `yaml:"completion_per_1k"`
}

// Config is the umbrella configuration object shared by all three processes.
// Each process only uses the sections relevant to it (e.g. the orchestrator
// ignores RateLimit/Budget, the gateway ignores Queue).
type Config struct {
	configDir string

	Database       DatabaseConfig
	Redis          RedisConfig
	Queue          *QueueConfig
	Step           *StepConfig
	CircuitBreaker *CircuitBreakerConfig
	RateLimit      *RateLimitConfig
	Budget         *BudgetConfig
	Provider       *ProviderConfig
	GatewayClient  *GatewayClientConfig
	ControlPlane   *ControlPlaneConfig
	Pricing        map[string]PricingEntry
}

// ConfigDir returns the configuration directory path the config was loaded
// from.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// Stats summarizes loaded configuration for the health endpoint.
type Stats struct {
	PricedModels     int
	ProviderPriority int
}

// Stats returns configuration statistics for logging/health checks.
func (c *Config) Stats() Stats {
	return Stats{
		PricedModels:     len(c.Pricing),
		ProviderPriority: len(c.Provider.Priority),
	}
}
