package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// gatewayYAMLConfig represents the optional agentrun.yaml file structure.
// Every field is a pointer/zero-valued so that an absent file, or an absent
// section, falls back entirely to built-in defaults.
type gatewayYAMLConfig struct {
	Database       *DatabaseConfig       `yaml:"database"`
	Redis          *RedisConfig          `yaml:"redis"`
	Queue          *QueueConfig          `yaml:"queue"`
	Step           *StepConfig           `yaml:"step"`
	CircuitBreaker *CircuitBreakerConfig `yaml:"circuit_breaker"`
	RateLimit      *RateLimitConfig      `yaml:"rate_limit"`
	Budget         *BudgetConfig         `yaml:"budget"`
	Provider       *ProviderConfig       `yaml:"provider"`
	GatewayClient  *GatewayClientConfig  `yaml:"gateway_client"`
	ControlPlane   *ControlPlaneConfig   `yaml:"control_plane"`
}

type pricingYAMLConfig struct {
	Pricing []PricingEntry `yaml:"pricing"`
}

// Initialize loads, merges, and validates configuration for a process.
//
// Steps performed:
//  1. Load agentrun.yaml (optional) and pricing.yaml (optional)
//  2. Expand environment variables in both files
//  3. Merge built-in defaults with file-provided overrides (mergo)
//  4. Apply environment variable overrides for the handful of options
//     spec.md §6 calls out by name
//  5. Validate
//
// Initialize does not read .env; each cmd/*/main.go loads it from
// configDir before calling Initialize.
func Initialize(_ context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized successfully",
		"priced_models", stats.PricedModels,
		"provider_priority", stats.ProviderPriority)

	return cfg, nil
}

func load(configDir string) (*Config, error) {
	loader := &configLoader{configDir: configDir}

	gw, err := loader.loadGatewayYAML()
	if err != nil {
		return nil, NewLoadError("agentrun.yaml", err)
	}

	pricing, err := loader.loadPricingYAML()
	if err != nil {
		return nil, NewLoadError("pricing.yaml", err)
	}

	queueCfg := DefaultQueueConfig()
	if gw.Queue != nil {
		if err := mergo.Merge(queueCfg, gw.Queue, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge queue config: %w", err)
		}
	}

	stepCfg := DefaultStepConfig()
	if gw.Step != nil {
		if err := mergo.Merge(stepCfg, gw.Step, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge step config: %w", err)
		}
	}

	breakerCfg := DefaultCircuitBreakerConfig()
	if gw.CircuitBreaker != nil {
		if err := mergo.Merge(breakerCfg, gw.CircuitBreaker, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge circuit breaker config: %w", err)
		}
	}

	rateCfg := DefaultRateLimitConfig()
	if gw.RateLimit != nil {
		if err := mergo.Merge(rateCfg, gw.RateLimit, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge rate limit config: %w", err)
		}
	}

	budgetCfg := DefaultBudgetConfig()
	if gw.Budget != nil {
		if err := mergo.Merge(budgetCfg, gw.Budget, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge budget config: %w", err)
		}
	}

	providerCfg := DefaultProviderConfig()
	if gw.Provider != nil && len(gw.Provider.Priority) > 0 {
		providerCfg = gw.Provider
	}

	gatewayClientCfg := DefaultGatewayClientConfig()
	if gw.GatewayClient != nil {
		if err := mergo.Merge(gatewayClientCfg, gw.GatewayClient, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge gateway client config: %w", err)
		}
	}

	controlPlaneCfg := DefaultControlPlaneConfig()
	if gw.ControlPlane != nil {
		if err := mergo.Merge(controlPlaneCfg, gw.ControlPlane, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge control plane config: %w", err)
		}
	}

	dbCfg := defaultDatabaseConfig()
	if gw.Database != nil {
		if err := mergo.Merge(&dbCfg, gw.Database, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge database config: %w", err)
		}
	}

	redisCfg := RedisConfig{Addr: "localhost:6379", DB: 0}
	if gw.Redis != nil {
		if err := mergo.Merge(&redisCfg, gw.Redis, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge redis config: %w", err)
		}
	}

	priceTable := DefaultPricing()
	for _, e := range pricing {
		priceTable[e.Model] = e
	}

	return &Config{
		configDir:      configDir,
		Database:       dbCfg,
		Redis:          redisCfg,
		Queue:          queueCfg,
		Step:           stepCfg,
		CircuitBreaker: breakerCfg,
		RateLimit:      rateCfg,
		Budget:         budgetCfg,
		Provider:       providerCfg,
		GatewayClient:  gatewayClientCfg,
		ControlPlane:   controlPlaneCfg,
		Pricing:        priceTable,
	}, nil
}

func defaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Host:            "localhost",
		Port:            5432,
		User:            "agentrun",
		Database:        "agentrun",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    10,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 15 * time.Minute,
	}
}

// applyEnvOverrides applies the environment-derived configuration options
// named explicitly in spec.md §6, on top of whatever agentrun.yaml set.
func applyEnvOverrides(cfg *Config) {
	if v, ok := envInt("CIRCUIT_BREAKER_FAIL_MAX"); ok {
		cfg.CircuitBreaker.FailMax = v
	}
	if v, ok := envDuration("CIRCUIT_BREAKER_TIMEOUT_DURATION"); ok {
		cfg.CircuitBreaker.TimeoutDuration = v
	}
	if v, ok := envInt("RATE_LIMIT_REQUESTS_PER_MINUTE"); ok {
		cfg.RateLimit.RequestsPerMinute = v
	}
	if v, ok := envDuration("RATE_LIMIT_WINDOW_SECONDS"); ok {
		cfg.RateLimit.WindowSeconds = v
	}
	if v, ok := envFloat("BUDGET_SOFT_LIMIT_PERCENT"); ok {
		cfg.Budget.SoftLimitPercent = v
	}
	if v, ok := envInt("WORKER_CONCURRENCY"); ok {
		cfg.Queue.WorkerCount = v
	}
	if v, ok := envDuration("WORKER_POLL_INTERVAL_SECONDS"); ok {
		cfg.Queue.PollInterval = v
	}
	if v, ok := envDuration("QUEUE_VISIBILITY_TIMEOUT"); ok {
		cfg.Queue.VisibilityTimeout = v
	}
	if v, ok := envDuration("STEP_DEFAULT_TIMEOUT"); ok {
		cfg.Step.DefaultTimeout = v
	}
	if v, ok := envInt("STEP_MAX_RETRIES"); ok {
		cfg.Step.MaxRetries = v
	}
	if v, ok := envFloat("STEP_RETRY_BASE_SECONDS"); ok {
		cfg.Step.RetryBaseSeconds = v
	}
	if v, ok := envFloat("STEP_RETRY_MAX_SECONDS"); ok {
		cfg.Step.RetryMaxSeconds = v
	}
	if dbPass := os.Getenv("DB_PASSWORD"); dbPass != "" {
		cfg.Database.Password = dbPass
	}
	if redisPass := os.Getenv("REDIS_PASSWORD"); redisPass != "" {
		cfg.Redis.Password = redisPass
	}
	if gatewayURL := os.Getenv("GATEWAY_BASE_URL"); gatewayURL != "" {
		cfg.GatewayClient.BaseURL = gatewayURL
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("Ignoring invalid env override", "key", key, "value", v, "error", err)
		return 0, false
	}
	return n, true
}

func envFloat(key string) (float64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("Ignoring invalid env override", "key", key, "value", v, "error", err)
		return 0, false
	}
	return f, true
}

func envDuration(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		// Bare seconds are also accepted, matching spec.md's "(s)" units.
		if secs, serr := strconv.ParseFloat(v, 64); serr == nil {
			return time.Duration(secs * float64(time.Second)), true
		}
		slog.Warn("Ignoring invalid env override", "key", key, "value", v, "error", err)
		return 0, false
	}
	return d, true
}

type configLoader struct {
	configDir string
}

func (l *configLoader) loadYAML(filename string, target any) (bool, error) {
	path := filepath.Join(l.configDir, filename)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}

	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, target); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	return true, nil
}

func (l *configLoader) loadGatewayYAML() (*gatewayYAMLConfig, error) {
	var cfg gatewayYAMLConfig
	if _, err := l.loadYAML("agentrun.yaml", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (l *configLoader) loadPricingYAML() ([]PricingEntry, error) {
	var cfg pricingYAMLConfig
	if _, err := l.loadYAML("pricing.yaml", &cfg); err != nil {
		return nil, err
	}
	return cfg.Pricing, nil
}
