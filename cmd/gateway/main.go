// Command gateway runs the LLM Gateway process: the single point of
// contact with upstream model providers, enforcing per-tenant budgets and
// rate limits before dispatching a completion request through the
// provider circuit breakers.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"

	"github.com/agentrun/agentrun/pkg/breaker"
	"github.com/agentrun/agentrun/pkg/budget"
	"github.com/agentrun/agentrun/pkg/config"
	"github.com/agentrun/agentrun/pkg/llmgateway"
	"github.com/agentrun/agentrun/pkg/provider"
	"github.com/agentrun/agentrun/pkg/ratelimit"
	"github.com/agentrun/agentrun/pkg/store"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("Warning: Could not load %s file: %v", envPath, err)
		log.Printf("Continuing with existing environment variables...")
	} else {
		log.Printf("Loaded environment from %s", envPath)
	}

	httpPort := getEnv("HTTP_PORT", "8081")
	gin.SetMode(getEnv("GIN_MODE", "debug"))

	log.Printf("Starting gateway")
	log.Printf("HTTP Port: %s", httpPort)
	log.Printf("Config Directory: %s", *configDir)

	ctx := context.Background()

	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		log.Fatalf("Failed to initialize configuration: %v", err)
	}

	db, err := store.Open(ctx, store.Config{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.Database,
		SSLMode:         cfg.Database.SSLMode,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Printf("Error closing database: %v", err)
		}
	}()
	log.Println("Connected to PostgreSQL database")

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() {
		if err := redisClient.Close(); err != nil {
			log.Printf("Error closing redis client: %v", err)
		}
	}()

	calc := provider.NewCalculator(cfg.Pricing)
	registry := buildRegistry(cfg, calc)

	limiter := ratelimit.New(redisClient, cfg.RateLimit.WindowSeconds)
	enforcer := budget.New(redisClient, db.Tenants, cfg.Budget.CacheTTL, cfg.Budget.SoftLimitPercent)
	reconciler := budget.NewReconciler(redisClient, db.Tenants, enforcer, cfg.Budget.ReconcileInterval)
	reconciler.Start(ctx)
	defer reconciler.Stop()

	gw := llmgateway.New(limiter, enforcer, registry, calc, db.Tenants, db.LLMEvents)

	router := gin.Default()
	llmgateway.NewServer(gw, registry).Register(router)

	log.Printf("HTTP server listening on :%s", httpPort)
	if err := router.Run(":" + httpPort); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// buildRegistry wires the three HTTP-backed providers into priority order.
// There is no dedicated provider YAML section beyond the priority list, so
// credentials and endpoints come from the conventional per-provider
// environment variables (OPENAI_API_KEY, ANTHROPIC_API_KEY,
// LOCAL_LLM_BASE_URL), matching each provider's own APIKeyEnv-driven
// resolution.
func buildRegistry(cfg *config.Config, calc *provider.Calculator) *provider.Registry {
	registry := provider.NewRegistry(cfg.Provider.Priority)

	breakerFor := func(name string) breaker.Config {
		return breaker.Config{
			Name:            name,
			FailMax:         cfg.CircuitBreaker.FailMax,
			TimeoutDuration: cfg.CircuitBreaker.TimeoutDuration,
		}
	}

	openai := provider.NewOpenAI(provider.OpenAIConfig{APIKeyEnv: "OPENAI_API_KEY"}, calc)
	registry.Register(openai, breakerFor("openai"))

	anthropic := provider.NewAnthropic(provider.AnthropicConfig{APIKeyEnv: "ANTHROPIC_API_KEY"}, calc)
	registry.Register(anthropic, breakerFor("anthropic"))

	local := provider.NewLocal(provider.LocalConfig{BaseURL: os.Getenv("LOCAL_LLM_BASE_URL")}, calc)
	registry.Register(local, breakerFor("local"))

	slog.Info("gateway: providers registered", "priority", cfg.Provider.Priority)
	return registry
}
