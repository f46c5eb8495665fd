// Command orchestrator runs the step-execution worker pool: it claims
// queued steps from the relational store, dispatches each to its executor
// (llm, tool, decision, or parallel), and advances the owning Run to its next step
// or to a terminal status.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/agentrun/agentrun/pkg/config"
	"github.com/agentrun/agentrun/pkg/executor"
	"github.com/agentrun/agentrun/pkg/queue"
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

	httpPort := getEnv("HTTP_PORT", "8082")
	gin.SetMode(getEnv("GIN_MODE", "debug"))

	log.Printf("Starting orchestrator")
	log.Printf("HTTP Port: %s", httpPort)
	log.Printf("Config Directory: %s", *configDir)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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

	llmExec := executor.NewLLMExecutor(cfg.GatewayClient.BaseURL, cfg.GatewayClient.Timeout)
	toolExec := buildToolDispatcher(db.ToolEvents)
	decisionExec := executor.NewDecisionExecutor(db.Steps)
	dispatch := executor.NewDispatcher(llmExec, toolExec, decisionExec)

	workerID := getEnv("ORCHESTRATOR_WORKER_ID", "orchestrator-"+hostnameOrDefault())
	pool := queue.NewPool(workerID, db, dispatch, cfg.Queue, cfg.Step)
	pool.Start(ctx)
	defer pool.Stop()

	router := gin.Default()
	router.GET("/health", func(c *gin.Context) {
		health := pool.Health(c.Request.Context())
		c.JSON(http.StatusOK, health)
	})

	go func() {
		log.Printf("HTTP server listening on :%s", httpPort)
		if err := router.Run(":" + httpPort); err != nil {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down orchestrator")
}

// buildToolDispatcher registers the tool handlers this deployment supports.
// A no-op handler stands in for integrations this module does not itself
// own (spec.md treats tool execution as a dispatch boundary); real
// deployments register their concrete handlers here before Start.
func buildToolDispatcher(events *store.ToolEventRepo) *executor.ToolDispatcher {
	d := executor.NewToolDispatcher(events)
	d.Register("noop", func(ctx context.Context, action string, params map[string]any) (map[string]any, error) {
		return map[string]any{"action": action, "params": params}, nil
	})
	return d
}

func hostnameOrDefault() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "unknown"
	}
	return h
}
