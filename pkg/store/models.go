package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// Tenant mirrors ent/schema/tenant.go.
type Tenant struct {
	ID                    string
	Name                  string
	TokenBudgetMonthly    int64
	TokenUsedCurrentMonth int64
	RateLimitPerMinute    int
	Status                string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

const (
	TenantStatusActive    = "active"
	TenantStatusSuspended = "suspended"
)

// Task mirrors ent/schema/task.go. Definition holds the ordered list of
// step specifications as opaque JSON; the orchestrator decodes it into
// concrete step-type payloads.
type Task struct {
	ID                 string
	TenantID           string
	Name               string
	Version            int
	Definition         []byte // raw JSON array of step specs
	DefaultTokenBudget int64
	TimeoutSeconds     int
	MaxRetries         int
	Status             string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

const (
	TaskStatusActive   = "active"
	TaskStatusArchived = "archived"
)

// StepSpec is one entry of a Task's Definition: the ordered list of step
// specifications the control-plane writer seeds the first Step from, and
// the worker consults to build each successor Step in turn.
type StepSpec struct {
	StepName   string          `json:"step_name"`
	StepType   string          `json:"step_type"`
	StepConfig json.RawMessage `json:"step_config"`
}

// DecodeDefinition parses a Task's Definition JSON into its ordered step
// specifications.
func DecodeDefinition(definition []byte) ([]StepSpec, error) {
	var specs []StepSpec
	if err := json.Unmarshal(definition, &specs); err != nil {
		return nil, fmt.Errorf("store: decode task definition: %w", err)
	}
	return specs, nil
}

// Run mirrors ent/schema/run.go.
type Run struct {
	ID               string
	TenantID         string
	TaskID           string
	CreatedBy        *string
	Status           string
	TokenBudget      int64
	TokensUsed       int64
	EstimatedCostUSD float64
	CurrentStep      *string
	Input            []byte
	Output           []byte
	Error            *string
	StartedAt        *time.Time
	FinishedAt       *time.Time
	DurationSeconds  *int
	DeletedAt        *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

const (
	RunStatusPending        = "pending"
	RunStatusRunning        = "running"
	RunStatusCompleted      = "completed"
	RunStatusFailed         = "failed"
	RunStatusCancelled      = "cancelled"
	RunStatusTimeout        = "timeout"
	RunStatusBudgetExceeded = "budget_exceeded"
)

// IsTerminal reports whether a Run status is absorbing.
func IsTerminalRunStatus(status string) bool {
	switch status {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled, RunStatusTimeout, RunStatusBudgetExceeded:
		return true
	default:
		return false
	}
}

// Step mirrors ent/schema/step.go.
type Step struct {
	ID            string
	RunID         string
	StepName      string
	StepOrder     int
	StepType      string
	Status        string
	InputData     []byte
	OutputData    []byte
	Error         *string
	AttemptNumber int
	MaxAttempts   int
	TokensUsed    int64
	CostUSD       float64
	LockedBy      *string
	VisibleAt     time.Time
	StartedAt     *time.Time
	FinishedAt    *time.Time
	DeletedAt     *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

const (
	StepTypeLLM      = "llm"
	StepTypeTool     = "tool"
	StepTypeDecision = "decision"
	StepTypeParallel = "parallel"

	StepStatusQueued   = "queued"
	StepStatusRunning  = "running"
	StepStatusSuccess  = "success"
	StepStatusFailed   = "failed"
	StepStatusRetrying = "retrying"
	StepStatusSkipped  = "skipped"
)

// LLMEvent mirrors ent/schema/llmevent.go.
type LLMEvent struct {
	ID               string
	RunID            string
	StepID           *string
	TenantID         string
	RequestedModel   string
	Provider         string
	Model            string
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
	LatencyMS        int
	Outcome          string
	Error            *string
	CreatedAt        time.Time
}

const (
	LLMOutcomeSuccess        = "success"
	LLMOutcomeError          = "error"
	LLMOutcomeCircuitOpen    = "circuit_open"
	LLMOutcomeBudgetExceeded = "budget_exceeded"
	LLMOutcomeRateLimited    = "rate_limited"
)

// ToolEvent mirrors ent/schema/toolevent.go.
type ToolEvent struct {
	ID        string
	RunID     string
	StepID    string
	TenantID  string
	ToolName  string
	Input     []byte
	Output    []byte
	Outcome   string
	Error     *string
	LatencyMS int
	CreatedAt time.Time
}

const (
	ToolOutcomeSuccess = "success"
	ToolOutcomeError   = "error"
	ToolOutcomeTimeout = "timeout"
)

// DeadLetter mirrors ent/schema/deadletter.go.
type DeadLetter struct {
	ID              string
	StepID          string
	RunID           string
	Reason          string
	OriginalAttempt int
	Payload         []byte
	CreatedAt       time.Time
}
