package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/agentrun/agentrun/pkg/store"
)

// toolStepConfig is the step_config payload for a StepTypeTool step
// (spec.md §4.1 step 2).
type toolStepConfig struct {
	ToolName string         `json:"tool_name"`
	Action   string         `json:"action"`
	Params   map[string]any `json:"params"`
}

// ToolHandler performs one tool action. Tokens/cost for tool steps are
// always zero per spec.md §4.1 step 2; only the result payload varies.
type ToolHandler func(ctx context.Context, action string, params map[string]any) (map[string]any, error)

// ErrToolNotRegistered is returned (wrapped in a StepError) when a step
// names a tool with no registered handler.
var ErrToolNotRegistered = fmt.Errorf("executor: tool not registered")

// ToolDispatcher routes tool steps to handlers registered by tool name.
// The handlers themselves are outside this module's scope (spec.md treats
// tool execution as a dispatch boundary, not a concrete integration); this
// type only owns the routing, the audit write, and result/error shaping.
type ToolDispatcher struct {
	handlers map[string]ToolHandler
	events   *store.ToolEventRepo
}

// NewToolDispatcher creates an empty dispatcher; call Register for each
// supported tool_name before starting the worker pool. events may be nil
// in tests that don't care about the audit trail; production wiring
// always passes the real repository so every tool dispatch gets a
// ToolEvent row, matching spec.md §3's "source of truth for post-hoc cost
// attribution and provider health analytics" for tool calls too.
func NewToolDispatcher(events *store.ToolEventRepo) *ToolDispatcher {
	return &ToolDispatcher{handlers: make(map[string]ToolHandler), events: events}
}

// Register binds a tool_name to the handler invoked for its steps.
func (d *ToolDispatcher) Register(toolName string, handler ToolHandler) {
	d.handlers[toolName] = handler
}

// Execute implements StepExecutor for StepTypeTool steps.
func (d *ToolDispatcher) Execute(ctx context.Context, run *store.Run, step *store.Step) (*Result, error) {
	var cfg toolStepConfig
	if err := decodeConfig(step.InputData, &cfg); err != nil {
		return nil, err
	}
	if cfg.ToolName == "" || cfg.Action == "" {
		return nil, newStepError(ReasonMissingFields, false, fmt.Errorf("executor: tool step requires tool_name and action"))
	}

	handler, ok := d.handlers[cfg.ToolName]
	if !ok {
		err := newStepError(ReasonToolFailure, false, fmt.Errorf("%w: %s", ErrToolNotRegistered, cfg.ToolName))
		d.recordEvent(ctx, run, step, cfg, nil, 0, err)
		return nil, err
	}

	start := time.Now()
	result, err := handler(ctx, cfg.Action, cfg.Params)
	latency := time.Since(start)
	if err != nil {
		stepErr := newStepError(ReasonToolFailure, true, fmt.Errorf("executor: tool %s action %s: %w", cfg.ToolName, cfg.Action, err))
		d.recordEvent(ctx, run, step, cfg, nil, latency, stepErr)
		return nil, stepErr
	}

	output, err := json.Marshal(result)
	if err != nil {
		stepErr := newStepError(ReasonInternal, true, fmt.Errorf("executor: marshal tool result: %w", err))
		d.recordEvent(ctx, run, step, cfg, output, latency, stepErr)
		return nil, stepErr
	}

	d.recordEvent(ctx, run, step, cfg, output, latency, nil)
	return &Result{Output: output}, nil
}

// recordEvent writes the append-only ToolEvent audit row for one
// dispatch. It never fails the step: a logging failure here must not
// turn a successful tool call into a failed one.
func (d *ToolDispatcher) recordEvent(ctx context.Context, run *store.Run, step *store.Step, cfg toolStepConfig, output []byte, latency time.Duration, execErr error) {
	if d.events == nil {
		return
	}

	outcome := store.ToolOutcomeSuccess
	var errMsg *string
	if execErr != nil {
		outcome = store.ToolOutcomeError
		msg := execErr.Error()
		errMsg = &msg
	}

	input, err := json.Marshal(cfg.Params)
	if err != nil {
		input = nil
	}

	event := &store.ToolEvent{
		ID:        uuid.NewString(),
		RunID:     step.RunID,
		StepID:    step.ID,
		TenantID:  run.TenantID,
		ToolName:  cfg.ToolName,
		Input:     input,
		Output:    output,
		Outcome:   outcome,
		Error:     errMsg,
		LatencyMS: int(latency.Milliseconds()),
	}
	if err := d.events.Create(ctx, event); err != nil {
		slog.Error("executor: failed to record tool event", "step_id", step.ID, "tool_name", cfg.ToolName, "error", err)
	}
}
