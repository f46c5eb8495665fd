// Package executor implements the per-step-type dispatch from spec.md
// §4.1 step 2: an `llm` step calls the gateway, a `tool` step invokes a
// tool dispatcher, a `decision` step evaluates a declarative predicate,
// and a `parallel` step fans out child step specifications concurrently.
//
// Grounded on the teacher's pkg/queue/executor.go dispatch-by-stage
// structure, adapted from a fixed investigation-stage pipeline to an
// open-ended, declaratively-typed step sequence.
package executor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agentrun/agentrun/pkg/store"
)

// Result carries a successful step's output and usage.
type Result struct {
	Output     []byte
	TokensUsed int64
	CostUSD    float64
}

// StepExecutor runs one step to completion (success) or returns a
// classified error. The worker decides retry vs. dead-letter from the
// returned error's classification; StepExecutor never touches the Step
// or Run rows directly.
type StepExecutor interface {
	Execute(ctx context.Context, run *store.Run, step *store.Step) (*Result, error)
}

// Dispatcher routes a step to the sub-executor matching its StepType.
// It is itself a StepExecutor so the worker can depend on one interface
// regardless of how many step types exist.
type Dispatcher struct {
	llm      StepExecutor
	tool     StepExecutor
	decision StepExecutor
	parallel *ParallelExecutor
}

// NewDispatcher wires the four step-type executors together. parallel's
// child dispatch loops back into the same Dispatcher, so a parallel step
// may itself contain llm/tool/decision (but not nested parallel, see
// ParallelExecutor's doc comment).
func NewDispatcher(llm, tool, decision StepExecutor) *Dispatcher {
	d := &Dispatcher{llm: llm, tool: tool, decision: decision}
	d.parallel = &ParallelExecutor{dispatch: d}
	return d
}

// Execute dispatches by step.StepType (spec.md §4.1 step 2).
func (d *Dispatcher) Execute(ctx context.Context, run *store.Run, step *store.Step) (*Result, error) {
	switch step.StepType {
	case store.StepTypeLLM:
		return d.llm.Execute(ctx, run, step)
	case store.StepTypeTool:
		return d.tool.Execute(ctx, run, step)
	case store.StepTypeDecision:
		return d.decision.Execute(ctx, run, step)
	case store.StepTypeParallel:
		return d.parallel.Execute(ctx, run, step)
	default:
		return nil, &StepError{Reason: ReasonMissingFields, Err: fmt.Errorf("executor: unknown step_type %q", step.StepType)}
	}
}

func decodeConfig(raw []byte, out any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &StepError{Reason: ReasonMissingFields, Err: fmt.Errorf("executor: decode step_config: %w", err)}
	}
	return nil
}
