package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/agentrun/agentrun/pkg/store"
)

// childSpec is one entry of a parallel step's step_config.children array.
// It mirrors the queue message envelope's step_type/step_config fields but
// is never itself persisted as a Step row: parallel children are executed
// in-process and their outputs collected into the parent's single output,
// per spec.md §4.1 step 2 ("output = list of child outputs in declaration
// order").
type childSpec struct {
	StepName   string          `json:"step_name"`
	StepType   string          `json:"step_type"`
	StepConfig json.RawMessage `json:"step_config"`
}

type parallelStepConfig struct {
	Children []childSpec `json:"children"`
}

// ParallelExecutor fans out child step specifications concurrently and
// requires every child to reach success for the composite to succeed.
// Children may be llm/tool/decision steps; a child step_type of "parallel"
// is rejected as malformed (spec.md does not define nested composites, and
// allowing them would need a depth bound to stay a strict DAG).
type ParallelExecutor struct {
	dispatch *Dispatcher
}

func (p *ParallelExecutor) Execute(ctx context.Context, run *store.Run, step *store.Step) (*Result, error) {
	var cfg parallelStepConfig
	if err := decodeConfig(step.InputData, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Children) == 0 {
		return nil, newStepError(ReasonMissingFields, false, fmt.Errorf("executor: parallel step requires at least one child"))
	}

	outputs := make([]json.RawMessage, len(cfg.Children))
	results := make([]*Result, len(cfg.Children))
	errs := make([]error, len(cfg.Children))

	var wg sync.WaitGroup
	for i, child := range cfg.Children {
		if child.StepType == store.StepTypeParallel {
			errs[i] = newStepError(ReasonMissingFields, false, fmt.Errorf("executor: nested parallel children are not supported"))
			continue
		}
		wg.Add(1)
		go func(i int, child childSpec) {
			defer wg.Done()
			childStep := &store.Step{
				ID:        fmt.Sprintf("%s/%d", step.ID, i),
				RunID:     step.RunID,
				StepName:  child.StepName,
				StepOrder: step.StepOrder,
				StepType:  child.StepType,
				InputData: child.StepConfig,
			}
			result, err := p.dispatch.Execute(ctx, run, childStep)
			if err != nil {
				errs[i] = err
				return
			}
			outputs[i] = result.Output
			results[i] = result
		}(i, child)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, newStepError(ReasonInternal, isRetryable(err), fmt.Errorf("executor: parallel child %d (%s) failed: %w", i, cfg.Children[i].StepName, err))
		}
	}

	output, err := json.Marshal(outputs)
	if err != nil {
		return nil, newStepError(ReasonInternal, true, fmt.Errorf("executor: marshal parallel output: %w", err))
	}

	// Children are never persisted as Step rows, so their tokens/cost (an
	// llm child's gateway usage, in particular) have nowhere else to land;
	// sum them into the parent's Result so the worker's single AddUsage
	// call after this step succeeds accounts for them exactly once.
	var tokensUsed int64
	var costUSD float64
	for _, r := range results {
		if r == nil {
			continue
		}
		tokensUsed += r.TokensUsed
		costUSD += r.CostUSD
	}

	return &Result{Output: output, TokensUsed: tokensUsed, CostUSD: costUSD}, nil
}

func isRetryable(err error) bool {
	var se *StepError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return true
}
