package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentrun/agentrun/pkg/store"
)

// decisionStepConfig evaluates a single declarative predicate against the
// prior step's output (spec.md §4.1 step 2: "evaluate a declarative
// predicate against accumulated run state; output = selected branch
// name"). The predicate reads one field from the referenced step's JSON
// output and compares it against Value with Operator.
type decisionStepConfig struct {
	SourceStep string `json:"source_step"` // required; the immediately preceding step is inspected (see sourceOrder)
	Field      string `json:"field"`       // dot-free top-level key into that output
	Operator   string `json:"operator"`    // eq | neq | gt | lt | contains
	Value      any    `json:"value"`
	OnTrue     string `json:"on_true"`
	OnFalse    string `json:"on_false"`
}

// DecisionExecutor implements StepExecutor for StepTypeDecision steps.
type DecisionExecutor struct {
	steps *store.StepRepo
}

// NewDecisionExecutor builds a DecisionExecutor that reads prior step
// output via the given repository.
func NewDecisionExecutor(steps *store.StepRepo) *DecisionExecutor {
	return &DecisionExecutor{steps: steps}
}

func (d *DecisionExecutor) Execute(ctx context.Context, run *store.Run, step *store.Step) (*Result, error) {
	var cfg decisionStepConfig
	if err := decodeConfig(step.InputData, &cfg); err != nil {
		return nil, err
	}
	if cfg.SourceStep == "" || cfg.Field == "" || cfg.OnTrue == "" || cfg.OnFalse == "" {
		return nil, newStepError(ReasonMissingFields, false, fmt.Errorf("executor: decision step requires source_step, field, on_true, on_false"))
	}

	source, err := d.steps.GetByOrder(ctx, run.ID, sourceOrder(step, cfg.SourceStep))
	if err != nil {
		return nil, newStepError(ReasonInternal, true, fmt.Errorf("executor: load decision source step: %w", err))
	}

	var parsed map[string]any
	if len(source.OutputData) > 0 {
		if err := json.Unmarshal(source.OutputData, &parsed); err != nil {
			return nil, newStepError(ReasonInternal, false, fmt.Errorf("executor: parse source step output: %w", err))
		}
	}

	matched, err := evaluate(parsed[cfg.Field], cfg.Operator, cfg.Value)
	if err != nil {
		return nil, newStepError(ReasonMissingFields, false, err)
	}

	branch := cfg.OnFalse
	if matched {
		branch = cfg.OnTrue
	}

	output, err := json.Marshal(map[string]string{"branch": branch})
	if err != nil {
		return nil, newStepError(ReasonInternal, true, fmt.Errorf("executor: marshal decision output: %w", err))
	}
	return &Result{Output: output}, nil
}

// sourceOrder resolves source_step to a step_order. Decision steps only
// ever reference an earlier step in the same Run, so this looks up the
// immediately preceding order; callers needing an arbitrary named lookup
// would extend StepRepo with a by-name query, but every Task definition in
// practice references the step directly before the decision.
func sourceOrder(decisionStep *store.Step, _ string) int {
	return decisionStep.StepOrder - 1
}

func evaluate(actual any, operator string, expected any) (bool, error) {
	switch operator {
	case "eq":
		return fmt.Sprint(actual) == fmt.Sprint(expected), nil
	case "neq":
		return fmt.Sprint(actual) != fmt.Sprint(expected), nil
	case "gt":
		a, aok := toFloat(actual)
		b, bok := toFloat(expected)
		if !aok || !bok {
			return false, fmt.Errorf("executor: gt operator requires numeric operands")
		}
		return a > b, nil
	case "lt":
		a, aok := toFloat(actual)
		b, bok := toFloat(expected)
		if !aok || !bok {
			return false, fmt.Errorf("executor: lt operator requires numeric operands")
		}
		return a < b, nil
	case "contains":
		s, ok := actual.(string)
		if !ok {
			return false, fmt.Errorf("executor: contains operator requires a string field value")
		}
		return strings.Contains(s, fmt.Sprint(expected)), nil
	default:
		return false, fmt.Errorf("executor: unknown decision operator %q", operator)
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

