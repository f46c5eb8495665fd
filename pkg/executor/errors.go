package executor

// Reason is a stable, machine-readable failure reason, used for
// Step.error, DeadLetter.reason, and Run.error (spec.md §7 error taxonomy).
type Reason string

const (
	ReasonMissingFields  Reason = "missing_required_fields"
	ReasonModelNotSupported Reason = "model_not_supported"
	ReasonBudgetExceeded Reason = "budget_exceeded"
	ReasonRateLimited    Reason = "rate_limited"
	ReasonProviderFailure Reason = "provider_failure"
	ReasonToolFailure    Reason = "tool_failure"
	ReasonStepTimeout    Reason = "step_timeout"
	ReasonInternal       Reason = "internal_error"
)

// nonRetryableReasons are terminal for the originating step regardless of
// remaining attempts (spec.md §7: schema/validation and
// authorization/policy failures are always non-retryable).
var nonRetryableReasons = map[Reason]bool{
	ReasonMissingFields:     true,
	ReasonModelNotSupported: true,
	ReasonBudgetExceeded:    true,
}

// StepError is the classified error every StepExecutor returns on
// failure. The worker inspects Reason and Retryable to decide between
// `retrying` (redelivery) and `failed` (dead-letter), per spec.md §7's
// "the worker is the retry authority for step execution".
type StepError struct {
	Reason    Reason
	Retryable bool
	Err       error
}

func (e *StepError) Error() string {
	if e.Err != nil {
		return string(e.Reason) + ": " + e.Err.Error()
	}
	return string(e.Reason)
}

func (e *StepError) Unwrap() error { return e.Err }

// newStepError builds a StepError with the Retryable flag the caller
// passes; it does not consult the reason's taxonomy classification.
func newStepError(reason Reason, retryable bool, err error) *StepError {
	return &StepError{Reason: reason, Retryable: retryable, Err: err}
}

// defaultRetryable reports whether a bare Reason (no explicit override) is
// retryable by default.
func defaultRetryable(reason Reason) bool {
	return !nonRetryableReasons[reason]
}
