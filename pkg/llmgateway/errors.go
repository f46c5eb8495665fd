package llmgateway

import "errors"

// ErrModelNotSupported is returned when no registered provider supports the
// requested canonical model name.
var ErrModelNotSupported = errors.New("llmgateway: model not supported")

// ErrRateLimited is returned when the tenant has exceeded its per-minute
// request budget.
type ErrRateLimited struct {
	RetryAfterSeconds int64
}

func (e *ErrRateLimited) Error() string { return "llmgateway: rate limit exceeded" }

// ErrBudgetExceeded is returned when the request would push the tenant's
// projected monthly usage at or past its budget.
var ErrBudgetExceeded = errors.New("llmgateway: budget exceeded")
