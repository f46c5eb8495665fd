package controlplane

import (
	"errors"

	"github.com/agentrun/agentrun/pkg/store"
)

// ErrBudgetExceeded is returned when creating a Run would exceed the
// tenant's remaining monthly token budget (spec.md §4.5: "validates the
// tenant has budget_monthly − used ≥ requested_budget").
var ErrBudgetExceeded = errors.New("controlplane: tenant budget exceeded")

// ErrTenantSuspended is returned when a Run is requested for a tenant
// whose status is not active.
var ErrTenantSuspended = errors.New("controlplane: tenant suspended")

// ErrEmptyDefinition is returned when a Task's Definition decodes to zero
// steps; a Run has nothing to execute.
var ErrEmptyDefinition = errors.New("controlplane: task definition has no steps")

// ErrInvalidTransition is returned when a status-update request names a
// status the Run cannot currently move to.
var ErrInvalidTransition = errors.New("controlplane: invalid run status transition")

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}

func isBudgetExceeded(err error) bool {
	return errors.Is(err, ErrBudgetExceeded)
}

func isInvalidInput(err error) bool {
	return errors.Is(err, ErrTenantSuspended) || errors.Is(err, ErrEmptyDefinition) || errors.Is(err, ErrInvalidTransition)
}
