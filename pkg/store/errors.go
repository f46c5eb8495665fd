package store

import "errors"

var (
	// ErrNotFound indicates no row matched the requested id.
	ErrNotFound = errors.New("store: not found")

	// ErrCASConflict indicates a compare-and-set update did not match its
	// expected prior state (e.g. Run.status changed concurrently).
	ErrCASConflict = errors.New("store: compare-and-set conflict")

	// ErrNoStepsClaimable indicates the queue has nothing eligible right now.
	ErrNoStepsClaimable = errors.New("store: no claimable steps")
)
