package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/agentrun/agentrun/pkg/breaker"
)

// entry pairs a provider with its own circuit breaker. Breaker state is
// per-process (spec.md §9's "Breaker wrapping" open question): independent
// opening across gateway replicas is acceptable given the short timeout.
type entry struct {
	provider Provider
	breaker  *breaker.Breaker
}

// Registry holds the configured provider set and implements the failover
// ordering and attempt loop from spec.md §4.3.
type Registry struct {
	byName   map[string]*entry
	order    []*entry // registration order, for the step-3 completeness pass
	priority []string // global priority order, e.g. [openai, anthropic, local]
}

// NewRegistry builds an empty Registry whose failover order is priority.
// Register providers with Register.
func NewRegistry(priority []string) *Registry {
	return &Registry{
		byName:   make(map[string]*entry),
		priority: priority,
	}
}

// Register adds a provider to the registry, wrapping it with its own
// circuit breaker.
func (r *Registry) Register(p Provider, cfg breaker.Config) {
	cfg.Name = p.Name()
	e := &entry{provider: p, breaker: breaker.New(cfg)}
	r.byName[p.Name()] = e
	r.order = append(r.order, e)
}

// Breaker returns the circuit breaker for a named provider, or nil if the
// provider is not registered. Used by the health endpoint.
func (r *Registry) Breaker(name string) *breaker.Breaker {
	e, ok := r.byName[name]
	if !ok {
		return nil
	}
	return e.breaker
}

// Providers returns every registered provider's name in registration order.
func (r *Registry) Providers() []string {
	names := make([]string, len(r.order))
	for i, e := range r.order {
		names[i] = e.provider.Name()
	}
	return names
}

// candidates builds P(r) per spec.md §4.3 steps 1-3.
func (r *Registry) candidates(model, preferred string) []*entry {
	seen := make(map[string]bool)
	var list []*entry

	add := func(e *entry) {
		if e == nil || seen[e.provider.Name()] {
			return
		}
		seen[e.provider.Name()] = true
		list = append(list, e)
	}

	if preferred != "" {
		if e, ok := r.byName[preferred]; ok && e.provider.SupportsModel(model) && e.breaker.GetState() != breaker.StateOpen {
			add(e)
		}
	}

	for _, name := range r.priority {
		if e, ok := r.byName[name]; ok && e.provider.SupportsModel(model) {
			add(e)
		}
	}

	for _, e := range r.order {
		if e.provider.SupportsModel(model) {
			add(e)
		}
	}

	return list
}

// ErrAllProvidersFailed is returned when every candidate in P(r) either had
// an open breaker or returned a provider error.
var ErrAllProvidersFailed = errors.New("provider: all candidates failed")

// Dispatch runs the attempt loop over P(r): it tries each candidate in
// order, skipping providers whose breaker is open, until one succeeds, a
// RateLimitError is returned (propagated immediately, not counted toward
// any breaker), or every candidate is exhausted.
func (r *Registry) Dispatch(ctx context.Context, req Request) (Response, []string, error) {
	candidates := r.candidates(req.Model, req.PreferredProvider)
	if len(candidates) == 0 {
		return Response{}, nil, fmt.Errorf("%w: no provider supports model %q", ErrAllProvidersFailed, req.Model)
	}

	var attempted []string
	var lastErr error

	for _, e := range candidates {
		attempted = append(attempted, e.provider.Name())

		if !e.breaker.Allow() {
			lastErr = fmt.Errorf("provider %s: %w", e.provider.Name(), breaker.ErrOpen)
			continue
		}

		resp, err := e.provider.Complete(ctx, req)
		if err != nil {
			var rle *RateLimitError
			if errors.As(err, &rle) {
				return Response{}, attempted, err
			}
			e.breaker.RecordFailure()
			lastErr = err
			continue
		}

		e.breaker.RecordSuccess()
		return resp, attempted, nil
	}

	if lastErr == nil {
		lastErr = ErrAllProvidersFailed
	}
	return Response{}, attempted, fmt.Errorf("%w: %v", ErrAllProvidersFailed, lastErr)
}
