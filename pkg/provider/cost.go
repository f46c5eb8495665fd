package provider

import (
	"errors"
	"log/slog"
	"math"

	"github.com/agentrun/agentrun/pkg/config"
)

// Calculator computes USD cost from a shared pricing table (spec.md §4.2).
// All three built-in providers hold one of these rather than duplicating
// the same-family fallback logic.
type Calculator struct {
	table map[string]config.PricingEntry
}

// NewCalculator builds a Calculator over the given pricing table (normally
// config.Config.Pricing, loaded once at startup).
func NewCalculator(table map[string]config.PricingEntry) *Calculator {
	return &Calculator{table: table}
}

// Calculate returns the USD cost for promptTokens/completionTokens against
// model's pricing entry. When model has no direct entry, it falls back to
// the cheapest entry sharing the same family and logs a warning; if no
// family match exists either, it returns config.ErrPricingNotFound.
func (c *Calculator) Calculate(model string, promptTokens, completionTokens int) (float64, error) {
	entry, ok := c.table[model]
	if !ok {
		fallback, family, ferr := c.cheapestInFamily(model)
		if ferr != nil {
			return 0, ferr
		}
		slog.Warn("No pricing entry for model, using cheapest same-family fallback",
			"model", model, "family", family, "fallback_model", fallback.Model)
		entry = fallback
	}

	cost := (float64(promptTokens)/1000.0)*entry.PromptPer1K + (float64(completionTokens)/1000.0)*entry.CompletionPer1K
	return round6(cost), nil
}

// cheapestInFamily infers model's family as the Family of any table entry
// that is a prefix of model's name (see familyOf), then returns the entry
// of that family with the lowest combined prompt+completion price. This
// mirrors how config.DefaultPricing groups gpt-4 variants.
func (c *Calculator) cheapestInFamily(model string) (config.PricingEntry, string, error) {
	family := familyOf(model, c.table)
	if family == "" {
		return config.PricingEntry{}, "", errors.Join(config.ErrPricingNotFound, errors.New("model: "+model))
	}

	var best config.PricingEntry
	found := false
	for _, e := range c.table {
		if e.Family != family {
			continue
		}
		if !found || e.PromptPer1K+e.CompletionPer1K < best.PromptPer1K+best.CompletionPer1K {
			best = e
			found = true
		}
	}
	if !found {
		return config.PricingEntry{}, family, errors.Join(config.ErrPricingNotFound, errors.New("family: "+family))
	}
	return best, family, nil
}

// familyOf tries to infer a family for an unpriced model name by matching
// it against known model-name prefixes already present in the table.
func familyOf(model string, table map[string]config.PricingEntry) string {
	for _, e := range table {
		if len(model) >= len(e.Family) && model[:len(e.Family)] == e.Family {
			return e.Family
		}
	}
	return ""
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
