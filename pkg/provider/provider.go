// Package provider models each LLM backend as a capability trait rather
// than a class hierarchy: anything implementing Provider can be placed in
// the router's candidate list. No base type or embedding is required -
// openai, anthropic, and the local provider each independently implement
// the same six methods (spec.md §9's "runtime-polymorphic provider set").
package provider

import (
	"context"
	"fmt"
)

// Role is a chat message role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry in a completion request's conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request is the canonical, provider-agnostic completion request built by
// the gateway from the incoming HTTP body.
type Request struct {
	Model             string         `json:"model"`
	Messages          []Message      `json:"messages"`
	TenantID          string         `json:"tenant_id"`
	RunID             string         `json:"run_id,omitempty"`
	StepID            string         `json:"step_id,omitempty"`
	Temperature       float64        `json:"temperature"`
	MaxTokens         int            `json:"max_tokens,omitempty"`
	TopP              float64        `json:"top_p,omitempty"`
	FrequencyPenalty  float64        `json:"frequency_penalty,omitempty"`
	PresencePenalty   float64        `json:"presence_penalty,omitempty"`
	Stop              []string       `json:"stop,omitempty"`
	Functions         []Function     `json:"functions,omitempty"`
	FunctionCall      any            `json:"function_call,omitempty"`
	PreferredProvider string         `json:"preferred_provider,omitempty"`
}

// Function describes a callable tool surfaced to the model, passed through
// verbatim to whichever provider is used.
type Function struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters,omitempty"`
}

// Usage reports token counts for one completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the canonical completion result, independent of which
// provider ultimately served the request.
type Response struct {
	ID           string
	Model        string // provider-native model name actually used
	Provider     string
	Content      string
	FinishReason string
	Usage        Usage
	LatencyMS    int64
}

// Provider is the capability trait every LLM backend implements.
type Provider interface {
	// Name identifies the provider in logs, breaker state, and responses.
	Name() string

	// SupportsModel reports whether this provider can serve a canonical
	// model name (e.g. "gpt-4").
	SupportsModel(model string) bool

	// MapModelName maps a canonical model name to this provider's native
	// identifier (e.g. "claude-3-opus" -> "claude-3-opus-20240229").
	MapModelName(model string) (string, bool)

	// CalculateCost computes USD cost for a completion against this
	// provider's pricing, rounded to 6 decimal places.
	CalculateCost(model string, promptTokens, completionTokens int) (float64, error)

	// IsAvailable reports whether the provider is configured and reachable
	// (e.g. an API key is present); it does not reflect breaker state.
	IsAvailable() bool

	// Complete executes one completion call against the provider's API.
	Complete(ctx context.Context, req Request) (Response, error)
}

// ProviderError is a classified, retryable-or-not failure from a provider
// call. It counts toward the originating provider's circuit breaker.
type ProviderError struct {
	Provider  string
	Retryable bool
	Err       error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// RateLimitError signals the provider itself is rate-limiting this
// tenant/key. Per spec.md §4.3 it is normalized and returned immediately
// without falling over to the next candidate, and it does not count
// toward the circuit breaker.
type RateLimitError struct {
	Provider string
	Err      error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("provider %s rate limited: %v", e.Provider, e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }
