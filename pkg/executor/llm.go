package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/agentrun/agentrun/pkg/llmgateway"
	"github.com/agentrun/agentrun/pkg/provider"
	"github.com/agentrun/agentrun/pkg/store"
)

// llmStepConfig is the step_config payload for a StepTypeLLM step
// (spec.md §4.1 step 2): an optional system prompt, a user prompt
// optionally prefixed with accumulated run context, and the usual
// completion knobs.
type llmStepConfig struct {
	SystemPrompt      string  `json:"system_prompt"`
	ContextPrefix     string  `json:"context_prefix"`
	UserPrompt        string  `json:"user_prompt"`
	Model             string  `json:"model"`
	MaxTokens         int     `json:"max_tokens"`
	Temperature       float64 `json:"temperature"`
	PreferredProvider string  `json:"preferred_provider"`
}

// LLMExecutor dispatches an `llm` step to the gateway's HTTP surface over
// the network, since the orchestrator and gateway are separate processes
// (spec.md §5: "the gateway is stateless and scales the same way" as an
// independently-deployed service).
type LLMExecutor struct {
	baseURL string
	client  *http.Client
}

// NewLLMExecutor builds an LLMExecutor bound to the gateway's base URL.
func NewLLMExecutor(baseURL string, timeout time.Duration) *LLMExecutor {
	return &LLMExecutor{baseURL: baseURL, client: &http.Client{Timeout: timeout}}
}

// Execute builds the completion request from the step's config and calls
// POST /v1/completions, mapping the gateway's HTTP status codes back to
// classified StepErrors per spec.md §7.
func (e *LLMExecutor) Execute(ctx context.Context, run *store.Run, step *store.Step) (*Result, error) {
	var cfg llmStepConfig
	if err := decodeConfig(step.InputData, &cfg); err != nil {
		return nil, err
	}
	if cfg.Model == "" || cfg.UserPrompt == "" {
		return nil, newStepError(ReasonMissingFields, false, fmt.Errorf("executor: llm step requires model and user_prompt"))
	}

	var messages []provider.Message
	if cfg.SystemPrompt != "" {
		messages = append(messages, provider.Message{Role: provider.RoleSystem, Content: cfg.SystemPrompt})
	}
	userContent := cfg.UserPrompt
	if cfg.ContextPrefix != "" {
		userContent = cfg.ContextPrefix + "\n\n" + cfg.UserPrompt
	}
	messages = append(messages, provider.Message{Role: provider.RoleUser, Content: userContent})

	req := llmgateway.CompletionRequest{
		Model:             cfg.Model,
		Messages:          messages,
		TenantID:          run.TenantID,
		RunID:             run.ID,
		StepID:            step.ID,
		Temperature:       cfg.Temperature,
		MaxTokens:         cfg.MaxTokens,
		PreferredProvider: cfg.PreferredProvider,
	}

	resp, err := e.call(ctx, req)
	if err != nil {
		return nil, err
	}

	output, err := json.Marshal(resp)
	if err != nil {
		return nil, newStepError(ReasonInternal, true, fmt.Errorf("executor: marshal completion response: %w", err))
	}

	return &Result{
		Output:     output,
		TokensUsed: int64(resp.Usage.TotalTokens),
		CostUSD:    resp.CostUSD,
	}, nil
}

func (e *LLMExecutor) call(ctx context.Context, req llmgateway.CompletionRequest) (*llmgateway.CompletionResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, newStepError(ReasonInternal, false, fmt.Errorf("executor: marshal completion request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/v1/completions", bytes.NewReader(body))
	if err != nil {
		return nil, newStepError(ReasonInternal, true, fmt.Errorf("executor: build gateway request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, newStepError(ReasonProviderFailure, true, fmt.Errorf("executor: gateway call: %w", err))
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, newStepError(ReasonProviderFailure, true, fmt.Errorf("executor: read gateway response: %w", err))
	}

	if httpResp.StatusCode == http.StatusOK {
		var completion llmgateway.CompletionResponse
		if err := json.Unmarshal(respBody, &completion); err != nil {
			return nil, newStepError(ReasonInternal, true, fmt.Errorf("executor: decode gateway response: %w", err))
		}
		return &completion, nil
	}

	var errBody struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(respBody, &errBody)
	if errBody.Message == "" {
		errBody.Message = string(respBody)
	}

	switch httpResp.StatusCode {
	case http.StatusBadRequest:
		return nil, newStepError(ReasonModelNotSupported, false, fmt.Errorf("executor: %s", errBody.Message))
	case http.StatusPaymentRequired:
		return nil, newStepError(ReasonBudgetExceeded, false, fmt.Errorf("executor: %s", errBody.Message))
	case http.StatusTooManyRequests:
		return nil, newStepError(ReasonRateLimited, true, fmt.Errorf("executor: %s", errBody.Message))
	case http.StatusServiceUnavailable:
		return nil, newStepError(ReasonProviderFailure, true, fmt.Errorf("executor: %s", errBody.Message))
	default:
		return nil, newStepError(ReasonInternal, true, fmt.Errorf("executor: gateway returned %d: %s", httpResp.StatusCode, errBody.Message))
	}
}
