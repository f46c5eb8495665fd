package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Local calls a self-hosted, OpenAI-compatible inference server (e.g. an
// Ollama or vLLM deployment). It requires no API key: availability is
// determined solely by BaseURL being configured, matching spec.md's
// "local" provider being the always-present last resort in the default
// priority order.
type Local struct {
	baseURL    string
	httpClient *http.Client
	models     map[string]string
	calc       *Calculator
}

// LocalConfig configures a Local provider instance.
type LocalConfig struct {
	BaseURL string
	Timeout time.Duration
	Models  map[string]string
}

// NewLocal constructs a Local provider.
func NewLocal(cfg LocalConfig, calc *Calculator) *Local {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	models := cfg.Models
	if models == nil {
		models = map[string]string{"local-llama3": "llama3"}
	}
	return &Local{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: timeout},
		models:     models,
		calc:       calc,
	}
}

func (p *Local) Name() string { return "local" }

func (p *Local) SupportsModel(model string) bool {
	_, ok := p.models[model]
	return ok
}

func (p *Local) MapModelName(model string) (string, bool) {
	native, ok := p.models[model]
	return native, ok
}

func (p *Local) CalculateCost(model string, promptTokens, completionTokens int) (float64, error) {
	return p.calc.Calculate(model, promptTokens, completionTokens)
}

func (p *Local) IsAvailable() bool { return p.baseURL != "" }

func (p *Local) Complete(ctx context.Context, req Request) (Response, error) {
	if !p.IsAvailable() {
		return Response{}, &ProviderError{Provider: p.Name(), Retryable: false, Err: fmt.Errorf("no base URL configured")}
	}
	native, ok := p.MapModelName(req.Model)
	if !ok {
		return Response{}, &ProviderError{Provider: p.Name(), Retryable: false, Err: fmt.Errorf("unsupported model %q", req.Model)}
	}

	start := time.Now()
	body := openAIRequest{
		Model:       native,
		Messages:    toOpenAIMessages(req.Messages),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return Response{}, &ProviderError{Provider: p.Name(), Retryable: false, Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return Response{}, &ProviderError{Provider: p.Name(), Retryable: false, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return Response{}, &ProviderError{Provider: p.Name(), Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	latency := time.Since(start).Milliseconds()

	if resp.StatusCode >= 500 {
		return Response{}, &ProviderError{Provider: p.Name(), Retryable: true, Err: fmt.Errorf("http %d: %s", resp.StatusCode, string(raw))}
	}
	if resp.StatusCode >= 400 {
		return Response{}, &ProviderError{Provider: p.Name(), Retryable: false, Err: fmt.Errorf("http %d: %s", resp.StatusCode, string(raw))}
	}

	var parsed openAIResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Response{}, &ProviderError{Provider: p.Name(), Retryable: true, Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(parsed.Choices) == 0 {
		return Response{}, &ProviderError{Provider: p.Name(), Retryable: true, Err: fmt.Errorf("empty choices array")}
	}

	return Response{
		ID:           parsed.ID,
		Model:        native,
		Provider:     p.Name(),
		Content:      parsed.Choices[0].Message.Content,
		FinishReason: parsed.Choices[0].FinishReason,
		Usage: Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		},
		LatencyMS: latency,
	}, nil
}
