package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// Anthropic calls the Anthropic Messages API over plain HTTP.
type Anthropic struct {
	apiKey     string
	baseURL    string
	apiVersion string
	httpClient *http.Client
	models     map[string]string
	calc       *Calculator
}

// AnthropicConfig configures an Anthropic provider instance.
type AnthropicConfig struct {
	APIKeyEnv  string
	BaseURL    string // default https://api.anthropic.com/v1
	APIVersion string // default 2023-06-01
	Timeout    time.Duration
	Models     map[string]string
}

// NewAnthropic constructs an Anthropic provider.
func NewAnthropic(cfg AnthropicConfig, calc *Calculator) *Anthropic {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.anthropic.com/v1"
	}
	version := cfg.APIVersion
	if version == "" {
		version = "2023-06-01"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	models := cfg.Models
	if models == nil {
		models = map[string]string{
			"claude-3-opus":   "claude-3-opus-20240229",
			"claude-3-sonnet": "claude-3-sonnet-20240229",
			"claude-3-haiku":  "claude-3-haiku-20240307",
			"gpt-4":           "claude-3-sonnet-20240229", // same-family alias accepted for gateway failover demos
		}
	}
	return &Anthropic{
		apiKey:     os.Getenv(cfg.APIKeyEnv),
		baseURL:    baseURL,
		apiVersion: version,
		httpClient: &http.Client{Timeout: timeout},
		models:     models,
		calc:       calc,
	}
}

func (p *Anthropic) Name() string { return "anthropic" }

func (p *Anthropic) SupportsModel(model string) bool {
	_, ok := p.models[model]
	return ok
}

func (p *Anthropic) MapModelName(model string) (string, bool) {
	native, ok := p.models[model]
	return native, ok
}

func (p *Anthropic) CalculateCost(model string, promptTokens, completionTokens int) (float64, error) {
	return p.calc.Calculate(model, promptTokens, completionTokens)
}

func (p *Anthropic) IsAvailable() bool { return p.apiKey != "" }

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
	TopP        float64            `json:"top_p,omitempty"`
	StopSeqs    []string           `json:"stop_sequences,omitempty"`
}

type anthropicResponse struct {
	ID         string `json:"id"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Content    []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type anthropicErrorBody struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *Anthropic) Complete(ctx context.Context, req Request) (Response, error) {
	if !p.IsAvailable() {
		return Response{}, &ProviderError{Provider: p.Name(), Retryable: false, Err: fmt.Errorf("no API key configured")}
	}
	native, ok := p.MapModelName(req.Model)
	if !ok {
		return Response{}, &ProviderError{Provider: p.Name(), Retryable: false, Err: fmt.Errorf("unsupported model %q", req.Model)}
	}

	start := time.Now()
	system, messages := splitSystemMessage(req.Messages)
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	body := anthropicRequest{
		Model:       native,
		System:      system,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		StopSeqs:    req.Stop,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return Response{}, &ProviderError{Provider: p.Name(), Retryable: false, Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return Response{}, &ProviderError{Provider: p.Name(), Retryable: false, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", p.apiVersion)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return Response{}, &ProviderError{Provider: p.Name(), Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	latency := time.Since(start).Milliseconds()

	if resp.StatusCode == http.StatusTooManyRequests {
		return Response{}, &RateLimitError{Provider: p.Name(), Err: fmt.Errorf("rate limited by provider")}
	}
	if resp.StatusCode >= 500 {
		return Response{}, &ProviderError{Provider: p.Name(), Retryable: true, Err: classifyAnthropicBody(raw, resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		return Response{}, &ProviderError{Provider: p.Name(), Retryable: false, Err: classifyAnthropicBody(raw, resp.StatusCode)}
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Response{}, &ProviderError{Provider: p.Name(), Retryable: true, Err: fmt.Errorf("decode response: %w", err)}
	}
	var content string
	if len(parsed.Content) > 0 {
		content = parsed.Content[0].Text
	}

	return Response{
		ID:           parsed.ID,
		Model:        native,
		Provider:     p.Name(),
		Content:      content,
		FinishReason: parsed.StopReason,
		Usage: Usage{
			PromptTokens:     parsed.Usage.InputTokens,
			CompletionTokens: parsed.Usage.OutputTokens,
			TotalTokens:      parsed.Usage.InputTokens + parsed.Usage.OutputTokens,
		},
		LatencyMS: latency,
	}, nil
}

// splitSystemMessage pulls a leading system message out of the
// conversation, since Anthropic's Messages API takes it as a top-level
// field rather than a role entry.
func splitSystemMessage(msgs []Message) (string, []anthropicMessage) {
	var system string
	out := make([]anthropicMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == RoleSystem && system == "" {
			system = m.Content
			continue
		}
		out = append(out, anthropicMessage{Role: string(m.Role), Content: m.Content})
	}
	return system, out
}

func classifyAnthropicBody(raw []byte, status int) error {
	var body anthropicErrorBody
	if err := json.Unmarshal(raw, &body); err == nil && body.Error.Message != "" {
		return fmt.Errorf("http %d: %s", status, body.Error.Message)
	}
	return fmt.Errorf("http %d: %s", status, string(raw))
}
