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

// OpenAI calls the OpenAI chat completions API over plain HTTP. It holds no
// per-request state, so one instance is shared across all requests.
type OpenAI struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	models     map[string]string // canonical -> native
	calc       *Calculator
}

// OpenAIConfig configures an OpenAI provider instance.
type OpenAIConfig struct {
	APIKeyEnv string
	BaseURL   string // default https://api.openai.com/v1
	Timeout   time.Duration
	Models    map[string]string
}

// NewOpenAI constructs an OpenAI provider. It reads its API key from the
// environment variable named by cfg.APIKeyEnv at construction time, the way
// the rest of this codebase resolves provider credentials.
func NewOpenAI(cfg OpenAIConfig, calc *Calculator) *OpenAI {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	models := cfg.Models
	if models == nil {
		models = map[string]string{
			"gpt-4":         "gpt-4",
			"gpt-4-turbo":   "gpt-4-turbo",
			"gpt-3.5-turbo": "gpt-3.5-turbo",
		}
	}
	return &OpenAI{
		apiKey:     os.Getenv(cfg.APIKeyEnv),
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		models:     models,
		calc:       calc,
	}
}

func (p *OpenAI) Name() string { return "openai" }

func (p *OpenAI) SupportsModel(model string) bool {
	_, ok := p.models[model]
	return ok
}

func (p *OpenAI) MapModelName(model string) (string, bool) {
	native, ok := p.models[model]
	return native, ok
}

func (p *OpenAI) CalculateCost(model string, promptTokens, completionTokens int) (float64, error) {
	return p.calc.Calculate(model, promptTokens, completionTokens)
}

func (p *OpenAI) IsAvailable() bool { return p.apiKey != "" }

type openAIChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model            string               `json:"model"`
	Messages         []openAIChatMessage  `json:"messages"`
	Temperature      float64              `json:"temperature,omitempty"`
	MaxTokens        int                  `json:"max_tokens,omitempty"`
	TopP             float64              `json:"top_p,omitempty"`
	FrequencyPenalty float64              `json:"frequency_penalty,omitempty"`
	PresencePenalty  float64              `json:"presence_penalty,omitempty"`
	Stop             []string             `json:"stop,omitempty"`
}

type openAIResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      openAIChatMessage `json:"message"`
		FinishReason string            `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type openAIErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (p *OpenAI) Complete(ctx context.Context, req Request) (Response, error) {
	if !p.IsAvailable() {
		return Response{}, &ProviderError{Provider: p.Name(), Retryable: false, Err: fmt.Errorf("no API key configured")}
	}
	native, ok := p.MapModelName(req.Model)
	if !ok {
		return Response{}, &ProviderError{Provider: p.Name(), Retryable: false, Err: fmt.Errorf("unsupported model %q", req.Model)}
	}

	start := time.Now()
	body := openAIRequest{
		Model:            native,
		Messages:         toOpenAIMessages(req.Messages),
		Temperature:      req.Temperature,
		MaxTokens:        req.MaxTokens,
		TopP:             req.TopP,
		FrequencyPenalty: req.FrequencyPenalty,
		PresencePenalty:  req.PresencePenalty,
		Stop:             req.Stop,
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
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

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
		return Response{}, &ProviderError{Provider: p.Name(), Retryable: true, Err: classifyBody(raw, resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		return Response{}, &ProviderError{Provider: p.Name(), Retryable: false, Err: classifyBody(raw, resp.StatusCode)}
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

func toOpenAIMessages(msgs []Message) []openAIChatMessage {
	out := make([]openAIChatMessage, len(msgs))
	for i, m := range msgs {
		out[i] = openAIChatMessage{Role: string(m.Role), Content: m.Content}
	}
	return out
}

func classifyBody(raw []byte, status int) error {
	var body openAIErrorBody
	if err := json.Unmarshal(raw, &body); err == nil && body.Error.Message != "" {
		return fmt.Errorf("http %d: %s", status, body.Error.Message)
	}
	return fmt.Errorf("http %d: %s", status, string(raw))
}
