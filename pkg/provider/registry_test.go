package provider

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentrun/agentrun/pkg/breaker"
)

// fakeProvider is a minimal in-memory Provider for exercising the registry's
// failover ordering without any network calls.
type fakeProvider struct {
	name    string
	models  map[string]string
	fail    error // returned by Complete when non-nil
	calls   int
}

func (f *fakeProvider) Name() string { return f.name }
func (f *fakeProvider) SupportsModel(model string) bool {
	_, ok := f.models[model]
	return ok
}
func (f *fakeProvider) MapModelName(model string) (string, bool) {
	native, ok := f.models[model]
	return native, ok
}
func (f *fakeProvider) CalculateCost(model string, promptTokens, completionTokens int) (float64, error) {
	return 0, nil
}
func (f *fakeProvider) IsAvailable() bool { return true }
func (f *fakeProvider) Complete(ctx context.Context, req Request) (Response, error) {
	f.calls++
	if f.fail != nil {
		return Response{}, f.fail
	}
	return Response{Provider: f.name, Model: f.models[req.Model], Content: "ok"}, nil
}

func testBreakerConfig() breaker.Config {
	return breaker.Config{FailMax: 5, TimeoutDuration: 0}
}

func TestDispatchPrefersPreferredProviderWhenEligible(t *testing.T) {
	openai := &fakeProvider{name: "openai", models: map[string]string{"gpt-4": "gpt-4"}}
	anthropic := &fakeProvider{name: "anthropic", models: map[string]string{"gpt-4": "claude-3-sonnet-20240229"}}

	r := NewRegistry([]string{"openai", "anthropic"})
	r.Register(openai, testBreakerConfig())
	r.Register(anthropic, testBreakerConfig())

	resp, attempted, err := r.Dispatch(context.Background(), Request{Model: "gpt-4", PreferredProvider: "anthropic"})
	require.NoError(t, err)
	require.Equal(t, "anthropic", resp.Provider)
	require.Equal(t, []string{"anthropic"}, attempted)
}

func TestDispatchFailsOverOnProviderError(t *testing.T) {
	openai := &fakeProvider{name: "openai", models: map[string]string{"gpt-4": "gpt-4"}, fail: &ProviderError{Provider: "openai", Retryable: true, Err: fmt.Errorf("503")}}
	anthropic := &fakeProvider{name: "anthropic", models: map[string]string{"gpt-4": "claude-3-sonnet-20240229"}}

	r := NewRegistry([]string{"openai", "anthropic"})
	r.Register(openai, testBreakerConfig())
	r.Register(anthropic, testBreakerConfig())

	resp, attempted, err := r.Dispatch(context.Background(), Request{Model: "gpt-4"})
	require.NoError(t, err)
	require.Equal(t, "anthropic", resp.Provider)
	require.Equal(t, []string{"openai", "anthropic"}, attempted)
	require.Equal(t, int64(1), r.Breaker("openai").FailureCount())
}

func TestDispatchSkipsOpenBreaker(t *testing.T) {
	openai := &fakeProvider{name: "openai", models: map[string]string{"gpt-4": "gpt-4"}}
	anthropic := &fakeProvider{name: "anthropic", models: map[string]string{"gpt-4": "claude-3-sonnet-20240229"}}

	r := NewRegistry([]string{"openai", "anthropic"})
	r.Register(openai, testBreakerConfig())
	r.Register(anthropic, testBreakerConfig())
	r.Breaker("openai").ForceOpen()

	resp, attempted, err := r.Dispatch(context.Background(), Request{Model: "gpt-4"})
	require.NoError(t, err)
	require.Equal(t, "anthropic", resp.Provider)
	require.Equal(t, []string{"openai", "anthropic"}, attempted)
	require.Equal(t, 0, openai.calls)
}

func TestDispatchRateLimitReturnsImmediatelyWithoutFailover(t *testing.T) {
	openai := &fakeProvider{name: "openai", models: map[string]string{"gpt-4": "gpt-4"}, fail: &RateLimitError{Provider: "openai", Err: fmt.Errorf("429")}}
	anthropic := &fakeProvider{name: "anthropic", models: map[string]string{"gpt-4": "claude-3-sonnet-20240229"}}

	r := NewRegistry([]string{"openai", "anthropic"})
	r.Register(openai, testBreakerConfig())
	r.Register(anthropic, testBreakerConfig())

	_, attempted, err := r.Dispatch(context.Background(), Request{Model: "gpt-4"})
	require.Error(t, err)
	require.Equal(t, []string{"openai"}, attempted)
	require.Equal(t, 0, anthropic.calls)
	require.Equal(t, int64(0), r.Breaker("openai").FailureCount())
}

func TestDispatchAllProvidersFailedReturnsAttemptedList(t *testing.T) {
	openai := &fakeProvider{name: "openai", models: map[string]string{"gpt-4": "gpt-4"}, fail: &ProviderError{Provider: "openai", Err: fmt.Errorf("down")}}
	anthropic := &fakeProvider{name: "anthropic", models: map[string]string{"gpt-4": "claude-3-sonnet-20240229"}, fail: &ProviderError{Provider: "anthropic", Err: fmt.Errorf("down")}}

	r := NewRegistry([]string{"openai", "anthropic"})
	r.Register(openai, testBreakerConfig())
	r.Register(anthropic, testBreakerConfig())

	_, attempted, err := r.Dispatch(context.Background(), Request{Model: "gpt-4"})
	require.Error(t, err)
	require.Equal(t, []string{"openai", "anthropic"}, attempted)
}

func TestDispatchNoSupportingProviderReturnsError(t *testing.T) {
	openai := &fakeProvider{name: "openai", models: map[string]string{"gpt-4": "gpt-4"}}
	r := NewRegistry([]string{"openai"})
	r.Register(openai, testBreakerConfig())

	_, _, err := r.Dispatch(context.Background(), Request{Model: "claude-3-opus"})
	require.Error(t, err)
}
