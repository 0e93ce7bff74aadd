package factories

import (
	"errors"
	"fmt"

	"alloy/core"
	openaillm "alloy/services/openai/llm"
)

// LLMFactoryConfig selects the model provider. Every provider speaks the
// OpenAI protocol, so Provider only picks the default base URL and model.
type LLMFactoryConfig struct {
	Provider string           `json:"provider" yaml:"provider"`
	OpenAI   openaillm.Config `json:"openai" yaml:"openai"`
}

type compatibleProvider struct {
	baseURL string
	model   string
}

// Vision-capable defaults for OpenAI-compatible providers.
var compatibleProviders = map[string]compatibleProvider{
	"openai":     {model: openaillm.DefaultModel},
	"openrouter": {baseURL: "https://openrouter.ai/api/v1", model: "openai/gpt-4o"},
	"together":   {baseURL: "https://api.together.xyz/v1", model: "meta-llama/Llama-4-Maverick-17B-128E-Instruct-FP8"},
	"groq":       {baseURL: "https://api.groq.com/openai/v1", model: "meta-llama/llama-4-scout-17b-16e-instruct"},
	"fireworks":  {baseURL: "https://api.fireworks.ai/inference/v1", model: "accounts/fireworks/models/llama4-maverick-instruct-basic"},
	"xai":        {baseURL: "https://api.x.ai/v1", model: "grok-2-vision-1212"},
	"mistral":    {baseURL: "https://api.mistral.ai/v1", model: "pixtral-large-latest"},
}

func DefaultLLMFactoryConfig() LLMFactoryConfig {
	return LLMFactoryConfig{Provider: "openai"}
}

// BuildLLMService constructs the completion service. It does not call Init.
func BuildLLMService(config LLMFactoryConfig, logger *core.Logger) (*openaillm.OpenAILLMService, error) {
	name := config.Provider
	if name == "" {
		name = "openai"
	}
	provider, ok := compatibleProviders[name]
	if !ok {
		return nil, fmt.Errorf("llm: unknown provider %q", name)
	}
	if config.OpenAI.APIKey == "" {
		return nil, fmt.Errorf("llm %s: %w", name, ErrMissingAPIKey)
	}

	cfg := config.OpenAI
	if cfg.BaseURL == "" {
		cfg.BaseURL = provider.baseURL
	}
	if cfg.Model == "" {
		cfg.Model = provider.model
	}
	return openaillm.NewOpenAILLMService(cfg, logger), nil
}

// ErrMissingAPIKey is returned when a service is configured without credentials.
var ErrMissingAPIKey = errors.New("missing API key")
