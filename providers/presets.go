package providers

import (
	"github.com/goliatone/go-llm-gateway/core"
)

// NewGrokAdapter builds the adapter for the x.ai endpoint, which speaks the
// OpenAI wire format.
func NewGrokAdapter(cfg core.Config, keySource core.KeySource, logger core.Logger) *ChatAdapter {
	return NewChatAdapter(ChatAdapterConfig{
		Name:           "grok",
		BaseURL:        cfg.Providers.GrokAPIURL,
		DefaultModel:   cfg.Providers.GrokDefaultModel,
		HealthEndpoint: cfg.Health.GrokEndpoint,
		MaxAttempts:    cfg.RateLimit.MaxRetries,
		BaseRetryDelay: cfg.RateLimit.BaseRetryDelay(),
		Keys:           keySource,
		Logger:         logger,
	})
}

func NewOpenAIAdapter(cfg core.Config, keySource core.KeySource, logger core.Logger) *ChatAdapter {
	return NewChatAdapter(ChatAdapterConfig{
		Name:           "openai",
		BaseURL:        cfg.Providers.OpenAIAPIURL,
		DefaultModel:   cfg.Providers.OpenAIDefaultModel,
		HealthEndpoint: cfg.Health.OpenAIEndpoint,
		MaxAttempts:    cfg.RateLimit.MaxRetries,
		BaseRetryDelay: cfg.RateLimit.BaseRetryDelay(),
		Keys:           keySource,
		Logger:         logger,
	})
}
