package metrics

import (
	"strings"
	"sync"

	"github.com/goliatone/go-llm-gateway/core"
)

const tokensPerMillion = 1_000_000

// Calculator prices usage per provider in USD per million tokens.
type Calculator struct {
	mu       sync.RWMutex
	rates    map[string]core.CostsConfig
	fallback core.CostsConfig
}

// NewCalculator seeds the primary provider rates from configuration and the
// OpenAI list price as a built-in.
func NewCalculator(cfg core.CostsConfig) *Calculator {
	return &Calculator{
		rates: map[string]core.CostsConfig{
			"grok":   cfg,
			"openai": {PromptPerMillion: 1.00, CompletionPerMillion: 4.00},
		},
		fallback: cfg,
	}
}

func (c *Calculator) SetRate(provider string, rate core.CostsConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rates[normalizeProvider(provider)] = rate
}

func (c *Calculator) Cost(provider string, usage *core.Usage) float64 {
	if usage == nil {
		return 0
	}
	c.mu.RLock()
	rate, ok := c.rates[normalizeProvider(provider)]
	if !ok {
		rate = c.fallback
	}
	c.mu.RUnlock()
	prompt := float64(usage.PromptTokens) / tokensPerMillion * rate.PromptPerMillion
	completion := float64(usage.CompletionTokens) / tokensPerMillion * rate.CompletionPerMillion
	return prompt + completion
}

func normalizeProvider(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}
