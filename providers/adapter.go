package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-llm-gateway/core"
	"github.com/goliatone/go-llm-gateway/keys"
)

const (
	healthProbeTimeout  = 5 * time.Second
	rateLimitBackoffCap = 30 * time.Second
)

// Client is the slice of the upstream SDK the adapter uses. *openai.Client
// satisfies it for both OpenAI and any OpenAI-compatible endpoint.
type Client interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	ListModels(ctx context.Context) (openai.ModelsList, error)
}

// ClientFactory builds a client bound to one credential. A fresh client per
// call keeps key rotation out of the SDK's connection state.
type ClientFactory func(apiKey string) Client

func NewClientFactory(baseURL string) ClientFactory {
	return func(apiKey string) Client {
		config := openai.DefaultConfig(apiKey)
		if baseURL != "" {
			config.BaseURL = baseURL
		}
		return openai.NewClientWithConfig(config)
	}
}

type ChatAdapterConfig struct {
	Name           string
	BaseURL        string
	DefaultModel   string
	HealthEndpoint string
	MaxAttempts    int
	BaseRetryDelay time.Duration
	Keys           core.KeySource
	Factory        ClientFactory
	HTTPClient     *http.Client
	Logger         core.Logger
}

// ChatAdapter fronts one OpenAI-compatible provider. Credential rotation and
// the in-adapter rate limit backoff happen here; callers see either a
// terminal envelope or a classified *core.ProviderError.
type ChatAdapter struct {
	name           string
	defaultModel   string
	healthEndpoint string
	maxAttempts    int
	baseRetryDelay time.Duration
	keys           core.KeySource
	factory        ClientFactory
	httpClient     *http.Client
	stats          adapterStats

	logger core.Logger
	Now    func() time.Time
	Sleep  func(ctx context.Context, delay time.Duration) error
}

func NewChatAdapter(cfg ChatAdapterConfig) *ChatAdapter {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseRetryDelay <= 0 {
		cfg.BaseRetryDelay = time.Second
	}
	if cfg.Factory == nil {
		cfg.Factory = NewClientFactory(cfg.BaseURL)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: healthProbeTimeout}
	}
	adapter := &ChatAdapter{
		name:           cfg.Name,
		defaultModel:   cfg.DefaultModel,
		healthEndpoint: cfg.HealthEndpoint,
		maxAttempts:    cfg.MaxAttempts,
		baseRetryDelay: cfg.BaseRetryDelay,
		keys:           cfg.Keys,
		factory:        cfg.Factory,
		httpClient:     cfg.HTTPClient,
		Now:            func() time.Time { return time.Now().UTC() },
		Sleep:          waitWithContext,
	}
	_, adapter.logger = glog.Resolve("providers."+cfg.Name, nil, cfg.Logger)
	return adapter
}

func (a *ChatAdapter) Name() string {
	return a.name
}

func (a *ChatAdapter) DefaultModel() string {
	return a.defaultModel
}

func (a *ChatAdapter) Invoke(ctx context.Context, req core.ChatRequest, requestID string) (core.ResponseEnvelope, error) {
	if req.Model == "" {
		req.Model = a.defaultModel
	}
	start := a.now()

	rateLimitRetries := 0
	modelRewritten := false
	timeoutRetried := false
	stickyKey := ""
	for {
		if err := ctx.Err(); err != nil {
			return a.fail(start, Classify(a.name, err))
		}

		key := stickyKey
		stickyKey = ""
		if key == "" {
			var err error
			key, err = a.keys.GetNext(ctx, a.name)
			if err != nil {
				return a.fail(start, a.classifyKeyError(err))
			}
		}

		client := a.factory(key)
		resp, err := client.CreateChatCompletion(ctx, a.buildRequest(req))
		if err == nil {
			return a.succeed(start, req, requestID, resp), nil
		}

		providerErr := Classify(a.name, err)
		switch providerErr.Kind {
		case core.ErrorKindAuth:
			a.keys.MarkInvalid(a.name, key)
			a.logger.Error("credential rejected, rotating", "provider", a.name, "key", keys.Mask(key))
			continue
		case core.ErrorKindRateLimit:
			rateLimitRetries++
			if rateLimitRetries >= a.maxAttempts {
				return a.fail(start, providerErr)
			}
			delay := rateLimitBackoff(a.baseRetryDelay, rateLimitRetries)
			a.logger.Info("provider throttled, retrying same key", "provider", a.name, "attempt", rateLimitRetries, "delay", delay.String())
			if err := a.sleep(ctx, delay); err != nil {
				return a.fail(start, Classify(a.name, err))
			}
			stickyKey = key
			continue
		case core.ErrorKindModelUnknown:
			if modelRewritten || req.Model == a.defaultModel {
				return a.fail(start, providerErr)
			}
			modelRewritten = true
			a.logger.Info("model not recognized, retrying with default", "provider", a.name, "model", req.Model, "default", a.defaultModel)
			req.Model = a.defaultModel
			stickyKey = key
			continue
		case core.ErrorKindTimeout:
			if timeoutRetried || ctx.Err() != nil {
				return a.fail(start, providerErr)
			}
			timeoutRetried = true
			stickyKey = key
			continue
		default:
			return a.fail(start, providerErr)
		}
	}
}

func (a *ChatAdapter) ListModels(ctx context.Context) ([]string, error) {
	key, err := a.keys.GetNext(ctx, a.name)
	if err != nil {
		return nil, a.classifyKeyError(err)
	}
	list, err := a.factory(key).ListModels(ctx)
	if err != nil {
		return nil, Classify(a.name, err)
	}
	models := make([]string, 0, len(list.Models))
	for _, model := range list.Models {
		models = append(models, model.ID)
	}
	return models, nil
}

// HealthCheck probes the custom endpoint when configured, otherwise the
// models listing. Probe failures are reported, never returned.
func (a *ChatAdapter) HealthCheck(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	if a.healthEndpoint != "" {
		request, err := http.NewRequestWithContext(probeCtx, http.MethodGet, a.healthEndpoint, nil)
		if err != nil {
			return false
		}
		resp, err := a.httpClient.Do(request)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode >= 200 && resp.StatusCode < 300
	}

	_, err := a.ListModels(probeCtx)
	return err == nil
}

func (a *ChatAdapter) buildRequest(req core.ChatRequest) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, message := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    message.Role,
			Content: message.Content,
		})
	}
	out := openai.ChatCompletionRequest{
		Model:     req.Model,
		Messages:  messages,
		MaxTokens: req.MaxTokens,
	}
	if req.Temperature != nil {
		out.Temperature = *req.Temperature
	}
	if req.TopP != nil {
		out.TopP = *req.TopP
	}
	if req.ResponseFormat == "json_object" {
		out.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	return out
}

func (a *ChatAdapter) succeed(start time.Time, req core.ChatRequest, requestID string, resp openai.ChatCompletionResponse) core.ResponseEnvelope {
	envelope := core.ResponseEnvelope{
		ID:       requestID,
		Object:   "chat.completion",
		Created:  resp.Created,
		Status:   core.StatusCompleted,
		Model:    resp.Model,
		Provider: a.name,
		Usage: &core.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		envelope.Content = choice.Message.Content
		envelope.FinishReason = string(choice.FinishReason)
	}
	if req.ResponseFormat == "json_object" {
		envelope.ResponseFormatType = "json_object"
		if json.Valid([]byte(envelope.Content)) {
			envelope.StructuredOutput = json.RawMessage(envelope.Content)
		}
	}
	a.stats.record(true, a.now().Sub(start))
	return envelope
}

func (a *ChatAdapter) fail(start time.Time, err *core.ProviderError) (core.ResponseEnvelope, error) {
	a.stats.record(false, a.now().Sub(start))
	return core.ResponseEnvelope{}, err
}

func (a *ChatAdapter) classifyKeyError(err error) *core.ProviderError {
	if errors.Is(err, keys.ErrAllKeysInvalid) || errors.Is(err, keys.ErrNoKeys) {
		return core.NewProviderError(a.name, core.ErrorKindAuth, err)
	}
	return Classify(a.name, err)
}

func (a *ChatAdapter) now() time.Time {
	if a != nil && a.Now != nil {
		return a.Now().UTC()
	}
	return time.Now().UTC()
}

func (a *ChatAdapter) sleep(ctx context.Context, delay time.Duration) error {
	if a != nil && a.Sleep != nil {
		return a.Sleep(ctx, delay)
	}
	return waitWithContext(ctx, delay)
}

func rateLimitBackoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= rateLimitBackoffCap {
			return rateLimitBackoffCap
		}
	}
	if delay > rateLimitBackoffCap {
		return rateLimitBackoffCap
	}
	return delay
}

// Stats is a point-in-time snapshot of adapter traffic.
type Stats struct {
	Requests     int64   `json:"requests"`
	Successes    int64   `json:"successes"`
	Failures     int64   `json:"failures"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`
}

func (a *ChatAdapter) Stats() Stats {
	return a.stats.snapshot()
}

type adapterStats struct {
	mu             sync.Mutex
	requests       int64
	successes      int64
	failures       int64
	totalLatencyMS int64
}

func (s *adapterStats) record(success bool, latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests++
	if success {
		s.successes++
	} else {
		s.failures++
	}
	s.totalLatencyMS += latency.Milliseconds()
}

func (s *adapterStats) snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := Stats{
		Requests:  s.requests,
		Successes: s.successes,
		Failures:  s.failures,
	}
	if s.requests > 0 {
		snapshot.AvgLatencyMS = float64(s.totalLatencyMS) / float64(s.requests)
	}
	return snapshot
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ core.Adapter = (*ChatAdapter)(nil)
