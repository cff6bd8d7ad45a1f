package core

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatRequest struct {
	Model          string        `json:"model"`
	Messages       []ChatMessage `json:"messages"`
	Temperature    *float32      `json:"temperature,omitempty"`
	MaxTokens      int           `json:"max_tokens,omitempty"`
	TopP           *float32      `json:"top_p,omitempty"`
	ResponseFormat string        `json:"response_format,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Adapter is the uniform facade over one upstream LLM provider. Invoke
// returns a terminal envelope or a *ProviderError carrying the classified
// kind; callers never inspect raw upstream errors.
type Adapter interface {
	Name() string
	DefaultModel() string
	ListModels(ctx context.Context) ([]string, error)
	HealthCheck(ctx context.Context) bool
	Invoke(ctx context.Context, req ChatRequest, requestID string) (ResponseEnvelope, error)
}

type AdapterRegistry interface {
	Register(adapter Adapter) error
	Get(provider string) (Adapter, bool)
	List() []Adapter
}

// KeySource hands out credentials for a provider under the per-key rate
// budget. GetNext blocks (cancellable) until a key has budget; MarkInvalid
// is monotonic for the process lifetime.
type KeySource interface {
	GetNext(ctx context.Context, provider string) (string, error)
	MarkInvalid(provider string, key string)
}

type Queue interface {
	Enqueue(ctx context.Context, payload ChatRequest, priority int) (string, error)
	PriorityEnqueue(ctx context.Context, item RequestItem) error
	Dequeue(ctx context.Context) (*RequestItem, error)
	Length(ctx context.Context) (int, error)
	StoreResponse(ctx context.Context, id string, envelope ResponseEnvelope) error
	GetResponse(ctx context.Context, id string) (*ResponseEnvelope, error)
}

// RequestSink receives dispatch-start and terminal records for a request.
type RequestSink interface {
	RecordRequest(provider string, requestID string, model string, messageCount int)
	RecordResponse(provider string, requestID string, success bool, duration time.Duration, usage *Usage, cost float64)
}

type NopRequestSink struct{}

func (NopRequestSink) RecordRequest(string, string, string, int) {}

func (NopRequestSink) RecordResponse(string, string, bool, time.Duration, *Usage, float64) {}

type ProviderStatus struct {
	Available    bool      `json:"available"`
	FailureCount int       `json:"failure_count"`
	LastCheck    time.Time `json:"last_check"`
}

type FailoverStatus struct {
	CurrentProvider   string                    `json:"current_provider"`
	PrimaryProvider   string                    `json:"primary_provider"`
	FailoverProviders []string                  `json:"failover_providers"`
	InFailoverMode    bool                      `json:"in_failover_mode"`
	ProviderStatuses  map[string]ProviderStatus `json:"provider_statuses"`
}

// ProbeSink is consumed by the health checker; the failover manager owns
// the provider table and applies probe outcomes through a single entry
// point so the two components do not hold references into each other.
type ProbeSink interface {
	Providers() []string
	Status() FailoverStatus
	ApplyProbeResult(ctx context.Context, provider string, healthy bool)
}

var _ RequestSink = NopRequestSink{}
