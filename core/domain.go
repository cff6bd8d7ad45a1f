package core

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	StatusQueued    = "queued"
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusError     = "error"
)

const (
	ErrorTypeTimeout    = "timeout_error"
	ErrorTypeLLMService = "llm_service_error"
)

// RequestItem is the unit of work the queue carries. Priority is 0-100,
// lower is more urgent; retry items re-enter through the retry band and keep
// their original ID.
type RequestItem struct {
	ID               string      `json:"id"`
	Payload          ChatRequest `json:"data"`
	Priority         int         `json:"priority"`
	EnqueuedAtMS     int64       `json:"enqueued_at_ms"`
	TriedProviders   []string    `json:"tried_providers,omitempty"`
	RetryCount       int         `json:"retry_count,omitempty"`
	OriginalProvider string      `json:"original_provider,omitempty"`
}

func (i RequestItem) EnqueuedAt() time.Time {
	return time.UnixMilli(i.EnqueuedAtMS).UTC()
}

func (i RequestItem) Tried(provider string) bool {
	provider = strings.TrimSpace(provider)
	for _, tried := range i.TriedProviders {
		if tried == provider {
			return true
		}
	}
	return false
}

type ResponseError struct {
	Message        string   `json:"message"`
	Type           string   `json:"type"`
	TriedProviders []string `json:"tried_providers,omitempty"`
}

// ResponseEnvelope is the terminal record published exactly once per request
// ID. Status is "completed" or "error"; pending requests have no envelope.
type ResponseEnvelope struct {
	ID                 string          `json:"id,omitempty"`
	Object             string          `json:"object,omitempty"`
	Created            int64           `json:"created,omitempty"`
	Status             string          `json:"status"`
	Model              string          `json:"model,omitempty"`
	Provider           string          `json:"provider,omitempty"`
	FinishReason       string          `json:"finish_reason,omitempty"`
	Content            string          `json:"content,omitempty"`
	Usage              *Usage          `json:"usage,omitempty"`
	StructuredOutput   json.RawMessage `json:"structured_output,omitempty"`
	ResponseFormatType string          `json:"response_format_type,omitempty"`
	Error              *ResponseError  `json:"error,omitempty"`
}

func ErrorEnvelope(message string, errType string, tried []string) ResponseEnvelope {
	return ResponseEnvelope{
		Status: StatusError,
		Error: &ResponseError{
			Message:        message,
			Type:           errType,
			TriedProviders: append([]string(nil), tried...),
		},
	}
}

// NewRequestID mints a monotonic-ish globally unique request ID.
func NewRequestID(now time.Time) string {
	fragment := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("req_%d_%s", now.UnixMilli(), fragment)
}
