package core

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	GatewayErrorBadInput         = "GATEWAY_BAD_INPUT"
	GatewayErrorUnauthorized     = "GATEWAY_UNAUTHORIZED"
	GatewayErrorProviderNotFound = "GATEWAY_PROVIDER_NOT_FOUND"
	GatewayErrorRateLimited      = "GATEWAY_RATE_LIMITED"
	GatewayErrorProviderFailed   = "GATEWAY_PROVIDER_FAILED"
	GatewayErrorQueueUnavailable = "GATEWAY_QUEUE_UNAVAILABLE"
	GatewayErrorConflict         = "GATEWAY_CONFLICT"
	GatewayErrorTimeout          = "GATEWAY_TIMEOUT"
	GatewayErrorInternal         = "GATEWAY_INTERNAL_ERROR"
)

// ErrorKind is the classified taxonomy adapters emit. The dispatcher and
// failover manager branch on kinds, never on raw upstream errors.
type ErrorKind string

const (
	ErrorKindAuth         ErrorKind = "auth"
	ErrorKindRateLimit    ErrorKind = "rate_limit"
	ErrorKindModelUnknown ErrorKind = "model_unknown"
	ErrorKindTimeout      ErrorKind = "timeout"
	ErrorKindTransport    ErrorKind = "transport"
	ErrorKindOther        ErrorKind = "other"
)

type ProviderError struct {
	Provider string
	Kind     ErrorKind
	Err      error
}

func (e *ProviderError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("core: provider %q failed (%s)", e.Provider, e.Kind)
	}
	return fmt.Sprintf("core: provider %q failed (%s): %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func NewProviderError(provider string, kind ErrorKind, err error) *ProviderError {
	return &ProviderError{Provider: strings.TrimSpace(provider), Kind: kind, Err: err}
}

// KindOf extracts the classified kind from an error chain, defaulting to
// ErrorKindOther for anything an adapter did not classify.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.Kind
	}
	return ErrorKindOther
}

func (e *ProviderError) ToGatewayError() *goerrors.Error {
	if e == nil {
		return nil
	}
	category := goerrors.CategoryExternal
	textCode := GatewayErrorProviderFailed
	switch e.Kind {
	case ErrorKindAuth:
		category = goerrors.CategoryAuth
		textCode = GatewayErrorUnauthorized
	case ErrorKindRateLimit:
		category = goerrors.CategoryRateLimit
		textCode = GatewayErrorRateLimited
	case ErrorKindTimeout:
		category = goerrors.CategoryOperation
		textCode = GatewayErrorTimeout
	}
	return ensureGatewayErrorEnvelope(
		goerrors.New(e.Error(), category).
			WithTextCode(textCode).
			WithMetadata(map[string]any{
				"provider": e.Provider,
				"kind":     string(e.Kind),
			}),
	)
}

// MapError normalizes arbitrary errors into the gateway error envelope.
func MapError(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.ToGatewayError()
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureGatewayErrorEnvelope(richErr)
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "provider") && strings.Contains(msg, "not registered"),
		strings.Contains(msg, "unknown provider"):
		return newGatewayError(err.Error(), goerrors.CategoryBadInput, GatewayErrorProviderNotFound)
	case strings.Contains(msg, "unauthorized"), strings.Contains(msg, "invalid credentials"):
		return newGatewayError(err.Error(), goerrors.CategoryAuth, GatewayErrorUnauthorized)
	case strings.Contains(msg, "throttl"), strings.Contains(msg, "rate limit"):
		return newGatewayError(err.Error(), goerrors.CategoryRateLimit, GatewayErrorRateLimited)
	case strings.Contains(msg, "queue") && strings.Contains(msg, "unavailable"):
		return newGatewayError(err.Error(), goerrors.CategoryExternal, GatewayErrorQueueUnavailable)
	case strings.Contains(msg, "disabled"):
		return newGatewayError(err.Error(), goerrors.CategoryConflict, GatewayErrorConflict)
	case strings.Contains(msg, "deadline exceeded"), strings.Contains(msg, "timed out"):
		return newGatewayError(err.Error(), goerrors.CategoryOperation, GatewayErrorTimeout)
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"), strings.Contains(msg, "mismatch"):
		return newGatewayError(err.Error(), goerrors.CategoryBadInput, GatewayErrorBadInput)
	}

	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureGatewayErrorEnvelope(mapped)
}

func newGatewayError(message string, category goerrors.Category, textCode string) *goerrors.Error {
	return ensureGatewayErrorEnvelope(
		goerrors.New(message, category).
			WithTextCode(textCode),
	)
}

func ensureGatewayErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = gatewayHTTPStatus(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultGatewayTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultGatewayTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return GatewayErrorBadInput
	case goerrors.CategoryNotFound:
		return GatewayErrorProviderNotFound
	case goerrors.CategoryAuth, goerrors.CategoryAuthz:
		return GatewayErrorUnauthorized
	case goerrors.CategoryRateLimit:
		return GatewayErrorRateLimited
	case goerrors.CategoryConflict:
		return GatewayErrorConflict
	case goerrors.CategoryExternal:
		return GatewayErrorProviderFailed
	case goerrors.CategoryOperation:
		return GatewayErrorTimeout
	default:
		return GatewayErrorInternal
	}
}

func gatewayHTTPStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
