package providers

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/goliatone/go-llm-gateway/core"
)

// Classify folds upstream failures into the gateway taxonomy. Everything
// downstream branches on the kind, never on the raw client error.
func Classify(provider string, err error) *core.ProviderError {
	if err == nil {
		return nil
	}

	var providerErr *core.ProviderError
	if errors.As(err, &providerErr) {
		return providerErr
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return core.NewProviderError(provider, core.ErrorKindTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return core.NewProviderError(provider, core.ErrorKindTimeout, err)
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return core.NewProviderError(provider, kindForStatus(apiErr.HTTPStatusCode, apiErr.Message), err)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.HTTPStatusCode > 0 {
			return core.NewProviderError(provider, kindForStatus(reqErr.HTTPStatusCode, reqErr.Error()), err)
		}
		return core.NewProviderError(provider, core.ErrorKindTransport, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return core.NewProviderError(provider, core.ErrorKindTimeout, err)
		}
		return core.NewProviderError(provider, core.ErrorKindTransport, err)
	}

	return core.NewProviderError(provider, core.ErrorKindOther, err)
}

func kindForStatus(status int, message string) core.ErrorKind {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return core.ErrorKindAuth
	case http.StatusTooManyRequests:
		return core.ErrorKindRateLimit
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return core.ErrorKindTimeout
	case http.StatusNotFound, http.StatusBadRequest:
		if mentionsModel(message) {
			return core.ErrorKindModelUnknown
		}
		return core.ErrorKindOther
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return core.ErrorKindTransport
	}
	return core.ErrorKindOther
}

func mentionsModel(message string) bool {
	message = strings.ToLower(message)
	return strings.Contains(message, "model")
}
