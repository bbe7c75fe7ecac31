// Package errors defines the unified error taxonomy for gateway operations.
// Provider-specific failures are mapped into these types at the adapter
// boundary; the orchestrator classifies on them and the API layer turns them
// into stable machine-readable codes.
package errors

import (
	"fmt"
	"net/http"
	"time"
)

// LLMError is a standardized provider failure.
type LLMError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Type       string `json:"type"`
	Provider   string `json:"provider"`
	Model      string `json:"model"`
	Retryable  bool   `json:"-"`

	// RetryAfter is the provider-advertised cooldown, zero when absent.
	RetryAfter time.Duration `json:"-"`
}

// Error implements the error interface.
func (e *LLMError) Error() string {
	return fmt.Sprintf("[%s] %s (provider=%s, model=%s, code=%d)",
		e.Type, e.Message, e.Provider, e.Model, e.StatusCode)
}

// HTTPStatusCode returns the status code to surface to the caller.
func (e *LLMError) HTTPStatusCode() int {
	if e.StatusCode > 0 {
		return e.StatusCode
	}
	return http.StatusInternalServerError
}

// Stable machine-readable error codes.
const (
	TypeAuthentication      = "authentication_error"
	TypeRateLimit           = "rate_limit_error"
	TypeInvalidRequest      = "invalid_request_error"
	TypeNotFound            = "not_found_error"
	TypeTimeout             = "timeout_error"
	TypeServiceUnavailable  = "service_unavailable_error"
	TypeInternalError       = "internal_error"
	TypeProtocolViolation   = "protocol_violation"
	TypeModelDecommissioned = "model_decommissioned"
	TypeFallbackExhausted   = "fallback_exhausted"
	TypeConfiguration       = "configuration_error"
)

// NewAuthenticationError creates an authentication error (401).
func NewAuthenticationError(provider, model, message string) *LLMError {
	return &LLMError{
		StatusCode: http.StatusUnauthorized,
		Message:    message,
		Type:       TypeAuthentication,
		Provider:   provider,
		Model:      model,
	}
}

// NewRateLimitError creates a rate limit error (429).
func NewRateLimitError(provider, model, message string) *LLMError {
	return &LLMError{
		StatusCode: http.StatusTooManyRequests,
		Message:    message,
		Type:       TypeRateLimit,
		Provider:   provider,
		Model:      model,
		Retryable:  true,
	}
}

// NewInvalidRequestError creates an invalid request error (400).
func NewInvalidRequestError(provider, model, message string) *LLMError {
	return &LLMError{
		StatusCode: http.StatusBadRequest,
		Message:    message,
		Type:       TypeInvalidRequest,
		Provider:   provider,
		Model:      model,
	}
}

// NewModelNotFoundError creates an error for an unknown or retired model id (404).
func NewModelNotFoundError(provider, model, message string) *LLMError {
	return &LLMError{
		StatusCode: http.StatusNotFound,
		Message:    message,
		Type:       TypeNotFound,
		Provider:   provider,
		Model:      model,
	}
}

// NewTimeoutError creates a timeout error (408).
func NewTimeoutError(provider, model, message string) *LLMError {
	return &LLMError{
		StatusCode: http.StatusRequestTimeout,
		Message:    message,
		Type:       TypeTimeout,
		Provider:   provider,
		Model:      model,
		Retryable:  true,
	}
}

// NewServiceUnavailableError creates a service unavailable error (503).
func NewServiceUnavailableError(provider, model, message string) *LLMError {
	return &LLMError{
		StatusCode: http.StatusServiceUnavailable,
		Message:    message,
		Type:       TypeServiceUnavailable,
		Provider:   provider,
		Model:      model,
		Retryable:  true,
	}
}

// NewInternalError creates an internal server error (500).
func NewInternalError(provider, model, message string) *LLMError {
	return &LLMError{
		StatusCode: http.StatusInternalServerError,
		Message:    message,
		Type:       TypeInternalError,
		Provider:   provider,
		Model:      model,
		Retryable:  true,
	}
}

// NewProtocolViolation creates an error for a provider response whose shape
// contradicts its own finish reason. Retryable so the fallback chain keeps
// going, but carries a distinct type for diagnosis.
func NewProtocolViolation(provider, model, message string) *LLMError {
	return &LLMError{
		StatusCode: http.StatusBadGateway,
		Message:    message,
		Type:       TypeProtocolViolation,
		Provider:   provider,
		Model:      model,
		Retryable:  true,
	}
}

// NewModelDecommissionedError reports a model the provider has retired.
// Not retryable against the same model; the caller should stop offering it.
func NewModelDecommissionedError(provider, model, message string) *LLMError {
	return &LLMError{
		StatusCode: http.StatusGone,
		Message:    message,
		Type:       TypeModelDecommissioned,
		Provider:   provider,
		Model:      model,
	}
}

// NewConfigurationError reports a missing provider type or model entry.
// Not retryable: nothing changes without a config edit and restart.
func NewConfigurationError(message string) *LLMError {
	return &LLMError{
		StatusCode: http.StatusInternalServerError,
		Message:    message,
		Type:       TypeConfiguration,
	}
}
