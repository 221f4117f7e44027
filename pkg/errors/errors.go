// Package errors defines the classified error contract for the extraction layer.
// Every provider-specific failure is mapped to one of the canonical kinds here;
// no other error type crosses the layer boundary.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Kind is the canonical classification of an extraction failure.
type Kind string

// Provider-reported kinds.
const (
	KindRateLimit      Kind = "rate_limit"
	KindTimeout        Kind = "timeout"
	KindAuthentication Kind = "authentication"
	KindInvalidRequest Kind = "invalid_request"
	KindParsing        Kind = "parsing"
	KindBudgetExceeded Kind = "budget_exceeded"
	KindPolicy         Kind = "policy"
	KindTransient      Kind = "transient"
	KindUnknown        Kind = "unknown"
)

// Locally generated gate failures. These are fast-fail outcomes, never routed
// through the retry attempt table.
const (
	KindCircuitOpen   Kind = "circuit_open"
	KindBudgetBlocked Kind = "budget_blocked"
)

// ExtractionError is a classified failure from a provider call or a local gate.
type ExtractionError struct {
	Kind       Kind   `json:"kind"`
	StatusCode int    `json:"status_code,omitempty"`
	Message    string `json:"message"`
	Provider   string `json:"provider,omitempty"`
	Model      string `json:"model,omitempty"`
	Retryable  bool   `json:"-"`
}

// Error implements the error interface.
func (e *ExtractionError) Error() string {
	return fmt.Sprintf("[%s] %s (provider=%s, model=%s, code=%d)",
		e.Kind, e.Message, e.Provider, e.Model, e.StatusCode)
}

// IsGate reports whether the error is a locally generated gate failure.
func (e *ExtractionError) IsGate() bool {
	return e.Kind == KindCircuitOpen || e.Kind == KindBudgetBlocked
}

// AsExtractionError unwraps err to an *ExtractionError, classifying unknown
// errors as KindUnknown so the taxonomy is total.
func AsExtractionError(err error) *ExtractionError {
	var ee *ExtractionError
	if stderrors.As(err, &ee) {
		return ee
	}
	return &ExtractionError{
		Kind:      KindUnknown,
		Message:   err.Error(),
		Retryable: false,
	}
}

// KindOf returns the canonical kind of any error.
func KindOf(err error) Kind {
	return AsExtractionError(err).Kind
}

// NewRateLimitError creates a rate limit error (429 or local admission timeout).
func NewRateLimitError(provider, model, message string) *ExtractionError {
	return &ExtractionError{
		Kind:       KindRateLimit,
		StatusCode: http.StatusTooManyRequests,
		Message:    message,
		Provider:   provider,
		Model:      model,
		Retryable:  true,
	}
}

// NewTimeoutError creates a timeout error (deadline exceeded).
func NewTimeoutError(provider, model, message string) *ExtractionError {
	return &ExtractionError{
		Kind:       KindTimeout,
		StatusCode: http.StatusRequestTimeout,
		Message:    message,
		Provider:   provider,
		Model:      model,
		Retryable:  true,
	}
}

// NewAuthenticationError creates an authentication error (401/403).
func NewAuthenticationError(provider, model, message string) *ExtractionError {
	return &ExtractionError{
		Kind:       KindAuthentication,
		StatusCode: http.StatusUnauthorized,
		Message:    message,
		Provider:   provider,
		Model:      model,
		Retryable:  false,
	}
}

// NewInvalidRequestError creates an invalid request error (400).
func NewInvalidRequestError(provider, model, message string) *ExtractionError {
	return &ExtractionError{
		Kind:       KindInvalidRequest,
		StatusCode: http.StatusBadRequest,
		Message:    message,
		Provider:   provider,
		Model:      model,
		Retryable:  false,
	}
}

// NewParsingError creates a parsing error: the response could not be repaired
// into a valid result. Eligible for exactly one corrective retry.
func NewParsingError(provider, model, message string) *ExtractionError {
	return &ExtractionError{
		Kind:      KindParsing,
		Message:   message,
		Provider:  provider,
		Model:     model,
		Retryable: false,
	}
}

// NewBudgetExceededError creates a provider-reported quota exhaustion error.
func NewBudgetExceededError(provider, model, message string) *ExtractionError {
	return &ExtractionError{
		Kind:       KindBudgetExceeded,
		StatusCode: http.StatusPaymentRequired,
		Message:    message,
		Provider:   provider,
		Model:      model,
		Retryable:  false,
	}
}

// NewPolicyError creates a content policy violation error.
func NewPolicyError(provider, model, message string) *ExtractionError {
	return &ExtractionError{
		Kind:       KindPolicy,
		StatusCode: http.StatusBadRequest,
		Message:    message,
		Provider:   provider,
		Model:      model,
		Retryable:  false,
	}
}

// NewTransientError creates a retryable server-side error (5xx, connection reset).
func NewTransientError(provider, model, message string) *ExtractionError {
	return &ExtractionError{
		Kind:       KindTransient,
		StatusCode: http.StatusServiceUnavailable,
		Message:    message,
		Provider:   provider,
		Model:      model,
		Retryable:  true,
	}
}

// NewUnknownError creates an unclassifiable error.
func NewUnknownError(provider, model, message string) *ExtractionError {
	return &ExtractionError{
		Kind:      KindUnknown,
		Message:   message,
		Provider:  provider,
		Model:     model,
		Retryable: false,
	}
}

// NewCircuitOpenError creates the local circuit-open gate failure.
func NewCircuitOpenError(provider string) *ExtractionError {
	return &ExtractionError{
		Kind:      KindCircuitOpen,
		Message:   "circuit breaker is open",
		Provider:  provider,
		Retryable: false,
	}
}

// NewBudgetBlockedError creates the local budget gate failure.
func NewBudgetBlockedError(message string) *ExtractionError {
	return &ExtractionError{
		Kind:      KindBudgetBlocked,
		Message:   message,
		Retryable: false,
	}
}

// MapStatusCode classifies an HTTP status into a canonical kind. Providers use
// this as the default mapping when the response body carries no richer signal.
func MapStatusCode(statusCode int) Kind {
	switch statusCode {
	case http.StatusTooManyRequests:
		return KindRateLimit
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return KindTimeout
	case http.StatusUnauthorized, http.StatusForbidden:
		return KindAuthentication
	case http.StatusPaymentRequired:
		return KindBudgetExceeded
	case http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity:
		return KindInvalidRequest
	default:
		if statusCode >= 500 {
			return KindTransient
		}
		return KindUnknown
	}
}
