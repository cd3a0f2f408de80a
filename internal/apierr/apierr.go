// Package apierr implements the gateway's uniform error taxonomy: a
// single tagged error type that carries its own retry policy and HTTP
// status, replacing the ad-hoc gin.H{"error": gin.H{...}} literals
// plus side-channel nonRetryable/originalResponse fields the source
// system used.
package apierr

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Kind is the top-level error category surfaced to clients.
type Kind string

const (
	KindInvalidRequest Kind = "invalid_request_error"
	KindAuthentication Kind = "authentication_error"
	KindPermission     Kind = "permission_error"
	KindRateLimit      Kind = "rate_limit_error"
	KindAPI            Kind = "api_error"
	KindService        Kind = "service_error"
)

// Code is the machine-readable error code surfaced to clients.
type Code string

const (
	CodeInvalidAuthKey     Code = "invalid_auth_key"
	CodeContentViolation   Code = "content_violation"
	CodeRetryTimeout       Code = "retry_timeout"
	CodeStreamTimeout      Code = "stream_timeout"
	CodeServiceUnavailable Code = "service_unavailable"
	CodeInternalError      Code = "internal_error"
	CodeInvalidTemperature Code = "invalid_temperature"
	CodeRateLimitExceeded  Code = "rate_limit_exceeded"
	CodeMethodNotAllowed   Code = "method_not_allowed"
	CodeInvalidRequestBody Code = "invalid_request_body"
	CodeConfigError        Code = "config_error"
)

// UpstreamEnvelope preserves a failed upstream HTTP response verbatim
// so the dispatcher can relay it instead of inventing a new error.
type UpstreamEnvelope struct {
	Status     int
	Body       json.RawMessage
	StatusText string
	Headers    http.Header
}

// APIError is the single error type threaded through every component.
// Its Retryable field encodes retry policy intrinsically, so callers
// never need a separate "nonRetryable" marker.
type APIError struct {
	Kind       Kind
	Code       Code
	Message    string
	HTTPStatus int
	Retryable  bool
	Details    map[string]any
	Upstream   *UpstreamEnvelope
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Message)
}

// New builds a non-retryable APIError.
func New(kind Kind, code Code, status int, message string) *APIError {
	return &APIError{Kind: kind, Code: code, HTTPStatus: status, Message: message}
}

// WithDetails attaches structured details and returns the receiver for chaining.
func (e *APIError) WithDetails(details map[string]any) *APIError {
	e.Details = details
	return e
}

// WithUpstream attaches a preserved upstream envelope and returns the receiver.
func (e *APIError) WithUpstream(u *UpstreamEnvelope) *APIError {
	e.Upstream = u
	return e
}

// AsRetryable marks the receiver as eligible for the retry engine and returns it.
func (e *APIError) AsRetryable() *APIError {
	e.Retryable = true
	return e
}

// Auth, validation and service-level constructors mirroring spec.md §7.

func InvalidAuthKey() *APIError {
	return New(KindAuthentication, CodeInvalidAuthKey, http.StatusUnauthorized, "missing or invalid Authorization bearer token")
}

func InvalidRequestBody(reason string) *APIError {
	return New(KindInvalidRequest, CodeInvalidRequestBody, http.StatusBadRequest, "failed to parse request body: "+reason)
}

func MethodNotAllowed(method, path string) *APIError {
	return New(KindInvalidRequest, CodeMethodNotAllowed, http.StatusMethodNotAllowed, fmt.Sprintf("method %s not allowed for %s", method, path))
}

func InvalidTemperature(model string) *APIError {
	return New(KindInvalidRequest, CodeInvalidTemperature, http.StatusBadRequest,
		fmt.Sprintf("model %q requires temperature=0", model))
}

func RateLimitExceeded(details map[string]any) *APIError {
	return New(KindRateLimit, CodeRateLimitExceeded, http.StatusTooManyRequests, "rate limit exceeded").WithDetails(details)
}

func ContentViolation(riskLevel int, logID string, isPartialCheck bool) *APIError {
	return New(KindInvalidRequest, CodeContentViolation, http.StatusForbidden, "content violates usage policy").
		WithDetails(map[string]any{
			"risk_level":       riskLevel,
			"log_id":           logID,
			"is_partial_check": isPartialCheck,
		})
}

func CircuitBreakerOpen() *APIError {
	return New(KindService, CodeServiceUnavailable, http.StatusServiceUnavailable, "upstream provider is temporarily unavailable").
		WithDetails(map[string]any{"circuit_breaker": true})
}

func GlobalBurstTripped() *APIError {
	return New(KindRateLimit, CodeRateLimitExceeded, http.StatusTooManyRequests, "request burst threshold exceeded").
		WithDetails(map[string]any{"reason": "global_circuit_breaker_tripped"})
}

func StreamTimeout() *APIError {
	return New(KindAPI, CodeStreamTimeout, http.StatusGatewayTimeout, "upstream stream went inactive")
}

func ServiceUnavailable(message string) *APIError {
	return New(KindService, CodeServiceUnavailable, http.StatusServiceUnavailable, message)
}

func Internal(message string) *APIError {
	return New(KindAPI, CodeInternalError, http.StatusInternalServerError, message)
}

func ConfigError(message string) *APIError {
	return New(KindAPI, CodeInternalError, http.StatusInternalServerError, message).WithDetails(map[string]any{"config_error": true})
}

// envelope is the JSON shape written to clients.
type envelope struct {
	Error struct {
		Message string         `json:"message"`
		Type     Kind           `json:"type"`
		Code     Code           `json:"code"`
		Details  map[string]any `json:"details,omitempty"`
	} `json:"error"`
}

// toEnvelope renders the APIError into the uniform client-facing shape
// from its own fields; any preserved upstream body is not consulted
// here (Write relays it instead).
func (e *APIError) toEnvelope() envelope {
	var env envelope
	env.Error.Message = e.Message
	env.Error.Type = e.Kind
	env.Error.Code = e.Code
	env.Error.Details = e.Details
	return env
}

// Write formats err through the uniform envelope and writes the HTTP
// response. It is the single place in the gateway that turns an
// APIError into bytes on the wire.
func Write(c *gin.Context, err *APIError) {
	if err.Upstream != nil && len(err.Upstream.Body) > 0 {
		status := err.Upstream.Status
		if status == 0 {
			status = err.HTTPStatus
		}
		c.Data(status, "application/json", err.Upstream.Body)
		return
	}
	c.JSON(err.HTTPStatus, err.toEnvelope())
}

// SSEPayload renders err as the JSON payload of an in-band SSE error
// frame (C8's "data: {...}" error framing), reusing the same envelope
// shape as the HTTP error writer.
func (e *APIError) SSEPayload() []byte {
	b, _ := json.Marshal(e.toEnvelope())
	return b
}

// AsAPIError unwraps a generic error into an *APIError, synthesizing
// an internal error if it isn't already one.
func AsAPIError(err error) *APIError {
	if err == nil {
		return nil
	}
	if ae, ok := err.(*APIError); ok {
		return ae
	}
	return Internal(err.Error())
}

// IsNonRetryableStatus reports whether an upstream HTTP status must
// never be retried per spec.md §4.3.
func IsNonRetryableStatus(status int) bool {
	switch status {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden,
		http.StatusNotFound, http.StatusUnprocessableEntity:
		return true
	default:
		return false
	}
}
