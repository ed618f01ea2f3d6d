package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// APIError represents an error response from the API
type APIError struct {
	StatusCode int
	Body       string
	RequestID  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Body)
}

// HTTPStatus exposes the status to chat.StatusOf.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// RateLimitError represents a rate limit exceeded error.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter)
}

func (e *RateLimitError) HTTPStatus() int { return http.StatusTooManyRequests }

// CircuitBreakerError indicates the circuit breaker is open. The request was
// never sent, so it reports 503 rather than an unknown outcome.
type CircuitBreakerError struct{}

func (e *CircuitBreakerError) Error() string {
	return "circuit breaker is open, too many recent failures"
}

func (e *CircuitBreakerError) HTTPStatus() int { return http.StatusServiceUnavailable }

// IsRateLimitError checks if the error is a rate limit error.
func IsRateLimitError(err error) bool {
	var e *RateLimitError
	return errors.As(err, &e)
}

// IsCircuitBreakerError checks if the error is a circuit breaker error.
func IsCircuitBreakerError(err error) bool {
	var e *CircuitBreakerError
	return errors.As(err, &e)
}

// IsNotFoundError checks if the error indicates a resource was not found.
func IsNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusNotFound ||
			strings.Contains(strings.ToLower(apiErr.Body), "not found")
	}
	return false
}

// IsAuthError reports whether the server rejected the credentials.
func IsAuthError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden
	}
	return false
}
