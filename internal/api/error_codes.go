package api

import (
	"context"
	"errors"
	"fmt"

	"github.com/chatwoot/crmsync/internal/chat"
)

// ErrorCode is a machine-readable error class for JSON output.
type ErrorCode string

const (
	ErrBadRequest   ErrorCode = "bad_request"
	ErrUnauthorized ErrorCode = "unauthorized"
	ErrForbidden    ErrorCode = "forbidden"
	ErrNotFound     ErrorCode = "not_found"
	ErrConflict     ErrorCode = "conflict"
	ErrValidation   ErrorCode = "validation_failed"
	ErrRateLimited  ErrorCode = "rate_limited"
	ErrServerError  ErrorCode = "server_error"
	ErrTimeout      ErrorCode = "timeout"
	ErrCircuitOpen  ErrorCode = "circuit_open"
	ErrUpload       ErrorCode = "upload_failed"
	ErrUnknown      ErrorCode = "unknown"
)

// IsRetryable returns true if errors with this code may succeed on retry.
func (c ErrorCode) IsRetryable() bool {
	switch c {
	case ErrRateLimited, ErrServerError, ErrTimeout, ErrCircuitOpen, ErrUpload:
		return true
	default:
		return false
	}
}

// Suggestion returns a hint for resolving this error.
func (c ErrorCode) Suggestion() string {
	switch c {
	case ErrUnauthorized:
		return "Run 'crmsync config login' to store a valid API token"
	case ErrForbidden:
		return "Check your account permissions"
	case ErrNotFound:
		return "Verify the conversation or stage ID exists"
	case ErrRateLimited:
		return "Wait a moment and retry"
	case ErrValidation, ErrBadRequest:
		return "Check the input values"
	case ErrConflict:
		return "The server already has this change; reload and retry"
	case ErrServerError:
		return "The server encountered an error; try again later"
	case ErrTimeout:
		return "The outcome is unknown; check network connectivity before resending"
	case ErrCircuitOpen:
		return "Too many recent failures; wait before retrying"
	case ErrUpload:
		return "The attachment was not sent; retry the upload"
	default:
		return ""
	}
}

// ErrorCodeFromStatus maps an HTTP status code to an ErrorCode.
func ErrorCodeFromStatus(statusCode int) ErrorCode {
	switch statusCode {
	case 400:
		return ErrBadRequest
	case 401:
		return ErrUnauthorized
	case 403:
		return ErrForbidden
	case 404:
		return ErrNotFound
	case 409:
		return ErrConflict
	case 422:
		return ErrValidation
	case 429:
		return ErrRateLimited
	default:
		if statusCode >= 500 && statusCode < 600 {
			return ErrServerError
		}
		return ErrUnknown
	}
}

// StructuredError is the JSON shape of a failed command.
type StructuredError struct {
	Code       ErrorCode      `json:"code"`
	Message    string         `json:"message"`
	Retryable  bool           `json:"retryable"`
	Suggestion string         `json:"suggestion,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
}

func (e *StructuredError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// NewStructuredError creates a StructuredError from an ErrorCode and message.
func NewStructuredError(code ErrorCode, message string) *StructuredError {
	return &StructuredError{
		Code:       code,
		Message:    message,
		Retryable:  code.IsRetryable(),
		Suggestion: code.Suggestion(),
	}
}

// StructuredErrorFromError classifies transport errors and the engine's
// typed errors.
func StructuredErrorFromError(err error) *StructuredError {
	if err == nil {
		return nil
	}

	var se *StructuredError
	if errors.As(err, &se) {
		return se
	}

	var (
		upload   *chat.UploadFileError
		library  *chat.LibraryFetchError
		timeout  *chat.NetworkTimeoutError
		pipeline *chat.PipelineLoadError
	)
	switch {
	case errors.As(err, &upload), errors.As(err, &library):
		return NewStructuredError(ErrUpload, err.Error())
	case errors.As(err, &timeout), errors.Is(err, context.DeadlineExceeded):
		return NewStructuredError(ErrTimeout, err.Error())
	case errors.As(err, &pipeline):
		se := NewStructuredError(ErrServerError, err.Error())
		se.Context = map[string]any{"attempts": pipeline.Attempts}
		return se
	case errors.Is(err, chat.ErrNoDestination), errors.Is(err, chat.ErrEmptyMessage),
		errors.Is(err, chat.ErrNoActiveConversation), errors.Is(err, chat.ErrUploadInProgress):
		return NewStructuredError(ErrValidation, err.Error())
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		se := NewStructuredError(ErrorCodeFromStatus(apiErr.StatusCode), apiErr.Body)
		se.Context = map[string]any{"status_code": apiErr.StatusCode}
		if apiErr.RequestID != "" {
			se.Context["request_id"] = apiErr.RequestID
		}
		return se
	}

	var rateLimitErr *RateLimitError
	if errors.As(err, &rateLimitErr) {
		se := NewStructuredError(ErrRateLimited, rateLimitErr.Error())
		se.Context = map[string]any{"retry_after": rateLimitErr.RetryAfter.String()}
		return se
	}

	var cbErr *CircuitBreakerError
	if errors.As(err, &cbErr) {
		return NewStructuredError(ErrCircuitOpen, cbErr.Error())
	}

	return &StructuredError{Code: ErrUnknown, Message: err.Error()}
}
