package chat

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNoDestination is returned when the open conversation has no contact
	// address to send to. State is left untouched.
	ErrNoDestination = errors.New("no destination address for conversation")

	// ErrNoActiveConversation is returned by actions that need an open conversation.
	ErrNoActiveConversation = errors.New("no active conversation")

	// ErrUploadInProgress is returned when an attachment upload is already running.
	ErrUploadInProgress = errors.New("an attachment upload is already in progress")

	// ErrEmptyMessage is returned when there is neither text nor media to send.
	ErrEmptyMessage = errors.New("message has no text or attachment")
)

// StatusCoder is implemented by transport errors that carry an HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// StatusOf returns the HTTP status carried by err, or 0 when the failure never
// produced a response.
func StatusOf(err error) int {
	var sc StatusCoder
	if errors.As(err, &sc) {
		return sc.HTTPStatus()
	}
	return 0
}

// UploadFileError means the attachment bytes could not be stored. Nothing was sent.
type UploadFileError struct {
	Filename string
	Err      error
}

func (e *UploadFileError) Error() string {
	return fmt.Sprintf("upload %s: %v", e.Filename, e.Err)
}

func (e *UploadFileError) Unwrap() error { return e.Err }

// LibraryFetchError means a library attachment could not be downloaded. Nothing was sent.
type LibraryFetchError struct {
	URL string
	Err error
}

func (e *LibraryFetchError) Error() string {
	return fmt.Sprintf("fetch library item %s: %v", e.URL, e.Err)
}

func (e *LibraryFetchError) Unwrap() error { return e.Err }

// SendConflictError is the server saying the message was already delivered.
type SendConflictError struct {
	Err error
}

func (e *SendConflictError) Error() string {
	return fmt.Sprintf("send conflict (already delivered): %v", e.Err)
}

func (e *SendConflictError) Unwrap() error { return e.Err }

// NetworkTimeoutError is a send whose outcome is unknown: no response arrived.
type NetworkTimeoutError struct {
	Err error
}

func (e *NetworkTimeoutError) Error() string {
	return fmt.Sprintf("send outcome unknown: %v", e.Err)
}

func (e *NetworkTimeoutError) Unwrap() error { return e.Err }

// PipelineLoadError is the terminal board bootstrap failure.
type PipelineLoadError struct {
	Attempts int
	Err      error
}

func (e *PipelineLoadError) Error() string {
	return fmt.Sprintf("load pipeline failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *PipelineLoadError) Unwrap() error { return e.Err }

// APIError is a generic failed call. It does not end the session.
type APIError struct {
	Op     string
	Status int
	Err    error
}

func (e *APIError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s failed (status %d): %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }

// ClassifySendError maps a transport error from SendMessage onto the engine taxonomy.
func ClassifySendError(err error) error {
	if err == nil {
		return nil
	}
	status := StatusOf(err)
	switch {
	case status == http.StatusConflict:
		return &SendConflictError{Err: err}
	case status == 0:
		// No response: the request may or may not have been delivered,
		// including when it was cancelled in flight.
		return &NetworkTimeoutError{Err: err}
	default:
		return &APIError{Op: "send message", Status: status, Err: err}
	}
}

// IsSendConflict reports whether err is a SendConflictError.
func IsSendConflict(err error) bool {
	var e *SendConflictError
	return errors.As(err, &e)
}

// IsNetworkTimeout reports whether err is a NetworkTimeoutError.
func IsNetworkTimeout(err error) bool {
	var e *NetworkTimeoutError
	return errors.As(err, &e)
}
