package errors

import (
	"errors"
	"fmt"
)

var (
	ErrCredentialsNotConfigured = errors.New("debricked credentials are not configured")
	ErrAuthenticationFailed     = errors.New("authentication failed")
	ErrStorageUnavailable       = errors.New("file content unavailable in storage")
	ErrSessionNotFound          = errors.New("scan session not found")
	ErrScanIDMissing            = errors.New("session has no ci upload id")
	ErrReportNotReady           = errors.New("scan report is not ready")
)

// APIError is a non-2xx response from the Debricked API. The operation name
// distinguishes upload rejections from enqueue and status failures.
type APIError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("debricked %s failed with status %d: %s", e.Operation, e.StatusCode, e.Body)
}

func NewAPIError(operation string, status int, body string) error {
	return &APIError{Operation: operation, StatusCode: status, Body: body}
}

// IsAPIError reports whether err wraps an APIError for the given operation.
// An empty operation matches any APIError.
func IsAPIError(err error, operation string) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return operation == "" || apiErr.Operation == operation
}

type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation failed for field '%s' with value '%v': %s",
		e.Field, e.Value, e.Message)
}

type RetryableError struct {
	Err     error
	Message string
}

func (e RetryableError) Error() string {
	return fmt.Sprintf("retryable error: %s - %s", e.Message, e.Err.Error())
}

func (e RetryableError) Unwrap() error {
	return e.Err
}

func NewRetryableError(err error, message string) error {
	return RetryableError{
		Err:     err,
		Message: message,
	}
}

// IsRetryable reports whether err wraps a RetryableError.
func IsRetryable(err error) bool {
	var retryable RetryableError
	return errors.As(err, &retryable)
}
