package appstore

import (
	"errors"
	"fmt"
	"time"
)

// Common errors returned by the session and entries.
var (
	// ErrAppStore matches every error raised by this package via errors.Is.
	ErrAppStore = errors.New("app store error")

	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")
)

// ErrorClass represents a classification of request failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors other than 429.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors other than 503.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 Too Many Requests.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassUnavailable represents 503 Service Unavailable.
	ErrorClassUnavailable ErrorClass = "unavailable"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassDecode represents malformed upstream payloads.
	ErrorClassDecode ErrorClass = "decode"
)

// AppStoreError is returned for every upstream failure that is not an
// AppNotFoundError: bad status codes, missing tokens, undecodable payloads and
// exhausted retries.
type AppStoreError struct {
	StatusCode int
	ErrorClass ErrorClass
	Message    string
	Err        error

	// RetryAfter is the server's Retry-After hint on 429/503 responses.
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *AppStoreError) Error() string {
	msg := e.Message
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("app store: %s: %v", msg, e.Err)
	}
	return "app store: " + msg
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *AppStoreError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrAppStore.
func (e *AppStoreError) Is(target error) bool {
	return target == ErrAppStore
}

// AppNotFoundError is returned when the app page for an app/country pair
// responds with 404.
type AppNotFoundError struct {
	AppID   int64
	Country string
}

// Error implements the error interface.
func (e *AppNotFoundError) Error() string {
	return fmt.Sprintf("app store: no app with ID %d was found in country %q", e.AppID, e.Country)
}

// Is reports whether target is ErrAppStore.
func (e *AppNotFoundError) Is(target error) bool {
	return target == ErrAppStore
}

// IsAppNotFound reports whether err is or wraps an AppNotFoundError.
func IsAppNotFound(err error) bool {
	var notFound *AppNotFoundError
	return errors.As(err, &notFound)
}

// newStatusError builds the AppStoreError for an unexpected HTTP status.
func newStatusError(what string, status int, class ErrorClass) *AppStoreError {
	return &AppStoreError{
		StatusCode: status,
		ErrorClass: class,
		Message:    fmt.Sprintf("fetching %s failed", what),
	}
}

// shouldRetry determines if an error should be retried based on its classification.
func shouldRetry(errorClass ErrorClass) bool {
	switch errorClass {
	case ErrorClassRateLimit, ErrorClassUnavailable, ErrorClassNetwork:
		return true
	default:
		// Plain 4xx/5xx and decode failures are terminal
		return false
	}
}
