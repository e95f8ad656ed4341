package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorClass represents a classification of provider failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors (bad key, bad request).
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 responses from the provider itself.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents connection failures.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassTimeout represents calls that exceeded their deadline.
	ErrorClassTimeout ErrorClass = "timeout"

	// ErrorClassMalformed represents responses that could not be decoded.
	ErrorClassMalformed ErrorClass = "malformed"
)

// ErrProviderUnavailable is wrapped by every Error so callers can match the
// whole family with errors.Is.
var ErrProviderUnavailable = errors.New("provider unavailable")

// Error is a provider failure with additional context.
type Error struct {
	Provider   Provider
	Endpoint   string
	StatusCode int
	Class      ErrorClass
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s error on %s (status %d): %s: %v",
			e.Provider, e.Class, e.Endpoint, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("%s %s error on %s (status %d): %s",
		e.Provider, e.Class, e.Endpoint, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is makes every Error match ErrProviderUnavailable.
func (e *Error) Is(target error) bool {
	return target == ErrProviderUnavailable
}

// classifyStatus categorizes an HTTP status code.
func classifyStatus(status int) ErrorClass {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case status >= 400 && status < 500:
		return ErrorClassClient
	case status >= 500:
		return ErrorClassServer
	default:
		return ""
	}
}

// classifyTransportError categorizes an error returned by the HTTP client.
func classifyTransportError(err error) ErrorClass {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorClassTimeout
	}
	return ErrorClassNetwork
}
