package carrier

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
)

// Error codes shared by all adapters.
const (
	CodeUnknown        = "UNKNOWN"
	CodeTimeout        = "TIMEOUT"
	CodeCancelled      = "CANCELLED"
	CodeTransport      = "TRANSPORT"
	CodeDecode         = "DECODE"
	CodeAuthentication = "AUTHENTICATION"
	CodeRateLimit      = "RATE_LIMIT"
	CodeUnavailable    = "UNAVAILABLE"
	CodeRejected       = "REJECTED"
	CodeNotFound       = "NOT_FOUND"
)

// CarrierError represents an error from a shipping carrier.
type CarrierError struct {
	Carrier    string
	Code       string
	Message    string
	StatusCode int
	Retryable  bool
	Cause      error
}

// Error implements the error interface.
func (e *CarrierError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s error (%s): %s: %v", e.Carrier, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s error (%s): %s", e.Carrier, e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *CarrierError) Unwrap() error {
	return e.Cause
}

// Is implements errors.Is for CarrierError.
func (e *CarrierError) Is(target error) bool {
	t, ok := target.(*CarrierError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewCarrierError creates a new CarrierError.
func NewCarrierError(carrier, code, message string) *CarrierError {
	return &CarrierError{
		Carrier: carrier,
		Code:    code,
		Message: message,
	}
}

// WithCause adds a cause to the error.
func (e *CarrierError) WithCause(err error) *CarrierError {
	e.Cause = err
	return e
}

// WithStatusCode adds an HTTP status code to the error.
func (e *CarrierError) WithStatusCode(code int) *CarrierError {
	e.StatusCode = code
	return e
}

// WithRetryable marks the error as retryable.
func (e *CarrierError) WithRetryable(retryable bool) *CarrierError {
	e.Retryable = retryable
	return e
}

// Sentinel errors for common carrier scenarios.
var (
	// ErrConfiguration indicates the carrier record or its secrets are missing or invalid.
	ErrConfiguration = errors.New("carrier configuration error")

	// ErrCarrierNotFound indicates the requested carrier is not registered.
	ErrCarrierNotFound = errors.New("carrier not found")

	// ErrServiceUnavailable indicates the carrier service is temporarily unavailable.
	ErrServiceUnavailable = errors.New("service unavailable")

	// ErrRateLimitExceeded indicates the carrier rate limit was exceeded.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrLabelNotAvailable indicates the label is not yet available.
	ErrLabelNotAvailable = errors.New("label not available")

	// ErrCancellationNotAllowed indicates the label cannot be voided.
	ErrCancellationNotAllowed = errors.New("cancellation not allowed")
)

// IsRetryable returns true if the error is retryable.
func IsRetryable(err error) bool {
	var carrierErr *CarrierError
	if errors.As(err, &carrierErr) {
		return carrierErr.Retryable
	}
	return errors.Is(err, ErrServiceUnavailable) || errors.Is(err, ErrRateLimitExceeded)
}

// AsCarrierError classifies an arbitrary transport error for the named carrier.
// Timeouts and connection failures are retryable; cancellation is not.
func AsCarrierError(carrierName string, err error) *CarrierError {
	if err == nil {
		return nil
	}
	var carrierErr *CarrierError
	if errors.As(err, &carrierErr) {
		return carrierErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewCarrierError(carrierName, CodeTimeout, "carrier call timed out").WithCause(err).WithRetryable(true)
	}
	if errors.Is(err, context.Canceled) {
		return NewCarrierError(carrierName, CodeCancelled, "carrier call cancelled").WithCause(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewCarrierError(carrierName, CodeTimeout, "carrier call timed out").WithCause(err).WithRetryable(true)
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return NewCarrierError(carrierName, CodeTransport, "carrier connection failed").WithCause(err).WithRetryable(true)
	}
	return NewCarrierError(carrierName, CodeTransport, "carrier call failed").WithCause(err)
}

// FromHTTPStatus builds a CarrierError for a non-success HTTP status.
func FromHTTPStatus(carrierName string, status int, message string) *CarrierError {
	code := CodeRejected
	retryable := false
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		code = CodeAuthentication
	case status == http.StatusNotFound:
		code = CodeNotFound
	case status == http.StatusTooManyRequests:
		code = CodeRateLimit
		retryable = true
	case status >= 500:
		code = CodeUnavailable
		retryable = true
	}
	return NewCarrierError(carrierName, code, message).WithStatusCode(status).WithRetryable(retryable)
}
