package alert

import (
	"errors"
	"net"
	"time"
)

// HTTPError is a non-2xx webhook response.
type HTTPError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return e.Message
}

// IsRetryable reports whether the status may succeed later (5xx, 408, 429).
func (e *HTTPError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 408 || e.StatusCode == 429
}

// NetworkError wraps a transport failure.
type NetworkError struct {
	Message string
	Cause   error
}

func (e *NetworkError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *NetworkError) Unwrap() error {
	return e.Cause
}

// IsRetryable is always true for network errors.
func (e *NetworkError) IsRetryable() bool {
	return true
}

// TimeoutError reports a request that exceeded its timeout.
type TimeoutError struct {
	Message string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return e.Message
}

// IsRetryable is always true for timeouts.
func (e *TimeoutError) IsRetryable() bool {
	return true
}

func isRetryable(err error) bool {
	var r interface{ IsRetryable() bool }
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
