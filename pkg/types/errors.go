package types

import (
	"errors"
	"fmt"
)

// SourceUnavailableError reports that a source could not be read this cycle.
// The source's checkpoint is left untouched so the next cycle retries.
type SourceUnavailableError struct {
	SourceID string
	Op       string
	Err      error
}

func (e *SourceUnavailableError) Error() string {
	return fmt.Sprintf("source %s unavailable (%s): %v", e.SourceID, e.Op, e.Err)
}

func (e *SourceUnavailableError) Unwrap() error {
	return e.Err
}

// StorageError reports a sink write that still failed after all retries.
type StorageError struct {
	Sink     string
	Attempts int
	Err      error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage sink %s failed after %d attempts: %v", e.Sink, e.Attempts, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// DeliveryError reports a failed alert delivery on one channel.
type DeliveryError struct {
	Channel    string
	StatusCode int
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("delivery to %s failed with status %d: %v", e.Channel, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("delivery to %s failed: %v", e.Channel, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// ConfigError reports an invalid configuration value.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return e.Field + ": " + e.Message
	}
	return e.Message
}

// RetryableError is implemented by errors that may succeed on a later attempt.
type RetryableError interface {
	error
	IsRetryable() bool
}

// IsSourceUnavailable reports whether err is, or wraps, a SourceUnavailableError.
func IsSourceUnavailable(err error) bool {
	var target *SourceUnavailableError
	return errors.As(err, &target)
}

// IsStorageFailure reports whether err is, or wraps, a StorageError.
func IsStorageFailure(err error) bool {
	var target *StorageError
	return errors.As(err, &target)
}
