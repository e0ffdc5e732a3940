package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ConfigError reports an invalid parameter or an unreadable/malformed input.
// It is fatal during setup.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Field == "" {
		return fmt.Sprintf("config error: %v", e.Err)
	}
	return fmt.Sprintf("config error: %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewConfigError builds a ConfigError with a formatted message.
func NewConfigError(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Err: fmt.Errorf(format, args...)}
}

// ServiceError reports a failed call to the irradiance service: network,
// authentication, exception responses, or the daily quota.
type ServiceError struct {
	StatusCode    int
	Message       string
	QuotaExceeded bool
	Cause         error
}

func (e *ServiceError) Error() string {
	if e == nil {
		return "<nil>"
	}

	parts := make([]string, 0, 4)
	parts = append(parts, "service error")

	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	if e.QuotaExceeded {
		parts = append(parts, "quota exceeded")
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		parts = append(parts, msg)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, ": ")
}

func (e *ServiceError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// ValidationError reports a row count that does not match the configured
// date range and time step.
type ValidationError struct {
	BatchID    int
	LocationID string
	Expected   int
	Got        int
}

func (e *ValidationError) Error() string {
	if e.LocationID != "" {
		return fmt.Sprintf("validation error: batch %d location %q: expected %d rows, got %d",
			e.BatchID, e.LocationID, e.Expected, e.Got)
	}
	return fmt.Sprintf("validation error: batch %d: expected %d rows, got %d", e.BatchID, e.Expected, e.Got)
}

// IsQuotaExceeded reports whether err means the service refused further
// requests for today.
func IsQuotaExceeded(err error) bool {
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return svcErr.QuotaExceeded
	}
	return false
}

// IsBatchFailure reports whether err is a per-batch failure that leaves the
// batch pending without aborting the run.
func IsBatchFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var svcErr *ServiceError
	var valErr *ValidationError
	return errors.As(err, &svcErr) || errors.As(err, &valErr)
}
