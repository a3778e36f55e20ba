package errors

import (
	"fmt"
)

// Common error creators for frequent use cases

// NewConfigError creates a configuration error
func NewConfigError(key, message string) *AppError {
	return New(ErrCodeInvalidConfig, message).
		WithContext("config_key", key)
}

// NewDatabaseError creates a database error with operation context
func NewDatabaseError(operation string, err error) *AppError {
	return Wrap(err, ErrCodeDatabaseQuery, fmt.Sprintf("database %s failed", operation)).
		WithContext("operation", operation)
}

// NewSendError creates a provider send error. A zero status code means the
// request never produced an HTTP response (transport failure). Throttling,
// server-side, and transport failures are retryable; everything else counts
// against the retry budget as a provider rejection.
func NewSendError(statusCode int, providerCode string, err error) *AppError {
	code := ErrCodeSendRejected
	retryable := false
	switch {
	case statusCode == 429:
		code = ErrCodeRateLimited
		retryable = true
	case statusCode == 0 || statusCode >= 500 || statusCode == 408:
		code = ErrCodeSendTransient
		retryable = true
	}

	appErr := Wrap(err, code, "provider send failed").
		WithContext("status_code", statusCode)
	if providerCode != "" {
		appErr = appErr.WithContext("provider_code", providerCode)
	}
	appErr.Retryable = retryable
	return appErr
}

// NewCounterStoreError creates an error for CounterStore failures. These are
// never retryable inline: the dispatcher fails closed instead.
func NewCounterStoreError(operation string, err error) *AppError {
	return Wrap(err, ErrCodeCounterStore, fmt.Sprintf("counter store %s failed", operation)).
		WithContext("operation", operation)
}

// NewTimeoutError creates a timeout error with context
func NewTimeoutError(operation string, duration string) *AppError {
	return New(ErrCodeTimeout, fmt.Sprintf("%s timed out after %s", operation, duration)).
		WithContext("operation", operation).
		WithContext("timeout", duration)
}
