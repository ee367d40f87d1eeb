package quipodb

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"
)

// Sentinel errors for common conditions
var (
	// Data errors
	ErrNotFound    = errors.New("document not found")
	ErrInvalidData = errors.New("invalid document data")

	// Collection errors
	ErrCollectionNotFound = errors.New("collection not found")
	ErrMissingPrimaryKey  = errors.New("collection requires a primary key")

	// Provider errors
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrUnauthorized       = errors.New("unauthorized access")
	ErrTimeout            = errors.New("operation timed out")
	ErrClosed             = errors.New("store is closed")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
)

// ErrorWithContext adds additional context to errors for better debugging and logging
type ErrorWithContext struct {
	Err     error
	Context map[string]interface{}
}

func (e *ErrorWithContext) Error() string {
	if len(e.Context) == 0 {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v (context: %+v)", e.Err, e.Context)
}

func (e *ErrorWithContext) Unwrap() error {
	return e.Err
}

// WithContext adds context to an error
func WithContext(err error, context map[string]interface{}) error {
	if err == nil {
		return nil
	}
	return &ErrorWithContext{
		Err:     err,
		Context: context,
	}
}

// ProviderError records a failure of one provider during a fan-out.
type ProviderError struct {
	Provider   string
	Op         string
	Collection string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.Collection == "" {
		return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Op, e.Err)
	}
	return fmt.Sprintf("provider %s: %s %s: %v", e.Provider, e.Op, e.Collection, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// ProviderErrors flattens an aggregated fan-out error into its provider failures.
func ProviderErrors(err error) []*ProviderError {
	var out []*ProviderError
	for _, e := range multierr.Errors(err) {
		var pe *ProviderError
		if errors.As(e, &pe) {
			out = append(out, pe)
		}
	}
	return out
}

// Common error checking helpers

// IsNotFound checks if an error is a "not found" error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsRetryable checks if an error is safe to retry
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrBackendUnavailable)
}

// IsPermanent checks if an error is permanent (not retryable)
func IsPermanent(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrInvalidData) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingPrimaryKey) ||
		errors.Is(err, ErrClosed)
}
