package core

import (
	"context"
	"errors"
	"fmt"
)

// Error taxonomy. Each class has a distinct recovery policy:
//
//   - ValidationError: bad input, never retried, surfaced immediately.
//   - EmbeddingFailure: embedding provider failed; recovered locally by
//     falling back to keyword search, at most once.
//   - ProviderUnavailable: reasoning provider failed or timed out;
//     recovered by falling back one strategy level.
//   - StorageError: fatal, propagated unchanged. No silent degradation
//     when data integrity is at stake.

// ValidationError reports bad caller input: empty content, unknown type,
// or a revision attempted outside the reconsolidation window.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// EmbeddingFailure wraps an embedding provider error.
type EmbeddingFailure struct {
	Err error
}

func (e *EmbeddingFailure) Error() string { return "embedding provider: " + e.Err.Error() }
func (e *EmbeddingFailure) Unwrap() error { return e.Err }

// ProviderUnavailable wraps a reasoning provider error or deadline expiry.
type ProviderUnavailable struct {
	Provider string
	Err      error
}

func (e *ProviderUnavailable) Error() string {
	return fmt.Sprintf("provider %s unavailable: %v", e.Provider, e.Err)
}
func (e *ProviderUnavailable) Unwrap() error { return e.Err }

// StorageError wraps a persistence failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage: %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsStorage reports whether err is a StorageError.
func IsStorage(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// IsProviderFailure reports whether err should trigger the one-level
// strategy fallback: provider errors, embedding failures, and deadline
// expiry all count. Timeouts are treated identically to provider errors.
func IsProviderFailure(err error) bool {
	if err == nil {
		return false
	}
	var pu *ProviderUnavailable
	var ef *EmbeddingFailure
	if errors.As(err, &pu) || errors.As(err, &ef) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
