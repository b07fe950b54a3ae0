package domain

import (
	"errors"
	"fmt"
)

// Base error types (sentinel errors).
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnavailable  = errors.New("service unavailable")
)

// Specific errors.
var (
	ErrItemNotFound       = fmt.Errorf("item: %w", ErrNotFound)
	ErrDatasetNotFound    = fmt.Errorf("dataset: %w", ErrNotFound)
	ErrEmptyLayers        = fmt.Errorf("layers: at least one layer is required: %w", ErrInvalidInput)
	ErrInvalidCoordinate  = fmt.Errorf("coordinate: %w", ErrInvalidInput)
	ErrInvalidGeometry    = fmt.Errorf("geometry: %w", ErrInvalidInput)
	ErrStoreClosed        = fmt.Errorf("store closed: %w", ErrUnavailable)
	ErrStorageUnavailable = fmt.Errorf("storage: %w", ErrUnavailable)
)

// ValidationError represents a detailed validation error.
type ValidationError struct {
	Field      string      // Field that failed validation
	Value      interface{} // The invalid value
	Constraint string      // The constraint that was violated
	Message    string      // Human-readable message
	Err        error       // More specific sentinel; ErrInvalidInput if nil
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for %s: %s (value: %v, constraint: %s)",
		e.Field, e.Message, e.Value, e.Constraint)
}

// Unwrap returns the underlying error type. Err must itself wrap
// ErrInvalidInput.
func (e *ValidationError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrInvalidInput
}

// StoreError represents a failed round-trip to the geometry store.
// It matches both ErrUnavailable and the underlying cause.
type StoreError struct {
	Operation string // resolve, query, put, delete
	Err       error  // Underlying error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	return fmt.Sprintf("store error during %s: %v", e.Operation, e.Err)
}

// Unwrap returns the sentinel and the underlying error.
func (e *StoreError) Unwrap() []error {
	return []error{ErrUnavailable, e.Err}
}

// StorageError represents an error during dataset storage operations.
type StorageError struct {
	Operation string // Operation that failed (download, list, etc.)
	Key       string // Object key
	Err       error  // Underlying error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("storage error during %s for %s: %v",
			e.Operation, e.Key, e.Err)
	}
	return fmt.Sprintf("storage error during %s: %v", e.Operation, e.Err)
}

// Unwrap returns ErrStorageUnavailable and the underlying error.
func (e *StorageError) Unwrap() []error {
	return []error{ErrStorageUnavailable, e.Err}
}

// ConfigError represents a configuration error.
type ConfigError struct {
	Field   string // Configuration field
	Message string // Error message
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error for %s: %s", e.Field, e.Message)
}

// Unwrap returns the underlying error type.
func (e *ConfigError) Unwrap() error {
	return ErrInvalidInput
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsInvalidInput reports whether err is caused by a malformed request.
func IsInvalidInput(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}

// IsStoreError reports whether err comes from the geometry store.
func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}
