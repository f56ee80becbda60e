// Package errors provides custom error types for the migrator system.
// These errors carry enough context (source table, cursor, entity type) for the
// pipeline to decide whether a failure is retried, skipped, or fatal.
package errors

import (
	"errors"
	"fmt"
)

// New returns an error that formats as the given text.
// It's an alias for the standard library errors.New for convenience.
var New = errors.New

// Is reports whether any error in err's tree matches target.
var Is = errors.Is

// As finds the first error in err's tree that matches target.
var As = errors.As

// Join returns an error that wraps the given errors, discarding nils.
var Join = errors.Join

// Common sentinel errors for the migrator system
var (
	// ErrNotFound indicates that a requested resource was not found
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates that a resource already exists
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidInput indicates that provided input was invalid
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotRegistered indicates that no write adapter is registered for an entity type
	ErrNotRegistered = errors.New("no adapter registered")

	// ErrSource indicates a failure talking to a legacy source
	ErrSource = errors.New("source failure")

	// ErrMapping indicates a legacy row could not be mapped to a canonical entity
	ErrMapping = errors.New("mapping failure")

	// ErrWrite indicates the canonical store rejected a batch
	ErrWrite = errors.New("write failure")

	// ErrTimeout indicates that an operation timed out
	ErrTimeout = errors.New("operation timed out")

	// ErrCanceled indicates that an operation was canceled
	ErrCanceled = errors.New("operation canceled")

	// ErrTenancy indicates a write outside the transaction's tenant
	ErrTenancy = errors.New("tenancy violation")
)

// NotFoundError represents an error when a resource is not found
type NotFoundError struct {
	Resource string
	ID       string
}

// Error implements the error interface
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s with ID %s not found", e.Resource, e.ID)
}

// Is implements errors.Is support
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// NewNotFoundError creates a new NotFoundError
func NewNotFoundError(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

// ValidationError represents a validation failure
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed for field %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// Is implements errors.Is support
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}

// NewValidationError creates a new ValidationError
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{Field: field, Value: value, Message: message}
}

// ConfigError represents a configuration error
type ConfigError struct {
	Component string
	Message   string
	Err       error
}

// Error implements the error interface
func (e *ConfigError) Error() string {
	if e.Component != "" {
		return fmt.Sprintf("configuration error in %s: %s", e.Component, e.Message)
	}
	return fmt.Sprintf("configuration error: %s", e.Message)
}

// Unwrap implements errors.Unwrap
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is support
func (e *ConfigError) Is(target error) bool {
	return target == ErrInvalidInput
}

// NewConfigError creates a new ConfigError
func NewConfigError(component, message string, err error) *ConfigError {
	return &ConfigError{
		Component: component,
		Message:   message,
		Err:       err,
	}
}

// AdapterError represents a connection, parse or timeout failure while extracting
// from a legacy source. It carries the cursor the extraction started from so the
// caller can retry without losing progress.
type AdapterError struct {
	SourceTable string
	Cursor      string
	Err         error
}

// Error implements the error interface
func (e *AdapterError) Error() string {
	if e.Cursor != "" {
		return fmt.Sprintf("source %s at cursor %s: %v", e.SourceTable, e.Cursor, e.Err)
	}
	return fmt.Sprintf("source %s: %v", e.SourceTable, e.Err)
}

// Unwrap implements errors.Unwrap
func (e *AdapterError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is support
func (e *AdapterError) Is(target error) bool {
	return target == ErrSource
}

// NewAdapterError creates a new AdapterError
func NewAdapterError(sourceTable, cursor string, err error) *AdapterError {
	return &AdapterError{SourceTable: sourceTable, Cursor: cursor, Err: err}
}

// MappingError represents a legacy row that cannot be mapped to the writable
// fields of its entity type. Mapping errors are counted and skipped.
type MappingError struct {
	EntityType string
	LegacyID   string
	Field      string
	Message    string
}

// Error implements the error interface
func (e *MappingError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("cannot map legacy row %q to %s: field %s: %s", e.LegacyID, e.EntityType, e.Field, e.Message)
	}
	return fmt.Sprintf("cannot map legacy row %q to %s: %s", e.LegacyID, e.EntityType, e.Message)
}

// Is implements errors.Is support
func (e *MappingError) Is(target error) bool {
	return target == ErrMapping
}

// NewMappingError creates a new MappingError
func NewMappingError(entityType, legacyID, field, message string) *MappingError {
	return &MappingError{EntityType: entityType, LegacyID: legacyID, Field: field, Message: message}
}

// WriteError represents the canonical store rejecting a batch. The whole batch
// is rolled back.
type WriteError struct {
	OrgID    string
	Batch    int64
	Entities int
	Err      error
}

// Error implements the error interface
func (e *WriteError) Error() string {
	return fmt.Sprintf("write of batch %d (%d entities, org %s) failed: %v", e.Batch, e.Entities, e.OrgID, e.Err)
}

// Unwrap implements errors.Unwrap
func (e *WriteError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is support
func (e *WriteError) Is(target error) bool {
	return target == ErrWrite
}

// NewWriteError creates a new WriteError
func NewWriteError(orgID string, batch int64, entities int, err error) *WriteError {
	return &WriteError{OrgID: orgID, Batch: batch, Entities: entities, Err: err}
}

// NotRegisteredError is raised when a record routes to an entity type that has
// no write adapter. It is a configuration gap and is never retried.
type NotRegisteredError struct {
	EntityType string
}

// Error implements the error interface
func (e *NotRegisteredError) Error() string {
	return fmt.Sprintf("no adapter registered for entity type %q", e.EntityType)
}

// Is implements errors.Is support
func (e *NotRegisteredError) Is(target error) bool {
	return target == ErrNotRegistered
}

// NewNotRegisteredError creates a new NotRegisteredError
func NewNotRegisteredError(entityType string) *NotRegisteredError {
	return &NotRegisteredError{EntityType: entityType}
}

// ParseError represents an error when parsing data formats
type ParseError struct {
	Format  string // "csv", "yaml", "json"
	File    string
	Line    int
	Column  int
	Message string
	Err     error
}

// Error implements the error interface
func (e *ParseError) Error() string {
	if e.File != "" && e.Line > 0 {
		return fmt.Sprintf("parse error in %s at %s:%d:%d: %s", e.Format, e.File, e.Line, e.Column, e.Message)
	}
	if e.File != "" {
		return fmt.Sprintf("parse error in %s file %s: %s", e.Format, e.File, e.Message)
	}
	return fmt.Sprintf("%s parse error: %s", e.Format, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *ParseError) Unwrap() error {
	return e.Err
}

// NewParseError creates a new ParseError
func NewParseError(format, file string, message string, err error) *ParseError {
	return &ParseError{
		Format:  format,
		File:    file,
		Message: message,
		Err:     err,
	}
}

// IOError represents an error during I/O operations
type IOError struct {
	Operation string // "read", "write", "create", "delete", "open", "close"
	Path      string
	Message   string
	Err       error
}

// Error implements the error interface
func (e *IOError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("IO error during %s of %s: %s", e.Operation, e.Path, e.Message)
	}
	return fmt.Sprintf("IO error during %s: %s", e.Operation, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *IOError) Unwrap() error {
	return e.Err
}

// NewIOError creates a new IOError
func NewIOError(operation, path string, err error) *IOError {
	message := ""
	if err != nil {
		message = err.Error()
	}
	return &IOError{
		Operation: operation,
		Path:      path,
		Message:   message,
		Err:       err,
	}
}

// TimeoutError represents an operation timeout
type TimeoutError struct {
	Operation string
	Duration  string
	Message   string
}

// Error implements the error interface
func (e *TimeoutError) Error() string {
	if e.Duration != "" {
		return fmt.Sprintf("operation %s timed out after %s: %s", e.Operation, e.Duration, e.Message)
	}
	return fmt.Sprintf("operation %s timed out: %s", e.Operation, e.Message)
}

// Is implements errors.Is support
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// NewTimeoutError creates a new TimeoutError
func NewTimeoutError(operation, duration, message string) *TimeoutError {
	return &TimeoutError{
		Operation: operation,
		Duration:  duration,
		Message:   message,
	}
}

// Helper functions for error checking

// IsNotFound checks if an error is a not found error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}

// IsNotRegistered checks if an error is a missing write adapter registration
func IsNotRegistered(err error) bool {
	return errors.Is(err, ErrNotRegistered)
}

// IsAdapterError checks if an error came from a legacy source adapter
func IsAdapterError(err error) bool {
	return errors.Is(err, ErrSource)
}

// IsMappingError checks if an error is a mapping error
func IsMappingError(err error) bool {
	return errors.Is(err, ErrMapping)
}

// IsWriteError checks if an error is a canonical store write error
func IsWriteError(err error) bool {
	return errors.Is(err, ErrWrite)
}

// IsTimeout checks if an error is a timeout error
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsCanceled checks if an error is a cancellation error
func IsCanceled(err error) bool {
	return errors.Is(err, ErrCanceled)
}

// IsRetryable reports whether the pipeline should retry the failed step.
// Source and write failures are retried; configuration, validation,
// tenancy and registration gaps are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsNotRegistered(err) || IsValidationError(err) || IsCanceled(err) || errors.Is(err, ErrTenancy) {
		return false
	}
	return IsAdapterError(err) || IsWriteError(err) || IsTimeout(err)
}

// Helper wrapping functions for common patterns

// WrapValidation wraps an error as a ValidationError
func WrapValidation(field string, err error) error {
	if err == nil {
		return nil
	}
	return &ValidationError{Field: field, Message: err.Error()}
}

// WrapIO wraps an error as an IOError
func WrapIO(operation, path string, err error) error {
	if err == nil {
		return nil
	}
	return NewIOError(operation, path, err)
}

// WrapParse wraps an error as a ParseError
func WrapParse(format, file string, err error) error {
	if err == nil {
		return nil
	}
	return NewParseError(format, file, err.Error(), err)
}

// WrapAdapter wraps an error as an AdapterError unless it already is one
func WrapAdapter(sourceTable, cursor string, err error) error {
	if err == nil {
		return nil
	}
	var ae *AdapterError
	if errors.As(err, &ae) {
		return err
	}
	return NewAdapterError(sourceTable, cursor, err)
}
