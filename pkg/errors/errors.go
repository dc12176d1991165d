// Package errors defines the typed error taxonomy shared by every layer of the
// statement service.
//
// Every error returned by a core operation is a *ServiceError carrying a
// Category (what kind of failure), a Code (which specific failure), a message,
// an optional suggestion and a context map. Callers branch on categories:
//
//	if errors.IsCategory(err, errors.CategoryNotFound) {
//		// 404
//	}
//
// Scope violations are reported as CategoryNotFound so that the existence of
// records outside the caller's scope is never revealed.
package errors

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrorCategory represents different categories of errors
type ErrorCategory string

const (
	CategoryValidation    ErrorCategory = "validation"
	CategoryConflict      ErrorCategory = "conflict"
	CategoryNotFound      ErrorCategory = "not_found"
	CategoryInvalidState  ErrorCategory = "invalid_state"
	CategoryParse         ErrorCategory = "parse"
	CategoryTimeout       ErrorCategory = "timeout"
	CategoryStorage       ErrorCategory = "storage"
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryInternal      ErrorCategory = "internal"
)

// ErrorCode represents specific error codes within categories
type ErrorCode string

const (
	// Validation errors
	CodeInvalidInput       ErrorCode = "invalid_input"
	CodeInvalidDate        ErrorCode = "invalid_date"
	CodeInvalidAmount      ErrorCode = "invalid_amount"
	CodeZeroMovement       ErrorCode = "zero_movement"
	CodeAmbiguousMovement  ErrorCode = "ambiguous_movement"
	CodeMissingField       ErrorCode = "missing_field"
	CodeOutOfRange         ErrorCode = "out_of_range"
	CodeUnsupportedType    ErrorCode = "unsupported_type"
	CodeNotSimilar         ErrorCode = "not_similar"

	// Conflict errors
	CodeAlreadyExists  ErrorCode = "already_exists"
	CodeAlreadyGrouped ErrorCode = "already_grouped"
	CodeHasDuplicates  ErrorCode = "has_duplicates"
	CodeConcurrentEdit ErrorCode = "concurrent_edit"

	// Not found errors
	CodeNotFound ErrorCode = "not_found"

	// Invalid state errors
	CodeAlreadyProcessing ErrorCode = "already_processing"
	CodeNotProcessing     ErrorCode = "not_processing"

	// Parse errors
	CodeParseFailed     ErrorCode = "parse_failed"
	CodeInvalidFormat   ErrorCode = "invalid_format"
	CodeMissingColumn   ErrorCode = "missing_column"

	// Timeout errors
	CodeProcessingTimeout ErrorCode = "processing_timeout"

	// Storage errors
	CodeStorageFailure ErrorCode = "storage_failure"
	CodeFileStore      ErrorCode = "file_store"

	// Configuration errors
	CodeInvalidConfig ErrorCode = "invalid_config"
	CodeMissingConfig ErrorCode = "missing_config"

	// Internal errors
	CodeUnexpectedError ErrorCode = "unexpected_error"
)

// ServiceError is the base error type for all application errors
type ServiceError struct {
	Category   ErrorCategory     `json:"category"`
	Code       ErrorCode         `json:"code"`
	Message    string            `json:"message"`
	Suggestion string            `json:"suggestion,omitempty"`
	Context    Context           `json:"context,omitempty"`
	Cause      error             `json:"-"`
	StackTrace errors.StackTrace `json:"-"`
}

// Context provides additional information about the error
type Context map[string]interface{}

// Error implements the error interface
func (e *ServiceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause error
func (e *ServiceError) Unwrap() error {
	return e.Cause
}

// GetExitCode returns an appropriate exit code for the error
func (e *ServiceError) GetExitCode() int {
	switch e.Category {
	case CategoryValidation, CategoryParse:
		return 3
	case CategoryConfiguration:
		return 4
	case CategoryConflict, CategoryInvalidState:
		return 5
	case CategoryNotFound:
		return 6
	case CategoryStorage, CategoryTimeout, CategoryInternal:
		return 7
	default:
		return 1
	}
}

// WithContext adds context information to the error
func (e *ServiceError) WithContext(key string, value interface{}) *ServiceError {
	if e.Context == nil {
		e.Context = make(Context)
	}
	e.Context[key] = value
	return e
}

// WithSuggestion adds a suggestion for fixing the error
func (e *ServiceError) WithSuggestion(suggestion string) *ServiceError {
	e.Suggestion = suggestion
	return e
}

// New creates a new ServiceError
func New(category ErrorCategory, code ErrorCode, message string) *ServiceError {
	return &ServiceError{
		Category:   category,
		Code:       code,
		Message:    message,
		StackTrace: errors.New("").(stackTracer).StackTrace(),
	}
}

// Wrap wraps an existing error with ServiceError context
func Wrap(err error, category ErrorCategory, code ErrorCode, message string) *ServiceError {
	if err == nil {
		return nil
	}

	return &ServiceError{
		Category:   category,
		Code:       code,
		Message:    message,
		Cause:      err,
		StackTrace: errors.WithStack(err).(stackTracer).StackTrace(),
	}
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// Specific error constructors

// ValidationError creates a validation-related error
func ValidationError(code ErrorCode, field string, value interface{}, err error) *ServiceError {
	var message string
	var suggestion string

	switch code {
	case CodeInvalidDate:
		message = fmt.Sprintf("invalid date in field '%s': %v", field, value)
		suggestion = "use a calendar date such as 2024-01-05 or 05.01.2024"
	case CodeInvalidAmount:
		message = fmt.Sprintf("invalid amount in field '%s': %v", field, value)
		suggestion = "ensure amounts are decimal numbers (e.g., '1 234,56' or '1234.56')"
	case CodeZeroMovement:
		message = fmt.Sprintf("transaction has no movement in field '%s': %v", field, value)
		suggestion = "exactly one of debit or credit must be greater than zero"
	case CodeAmbiguousMovement:
		message = fmt.Sprintf("transaction has both debit and credit in field '%s': %v", field, value)
		suggestion = "exactly one of debit or credit must be greater than zero"
	case CodeMissingField:
		message = fmt.Sprintf("required field '%s' is missing or empty", field)
		suggestion = "provide a value for this required field"
	case CodeOutOfRange:
		message = fmt.Sprintf("value out of range in field '%s': %v", field, value)
		suggestion = "ensure the value is within the acceptable range"
	case CodeUnsupportedType:
		message = fmt.Sprintf("unsupported value in field '%s': %v", field, value)
		suggestion = "use one of the supported values"
	case CodeNotSimilar:
		message = fmt.Sprintf("records do not qualify as duplicates in field '%s': %v", field, value)
		suggestion = "run duplicate detection and mark only reported groups"
	default:
		message = fmt.Sprintf("validation error in field '%s': %v", field, value)
		suggestion = "check the field value and format"
	}

	var result *ServiceError
	if err != nil {
		result = Wrap(err, CategoryValidation, code, message)
	} else {
		result = New(CategoryValidation, code, message)
	}

	return result.
		WithSuggestion(suggestion).
		WithContext("field", field).
		WithContext("value", value)
}

// ConflictError creates a conflict error for a resource identified by key
func ConflictError(code ErrorCode, resource string, key string) *ServiceError {
	var message string
	var suggestion string

	switch code {
	case CodeAlreadyExists:
		message = fmt.Sprintf("%s already exists: %s", resource, key)
		suggestion = "the same content was already uploaded in this scope"
	case CodeAlreadyGrouped:
		message = fmt.Sprintf("%s is already grouped under a different master: %s", resource, key)
		suggestion = "unmark the existing group before regrouping"
	case CodeHasDuplicates:
		message = fmt.Sprintf("%s is the master of other duplicates: %s", resource, key)
		suggestion = "mark it as a master or regroup its duplicates first"
	case CodeConcurrentEdit:
		message = fmt.Sprintf("%s was modified concurrently: %s", resource, key)
		suggestion = "reload the resource and try again"
	default:
		message = fmt.Sprintf("%s conflict: %s", resource, key)
		suggestion = "reload the resource and try again"
	}

	return New(CategoryConflict, code, message).
		WithSuggestion(suggestion).
		WithContext("resource", resource).
		WithContext("key", key)
}

// NotFoundError creates a not-found error
func NotFoundError(resource string, id string) *ServiceError {
	return New(CategoryNotFound, CodeNotFound, fmt.Sprintf("%s not found: %s", resource, id)).
		WithContext("resource", resource).
		WithContext("id", id)
}

// InvalidStateError creates an error for a transition not allowed from the current status
func InvalidStateError(code ErrorCode, id string, status string) *ServiceError {
	var message string

	switch code {
	case CodeAlreadyProcessing:
		message = fmt.Sprintf("statement %s is already processing", id)
	case CodeNotProcessing:
		message = fmt.Sprintf("statement %s is not processing (status %s)", id, status)
	default:
		message = fmt.Sprintf("statement %s is in invalid state %s", id, status)
	}

	return New(CategoryInvalidState, code, message).
		WithContext("id", id).
		WithContext("status", status)
}

// ParseError creates a parsing-related error
func ParseError(code ErrorCode, ref string, err error) *ServiceError {
	var message string
	var suggestion string

	switch code {
	case CodeInvalidFormat:
		message = fmt.Sprintf("invalid format in %s", ref)
		suggestion = "check the data format and ensure it matches the expected structure"
	case CodeMissingColumn:
		message = fmt.Sprintf("missing required column in %s", ref)
		suggestion = "verify the file has all required columns with correct headers"
	default:
		message = fmt.Sprintf("failed to parse %s", ref)
		suggestion = "check the file format and data integrity"
	}

	var result *ServiceError
	if err != nil {
		result = Wrap(err, CategoryParse, code, message)
	} else {
		result = New(CategoryParse, code, message)
	}

	return result.
		WithSuggestion(suggestion).
		WithContext("file_ref", ref)
}

// TimeoutError creates an error for an operation that exceeded its deadline
func TimeoutError(operation string, id string) *ServiceError {
	return New(CategoryTimeout, CodeProcessingTimeout, fmt.Sprintf("%s timed out for %s", operation, id)).
		WithContext("operation", operation).
		WithContext("id", id)
}

// StorageError creates a storage-related error
func StorageError(code ErrorCode, operation string, err error) *ServiceError {
	message := fmt.Sprintf("storage failure during %s", operation)
	if code == CodeFileStore {
		message = fmt.Sprintf("file store failure during %s", operation)
	}

	var result *ServiceError
	if err != nil {
		result = Wrap(err, CategoryStorage, code, message)
	} else {
		result = New(CategoryStorage, code, message)
	}

	return result.WithContext("operation", operation)
}

// ConfigurationError creates a configuration-related error
func ConfigurationError(code ErrorCode, setting string, value interface{}, err error) *ServiceError {
	var message string
	var suggestion string

	switch code {
	case CodeInvalidConfig:
		message = fmt.Sprintf("invalid configuration for '%s': %v", setting, value)
		suggestion = "check the configuration documentation for valid values"
	case CodeMissingConfig:
		message = fmt.Sprintf("missing required configuration: %s", setting)
		suggestion = "provide this configuration setting or use a config file"
	default:
		message = fmt.Sprintf("configuration error: %s", setting)
		suggestion = "check your configuration and try again"
	}

	var result *ServiceError
	if err != nil {
		result = Wrap(err, CategoryConfiguration, code, message)
	} else {
		result = New(CategoryConfiguration, code, message)
	}

	return result.
		WithSuggestion(suggestion).
		WithContext("setting", setting).
		WithContext("value", value)
}

// InternalError creates an internal error
func InternalError(code ErrorCode, operation string, err error) *ServiceError {
	message := fmt.Sprintf("internal error during %s", operation)
	if code == CodeUnexpectedError {
		message = fmt.Sprintf("unexpected error during %s", operation)
	}

	var result *ServiceError
	if err != nil {
		result = Wrap(err, CategoryInternal, code, message)
	} else {
		result = New(CategoryInternal, code, message)
	}

	return result.
		WithSuggestion("this is likely a bug - please report it with the error details").
		WithContext("operation", operation)
}

// Utility functions

// AsServiceError extracts a ServiceError from an error chain
func AsServiceError(err error) (*ServiceError, bool) {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr, true
	}
	return nil, false
}

// CategoryOf returns the category of the first ServiceError in the chain, or
// CategoryInternal for foreign errors.
func CategoryOf(err error) ErrorCategory {
	if serviceErr, ok := AsServiceError(err); ok {
		return serviceErr.Category
	}
	return CategoryInternal
}

// IsCategory reports whether err carries the given category
func IsCategory(err error, category ErrorCategory) bool {
	if err == nil {
		return false
	}
	return CategoryOf(err) == category
}

// HasCode reports whether err carries the given code
func HasCode(err error, code ErrorCode) bool {
	if serviceErr, ok := AsServiceError(err); ok {
		return serviceErr.Code == code
	}
	return false
}

// CodeOf returns the code of the first ServiceError in the chain
func CodeOf(err error) ErrorCode {
	if serviceErr, ok := AsServiceError(err); ok {
		return serviceErr.Code
	}
	return CodeUnexpectedError
}

// WrapIfNeeded wraps an error if it's not already a ServiceError
func WrapIfNeeded(err error, category ErrorCategory, code ErrorCode, message string) *ServiceError {
	if err == nil {
		return nil
	}

	if serviceErr, ok := AsServiceError(err); ok {
		return serviceErr
	}

	return Wrap(err, category, code, message)
}

// Describe renders an error as "category/code: message" for logs and CLI output
func Describe(err error) string {
	if err == nil {
		return ""
	}
	serviceErr, ok := AsServiceError(err)
	if !ok {
		return err.Error()
	}
	parts := []string{fmt.Sprintf("%s/%s: %s", serviceErr.Category, serviceErr.Code, serviceErr.Error())}
	if serviceErr.Suggestion != "" {
		parts = append(parts, fmt.Sprintf("(suggestion: %s)", serviceErr.Suggestion))
	}
	return strings.Join(parts, " ")
}
