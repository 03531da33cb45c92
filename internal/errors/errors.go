// Package errors provides structured error types for demolyzer.
// All errors include a category, code, message, and retryable flag for
// consistent error handling across the pipeline and its collaborators.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by pipeline stage or collaborator.
type ErrorCategory string

const (
	ErrCategoryValidation ErrorCategory = "VALIDATION"
	ErrCategoryIdentity   ErrorCategory = "IDENTITY"
	ErrCategoryWindow     ErrorCategory = "WINDOW"
	ErrCategoryCache      ErrorCategory = "CACHE"
	ErrCategoryStorage    ErrorCategory = "STORAGE"
	ErrCategoryDecode     ErrorCategory = "DECODE"
	ErrCategoryInternal   ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Validation codes
	CodeMalformedInput  = "MALFORMED_INPUT"
	CodeColumnCollision = "COLUMN_COLLISION"
	CodeInvalidOptions  = "INVALID_OPTIONS"
	CodeMissingColumn   = "MISSING_COLUMN"

	// Identity codes
	CodeIdentityConflict     = "IDENTITY_CONFLICT"
	CodeUnresolvableIdentity = "UNRESOLVABLE_IDENTITY"

	// Window codes
	CodeEmptyWindow = "EMPTY_WINDOW"

	// Cache codes
	CodeCacheReadFailed  = "CACHE_READ_FAILED"
	CodeCacheWriteFailed = "CACHE_WRITE_FAILED"
	CodeCacheCorrupt     = "CACHE_CORRUPT"

	// Storage codes
	CodeUploadFailed   = "UPLOAD_FAILED"
	CodeDownloadFailed = "DOWNLOAD_FAILED"
	CodeObjectNotFound = "OBJECT_NOT_FOUND"

	// Decode codes
	CodeDecodeFailed = "DECODE_FAILED"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// PipelineError is the structured error type used throughout the system.
type PipelineError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *PipelineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *PipelineError) Is(target error) bool {
	var t *PipelineError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new PipelineError.
func New(category ErrorCategory, code, message string) *PipelineError {
	return &PipelineError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new PipelineError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *PipelineError {
	return &PipelineError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *PipelineError) WithDetails(details map[string]interface{}) *PipelineError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a PipelineError.
func GetCategory(err error) ErrorCategory {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a PipelineError.
func GetCode(err error) string {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// isRetryable reports which failures are worth retrying. The pipeline does
// no I/O of its own, so only the storage collaborator qualifies.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryStorage && code == CodeUploadFailed:
		return true
	case category == ErrCategoryStorage && code == CodeDownloadFailed:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewMalformedInput(message string) *PipelineError {
	return New(ErrCategoryValidation, CodeMalformedInput, message)
}

func NewValidationError(code, message string) *PipelineError {
	return New(ErrCategoryValidation, code, message)
}

func NewIdentityError(code, message string) *PipelineError {
	return New(ErrCategoryIdentity, code, message)
}

func NewCacheError(code, message string, cause error) *PipelineError {
	return Wrap(ErrCategoryCache, code, message, cause)
}

func NewStorageError(code, message string, cause error) *PipelineError {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewDecodeError(message string, cause error) *PipelineError {
	return Wrap(ErrCategoryDecode, CodeDecodeFailed, message, cause)
}

func NewInternalError(message string, cause error) *PipelineError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}

// Sentinels for errors.Is checks against a category and code.
var (
	ErrMalformedInput   = New(ErrCategoryValidation, CodeMalformedInput, "malformed input")
	ErrInvalidOptions   = New(ErrCategoryValidation, CodeInvalidOptions, "invalid options")
	ErrMissingColumn    = New(ErrCategoryValidation, CodeMissingColumn, "missing column")
	ErrIdentityConflict = New(ErrCategoryIdentity, CodeIdentityConflict, "identity conflict")
)
