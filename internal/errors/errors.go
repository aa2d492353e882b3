// Package errors provides structured error types for the synchronization
// pipeline. All errors include a category, code, message, and recoverable
// flag so batch triage can tell stream-fatal failures from warnings.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by pipeline stage.
type ErrorCategory string

const (
	ErrCategoryDecode   ErrorCategory = "DECODE"
	ErrCategoryAlign    ErrorCategory = "ALIGN"
	ErrCategoryRecord   ErrorCategory = "RECORD"
	ErrCategoryStorage  ErrorCategory = "STORAGE"
	ErrCategoryCatalog  ErrorCategory = "CATALOG"
	ErrCategoryConfig   ErrorCategory = "CONFIG"
	ErrCategoryInternal ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Decode codes
	CodeNoPulsesDetected  = "NO_PULSES_DETECTED"
	CodeNoFlashesDetected = "NO_FLASHES_DETECTED"
	CodeCameraSyncMissing = "CAMERA_SYNC_MISSING"
	CodeBadChannelLayout  = "BAD_CHANNEL_LAYOUT"
	CodeMetaParseFailed   = "META_PARSE_FAILED"

	// Align codes
	CodeWindowOutOfBounds = "WINDOW_OUT_OF_BOUNDS"
	CodeTooFewEvents      = "TOO_FEW_EVENTS"

	// Record codes
	CodeCorruptRecord  = "CORRUPT_CHANGEPOINT_RECORD"
	CodeRecordNotFound = "RECORD_NOT_FOUND"
	CodeRecordConflict = "RECORD_CONFLICT"

	// Storage codes
	CodeUploadFailed   = "UPLOAD_FAILED"
	CodeDownloadFailed = "DOWNLOAD_FAILED"
	CodeObjectNotFound = "OBJECT_NOT_FOUND"

	// Catalog codes
	CodeCatalogWriteFailed = "CATALOG_WRITE_FAILED"

	// Config codes
	CodeInvalidConfig = "INVALID_CONFIG"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// SyncError is the structured error type used throughout the pipeline.
type SyncError struct {
	Category ErrorCategory
	Code     string
	Message  string

	// Session and Device identify the work unit, for batch triage logs.
	Session string
	Device  string

	Cause error

	// Recoverable marks errors that exclude one stream without failing
	// the session (e.g. a camera with no usable sync signal).
	Recoverable bool
}

// Error returns a formatted error string.
func (e *SyncError) Error() string {
	prefix := fmt.Sprintf("[%s:%s]", e.Category, e.Code)
	if e.Session != "" || e.Device != "" {
		prefix = fmt.Sprintf("%s (%s/%s)", prefix, e.Session, e.Device)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s %s: %v", prefix, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s %s", prefix, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *SyncError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *SyncError) Is(target error) bool {
	var t *SyncError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new SyncError.
func New(category ErrorCategory, code, message string) *SyncError {
	return &SyncError{
		Category:    category,
		Code:        code,
		Message:     message,
		Recoverable: isRecoverable(category, code),
	}
}

// Wrap creates a new SyncError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *SyncError {
	return &SyncError{
		Category:    category,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: isRecoverable(category, code),
	}
}

// ForUnit returns a copy of the error tagged with session and device
// identifiers.
func (e *SyncError) ForUnit(session, device string) *SyncError {
	cp := *e
	cp.Session = session
	cp.Device = device
	return &cp
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a SyncError.
func GetCategory(err error) ErrorCategory {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a SyncError.
func GetCode(err error) string {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsRecoverable reports whether the error excludes a single stream
// rather than failing the whole session.
func IsRecoverable(err error) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Recoverable
	}
	return false
}

// isRecoverable classifies codes that exclude one stream without
// aborting sibling processing.
func isRecoverable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryDecode && code == CodeCameraSyncMissing:
		return true
	case category == ErrCategoryDecode && code == CodeNoFlashesDetected:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewDecodeError(code, message string, cause error) *SyncError {
	return Wrap(ErrCategoryDecode, code, message, cause)
}

func NewAlignError(code, message string) *SyncError {
	return New(ErrCategoryAlign, code, message)
}

func NewRecordError(code, message string, cause error) *SyncError {
	return Wrap(ErrCategoryRecord, code, message, cause)
}

func NewStorageError(code, message string, cause error) *SyncError {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewCatalogError(code, message string, cause error) *SyncError {
	return Wrap(ErrCategoryCatalog, code, message, cause)
}

func NewInternalError(message string, cause error) *SyncError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
