package tkey

import (
	"fmt"
)

// ErrorCategory represents the category of a tkey error
type ErrorCategory string

const (
	ErrorCategoryValidation    ErrorCategory = "validation"
	ErrorCategoryConfiguration ErrorCategory = "configuration"
	ErrorCategoryMetadata      ErrorCategory = "metadata"
	ErrorCategoryShare         ErrorCategory = "share"
	ErrorCategorySync          ErrorCategory = "sync"
	ErrorCategoryCryptographic ErrorCategory = "cryptographic"
	ErrorCategoryTSS           ErrorCategory = "tss"
	ErrorCategoryModule        ErrorCategory = "module"
	ErrorCategoryInternal      ErrorCategory = "internal"
)

// ErrorSeverity represents the severity level of an error
type ErrorSeverity string

const (
	ErrorSeverityLow      ErrorSeverity = "low"      // Non-critical, operation can continue
	ErrorSeverityMedium   ErrorSeverity = "medium"   // Important, may affect functionality
	ErrorSeverityHigh     ErrorSeverity = "high"     // Critical, operation should stop
	ErrorSeverityCritical ErrorSeverity = "critical" // System-level failure
)

// TKeyError represents a structured error raised by the key core.
// Code carries the numeric code of the error kind; two errors with the same
// code match under errors.Is regardless of cause or context.
type TKeyError struct {
	Category    ErrorCategory          `json:"category"`
	Severity    ErrorSeverity          `json:"severity"`
	Code        int                    `json:"code"`
	Message     string                 `json:"message"`
	Details     string                 `json:"details,omitempty"`
	Cause       error                  `json:"-"`
	Context     map[string]interface{} `json:"context,omitempty"`
	Recoverable bool                   `json:"recoverable"`
}

// Error implements the error interface
func (e *TKeyError) Error() string {
	msg := fmt.Sprintf("[%s:%d] %s", e.Category, e.Code, e.Message)
	if e.Details != "" {
		msg += ": " + e.Details
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying error
func (e *TKeyError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a TKeyError with the same code.
func (e *TKeyError) Is(target error) bool {
	t, ok := target.(*TKeyError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func (e *TKeyError) clone() *TKeyError {
	newError := &TKeyError{
		Category:    e.Category,
		Severity:    e.Severity,
		Code:        e.Code,
		Message:     e.Message,
		Details:     e.Details,
		Recoverable: e.Recoverable,
		Cause:       e.Cause,
		Context:     make(map[string]interface{}, len(e.Context)),
	}
	for k, v := range e.Context {
		newError.Context[k] = v
	}
	return newError
}

// WithContext returns a copy of the error with an extra context entry
func (e *TKeyError) WithContext(key string, value interface{}) *TKeyError {
	newError := e.clone()
	newError.Context[key] = value
	return newError
}

// WithCause returns a copy of the error wrapping cause
func (e *TKeyError) WithCause(cause error) *TKeyError {
	newError := e.clone()
	newError.Cause = cause
	return newError
}

// WithDetails returns a copy of the error with a formatted detail message
func (e *TKeyError) WithDetails(format string, args ...interface{}) *TKeyError {
	newError := e.clone()
	newError.Details = fmt.Sprintf(format, args...)
	return newError
}

// IsRecoverable returns whether the error is recoverable
func (e *TKeyError) IsRecoverable() bool {
	return e.Recoverable
}

// NewTKeyError creates a new tkey error
func NewTKeyError(category ErrorCategory, severity ErrorSeverity, code int, message string) *TKeyError {
	return &TKeyError{
		Category:    category,
		Severity:    severity,
		Code:        code,
		Message:     message,
		Context:     make(map[string]interface{}),
		Recoverable: severity != ErrorSeverityCritical,
	}
}

// Markers written to the storage layer in place of a document.
const (
	KeyNotFound  = "KEY_NOT_FOUND"
	ShareDeleted = "SHARE_DELETED"
)

// Metadata errors
var (
	ErrMetadataUnavailable = NewTKeyError(
		ErrorCategoryMetadata, ErrorSeverityHigh, 1101,
		"metadata not found, SDK likely not initialized")

	ErrMetadataFetchFailed = NewTKeyError(
		ErrorCategoryMetadata, ErrorSeverityMedium, 1102,
		"failed to fetch metadata")

	ErrMetadataCommitFailed = NewTKeyError(
		ErrorCategoryMetadata, ErrorSeverityMedium, 1103,
		"failed to commit metadata")
)

// Share errors
var (
	ErrPrivateKeyUnavailable = NewTKeyError(
		ErrorCategoryShare, ErrorSeverityHigh, 1301,
		"private key unavailable, reconstruct the key first")

	ErrInsufficientShares = NewTKeyError(
		ErrorCategoryShare, ErrorSeverityHigh, 1302,
		"unable to reconstruct, not enough shares")

	ErrShareNotFound = NewTKeyError(
		ErrorCategoryShare, ErrorSeverityMedium, 1303,
		"share not found in current metadata lineage")

	ErrDuplicateShareIndex = NewTKeyError(
		ErrorCategoryShare, ErrorSeverityHigh, 1304,
		"duplicate share index, shares are inconsistent")

	ErrShareAlreadyDeleted = NewTKeyError(
		ErrorCategoryShare, ErrorSeverityMedium, 1308,
		"share has been deleted")
)

// Sync errors
var (
	ErrLockContention = NewTKeyError(
		ErrorCategorySync, ErrorSeverityMedium, 1401,
		"unable to acquire lock, another writer holds this nonce")
)

// Validation and cryptographic errors
var (
	ErrInvalidFormat = NewTKeyError(
		ErrorCategoryValidation, ErrorSeverityMedium, 1501,
		"invalid input format")

	ErrInvalidThreshold = NewTKeyError(
		ErrorCategoryValidation, ErrorSeverityHigh, 1502,
		"threshold value is invalid")

	ErrRandomGeneration = NewTKeyError(
		ErrorCategoryCryptographic, ErrorSeverityCritical, 1503,
		"failed to generate secure randomness")

	ErrDecryptionFailed = NewTKeyError(
		ErrorCategoryCryptographic, ErrorSeverityHigh, 1504,
		"failed to decrypt message")

	ErrInvalidConfiguration = NewTKeyError(
		ErrorCategoryConfiguration, ErrorSeverityHigh, 1505,
		"configuration parameters are invalid")
)

// TSS errors
var (
	ErrTSSUnavailable = NewTKeyError(
		ErrorCategoryTSS, ErrorSeverityHigh, 1601,
		"tss data not available for tag")

	ErrFactorNotFound = NewTKeyError(
		ErrorCategoryTSS, ErrorSeverityMedium, 1602,
		"no encrypted tss share for factor key")

	ErrTSSShareInvalid = NewTKeyError(
		ErrorCategoryTSS, ErrorSeverityHigh, 1603,
		"tss share does not match commitments")

	ErrTSSAuthFailed = NewTKeyError(
		ErrorCategoryTSS, ErrorSeverityHigh, 1604,
		"tss servers rejected authentication signatures")
)

// Module errors
var (
	ErrModuleNotFound = NewTKeyError(
		ErrorCategoryModule, ErrorSeverityMedium, 1701,
		"module not registered")

	ErrModuleAlreadyRegistered = NewTKeyError(
		ErrorCategoryModule, ErrorSeverityMedium, 1702,
		"module already registered")
)

// Internal errors
var (
	ErrNotInitialized = NewTKeyError(
		ErrorCategoryInternal, ErrorSeverityHigh, 1901,
		"threshold key not initialized")
)

// WrapError wraps an existing error with tkey error context
func WrapError(err error, category ErrorCategory, severity ErrorSeverity, code int, message string) *TKeyError {
	return NewTKeyError(category, severity, code, message).WithCause(err)
}

// IsErrorCategory checks if an error belongs to a specific category
func IsErrorCategory(err error, category ErrorCategory) bool {
	if tkErr, ok := asTKeyError(err); ok {
		return tkErr.Category == category
	}
	return false
}

// IsRecoverableError checks if an error is recoverable
func IsRecoverableError(err error) bool {
	if tkErr, ok := asTKeyError(err); ok {
		return tkErr.IsRecoverable()
	}
	return true
}

// ErrorCode extracts the numeric code, or 0 for foreign errors.
func ErrorCode(err error) int {
	if tkErr, ok := asTKeyError(err); ok {
		return tkErr.Code
	}
	return 0
}

func asTKeyError(err error) (*TKeyError, bool) {
	for err != nil {
		if tkErr, ok := err.(*TKeyError); ok {
			return tkErr, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}
