// Package errors provides the structured error taxonomy used across the tiered store.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for storage operations.
type ErrorCode string

// Error code constants organized by category.
const (
	// Configuration Errors
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeMissingConfig    ErrorCode = "MISSING_CONFIG"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"
	ErrCodeConfigLoad       ErrorCode = "CONFIG_LOAD"
	ErrCodeConfigSave       ErrorCode = "CONFIG_SAVE"

	// Connection Errors
	ErrCodeConnectionFailed  ErrorCode = "CONNECTION_FAILED"
	ErrCodeConnectionTimeout ErrorCode = "CONNECTION_TIMEOUT"
	ErrCodeNetworkError      ErrorCode = "NETWORK_ERROR"

	// Storage Backend Errors
	ErrCodeItemNotFound   ErrorCode = "ITEM_NOT_FOUND"
	ErrCodeBucketNotFound ErrorCode = "BUCKET_NOT_FOUND"
	ErrCodeStorageRead    ErrorCode = "STORAGE_READ"
	ErrCodeStorageWrite   ErrorCode = "STORAGE_WRITE"
	ErrCodeStorageDelete  ErrorCode = "STORAGE_DELETE"
	ErrCodeTierUnknown    ErrorCode = "TIER_UNKNOWN"
	ErrCodeAccessDenied   ErrorCode = "ACCESS_DENIED"

	// Integrity Errors
	ErrCodeIntegrityCheck ErrorCode = "INTEGRITY_CHECK_FAILED"
	ErrCodeCodecFailed    ErrorCode = "CODEC_FAILED"

	// Sync Errors
	ErrCodeSyncFailed   ErrorCode = "SYNC_FAILED"
	ErrCodeSyncConflict ErrorCode = "SYNC_CONFLICT"
	ErrCodeSyncDisabled ErrorCode = "SYNC_DISABLED"

	// Resource Management Errors
	ErrCodeMemoryPressure    ErrorCode = "MEMORY_PRESSURE"
	ErrCodeCacheFull         ErrorCode = "CACHE_FULL"
	ErrCodeResourceExhausted ErrorCode = "RESOURCE_EXHAUSTED"

	// State Management Errors
	ErrCodeAlreadyStarted     ErrorCode = "ALREADY_STARTED"
	ErrCodeNotInitialized     ErrorCode = "NOT_INITIALIZED"
	ErrCodeComponentStopped   ErrorCode = "COMPONENT_STOPPED"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"

	// Operation Errors
	ErrCodeOperationTimeout  ErrorCode = "OPERATION_TIMEOUT"
	ErrCodeOperationCanceled ErrorCode = "OPERATION_CANCELED"
	ErrCodeOperationFailed   ErrorCode = "OPERATION_FAILED"
	ErrCodeRetryExhausted    ErrorCode = "RETRY_EXHAUSTED"
	ErrCodeValidationFailed  ErrorCode = "VALIDATION_FAILED"

	// Internal System Errors
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
	ErrCodeUnknownError  ErrorCode = "UNKNOWN_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryConnection    ErrorCategory = "connection"
	CategoryStorage       ErrorCategory = "storage"
	CategoryIntegrity     ErrorCategory = "integrity"
	CategorySync          ErrorCategory = "sync"
	CategoryResource      ErrorCategory = "resource"
	CategoryState         ErrorCategory = "state"
	CategoryOperation     ErrorCategory = "operation"
	CategoryInternal      ErrorCategory = "internal"
)

// StoreError represents a structured error with context and metadata.
type StoreError struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"`
	Timestamp time.Time         `json:"timestamp"`

	Component string `json:"component"`
	Operation string `json:"operation,omitempty"`
	Key       string `json:"key,omitempty"`

	Retryable  bool `json:"retryable"`
	HTTPStatus int  `json:"http_status,omitempty"`
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Component != "" {
		if e.Operation != "" {
			msg = fmt.Sprintf("[%s:%s] %s", e.Component, e.Operation, msg)
		} else {
			msg = fmt.Sprintf("[%s] %s", e.Component, msg)
		}
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *StoreError) Unwrap() error {
	return e.Cause
}

// Is matches on error code so callers can compare against sentinel values.
func (e *StoreError) Is(target error) bool {
	if other, ok := target.(*StoreError); ok {
		return e.Code == other.Code
	}
	return false
}

// String returns a detailed string representation for logging.
func (e *StoreError) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Code=%s", e.Code))
	parts = append(parts, fmt.Sprintf("Category=%s", e.Category))
	parts = append(parts, fmt.Sprintf("Message=%q", e.Message))

	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.Key != "" {
		parts = append(parts, fmt.Sprintf("Key=%s", e.Key))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if len(e.Details) > 0 {
		details, _ := json.Marshal(e.Details)
		parts = append(parts, fmt.Sprintf("Details=%s", details))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}

	return fmt.Sprintf("StoreError{%s}", strings.Join(parts, ", "))
}

// JSON returns the error as a JSON string.
func (e *StoreError) JSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal error: %s"}`, err.Error())
	}
	return string(data)
}

// NewError creates a new store error with default values.
func NewError(code ErrorCode, message string) *StoreError {
	return &StoreError{
		Code:       code,
		Category:   GetCategory(code),
		Message:    message,
		Timestamp:  time.Now(),
		Details:    make(map[string]interface{}),
		Context:    make(map[string]string),
		Retryable:  IsRetryableByDefault(code),
		HTTPStatus: GetDefaultHTTPStatus(code),
	}
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	codeStr := string(code)
	switch {
	case strings.HasPrefix(codeStr, "INVALID_CONFIG") || strings.HasPrefix(codeStr, "MISSING_CONFIG") ||
		strings.HasPrefix(codeStr, "CONFIG_"):
		return CategoryConfiguration
	case strings.HasPrefix(codeStr, "CONNECTION_") || strings.HasPrefix(codeStr, "NETWORK_"):
		return CategoryConnection
	case strings.HasPrefix(codeStr, "ITEM_") || strings.HasPrefix(codeStr, "BUCKET_") ||
		strings.HasPrefix(codeStr, "STORAGE_") || strings.HasPrefix(codeStr, "TIER_") ||
		strings.HasPrefix(codeStr, "ACCESS_"):
		return CategoryStorage
	case strings.HasPrefix(codeStr, "INTEGRITY_") || strings.HasPrefix(codeStr, "CODEC_"):
		return CategoryIntegrity
	case strings.HasPrefix(codeStr, "SYNC_"):
		return CategorySync
	case strings.HasPrefix(codeStr, "MEMORY_") || strings.HasPrefix(codeStr, "CACHE_") ||
		strings.HasPrefix(codeStr, "RESOURCE_"):
		return CategoryResource
	case strings.HasPrefix(codeStr, "ALREADY_") || strings.HasPrefix(codeStr, "NOT_INITIALIZED") ||
		strings.HasPrefix(codeStr, "COMPONENT_") || strings.HasPrefix(codeStr, "SERVICE_"):
		return CategoryState
	case strings.HasPrefix(codeStr, "OPERATION_") || strings.HasPrefix(codeStr, "RETRY_") ||
		strings.HasPrefix(codeStr, "VALIDATION_"):
		return CategoryOperation
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault determines if an error is retryable by default.
// Integrity and codec failures are never retryable: the stored item is corrupt.
func IsRetryableByDefault(code ErrorCode) bool {
	retryableCodes := map[ErrorCode]bool{
		ErrCodeConnectionTimeout:  true,
		ErrCodeConnectionFailed:   true,
		ErrCodeNetworkError:       true,
		ErrCodeStorageRead:        true,
		ErrCodeStorageWrite:       true,
		ErrCodeStorageDelete:      true,
		ErrCodeSyncFailed:         true,
		ErrCodeOperationTimeout:   true,
		ErrCodeResourceExhausted:  true,
		ErrCodeServiceUnavailable: true,
	}
	return retryableCodes[code]
}

// GetDefaultHTTPStatus returns the default HTTP status for an error code.
func GetDefaultHTTPStatus(code ErrorCode) int {
	statusMap := map[ErrorCode]int{
		ErrCodeInvalidConfig:      400,
		ErrCodeConfigValidation:   400,
		ErrCodeValidationFailed:   400,
		ErrCodeTierUnknown:        400,
		ErrCodeAccessDenied:       403,
		ErrCodeItemNotFound:       404,
		ErrCodeBucketNotFound:     404,
		ErrCodeAlreadyStarted:     409,
		ErrCodeSyncConflict:       409,
		ErrCodeIntegrityCheck:     422,
		ErrCodeCodecFailed:        422,
		ErrCodeResourceExhausted:  429,
		ErrCodeMemoryPressure:     429,
		ErrCodeInternalError:      500,
		ErrCodeSyncFailed:         502,
		ErrCodeServiceUnavailable: 503,
		ErrCodeComponentStopped:   503,
		ErrCodeOperationTimeout:   504,
		ErrCodeConnectionTimeout:  504,
	}

	if status, ok := statusMap[code]; ok {
		return status
	}
	return 500
}

// WithContext adds contextual information to an error
func (e *StoreError) WithContext(key, value string) *StoreError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithDetail adds detailed information to an error
func (e *StoreError) WithDetail(key string, value interface{}) *StoreError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component for an error
func (e *StoreError) WithComponent(component string) *StoreError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *StoreError) WithOperation(operation string) *StoreError {
	e.Operation = operation
	return e
}

// WithKey records the storage key the error relates to
func (e *StoreError) WithKey(key string) *StoreError {
	e.Key = key
	return e
}

// WithCause sets the underlying cause
func (e *StoreError) WithCause(cause error) *StoreError {
	e.Cause = cause
	return e
}

// NewIntegrityError reports a checksum mismatch on a stored item.
func NewIntegrityError(key, message string) *StoreError {
	return NewError(ErrCodeIntegrityCheck, message).WithKey(key).WithComponent("codec")
}

// NewCodecError reports a failed encrypt, decrypt, compress, decompress or (de)serialize step.
func NewCodecError(operation string, cause error) *StoreError {
	return NewError(ErrCodeCodecFailed, operation+" failed").
		WithComponent("codec").
		WithOperation(operation).
		WithCause(cause)
}

// NewSyncError reports a failed sync step.
func NewSyncError(step string, cause error) *StoreError {
	return NewError(ErrCodeSyncFailed, "sync step failed: "+step).
		WithComponent("sync").
		WithOperation(step).
		WithCause(cause)
}

// NewTimeoutError reports a caller-side timeout. The underlying operation may still complete.
func NewTimeoutError(operation string, timeout time.Duration) *StoreError {
	return NewError(ErrCodeOperationTimeout, fmt.Sprintf("%s timed out after %s", operation, timeout)).
		WithOperation(operation).
		WithDetail("timeout", timeout.String())
}

// NewMemoryPressureError describes a memory condition. It is logged, never returned to callers.
func NewMemoryPressureError(message string) *StoreError {
	return NewError(ErrCodeMemoryPressure, message).WithComponent("memmon")
}

// NewNotFoundError reports a missing key in a tier.
func NewNotFoundError(tier, key string) *StoreError {
	return NewError(ErrCodeItemNotFound, "item not found").
		WithComponent(tier).
		WithKey(key)
}

// CodeOf returns the code of the first StoreError in err's chain, or "" when there is none.
func CodeOf(err error) ErrorCode {
	var se *StoreError
	if stderrors.As(err, &se) {
		return se.Code
	}
	return ""
}

// HasCode reports whether err's chain contains a StoreError with the given code.
func HasCode(err error, code ErrorCode) bool {
	var se *StoreError
	for err != nil {
		if stderrors.As(err, &se) {
			if se.Code == code {
				return true
			}
			err = se.Cause
			continue
		}
		return false
	}
	return false
}

// IsNotFound reports whether err signals a missing item.
func IsNotFound(err error) bool { return HasCode(err, ErrCodeItemNotFound) }

// IsIntegrity reports whether err signals a checksum mismatch.
func IsIntegrity(err error) bool { return HasCode(err, ErrCodeIntegrityCheck) }

// IsCodec reports whether err signals a codec failure.
func IsCodec(err error) bool { return HasCode(err, ErrCodeCodecFailed) }

// IsTimeout reports whether err signals a caller-side timeout.
func IsTimeout(err error) bool { return HasCode(err, ErrCodeOperationTimeout) }

// IsRetryable reports whether the first StoreError in err's chain is retryable.
func IsRetryable(err error) bool {
	var se *StoreError
	if stderrors.As(err, &se) {
		return se.Retryable
	}
	return false
}
