package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: backend timeouts, a busy resource.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting.
	// Should be retried with exponential backoff.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a state conflict, such as a cache entry that
	// belongs to a different schema version.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: broken hierarchies, missing classes, compile failures.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code identifies the error kind for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the class, slot or cache key the error concerns, if any.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Class, e.Message)
	switch {
	case e.Resource != "" && e.Operation != "":
		fmt.Fprintf(&b, " (resource=%s, operation=%s)", e.Resource, e.Operation)
	case e.Resource != "":
		fmt.Fprintf(&b, " (resource=%s)", e.Resource)
	case e.Operation != "":
		fmt.Fprintf(&b, " (operation=%s)", e.Operation)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is. Two engine errors
// match when their class and code agree.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassThrottled,
		Message: message,
		Err:     err,
	}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConflict,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resource string) *EngineError {
	e.Resource = resource
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	return classOf(err) == ErrorClassTransient
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	return classOf(err) == ErrorClassThrottled
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	return classOf(err) == ErrorClassConflict
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	return classOf(err) == ErrorClassPermanent
}

// IsRetryable returns true if the error can be retried.
// Transient, throttled, and conflict errors are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err) || IsConflict(err)
}

// CodeOf returns the code of the first EngineError in the chain, or "".
func CodeOf(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func classOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// Error codes.
const (
	ErrCodeCircularInheritance = "CIRCULAR_INHERITANCE"
	ErrCodeParentNotFound      = "PARENT_NOT_FOUND"
	ErrCodeMixinNotFound       = "MIXIN_NOT_FOUND"
	ErrCodeInvalidInheritance  = "INVALID_INHERITANCE"
	ErrCodeClassNotFound       = "CLASS_NOT_FOUND"
	ErrCodeSlotNotFound        = "SLOT_NOT_FOUND"
	ErrCodeCompile             = "COMPILE_ERROR"
	ErrCodeNetworkTimeout      = "NETWORK_TIMEOUT"
	ErrCodeCacheUnavailable    = "CACHE_UNAVAILABLE"
	ErrCodeResourceBusy        = "RESOURCE_BUSY"
	ErrCodeRateLimited         = "RATE_LIMITED"
	ErrCodeSchemaNotCached     = "SCHEMA_NOT_CACHED"
	ErrCodeDepthExceeded       = "DEPTH_EXCEEDED"
	ErrCodePanic               = "PANIC"
	ErrCodeCircuitOpen         = "CIRCUIT_OPEN"
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeArithmetic          = "ARITHMETIC_ERROR"
	ErrCodeBounds              = "BOUNDS_ERROR"
	ErrCodeInternal            = "INTERNAL_ERROR"
)

// Sentinels for errors.Is.
var (
	ErrCircularInheritance = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeCircularInheritance}
	ErrParentNotFound      = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeParentNotFound}
	ErrMixinNotFound       = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeMixinNotFound}
	ErrInvalidInheritance  = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeInvalidInheritance}
	ErrClassNotFound       = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeClassNotFound}
	ErrSlotNotFound        = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeSlotNotFound}
	ErrCompile             = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeCompile}
	ErrNetworkTimeout      = &EngineError{Class: ErrorClassTransient, Code: ErrCodeNetworkTimeout}
	ErrCacheUnavailable    = &EngineError{Class: ErrorClassTransient, Code: ErrCodeCacheUnavailable}
	ErrResourceBusy        = &EngineError{Class: ErrorClassTransient, Code: ErrCodeResourceBusy}
	ErrRateLimited         = &EngineError{Class: ErrorClassThrottled, Code: ErrCodeRateLimited}
	ErrSchemaNotCached     = &EngineError{Class: ErrorClassConflict, Code: ErrCodeSchemaNotCached}
	ErrDepthExceeded       = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeDepthExceeded}
	ErrPanic               = &EngineError{Class: ErrorClassPermanent, Code: ErrCodePanic}
	ErrCircuitOpen         = &EngineError{Class: ErrorClassTransient, Code: ErrCodeCircuitOpen}
)

// NewCircularInheritanceError reports a cycle as "A -> B -> C -> A".
func NewCircularInheritanceError(cycle []string) *EngineError {
	return NewPermanentError(fmt.Sprintf("circular inheritance detected: %s", formatCycle(cycle)), nil).
		WithCode(ErrCodeCircularInheritance).
		WithDetail("cycle", cycle)
}

// NewCompileError wraps a compiler failure. Compile errors are never cached.
func NewCompileError(className string, err error) *EngineError {
	return NewPermanentError("validator compilation failed", err).
		WithCode(ErrCodeCompile).
		WithResource(className)
}

// NewCacheUnavailableError marks a cache tier as unreachable.
func NewCacheUnavailableError(tier string, err error) *EngineError {
	return NewTransientError(fmt.Sprintf("cache tier %s unavailable", tier), err).
		WithCode(ErrCodeCacheUnavailable)
}

// NewSchemaNotCachedError reports a key whose schema version is not loaded.
func NewSchemaNotCachedError(schemaID, schemaHash string) *EngineError {
	return NewConflictError("schema version not loaded", nil).
		WithCode(ErrCodeSchemaNotCached).
		WithResource(schemaID).
		WithDetail("schema_hash", schemaHash)
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	return strings.Join(cycle, " -> ")
}
