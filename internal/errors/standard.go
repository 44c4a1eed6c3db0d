// Package errors provides standardized error messaging for the scheduler
package errors

import (
	"fmt"
	"runtime"
)

// ErrorCategory represents different categories of errors
type ErrorCategory string

const (
	CategoryProcess   ErrorCategory = "PROCESS"
	CategoryCapacity  ErrorCategory = "CAPACITY"
	CategoryInvariant ErrorCategory = "INVARIANT"
	CategoryConfig    ErrorCategory = "CONFIG"
)

// Error codes. Two StandardErrors with the same code match under errors.Is.
const (
	CodeNotFound         = "NO_SUCH_PROCESS"
	CodeCapacityExceeded = "RUNQUEUE_FULL"
	CodeInvariant        = "RB_INVARIANT"
	CodeInvalidConfig    = "INVALID_CONFIG"
)

// Sentinels for errors.Is.
var (
	ErrNotFound           = &StandardError{Category: CategoryProcess, Code: CodeNotFound, Message: "no such process"}
	ErrCapacityExceeded   = &StandardError{Category: CategoryCapacity, Code: CodeCapacityExceeded, Message: "run queue full"}
	ErrInvariantViolation = &StandardError{Category: CategoryInvariant, Code: CodeInvariant, Message: "red-black invariant violated"}
	ErrInvalidConfig      = &StandardError{Category: CategoryConfig, Code: CodeInvalidConfig, Message: "invalid configuration"}
)

// StandardError provides a consistent error format
type StandardError struct {
	Category ErrorCategory
	Code     string
	Message  string
	Context  map[string]interface{}
	Caller   string
}

// Error implements the error interface
func (e *StandardError) Error() string {
	if e.Caller == "" {
		return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
	}
	return fmt.Sprintf("[%s:%s] %s (caller: %s)", e.Category, e.Code, e.Message, e.Caller)
}

// Is reports whether target carries the same error code.
func (e *StandardError) Is(target error) bool {
	t, ok := target.(*StandardError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewStandardError creates a new standardized error
func NewStandardError(category ErrorCategory, code, message string, context map[string]interface{}) *StandardError {
	return &StandardError{
		Category: category,
		Code:     code,
		Message:  message,
		Context:  context,
		Caller:   callerName(1),
	}
}

func callerName(skip int) string {
	pc, _, _, ok := runtime.Caller(skip + 1)
	if !ok {
		return "unknown"
	}
	if fn := runtime.FuncForPC(pc); fn != nil {
		return fn.Name()
	}
	return "unknown"
}

// Common error constructors

func NoSuchProcess(pid int) *StandardError {
	e := NewStandardError(CategoryProcess, CodeNotFound,
		fmt.Sprintf("no such process: pid %d", pid),
		map[string]interface{}{"pid": pid})
	e.Caller = callerName(1)
	return e
}

func CapacityExceeded(length, capacity int) *StandardError {
	e := NewStandardError(CategoryCapacity, CodeCapacityExceeded,
		fmt.Sprintf("run queue full: %d of %d slots in use", length, capacity),
		map[string]interface{}{"length": length, "capacity": capacity})
	e.Caller = callerName(1)
	return e
}

func InvariantViolation(details string) *StandardError {
	e := NewStandardError(CategoryInvariant, CodeInvariant,
		fmt.Sprintf("red-black invariant violated: %s", details),
		map[string]interface{}{"details": details})
	e.Caller = callerName(1)
	return e
}

func InvalidConfig(field string, value interface{}, reason string) *StandardError {
	e := NewStandardError(CategoryConfig, CodeInvalidConfig,
		fmt.Sprintf("invalid %s %v: %s", field, value, reason),
		map[string]interface{}{"field": field, "value": value})
	e.Caller = callerName(1)
	return e
}
