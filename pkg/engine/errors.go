package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Error codes carried by EngineError.Code for programmatic handling.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeUnknownWidget    = "UNKNOWN_WIDGET"
	ErrCodeAlreadyExists    = "ALREADY_EXISTS"
	ErrCodeCycle            = "CYCLE"
	ErrCodePermissionDenied = "PERMISSION_DENIED"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeIntegrity        = "INTEGRITY"
	ErrCodeCompilation      = "COMPILATION_ERROR"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeTransformFailed  = "TRANSFORM_FAILED"
	ErrCodeDependencyFailed = "DEPENDENCY_FAILED"
	ErrCodePoolClosed       = "POOL_CLOSED"
)

// ErrorClass buckets errors by how a caller should react.
type ErrorClass string

const (
	// ErrorClassTransient marks failures that may clear on retry, such as
	// a content fetch hitting a network timeout.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled marks rate limiting. Retry with backoff.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict marks state conflicts, such as concurrent graph
	// mutations or a duplicate widget registration.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent marks errors no retry can fix: cycle insertion,
	// unknown widgets, forbidden capabilities.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError is a classified error with optional widget and operation
// context. A zero Kind means the error does not map to a boundary result
// on its own; ResultKindOf fills the gap.
//
//nolint:revive // name stutter is deliberate
type EngineError struct {
	Class     ErrorClass `json:"class"`
	Kind      ResultKind `json:"kind,omitempty"`
	Message   string     `json:"message"`
	Code      string     `json:"code,omitempty"`
	Widget    string     `json:"widget,omitempty"`
	Operation string     `json:"operation,omitempty"`
	Err       error      `json:"-"`
}

func (e *EngineError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Class, e.Message)

	switch {
	case e.Widget != "" && e.Operation != "":
		fmt.Fprintf(&b, " (widget=%s, operation=%s)", e.Widget, e.Operation)
	case e.Widget != "":
		fmt.Fprintf(&b, " (widget=%s)", e.Widget)
	case e.Operation != "":
		fmt.Fprintf(&b, " (operation=%s)", e.Operation)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %s", e.Err)
	}
	return b.String()
}

// Unwrap exposes the wrapped cause to errors.Is and errors.As.
func (e *EngineError) Unwrap() error { return e.Err }

// Is matches another EngineError with the same class and code.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// WithWidget attaches the widget that produced the error.
func (e *EngineError) WithWidget(widgetID string) *EngineError {
	e.Widget = widgetID
	return e
}

// WithOperation attaches the operation in progress when the error
// occurred.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode attaches a machine-readable code.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithKind pins the boundary result classification.
func (e *EngineError) WithKind(kind ResultKind) *EngineError {
	e.Kind = kind
	return e
}

func classified(class ErrorClass, message string, err error) *EngineError {
	return &EngineError{Class: class, Message: message, Err: err}
}

// NewTransientError wraps err as a transient failure.
func NewTransientError(message string, err error) *EngineError {
	return classified(ErrorClassTransient, message, err)
}

// NewThrottledError wraps err as a rate-limit failure.
func NewThrottledError(message string, err error) *EngineError {
	return classified(ErrorClassThrottled, message, err)
}

// NewConflictError wraps err as a state conflict.
func NewConflictError(message string, err error) *EngineError {
	return classified(ErrorClassConflict, message, err)
}

// NewPermanentError wraps err as a non-recoverable failure.
func NewPermanentError(message string, err error) *EngineError {
	return classified(ErrorClassPermanent, message, err)
}

// NewCycleError rejects an edge insertion that would close a cycle. The
// path walks the widget ids around the would-be cycle.
func NewCycleError(path []string) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Kind:    ResultCycleError,
		Code:    ErrCodeCycle,
		Message: "edge would create a cycle: " + strings.Join(path, " -> "),
	}
}

// NewUnknownWidgetError rejects an operation that names a widget id not
// present in the graph.
func NewUnknownWidgetError(widgetID string) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Code:    ErrCodeUnknownWidget,
		Widget:  widgetID,
		Message: "unknown widget: " + widgetID,
	}
}

func hasClass(err error, class ErrorClass) bool {
	var e *EngineError
	return errors.As(err, &e) && e.Class == class
}

func hasCode(err error, code string) bool {
	var e *EngineError
	return errors.As(err, &e) && e.Code == code
}

// IsTransient reports whether err is classified transient.
func IsTransient(err error) bool { return hasClass(err, ErrorClassTransient) }

// IsThrottled reports whether err is classified throttled.
func IsThrottled(err error) bool { return hasClass(err, ErrorClassThrottled) }

// IsConflict reports whether err is classified as a conflict.
func IsConflict(err error) bool { return hasClass(err, ErrorClassConflict) }

// IsPermanent reports whether err is classified permanent.
func IsPermanent(err error) bool { return hasClass(err, ErrorClassPermanent) }

// IsRetryable reports whether a retry could help. Transient, throttled,
// and conflict errors qualify.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err) || IsConflict(err)
}

// IsCycleError reports whether err is a cycle rejection.
func IsCycleError(err error) bool { return hasCode(err, ErrCodeCycle) }

// IsUnknownWidget reports whether err is an unknown-widget rejection.
func IsUnknownWidget(err error) bool { return hasCode(err, ErrCodeUnknownWidget) }

// IsIntegrityError reports whether err is a content hash mismatch.
func IsIntegrityError(err error) bool { return hasCode(err, ErrCodeIntegrity) }

// ResultKindOf maps an execution error to its boundary result kind. An
// explicit Kind wins; context deadline errors become Timeout; anything
// else is a RuntimeError.
func ResultKindOf(err error) ResultKind {
	if err == nil {
		return ResultSuccess
	}
	var e *EngineError
	if errors.As(err, &e) && e.Kind != "" {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ResultTimeout
	}
	return ResultRuntimeError
}

// AsEngineError returns err as an *EngineError, wrapping foreign errors
// as permanent internal errors with the kind ResultKindOf assigns.
func AsEngineError(err error) *EngineError {
	if err == nil {
		return nil
	}
	var e *EngineError
	if errors.As(err, &e) {
		return e
	}
	return NewPermanentError(err.Error(), err).
		WithCode(ErrCodeInternal).
		WithKind(ResultKindOf(err))
}
