package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorType represents the category of a build failure.
type ErrorType string

const (
	ErrorTypeTransform  ErrorType = "transform"
	ErrorTypeIO         ErrorType = "io"
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeConfig     ErrorType = "config"
)

// BuildError is a structured error carrying the task and source location
// that produced it.
type BuildError struct {
	Type    ErrorType
	Task    string
	Step    string
	File    string
	Line    int
	Message string
	Details []string
	Cause   error
}

// Error implements the error interface.
func (e *BuildError) Error() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("[%s]", e.Type))

	if e.Task != "" {
		parts = append(parts, "task:"+e.Task)
	}

	if e.Step != "" {
		parts = append(parts, "step:"+e.Step)
	}

	if e.File != "" {
		location := e.File
		if e.Line > 0 {
			location += fmt.Sprintf(":%d", e.Line)
		}
		parts = append(parts, location)
	}

	parts = append(parts, e.Message)

	result := strings.Join(parts, " ")

	if len(e.Details) > 0 {
		result += "\n  " + strings.Join(e.Details, "\n  ")
	}

	if e.Cause != nil {
		result += fmt.Sprintf(": %v", e.Cause)
	}

	return result
}

// Unwrap returns the underlying cause error.
func (e *BuildError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a BuildError of the same type. A target with a
// task name only matches errors from that task.
func (e *BuildError) Is(target error) bool {
	var t *BuildError
	if !errors.As(target, &t) {
		return false
	}

	if t.Task != "" && t.Task != e.Task {
		return false
	}

	return e.Type == t.Type
}

// WithTask sets the task name if it has not been set yet.
func (e *BuildError) WithTask(task string) *BuildError {
	if e.Task == "" {
		e.Task = task
	}

	return e
}

// WithStep records the step that failed.
func (e *BuildError) WithStep(step string) *BuildError {
	if e.Step == "" {
		e.Step = step
	}

	return e
}

// WithLocation adds file location information.
func (e *BuildError) WithLocation(file string, line int) *BuildError {
	e.File = file
	e.Line = line

	return e
}

// NewTransformError creates an error for a failed transformation step.
func NewTransformError(file, message string, cause error) *BuildError {
	return &BuildError{
		Type:    ErrorTypeTransform,
		File:    file,
		Message: message,
		Cause:   cause,
	}
}

// NewIOError creates an error for a failed read, write or delete.
func NewIOError(file, message string, cause error) *BuildError {
	return &BuildError{
		Type:    ErrorTypeIO,
		File:    file,
		Message: message,
		Cause:   cause,
	}
}

// NewValidationError creates an error for documents that failed validation.
// Each detail describes one violation.
func NewValidationError(file, message string, details ...string) *BuildError {
	return &BuildError{
		Type:    ErrorTypeValidation,
		File:    file,
		Message: message,
		Details: details,
	}
}

// NewConfigError creates a configuration error.
func NewConfigError(field, message string) *BuildError {
	msg := message
	if field != "" {
		msg = field + ": " + message
	}

	return &BuildError{
		Type:    ErrorTypeConfig,
		Message: msg,
	}
}

// AsBuildError wraps err into a BuildError of the given type unless it
// already is one.
func AsBuildError(err error, fallback ErrorType) *BuildError {
	if err == nil {
		return nil
	}

	var be *BuildError
	if errors.As(err, &be) {
		return be
	}

	return &BuildError{
		Type:    fallback,
		Message: "failed",
		Cause:   err,
	}
}

// IsType reports whether err carries a BuildError of the given type.
func IsType(err error, t ErrorType) bool {
	var be *BuildError
	if errors.As(err, &be) {
		return be.Type == t
	}

	return false
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool {
	return IsType(err, ErrorTypeValidation)
}

// IsConfig reports whether err is a configuration failure.
func IsConfig(err error) bool {
	return IsType(err, ErrorTypeConfig)
}
