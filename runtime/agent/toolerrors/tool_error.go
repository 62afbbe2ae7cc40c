// Package toolerrors provides the structured error returned to run callers
// when a tool call fails. ToolError keeps the broker result code alongside a
// human-readable message and supports errors.Is/As through Unwrap.
package toolerrors

import (
	"errors"
	"fmt"

	"goa.design/toolcore/runtime/agent/tools"
)

// ToolError represents a failed tool call.
type ToolError struct {
	// ToolID identifies the tool that failed.
	ToolID tools.Ident
	// CallID identifies the failed call.
	CallID string
	// Code is the broker result code (e.g. TOOL_EXECUTION_FAILED).
	Code string
	// Message is the human-readable summary of the failure.
	Message string
	// Cause is the underlying error, if any.
	Cause error
}

// New constructs a ToolError with the provided message.
func New(message string) *ToolError {
	if message == "" {
		message = "tool error"
	}
	return &ToolError{Message: message}
}

// Errorf formats according to a format specifier and returns a ToolError.
func Errorf(format string, args ...any) *ToolError {
	return New(fmt.Sprintf(format, args...))
}

// FromResult builds the error describing a failed call result.
func FromResult(r tools.CallResult) *ToolError {
	return &ToolError{
		ToolID:  r.ToolID,
		CallID:  r.CallID,
		Code:    r.Error,
		Message: fmt.Sprintf("tool %s failed: %s", r.ToolID, r.Error),
	}
}

// Wrap builds a ToolError for toolID caused by err.
func Wrap(toolID tools.Ident, err error) *ToolError {
	if err == nil {
		return nil
	}
	var te *ToolError
	if errors.As(err, &te) {
		return te
	}
	return &ToolError{
		ToolID:  toolID,
		Message: fmt.Sprintf("tool %s failed: %v", toolID, err),
		Cause:   err,
	}
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *ToolError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// HasCode reports whether err is a ToolError with the given code.
func HasCode(err error, code string) bool {
	var te *ToolError
	return errors.As(err, &te) && te.Code == code
}
