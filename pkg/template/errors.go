package template

import "fmt"

// ParseError reports a syntactically invalid template. Line and Col point at
// the offending tag, 1-based.
type ParseError struct {
	Line    int
	Col     int
	Message string
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at %d:%d: %s", e.Line, e.Col, e.Message)
}

// ErrorType returns the error category for programmatic handling.
func (e *ParseError) ErrorType() string { return "parse_error" }

// IsRetryable reports whether retrying could succeed.
func (e *ParseError) IsRetryable() bool { return false }

// RenderError reports a failure while evaluating a syntactically valid
// template: an unknown filter, a bad filter argument, or a failed guard
// expression.
type RenderError struct {
	Line    int
	Col     int
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *RenderError) Error() string {
	return fmt.Sprintf("render error at %d:%d: %s", e.Line, e.Col, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *RenderError) Unwrap() error { return e.Cause }

// ErrorType returns the error category for programmatic handling.
func (e *RenderError) ErrorType() string { return "render_error" }

// IsRetryable reports whether retrying could succeed.
func (e *RenderError) IsRetryable() bool { return false }
