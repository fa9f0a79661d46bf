// Package apperr defines the stable caller-facing error codes the
// service layer returns. Handlers map codes to HTTP statuses; pipeline
// internals never leak through them.
package apperr

import (
	"errors"
	"fmt"
)

// Code identifies an error class to API callers.
type Code string

const (
	CodeQuotaExceeded    Code = "quota_exceeded"
	CodeNotFound         Code = "not_found"
	CodeConflict         Code = "conflict"
	CodeUploadIncomplete Code = "upload_incomplete"
	CodePipelineFailure  Code = "pipeline_failure"
	CodeInvalidArgument  Code = "invalid_argument"
	CodeInternal         Code = "internal"
)

// Error carries a code plus a human-readable message.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an error with the given code.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

func QuotaExceeded(format string, args ...interface{}) *Error {
	return New(CodeQuotaExceeded, format, args...)
}

func NotFound(format string, args ...interface{}) *Error {
	return New(CodeNotFound, format, args...)
}

func Conflict(format string, args ...interface{}) *Error {
	return New(CodeConflict, format, args...)
}

func UploadIncomplete(format string, args ...interface{}) *Error {
	return New(CodeUploadIncomplete, format, args...)
}

func PipelineFailure(format string, args ...interface{}) *Error {
	return New(CodePipelineFailure, format, args...)
}

func InvalidArgument(format string, args ...interface{}) *Error {
	return New(CodeInvalidArgument, format, args...)
}

// CodeOf extracts the code from an error chain, CodeInternal when none.
func CodeOf(err error) Code {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeInternal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}
