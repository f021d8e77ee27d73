// Package apperr defines the error taxonomy shared by the clearance,
// lifecycle and override components. Every error carries a stable Code
// that the HTTP layer maps to a status.
package apperr

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeValidation         Code = "validation_error"
	CodeInvalidTransition  Code = "invalid_transition"
	CodeAlreadyDecided     Code = "already_decided"
	CodeForbidden          Code = "forbidden"
	CodeNotFound           Code = "not_found"
	CodeConflict           Code = "conflict"
	CodeUnauthenticated    Code = "unauthenticated"
	CodeExternalProcessing Code = "external_processing_failure"
	CodeInternal           Code = "internal"
)

// Error is a coded error. Two Errors match under errors.Is when their
// codes are equal, so callers test against the sentinels below.
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

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrValidation         = &Error{Code: CodeValidation}
	ErrInvalidTransition  = &Error{Code: CodeInvalidTransition}
	ErrAlreadyDecided     = &Error{Code: CodeAlreadyDecided}
	ErrForbidden          = &Error{Code: CodeForbidden}
	ErrNotFound           = &Error{Code: CodeNotFound}
	ErrConflict           = &Error{Code: CodeConflict}
	ErrUnauthenticated    = &Error{Code: CodeUnauthenticated}
	ErrExternalProcessing = &Error{Code: CodeExternalProcessing}
)

func Validation(format string, args ...any) error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

func InvalidTransition(format string, args ...any) error {
	return &Error{Code: CodeInvalidTransition, Message: fmt.Sprintf(format, args...)}
}

func AlreadyDecided(format string, args ...any) error {
	return &Error{Code: CodeAlreadyDecided, Message: fmt.Sprintf(format, args...)}
}

func Forbidden(format string, args ...any) error {
	return &Error{Code: CodeForbidden, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

func Conflict(format string, args ...any) error {
	return &Error{Code: CodeConflict, Message: fmt.Sprintf(format, args...)}
}

func Unauthenticated(format string, args ...any) error {
	return &Error{Code: CodeUnauthenticated, Message: fmt.Sprintf(format, args...)}
}

// ExternalProcessing wraps a failure of the extraction/embedding collaborator.
func ExternalProcessing(err error, format string, args ...any) error {
	return &Error{Code: CodeExternalProcessing, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// MessageOf returns the human readable message of a coded error, falling
// back to err.Error().
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return err.Error()
}
