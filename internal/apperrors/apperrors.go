// Package apperrors defines the error kinds returned across the handoff core.
// Callers switch on the Code, never on the message.
package apperrors

import (
	stderrors "errors"
	"net/http"
)

type Code string

const (
	CodeNotFound          Code = "NOT_FOUND"
	CodeMalformed         Code = "MALFORMED"
	CodeUnsupported       Code = "UNSUPPORTED"
	CodeInvalidTransition Code = "INVALID_TRANSITION"
	CodeForbidden         Code = "FORBIDDEN"
	CodeConflict          Code = "CONFLICT"
	CodeDuplicateScan     Code = "DUPLICATE_SCAN"
	CodeRateLimited       Code = "RATE_LIMITED"
	CodeInvalidArgument   Code = "INVALID_ARGUMENT"
	CodeInternal          Code = "INTERNAL"
)

type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches by code, so errors.Is(err, apperrors.ErrConflict) works for any
// conflict regardless of message.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

var (
	ErrNotFound          = New(CodeNotFound, "not found")
	ErrMalformed         = New(CodeMalformed, "malformed")
	ErrUnsupported       = New(CodeUnsupported, "unsupported")
	ErrInvalidTransition = New(CodeInvalidTransition, "invalid transition")
	ErrForbidden         = New(CodeForbidden, "forbidden")
	ErrConflict          = New(CodeConflict, "conflict")
	ErrRateLimited       = New(CodeRateLimited, "rate limited")
	ErrInvalidArgument   = New(CodeInvalidArgument, "invalid argument")
)

// CodeOf returns the code of the first *Error in the chain, or CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

func IsCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

func HTTPStatus(code Code) int {
	switch code {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeMalformed, CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeUnsupported:
		return http.StatusUnprocessableEntity
	case CodeInvalidTransition, CodeConflict, CodeDuplicateScan:
		return http.StatusConflict
	case CodeForbidden:
		return http.StatusForbidden
	case CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
