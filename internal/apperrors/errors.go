// Package apperrors defines the error taxonomy shared by every handler in
// the core. Handlers never propagate a raw error to the gateway; they
// convert outcomes to a Code-tagged AppError and fold that into the ack
// envelope locally.
package apperrors

import "fmt"

// Code names a kind of failure, not an implementation detail.
type Code string

const (
	CodeUnauthenticated Code = "UNAUTHENTICATED"
	CodeForbidden       Code = "FORBIDDEN"
	CodeValidation      Code = "VALIDATION"
	CodeThrottled       Code = "THROTTLED"
	CodeNotFound        Code = "NOT_FOUND"
	CodeTransient       Code = "TRANSIENT"
	CodeFatal           Code = "FATAL"
)

// AppError is the only error shape that crosses a handler boundary.
type AppError struct {
	Code    Code
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Cause }

func New(code Code, message string) error {
	return &AppError{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) error {
	return &AppError{Code: code, Message: message, Cause: cause}
}

func Unauthenticated(msg string) error { return New(CodeUnauthenticated, msg) }
func Forbidden(msg string) error       { return New(CodeForbidden, msg) }
func Validation(msg string) error      { return New(CodeValidation, msg) }
func Throttled(msg string) error       { return New(CodeThrottled, msg) }
func NotFound(msg string) error        { return New(CodeNotFound, msg) }
func Transient(msg string, cause error) error {
	return Wrap(CodeTransient, msg, cause)
}
func Fatal(msg string, cause error) error {
	return Wrap(CodeFatal, msg, cause)
}

// CodeOf extracts the Code from err, defaulting to CodeTransient for
// errors that did not originate in this package (e.g. a raw driver error
// a handler forgot to wrap).
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var ae *AppError
	if ok := asAppError(err, &ae); ok {
		return ae.Code
	}
	return CodeTransient
}

func asAppError(err error, target **AppError) bool {
	for err != nil {
		if ae, ok := err.(*AppError); ok {
			*target = ae
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
