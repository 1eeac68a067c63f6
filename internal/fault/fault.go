// Package fault defines the error taxonomy shared by the store, schema,
// transform and orchestrator layers.
//
// Callers classify errors with the Is* helpers, which unwrap through
// fmt.Errorf("%w") chains.
package fault

import (
	"errors"
	"fmt"
)

// Code categorizes an Error.
type Code string

const (
	// NotFound indicates a reference, atom, schema or field is absent.
	NotFound Code = "NOT_FOUND"

	// InvalidField indicates an unknown field or a shape/type mismatch.
	InvalidField Code = "INVALID_FIELD"

	// InvalidData indicates a serialization, storage or locking failure.
	InvalidData Code = "INVALID_DATA"

	// InvalidPermission indicates a policy denial.
	InvalidPermission Code = "INVALID_PERMISSION"
)

// Error is a classified failure.
type Error struct {
	// Code identifies the error category.
	Code Code

	// Op names the operation that failed, e.g. "atom.GetLatest".
	Op string

	// Message is a human-readable description.
	Message string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error without a cause.
func New(code Code, op, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(code Code, op string, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Op: op, Message: fmt.Sprintf(format, args...), Err: err}
}

// NotFoundf creates a NotFound error.
func NotFoundf(op, format string, args ...any) *Error {
	return New(NotFound, op, format, args...)
}

// InvalidFieldf creates an InvalidField error.
func InvalidFieldf(op, format string, args ...any) *Error {
	return New(InvalidField, op, format, args...)
}

// InvalidDataf creates an InvalidData error.
func InvalidDataf(op, format string, args ...any) *Error {
	return New(InvalidData, op, format, args...)
}

// InvalidPermissionf creates an InvalidPermission error.
func InvalidPermissionf(op, format string, args ...any) *Error {
	return New(InvalidPermission, op, format, args...)
}

// CodeOf returns the code of the outermost *Error in err's chain, or "" if
// there is none.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// IsNotFound reports whether err is classified NotFound.
func IsNotFound(err error) bool {
	return CodeOf(err) == NotFound
}

// IsInvalidField reports whether err is classified InvalidField.
func IsInvalidField(err error) bool {
	return CodeOf(err) == InvalidField
}

// IsInvalidData reports whether err is classified InvalidData.
func IsInvalidData(err error) bool {
	return CodeOf(err) == InvalidData
}

// IsInvalidPermission reports whether err is classified InvalidPermission.
func IsInvalidPermission(err error) bool {
	return CodeOf(err) == InvalidPermission
}
