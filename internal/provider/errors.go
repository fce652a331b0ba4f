package provider

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Code classifies a provider failure.
type Code string

const (
	CodeGeneric  Code = "provider_error"
	CodeCapacity Code = "capacity"
	CodeTimeout  Code = "timeout"
	CodeNotFound Code = "not_found"
)

// Error is a backend failure. Retriable tells the manager whether another
// attempt, possibly on another provider, may succeed.
type Error struct {
	Provider  string
	Code      Code
	Message   string
	Cause     error
	retriable bool
}

func (e *Error) Error() string {
	if e.Provider == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Retriable reports whether the operation may be attempted again.
func (e *Error) Retriable() bool { return e.retriable }

// NewError builds a generic provider error.
func NewError(providerName, message string, retriable bool) *Error {
	return &Error{Provider: providerName, Code: CodeGeneric, Message: message, retriable: retriable}
}

// Wrap attaches a backend cause to a generic provider error.
func Wrap(cause error, providerName, op string, retriable bool) *Error {
	return &Error{
		Provider:  providerName,
		Code:      CodeGeneric,
		Message:   fmt.Sprintf("%s: %v", op, cause),
		Cause:     cause,
		retriable: retriable,
	}
}

// Capacity reports that no backend had room. Always retriable.
func Capacity(providerName string) *Error {
	return &Error{Provider: providerName, Code: CodeCapacity, Message: "no capacity available", retriable: true}
}

// Timeout reports that a backend operation exceeded its wait. Always retriable.
func Timeout(providerName, op string) *Error {
	return &Error{Provider: providerName, Code: CodeTimeout, Message: op + " timed out", retriable: true}
}

// NotFound reports a missing instance, template or snapshot. Never retriable.
func NotFound(providerName, what, id string) *Error {
	return &Error{
		Provider:  providerName,
		Code:      CodeNotFound,
		Message:   fmt.Sprintf("%s %q not found", what, id),
		retriable: false,
	}
}

// IsRetriable reports whether err carries a retriable provider error.
func IsRetriable(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.retriable
}

// HasCode reports whether err carries a provider error with the given code.
func HasCode(err error, code Code) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Code == code
}

// IsNotFound reports whether err is a provider NotFound error.
func IsNotFound(err error) bool {
	return HasCode(err, CodeNotFound)
}
