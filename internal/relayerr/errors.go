// Package relayerr defines the error taxonomy shared by every relay component.
// Errors carry a Code that travels to the controller verbatim.
package relayerr

import (
	"context"
	"errors"
	"fmt"
)

// Code identifies a class of relay failure.
type Code string

const (
	MalformedCommand     Code = "MalformedCommand"
	UnknownCommand       Code = "UnknownCommand"
	NoActiveTarget       Code = "NoActiveTarget"
	InjectionForbidden   Code = "InjectionForbidden"
	ElementNotFound      Code = "ElementNotFound"
	InvalidParams        Code = "InvalidParams"
	NotInteractable      Code = "NotInteractable"
	CommandTimeout       Code = "CommandTimeout"
	NavigationTimeout    Code = "NavigationTimeout"
	TransportUnavailable Code = "TransportUnavailable"
	ContextDestroyed     Code = "ContextDestroyed"
	ExecutionFailed      Code = "ExecutionFailed"
)

// Error is a typed relay failure.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a bare sentinel with the same code, so
// errors.Is(err, ErrCommandTimeout) matches any CommandTimeout error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && t.Message == "" && t.Err == nil
}

var (
	ErrMalformedCommand     = &Error{Code: MalformedCommand}
	ErrUnknownCommand       = &Error{Code: UnknownCommand}
	ErrNoActiveTarget       = &Error{Code: NoActiveTarget}
	ErrInjectionForbidden   = &Error{Code: InjectionForbidden}
	ErrElementNotFound      = &Error{Code: ElementNotFound}
	ErrInvalidParams        = &Error{Code: InvalidParams}
	ErrNotInteractable      = &Error{Code: NotInteractable}
	ErrCommandTimeout       = &Error{Code: CommandTimeout}
	ErrNavigationTimeout    = &Error{Code: NavigationTimeout}
	ErrTransportUnavailable = &Error{Code: TransportUnavailable}
	ErrContextDestroyed     = &Error{Code: ContextDestroyed}
	ErrExecutionFailed      = &Error{Code: ExecutionFailed}
)

// New builds an error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an underlying error.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the relay code from err. Context deadlines map to
// CommandTimeout; anything untyped is an ExecutionFailed.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CommandTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ContextDestroyed
	}
	return ExecutionFailed
}

// Known reports whether code is part of the taxonomy.
func Known(code Code) bool {
	switch code {
	case MalformedCommand, UnknownCommand, NoActiveTarget, InjectionForbidden,
		ElementNotFound, InvalidParams, NotInteractable, CommandTimeout,
		NavigationTimeout, TransportUnavailable, ContextDestroyed, ExecutionFailed:
		return true
	}
	return false
}
