package transport

import (
	"errors"
	"fmt"
)

// ErrorCode classifies transport-level failures.
type ErrorCode string

const (
	CodeNotConnected   ErrorCode = "not_connected"
	CodeTimeout        ErrorCode = "timeout"
	CodeConnectionLost ErrorCode = "connection_lost"
	CodeProtocolError  ErrorCode = "protocol_error"
)

// Error is a transport failure. Commands issued while the link is down
// fail fast with CodeNotConnected; delivery failures surface as
// CodeConnectionLost or CodeTimeout so callers can tell "never sent"
// from "sent, confirmation unknown".
type Error struct {
	Code  ErrorCode
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("transport: %s: %v", e.Code, e.cause)
	}
	return fmt.Sprintf("transport: %s", e.Code)
}

func (e *Error) Unwrap() error { return e.cause }

func newError(code ErrorCode, cause error) *Error {
	return &Error{Code: code, cause: cause}
}

// NotConnectedError is the fail-fast error for commands issued while
// the link is down.
func NotConnectedError() *Error {
	return newError(CodeNotConnected, nil)
}

// IsCode reports whether err is, or wraps, a transport Error with the
// given code.
func IsCode(err error, code ErrorCode) bool {
	var te *Error
	return errors.As(err, &te) && te.Code == code
}

// Rejection is a command the server understood but refused, for example
// loading an unknown event id. It is not a transport failure: the link
// worked, the server said no.
type Rejection struct {
	Status int
	Reason string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("server rejected command (status %d): %s", r.Status, r.Reason)
}
