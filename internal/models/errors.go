package models

import "fmt"

// ErrorCode is the stable, caller-visible classification of a failure.
type ErrorCode string

const (
	CodeInvalidRequest    ErrorCode = "InvalidRequest"
	CodeUnknownAccount    ErrorCode = "UnknownAccount"
	CodeInsufficientFunds ErrorCode = "InsufficientFunds"
	CodeDuplicateInFlight ErrorCode = "DuplicateInFlight"
	CodeInternalError     ErrorCode = "InternalError"

	// CodeNotFound answers lookups of transfers that do not exist.
	CodeNotFound ErrorCode = "NotFound"
)

// Message returns the default human readable text for the code.
func (c ErrorCode) Message() string {
	switch c {
	case CodeInvalidRequest:
		return "invalid request"
	case CodeUnknownAccount:
		return "account not found"
	case CodeInsufficientFunds:
		return "insufficient funds"
	case CodeDuplicateInFlight:
		return "request with this idempotency key is in progress"
	case CodeInternalError:
		return "internal error"
	case CodeNotFound:
		return "not found"
	}
	return string(c)
}

// Retryable reports whether a caller may resubmit the identical request.
func (c ErrorCode) Retryable() bool {
	return c == CodeDuplicateInFlight || c == CodeInternalError
}

// Error is returned by the engine for outcomes that are not transfer results:
// in-flight duplicates and internal failures. An InternalError must never be
// assumed committed.
type Error struct {
	Code    ErrorCode
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

// Retryable reports whether the identical request may be resubmitted.
func (e *Error) Retryable() bool { return e.Code.Retryable() }

// NewError builds an *Error with the code's default message.
func NewError(code ErrorCode, err error) *Error {
	return &Error{Code: code, Message: code.Message(), Err: err}
}
