package usecase

import "fmt"

type ErrorCode string

const (
	ErrorInvalidInput   ErrorCode = "INVALID_INPUT"
	ErrorInvalidMessage ErrorCode = "INVALID_MESSAGE"
	ErrorNotFound       ErrorCode = "NOT_FOUND"
	ErrorConflict       ErrorCode = "CONFLICT"
	ErrorRateLimited    ErrorCode = "RATE_LIMITED"
	ErrorUpstream       ErrorCode = "UPSTREAM_ERROR"
	ErrorInternal       ErrorCode = "INTERNAL_ERROR"
)

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Retryable reports whether the same request may succeed when sent again
// unchanged: a lost checkpoint race, throttling or a failing upstream.
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	switch e.Code {
	case ErrorConflict, ErrorRateLimited, ErrorUpstream:
		return true
	default:
		return false
	}
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}
