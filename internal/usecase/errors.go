package usecase

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	ErrorInvalidInput         ErrorCode = "INVALID_INPUT"
	ErrorStoreUnavailable     ErrorCode = "STORE_UNAVAILABLE"
	ErrorContextLookupFailed  ErrorCode = "CONTEXT_LOOKUP_FAILED"
	ErrorBackendFailed        ErrorCode = "BACKEND_FAILED"
	ErrorContextPersistFailed ErrorCode = "CONTEXT_PERSIST_FAILED"
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

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or "" if none.
func CodeOf(err error) ErrorCode {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Code
	}
	return ""
}

// transientError is implemented by backend errors that know whether a retry could succeed.
type transientError interface {
	Transient() bool
}

// IsTransient reports whether err (or anything it wraps) is marked transient.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te) && te.Transient()
}
