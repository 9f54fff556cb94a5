package transport

import "errors"

type ErrorCode string

const (
	ErrorCodeNetwork    ErrorCode = "network"
	ErrorCodeAuth       ErrorCode = "auth"
	ErrorCodeValidation ErrorCode = "validation"
	ErrorCodeInternal   ErrorCode = "internal"
)

type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code ErrorCode, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewError builds a transport-taxonomy error. Other packages use it so the
// gateway can map every failure to an HTTP status from one place.
func NewError(code ErrorCode, message string, err error) *Error {
	return newError(code, message, err)
}

// CodeOf extracts the transport error code; errors from outside this package
// report as internal.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return ErrorCodeInternal
}

// IsAuth reports whether err is a rejected-credential failure, the one error
// that is fatal to the whole session.
func IsAuth(err error) bool {
	return CodeOf(err) == ErrorCodeAuth
}
