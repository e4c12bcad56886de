package repository

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("NOT FOUND")
	ErrUnsupportedType = errors.New("UNSUPPORTED TYPE")
	ErrInvalidLength   = errors.New("INVALID LENGTH")
	ErrOversize        = errors.New("OVERSIZE")
	ErrIO              = errors.New("IO ERROR")
	ErrPeerUnavailable = errors.New("PEER UNAVAILABLE")
	ErrTimeout         = errors.New("TIMEOUT")
	ErrProtocol        = errors.New("PROTOCOL ERROR")
	ErrBadRequest      = errors.New("BAD REQUEST")
)

// Error is a failure that is reported to the peer as one ERROR: frame.
// Message is the peer-facing text; Kind is one of the sentinels above.
type Error struct {
	Kind    error
	Message string
	Cause   error
	// Fatal means frame boundaries on the connection can no longer be trusted
	// and it must be closed once the reply is written.
	Fatal bool
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func newError(kind error, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func NotFound(format string, args ...any) *Error {
	return newError(ErrNotFound, nil, format, args...)
}

func UnsupportedType(format string, args ...any) *Error {
	return newError(ErrUnsupportedType, nil, format, args...)
}

func InvalidLength(format string, args ...any) *Error {
	return newError(ErrInvalidLength, nil, format, args...)
}

func Oversize(format string, args ...any) *Error {
	return newError(ErrOversize, nil, format, args...)
}

func BadRequest(format string, args ...any) *Error {
	return newError(ErrBadRequest, nil, format, args...)
}

func IOError(cause error, format string, args ...any) *Error {
	return newError(ErrIO, cause, format, args...)
}

func PeerUnavailable(cause error, format string, args ...any) *Error {
	return newError(ErrPeerUnavailable, cause, format, args...)
}

func Timeout(cause error, format string, args ...any) *Error {
	return &Error{Kind: ErrTimeout, Message: fmt.Sprintf(format, args...), Cause: cause, Fatal: true}
}

func Protocol(cause error, format string, args ...any) *Error {
	return &Error{Kind: ErrProtocol, Message: fmt.Sprintf(format, args...), Cause: cause, Fatal: true}
}

// AsFatal marks err as connection-fatal.
func AsFatal(err *Error) *Error {
	err.Fatal = true
	return err
}

// Message returns the peer-facing text of err.
// Errors outside the taxonomy are reported as I/O failures.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "Internal error"
}

// IsFatal reports whether err requires closing the connection.
func IsFatal(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Fatal
	}
	return false
}
