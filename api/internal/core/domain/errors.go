package domain

import (
	"errors"
	"fmt"
)

// ErrorKind is the machine-checkable class of a failure.
type ErrorKind string

const (
	KindNotFound           ErrorKind = "not_found"
	KindDecode             ErrorKind = "decode_error"
	KindDuplicate          ErrorKind = "duplicate"
	KindStorage            ErrorKind = "storage_error"
	KindBinaryNotFound     ErrorKind = "binary_not_found"
	KindConfigNotFound     ErrorKind = "config_not_found"
	KindLaunchFailed       ErrorKind = "launch_failed"
	KindServiceUnavailable ErrorKind = "service_unavailable"
	KindBadRequest         ErrorKind = "bad_request"
	KindUnauthorized       ErrorKind = "unauthorized"
	KindRateLimited        ErrorKind = "rate_limited"
	KindInternal           ErrorKind = "internal"
)

// Sentinels for errors.Is checks against a kind.
var (
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrDecode             = &Error{Kind: KindDecode}
	ErrStorage            = &Error{Kind: KindStorage}
	ErrBinaryNotFound     = &Error{Kind: KindBinaryNotFound}
	ErrConfigNotFound     = &Error{Kind: KindConfigNotFound}
	ErrLaunchFailed       = &Error{Kind: KindLaunchFailed}
	ErrServiceUnavailable = &Error{Kind: KindServiceUnavailable}
)

// Error carries a kind, the failing operation and, for decode errors, the
// scheme of the offending profile when it could be determined.
type Error struct {
	Kind   ErrorKind
	Op     string
	Scheme Scheme
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Scheme != "" {
		msg += " (" + string(e.Scheme) + ")"
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrNotFound) works
// regardless of op or message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf extracts the kind of err, defaulting to KindInternal.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

func NotFound(op, format string, args ...any) error {
	return &Error{Kind: KindNotFound, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func DecodeError(scheme Scheme, format string, args ...any) error {
	return &Error{Kind: KindDecode, Op: "decode", Scheme: scheme, Msg: fmt.Sprintf(format, args...)}
}

func StorageError(op string, err error) error {
	return &Error{Kind: KindStorage, Op: op, Err: err}
}

func BinaryNotFound(path string) error {
	return &Error{Kind: KindBinaryNotFound, Op: "start", Msg: "engine binary not found at " + path}
}

func ConfigNotFound(path string) error {
	return &Error{Kind: KindConfigNotFound, Op: "start", Msg: "runtime config not found at " + path}
}

func LaunchFailed(detail string, err error) error {
	return &Error{Kind: KindLaunchFailed, Op: "start", Msg: detail, Err: err}
}
