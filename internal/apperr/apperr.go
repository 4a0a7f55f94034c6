// Package apperr defines the error taxonomy shared by the fleet engines.
package apperr

import (
	"errors"
	"fmt"
)

type Kind uint8

const (
	KindUnknown Kind = iota
	KindValidation
	KindQuota
	KindBackend
	KindResourceMissing
	KindSession
	KindPermission
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindQuota:
		return "quota"
	case KindBackend:
		return "backend"
	case KindResourceMissing:
		return "resource_missing"
	case KindSession:
		return "session"
	case KindPermission:
		return "permission"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is matching by kind.
var (
	ErrValidation      = &Error{Kind: KindValidation}
	ErrQuota           = &Error{Kind: KindQuota}
	ErrBackend         = &Error{Kind: KindBackend}
	ErrResourceMissing = &Error{Kind: KindResourceMissing}
	ErrSession         = &Error{Kind: KindSession}
	ErrPermission      = &Error{Kind: KindPermission}
	ErrNotFound        = &Error{Kind: KindNotFound}
)

type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports a match when target is an *Error of the same kind with no
// message, which is how the package sentinels are shaped.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Msg == "" && t.Op == ""
}

func newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func Validation(op, format string, args ...any) *Error {
	return newf(KindValidation, op, format, args...)
}

func Quota(op, format string, args ...any) *Error {
	return newf(KindQuota, op, format, args...)
}

func Session(op, format string, args ...any) *Error {
	return newf(KindSession, op, format, args...)
}

func Permission(op, format string, args ...any) *Error {
	return newf(KindPermission, op, format, args...)
}

func NotFound(op, format string, args ...any) *Error {
	return newf(KindNotFound, op, format, args...)
}

func ResourceMissing(op, format string, args ...any) *Error {
	return newf(KindResourceMissing, op, format, args...)
}

// Backend wraps a provisioning failure.
func Backend(op string, err error) *Error {
	return &Error{Kind: KindBackend, Op: op, Msg: "backend operation failed", Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
