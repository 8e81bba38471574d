// Package apperr classifies request failures. Every rejection leaves engine
// state untouched and returns the attached value to the sender.
package apperr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindInvariantViolation
	KindCapacityExceeded
	KindNotYetClaimable
	KindNotYetWithdrawable
	KindUnauthorized
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "ValidationError"
	case KindInvariantViolation:
		return "InvariantViolation"
	case KindCapacityExceeded:
		return "CapacityExceeded"
	case KindNotYetClaimable:
		return "NotYetClaimable"
	case KindNotYetWithdrawable:
		return "NotYetWithdrawable"
	case KindUnauthorized:
		return "Unauthorized"
	default:
		return "Unknown"
	}
}

// Error is a classified rejection.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Kind.String()
	}
	return e.Msg
}

// Is matches on kind so callers can use errors.Is(err, apperr.ErrValidation).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Msg == "" && t.Kind == e.Kind
}

var (
	ErrValidation         = &Error{Kind: KindValidation}
	ErrInvariantViolation = &Error{Kind: KindInvariantViolation}
	ErrCapacityExceeded   = &Error{Kind: KindCapacityExceeded}
	ErrNotYetClaimable    = &Error{Kind: KindNotYetClaimable}
	ErrNotYetWithdrawable = &Error{Kind: KindNotYetWithdrawable}
	ErrUnauthorized       = &Error{Kind: KindUnauthorized}
)

func newf(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...interface{}) error {
	return newf(KindValidation, format, args...)
}

func Invariant(format string, args ...interface{}) error {
	return newf(KindInvariantViolation, format, args...)
}

func Capacity(format string, args ...interface{}) error {
	return newf(KindCapacityExceeded, format, args...)
}

func NotYetClaimable(format string, args ...interface{}) error {
	return newf(KindNotYetClaimable, format, args...)
}

func NotYetWithdrawable(format string, args ...interface{}) error {
	return newf(KindNotYetWithdrawable, format, args...)
}

func Unauthorized(format string, args ...interface{}) error {
	return newf(KindUnauthorized, format, args...)
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsRejection reports whether err is a classified request rejection as
// opposed to an internal failure.
func IsRejection(err error) bool {
	return KindOf(err) != KindUnknown
}
