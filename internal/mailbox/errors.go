package mailbox

import (
	"errors"
	"fmt"
)

// Kind classifies every error surfaced to callers.
type Kind string

const (
	KindTokenExpired       Kind = "token_expired"
	KindTokenInvalid       Kind = "token_invalid"
	KindUnreachable        Kind = "mailbox_unreachable"
	KindUnauthenticated    Kind = "mailbox_unauthenticated"
	KindProtocolTransient  Kind = "protocol_transient"
	KindCacheInconsistency Kind = "internal_cache_inconsistency"
	KindInvalidRequest     Kind = "invalid_request"
	KindNotFound           Kind = "not_found"
	kindUnknown            Kind = "internal"
)

// Retryable reports whether a caller may retry the same request later
// without changing it.
func (k Kind) Retryable() bool {
	switch k {
	case KindUnreachable, KindProtocolTransient, KindCacheInconsistency:
		return true
	default:
		return false
	}
}

// Error is the structured error returned by the mailbox core.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by kind, so errors.Is(err, ErrTokenExpired)
// works regardless of the wrapped cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is checks.
var (
	ErrTokenExpired       = &Error{Kind: KindTokenExpired}
	ErrTokenInvalid       = &Error{Kind: KindTokenInvalid}
	ErrUnreachable        = &Error{Kind: KindUnreachable}
	ErrUnauthenticated    = &Error{Kind: KindUnauthenticated}
	ErrProtocolTransient  = &Error{Kind: KindProtocolTransient}
	ErrCacheInconsistency = &Error{Kind: KindCacheInconsistency}
	ErrInvalidRequest     = &Error{Kind: KindInvalidRequest}
	ErrNotFound           = &Error{Kind: KindNotFound}
)

// E builds an *Error.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds an *Error with a formatted cause.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of err, or an internal kind when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return kindUnknown
}
