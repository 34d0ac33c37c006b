package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the closed set of failure categories surfaced by the payment core.
type Kind string

const (
	KindValidation          Kind = "VALIDATION"
	KindNetwork             Kind = "NETWORK"
	KindAPI                 Kind = "API"
	KindSecurity            Kind = "SECURITY"
	KindReplay              Kind = "REPLAY"
	KindInsufficientBalance Kind = "INSUFFICIENT_BALANCE"
	KindGateway             Kind = "GATEWAY"
	KindConflict            Kind = "CONFLICT"
	KindInternal            Kind = "INTERNAL"
)

// Error carries a Kind plus a message that is safe to show to a user.
// Code is the remote status code for KindAPI errors.
type Error struct {
	Kind    Kind
	Code    int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Code != 0 {
		if e.Err != nil {
			return fmt.Sprintf("%s (%d): %s: %v", e.Kind, e.Code, e.Message, e.Err)
		}
		return fmt.Sprintf("%s (%d): %s", e.Kind, e.Code, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind, so errors.Is(err, apperr.ErrNetwork) works
// regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Code == 0 || t.Code == e.Code)
}

// Kind sentinels for errors.Is.
var (
	ErrValidation          = &Error{Kind: KindValidation}
	ErrNetwork             = &Error{Kind: KindNetwork}
	ErrAPI                 = &Error{Kind: KindAPI}
	ErrSecurity            = &Error{Kind: KindSecurity}
	ErrReplay              = &Error{Kind: KindReplay}
	ErrInsufficientBalance = &Error{Kind: KindInsufficientBalance}
	ErrGateway             = &Error{Kind: KindGateway}
	ErrConflict            = &Error{Kind: KindConflict}
	ErrInternal            = &Error{Kind: KindInternal}
)

func New(kind Kind, msg string) *Error { return &Error{Kind: kind, Message: msg} }

func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func Network(msg string, err error) *Error {
	return &Error{Kind: KindNetwork, Message: msg, Err: err}
}

func API(code int, msg string) *Error {
	return &Error{Kind: KindAPI, Code: code, Message: msg}
}

func Security(msg string) *Error { return &Error{Kind: KindSecurity, Message: msg} }

func Replay(msg string) *Error { return &Error{Kind: KindReplay, Message: msg} }

func Internal(msg string, err error) *Error {
	return &Error{Kind: KindInternal, Message: msg, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Message returns the user-facing message of err, never a raw gateway payload.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return "internal error"
}

// Retryable reports whether err is transient: network failures and 5xx/429 API responses.
func Retryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case KindNetwork:
		return true
	case KindAPI:
		return e.Code >= http.StatusInternalServerError || e.Code == http.StatusTooManyRequests
	default:
		return false
	}
}

// HTTPStatus maps a Kind to the status code returned by the HTTP layer.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindSecurity:
		return http.StatusUnauthorized
	case KindInsufficientBalance:
		return http.StatusPaymentRequired
	case KindConflict:
		return http.StatusConflict
	case KindNetwork, KindAPI, KindGateway:
		return http.StatusBadGateway
	case KindReplay:
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}
