package market

import (
	"errors"
	"fmt"

	"github.com/garnizeh/servicemarket/internal/notify"
	"github.com/garnizeh/servicemarket/pkg/repository"
)

// Kind classifies an error for callers. The string values are stable and are
// part of the HTTP error body.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindNotFound          Kind = "not_found"
	KindForbidden         Kind = "forbidden"
	KindInvalidState      Kind = "invalid_state"
	KindInvalidTransition Kind = "invalid_transition"
	KindUnauthorized      Kind = "unauthorized"
	KindServer            Kind = "server"
)

// Error is a classified domain error.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func ValidationError(format string, args ...any) error {
	return newError(KindValidation, format, args...)
}

func NotFoundError(format string, args ...any) error {
	return newError(KindNotFound, format, args...)
}

func ForbiddenError(format string, args ...any) error {
	return newError(KindForbidden, format, args...)
}

func InvalidStateError(format string, args ...any) error {
	return newError(KindInvalidState, format, args...)
}

func InvalidTransitionError(format string, args ...any) error {
	return newError(KindInvalidTransition, format, args...)
}

func UnauthorizedError(format string, args ...any) error {
	return newError(KindUnauthorized, format, args...)
}

// KindOf returns the kind of err. Store sentinels are mapped to their domain
// kind; anything unclassified is KindServer.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	switch {
	case errors.Is(err, repository.ErrNotFound):
		return KindNotFound
	case errors.Is(err, repository.ErrStateConflict):
		return KindInvalidState
	case errors.Is(err, notify.ErrInvalidPayload), errors.Is(err, notify.ErrInvalidInput):
		return KindValidation
	}

	return KindServer
}

// MessageOf returns the client-facing message of err. Server errors get a
// generic text so internals do not leak.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}

	switch KindOf(err) {
	case KindNotFound:
		return "not found"
	case KindInvalidState:
		return "the resource changed state, reload and retry"
	case KindValidation:
		return err.Error()
	}

	return "internal server error"
}

// wrapStore converts store errors into domain errors. Unknown errors are
// wrapped as server errors with op as context.
func wrapStore(op string, err error) error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return err
	}

	switch {
	case errors.Is(err, repository.ErrNotFound):
		return &Error{Kind: KindNotFound, Message: "not found", Err: err}
	case errors.Is(err, repository.ErrStateConflict):
		return &Error{Kind: KindInvalidState, Message: "the resource changed state, reload and retry", Err: err}
	}

	return fmt.Errorf("%s: %w", op, err)
}
