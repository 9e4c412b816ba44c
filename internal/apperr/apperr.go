// Package apperr defines the error kinds shared by the stores, the HTTP API
// and the client library.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrUnauthenticated    = errors.New("unauthenticated")
	ErrNotFound           = errors.New("not found")
	ErrInvalidParticipant = errors.New("invalid participant")
	ErrValidation         = errors.New("validation error")
	ErrTransientIO        = errors.New("transient io error")
)

// Error attaches an operation and a human readable message to one of the
// kinds above. errors.Is matches against Kind and the wrapped Err.
type Error struct {
	Kind error
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.Error()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func New(kind error, op, msg string) error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

func Wrap(kind error, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func Validation(op, format string, args ...any) error {
	return &Error{Kind: ErrValidation, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func NotFound(op, format string, args ...any) error {
	return &Error{Kind: ErrNotFound, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the sentinel kind of err, or nil for unclassified errors.
func KindOf(err error) error {
	for _, kind := range []error{
		ErrUnauthenticated,
		ErrNotFound,
		ErrInvalidParticipant,
		ErrValidation,
		ErrTransientIO,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// KindName is the stable string used in JSON error bodies.
func KindName(err error) string {
	switch KindOf(err) {
	case ErrUnauthenticated:
		return "unauthenticated"
	case ErrNotFound:
		return "not_found"
	case ErrInvalidParticipant:
		return "invalid_participant"
	case ErrValidation:
		return "validation"
	case ErrTransientIO:
		return "transient"
	default:
		return "internal"
	}
}

// HTTPStatus maps an error to the response status the API uses for it.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case ErrUnauthenticated:
		return http.StatusUnauthorized
	case ErrNotFound:
		return http.StatusNotFound
	case ErrInvalidParticipant:
		return http.StatusUnprocessableEntity
	case ErrValidation:
		return http.StatusBadRequest
	case ErrTransientIO:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// FromStatus is the inverse of HTTPStatus, used by API clients.
func FromStatus(op string, status int, msg string) error {
	var kind error
	switch {
	case status == http.StatusUnauthorized:
		kind = ErrUnauthenticated
	case status == http.StatusNotFound || status == http.StatusForbidden:
		kind = ErrNotFound
	case status == http.StatusUnprocessableEntity:
		kind = ErrInvalidParticipant
	case status == http.StatusBadRequest:
		kind = ErrValidation
	case status == http.StatusTooManyRequests || status >= 500:
		kind = ErrTransientIO
	default:
		return fmt.Errorf("%s: unexpected status %d: %s", op, status, msg)
	}
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Retryable reports whether a caller may try the operation again later.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransientIO)
}
