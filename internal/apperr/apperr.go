// Package apperr classifies gateway failures so callers can decide whether to
// drop, retry or report them.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is the failure class of an error.
type Kind int

const (
	// KindUnknown is any error that was never classified.
	KindUnknown Kind = iota
	// KindInvalidEvent marks malformed input: bad payloads or bad requests.
	KindInvalidEvent
	// KindNotFound marks a lookup of an id that does not exist.
	KindNotFound
	// KindTransportFailure marks bus or device connectivity failures.
	KindTransportFailure
	// KindPersistenceFailure marks store errors.
	KindPersistenceFailure
)

func (k Kind) String() string {
	switch k {
	case KindInvalidEvent:
		return "invalid_event"
	case KindNotFound:
		return "not_found"
	case KindTransportFailure:
		return "transport_failure"
	case KindPersistenceFailure:
		return "persistence_failure"
	default:
		return "unknown"
	}
}

// Sentinels usable with errors.Is against any classified error of that kind.
var (
	ErrInvalidEvent       = errors.New("invalid event")
	ErrNotFound           = errors.New("not found")
	ErrTransportFailure   = errors.New("transport failure")
	ErrPersistenceFailure = errors.New("persistence failure")
)

// Error wraps an underlying error with its Kind and the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrNotFound) and friends match on Kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrInvalidEvent:
		return e.Kind == KindInvalidEvent
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrTransportFailure:
		return e.Kind == KindTransportFailure
	case ErrPersistenceFailure:
		return e.Kind == KindPersistenceFailure
	}
	return false
}

func newError(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// InvalidEvent builds an invalid-input error from a formatted message.
func InvalidEvent(op, format string, args ...any) error {
	return newError(KindInvalidEvent, op, fmt.Errorf(format, args...))
}

// NotFound reports a missing entity.
func NotFound(op, entity, id string) error {
	return newError(KindNotFound, op, fmt.Errorf("%s %q not found", entity, id))
}

// Transport wraps a connectivity failure. Returns nil for a nil err.
func Transport(op string, err error) error {
	return newError(KindTransportFailure, op, err)
}

// Persistence wraps a store failure. Returns nil for a nil err. Errors that
// are already classified keep their kind.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	return newError(KindPersistenceFailure, op, err)
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindUnknown
}

// IsInvalidEvent reports whether err is an InvalidEvent.
func IsInvalidEvent(err error) bool { return KindOf(err) == KindInvalidEvent }

// IsNotFound reports whether err is a NotFound.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsTransport reports whether err is a TransportFailure.
func IsTransport(err error) bool { return KindOf(err) == KindTransportFailure }
