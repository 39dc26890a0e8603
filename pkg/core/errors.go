package core

import (
	"errors"
	"fmt"
)

// Error taxonomy. Callers branch on these with errors.Is / errors.As to
// decide recoverability.
var (
	// ErrNotFound marks a referenced job, host, service or incident
	// that does not exist. Always recoverable by the caller.
	ErrNotFound = errors.New("dispatch: not found")

	// ErrConflict marks an operation that violates a lifecycle
	// invariant, e.g. a stale-version write or an incident stored
	// against a job the registry has never seen. Recoverable by
	// retry-with-refresh or by abandoning the attempt.
	ErrConflict = errors.New("dispatch: conflict")

	// ErrIllegalState marks an operation invoked at the wrong point in
	// a component's lifecycle, e.g. adding a job to a barrier that is
	// already waiting.
	ErrIllegalState = errors.New("dispatch: illegal state")
)

// Validation errors
var (
	ErrInvalidServiceType  = errors.New("dispatch: invalid service type name (must be alphanumeric, start with letter)")
	ErrServiceTypeTooLong  = errors.New("dispatch: service type name too long")
	ErrInvalidOperation    = errors.New("dispatch: invalid operation name")
	ErrOperationTooLong    = errors.New("dispatch: operation name too long")
	ErrArgumentsTooLarge   = errors.New("dispatch: job arguments exceed size limit")
	ErrInvalidHost         = errors.New("dispatch: invalid host name")
	ErrInvalidIncidentCode = errors.New("dispatch: invalid incident code")
)

// NotFound wraps ErrNotFound with context.
func NotFound(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
}

// Conflict wraps ErrConflict with context.
func Conflict(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrConflict)...)
}

// IllegalState wraps ErrIllegalState with context.
func IllegalState(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrIllegalState)...)
}

// TransportError indicates a network or serialization failure while
// talking to a remote registry. The job barrier treats it as transient;
// one-shot operations propagate it.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("dispatch: transport failure during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Transport wraps an error as a TransportError.
func Transport(op string, err error) error {
	return &TransportError{Op: op, Err: err}
}

// IsTransport reports whether err is (or wraps) a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
