// Package icnerr defines the shared error taxonomy used across every core
// component, so callers at the API boundary can map failures onto exit
// codes with a single type switch instead of per-package sentinel soup.
package icnerr

import "errors"

// Kind classifies a failure. Every component returns an error that either
// wraps one of these kinds via Wrap/New, or is Internal by default.
type Kind int

const (
	Internal Kind = iota
	InvalidInput
	PermissionDenied
	Unauthenticated
	NotFound
	AlreadyExists
	Conflict
	IntegrityError
	QuotaExceeded
	InsufficientReplicas
	FederationUnavailable
	InvalidStateTransition
	Transient
)

func (k Kind) String() string {
	switch k {
	case InvalidInput:
		return "invalid_input"
	case PermissionDenied:
		return "permission_denied"
	case Unauthenticated:
		return "unauthenticated"
	case NotFound:
		return "not_found"
	case AlreadyExists:
		return "already_exists"
	case Conflict:
		return "conflict"
	case IntegrityError:
		return "integrity_error"
	case QuotaExceeded:
		return "quota_exceeded"
	case InsufficientReplicas:
		return "insufficient_replicas"
	case FederationUnavailable:
		return "federation_unavailable"
	case InvalidStateTransition:
		return "invalid_state_transition"
	case Transient:
		return "transient"
	default:
		return "internal"
	}
}

// Error is a taxonomy-tagged error. Use errors.As to recover the Kind at an
// API boundary (e.g. to pick a CLI exit code).
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a new taxonomy error with no wrapped cause.
func New(k Kind, msg string) error {
	return &Error{Kind: k, Msg: msg}
}

// Wrap tags an existing error with a taxonomy kind.
func Wrap(k Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: k, Msg: msg, Err: err}
}

// Is reports whether err (or something it wraps) carries the given Kind.
func Is(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}

// KindOf returns the Kind carried by err, or Internal if err does not carry
// one of our tagged errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Package-level sentinels for the common failure kinds.
var (
	ErrNotFound               = New(NotFound, "not found")
	ErrAlreadyExists          = New(AlreadyExists, "already exists")
	ErrPermissionDenied       = New(PermissionDenied, "permission denied")
	ErrUnauthenticated        = New(Unauthenticated, "unauthenticated")
	ErrIntegrity              = New(IntegrityError, "integrity check failed")
	ErrQuotaExceeded          = New(QuotaExceeded, "quota exceeded")
	ErrInsufficientReplicas   = New(InsufficientReplicas, "insufficient replicas")
	ErrFederationUnavailable  = New(FederationUnavailable, "federation unavailable")
	ErrInvalidStateTransition = New(InvalidStateTransition, "invalid state transition")
	ErrConflict               = New(Conflict, "conflict")
	ErrInvalidInput           = New(InvalidInput, "invalid input")
)
