package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the orchestration core.
var (
	// Input and state machine errors
	ErrValidation        = errors.New("validation error")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrNotFound          = errors.New("not found")

	// Coordination errors, expected under contention and retried by callers
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrLeaseExpired        = errors.New("lease expired")

	// Decomposition errors
	ErrCyclicDependency = errors.New("cyclic dependency")

	// Billing errors
	ErrInsufficientCredits = errors.New("insufficient credits")

	// Retry errors
	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")
)

// Error carries the taxonomy kind together with the entity it concerns
type Error struct {
	Kind   error
	Entity EntityKind
	Msg    string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	prefix := e.Kind.Error()
	if e.Entity != "" {
		prefix = string(e.Entity) + " " + prefix
	}
	if e.Msg == "" {
		return prefix
	}
	return fmt.Sprintf("%s: %s", prefix, e.Msg)
}

func (e *Error) Unwrap() error { return e.Kind }

// Errorf builds an *Error of the given kind
func Errorf(kind error, entity EntityKind, format string, args ...any) error {
	return &Error{Kind: kind, Entity: entity, Msg: fmt.Sprintf(format, args...)}
}

// IsExpected reports errors that belong to the normal retry loop
// (CAS conflicts and stale leases). They are never operator-visible failures.
func IsExpected(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict) || errors.Is(err, ErrLeaseExpired)
}
