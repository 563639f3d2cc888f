package checkout

import (
	"context"
	"errors"
	"fmt"
)

// Class buckets downstream failures for the state machine. The machine
// branches on the class alone and never inspects raw transport errors.
type Class int

const (
	// ClassTransient covers network failures, timeouts and explicit
	// "unavailable" responses. Retried by the gateway with bounded attempts.
	ClassTransient Class = iota

	// ClassPermanent covers validation failures and declined payments.
	// Never retried; the saga fails immediately.
	ClassPermanent

	// ClassPostCommit marks a failure after an irreversible side effect
	// (shipping failed after a successful charge). Triggers compensation.
	ClassPostCommit

	// ClassCompensationFailed marks a failed refund. Fatal; surfaced for
	// manual operator intervention.
	ClassCompensationFailed
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	case ClassPostCommit:
		return "post_commit"
	case ClassCompensationFailed:
		return "compensation_failed"
	}
	return "unknown"
}

// ClassifiedError carries a failure class alongside the underlying cause.
type ClassifiedError struct {
	Class Class
	Err   error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable failure.
func Transient(err error) error {
	return &ClassifiedError{Class: ClassTransient, Err: err}
}

// Permanent wraps err as a non-retryable failure.
func Permanent(err error) error {
	return &ClassifiedError{Class: ClassPermanent, Err: err}
}

// PostCommit wraps err as a failure occurring after an irreversible step.
func PostCommit(err error) error {
	return &ClassifiedError{Class: ClassPostCommit, Err: err}
}

// CompensationFailed wraps err as a failed compensation.
func CompensationFailed(err error) error {
	return &ClassifiedError{Class: ClassCompensationFailed, Err: err}
}

// ClassOf returns the class of err. Unclassified errors default to
// transient so an unknown transport failure is retried rather than
// surfaced as a bogus decline; context cancellation is never retried.
func ClassOf(err error) Class {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassPermanent
	}
	return ClassTransient
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) {
		return false
	}
	return ClassOf(err) == ClassTransient
}
