// Package pipeline defines the error taxonomy shared by every stage. All
// external-call failures are funneled through Classify so retry decisions
// stay uniform across heterogeneous stage logic.
package pipeline

import (
	"errors"
	"fmt"
)

// Class is the retry decision for a stage failure.
type Class int

const (
	// ClassTransient failures are retried with backoff.
	ClassTransient Class = iota
	// ClassPermanent failures stop immediately and are never retried.
	ClassPermanent
	// ClassBudget failures are deferred to the next daily reset.
	ClassBudget
	// ClassDuplicate is a success-equivalent no-op.
	ClassDuplicate
	// ClassIntegrity marks an unexpected uniqueness hit; the item is held
	// for manual inspection.
	ClassIntegrity
)

// ErrBudgetExceeded defers the calling task until the next UTC-midnight
// counter reset. It is not counted as a failure for alerting purposes.
var ErrBudgetExceeded = errors.New("daily budget exceeded")

// ErrDuplicate signals that the work was already done for this item.
var ErrDuplicate = errors.New("duplicate item")

// TransientError wraps timeouts, server errors, and rate-limit signals.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError wraps validation failures and malformed responses.
type PermanentError struct {
	Op  string
	Err error
}

func (e *PermanentError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

// IntegrityError wraps an unexpected uniqueness-constraint violation.
type IntegrityError struct {
	Op  string
	Err error
}

func (e *IntegrityError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *IntegrityError) Unwrap() error { return e.Err }

// Transientf builds a TransientError.
func Transientf(op string, format string, args ...any) error {
	return &TransientError{Op: op, Err: fmt.Errorf(format, args...)}
}

// Permanentf builds a PermanentError.
func Permanentf(op string, format string, args ...any) error {
	return &PermanentError{Op: op, Err: fmt.Errorf(format, args...)}
}

// Classify maps any stage error onto its retry class. Unknown errors are
// treated as transient so that network-level surprises get retried rather
// than silently dropped.
func Classify(err error) Class {
	switch {
	case errors.Is(err, ErrBudgetExceeded):
		return ClassBudget
	case errors.Is(err, ErrDuplicate):
		return ClassDuplicate
	}
	var (
		perm      *PermanentError
		integrity *IntegrityError
	)
	if errors.As(err, &integrity) {
		return ClassIntegrity
	}
	if errors.As(err, &perm) {
		return ClassPermanent
	}
	return ClassTransient
}
