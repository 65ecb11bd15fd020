package governor

import (
	"errors"
	"fmt"
)

// Kind is the error taxonomy surfaced past the governor. Retryable
// failures are contained inside Invoke and only ever escape as the
// final classification of an exhausted invocation.
type Kind string

const (
	KindRetryable Kind = "retryable_error"
	KindFatal     Kind = "fatal_error"
	KindCancelled Kind = "cancelled"
)

// Fatal error reasons carried alongside KindFatal.
const (
	ReasonBudgetExceeded  = "budget_exceeded"
	ReasonSchemaViolation = "schema_violation"
	ReasonPolicyViolation = "policy_violation"
	ReasonMaxAttempts     = "max_attempts_exhausted"
)

// Error is a classified invocation failure. Reason is a stable,
// human-readable string; provider payloads are never passed through
// verbatim.
type Error struct {
	Kind   Kind
	Reason string
	err    error
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.err }

// IsBudgetExceeded reports whether err is a budget ceiling rejection.
func IsBudgetExceeded(err error) bool {
	var ge *Error
	return errors.As(err, &ge) && ge.Kind == KindFatal && ge.Reason == ReasonBudgetExceeded
}

// IsFatal reports whether err terminates the step (or run) rather than
// being retried.
func IsFatal(err error) bool {
	var ge *Error
	return errors.As(err, &ge) && ge.Kind == KindFatal
}

// IsCancelled reports whether err came from cooperative cancellation.
func IsCancelled(err error) bool {
	var ge *Error
	return errors.As(err, &ge) && ge.Kind == KindCancelled
}
