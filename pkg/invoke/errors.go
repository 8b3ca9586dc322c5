package invoke

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAllProvidersUnavailable matches an AllProvidersUnavailableError.
	ErrAllProvidersUnavailable = errors.New("all providers unavailable")
	// ErrUnknownTaskType is returned for task types missing from the model table.
	ErrUnknownTaskType = errors.New("unknown task type")
	// ErrBudgetExceeded is returned when the run budget forbids another attempt.
	ErrBudgetExceeded = errors.New("budget exceeded")
)

// AttemptFailure describes one failed attempt.
type AttemptFailure struct {
	Capability string
	// Class is the failure class recorded in the ledger.
	Class string
	Err   error
}

// AllProvidersUnavailableError is terminal for one invocation: every
// endpoint in the chain was tried once and failed.
type AllProvidersUnavailableError struct {
	TaskType string
	Failures []AttemptFailure
}

func (e *AllProvidersUnavailableError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.Capability, f.Err))
	}
	return fmt.Sprintf("%s for %s (%s)", ErrAllProvidersUnavailable, e.TaskType, strings.Join(parts, "; "))
}

// Is reports a match against ErrAllProvidersUnavailable.
func (e *AllProvidersUnavailableError) Is(target error) bool {
	return target == ErrAllProvidersUnavailable
}

// Unwrap exposes the per-attempt causes.
func (e *AllProvidersUnavailableError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}
