package engine

import (
	"errors"
	"fmt"
	"strings"

	"planline/internal/depgraph"
	"planline/internal/domain"
)

var (
	ErrAlreadyExists          = errors.New("already exists")
	ErrNotFound               = errors.New("not found")
	ErrDuplicate              = errors.New("duplicate")
	ErrInvalidTransition      = errors.New("invalid transition")
	ErrLocked                 = errors.New("locked")
	ErrHasExternalRef         = errors.New("has external issue reference")
	ErrNotRemovable           = errors.New("not removable")
	ErrValidationFailed       = errors.New("validation failed")
	ErrBlockingCycle          = errors.New("blocking dependency cycle")
	ErrConcurrentModification = errors.New("concurrent modification")
)

// TransitionError reports a state change the lifecycle does not allow.
type TransitionError struct {
	Entity string
	Name   string
	From   string
	To     string
	Hint   string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("%s %q: cannot move from %s to %s", e.Entity, e.Name, e.From, e.To)
	if e.Hint != "" {
		msg += " (" + e.Hint + ")"
	}
	return msg
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// LockedError reports a change to work that has already started, or to a
// locked goal.
type LockedError struct {
	Entity string
	ID     string
	Status string
}

func (e *LockedError) Error() string {
	if e.Entity == "goal" {
		return "goal is locked; pass override to replace it"
	}
	return fmt.Sprintf("%s %s is %s and locked; pass force to change it anyway", e.Entity, e.ID, e.Status)
}

func (e *LockedError) Unwrap() error { return ErrLocked }

// ValidationError carries the failing exit criteria when approval is refused,
// or a plain message for rejected input.
type ValidationError struct {
	Message string
	Failing []domain.ExitCriterion
}

func (e *ValidationError) Error() string {
	if len(e.Failing) == 0 {
		return e.Message
	}
	names := make([]string, 0, len(e.Failing))
	for _, c := range e.Failing {
		names = append(names, c.Name)
	}
	return fmt.Sprintf("plan is not ready for approval; failing exit criteria: %s", strings.Join(names, ", "))
}

func (e *ValidationError) Unwrap() error { return ErrValidationFailed }

func invalidf(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

type CycleError struct {
	Cycle depgraph.Cycle
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("blocking dependency cycle (%s): %s; suggested strategy %s", e.Cycle.Severity, e.Cycle, e.Cycle.Strategy)
}

func (e *CycleError) Unwrap() error { return ErrBlockingCycle }

// ConcurrentModificationError means the record changed between read and write.
// Created lists issues that were opened before the conflict was detected.
type ConcurrentModificationError struct {
	ProjectID string
	Kind      string
	Expected  int64
	Created   []IssueRef
}

func (e *ConcurrentModificationError) Error() string {
	msg := fmt.Sprintf("%s for project %s changed since version %d; reload and retry", e.Kind, e.ProjectID, e.Expected)
	if len(e.Created) > 0 {
		msg += "; issues already created: " + formatRefs(e.Created)
	}
	return msg
}

func (e *ConcurrentModificationError) Unwrap() error { return ErrConcurrentModification }

// OrphanedIssuesError reports an approval that failed after issues were
// already opened in the tracker. The plan was not approved.
type OrphanedIssuesError struct {
	Err     error
	Created []IssueRef
}

func (e *OrphanedIssuesError) Error() string {
	return fmt.Sprintf("%v; issues already created: %s", e.Err, formatRefs(e.Created))
}

func (e *OrphanedIssuesError) Unwrap() error { return e.Err }

func formatRefs(created []IssueRef) string {
	refs := make([]string, 0, len(created))
	for _, c := range created {
		refs = append(refs, c.ModuleID+"="+c.Ref)
	}
	return strings.Join(refs, ", ")
}

// Code maps an error to a short, stable identifier for logs, metrics and API
// envelopes.
func Code(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrDuplicate):
		return "duplicate"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrLocked):
		return "locked"
	case errors.Is(err, ErrHasExternalRef):
		return "has_external_ref"
	case errors.Is(err, ErrNotRemovable):
		return "not_removable"
	case errors.Is(err, ErrValidationFailed):
		return "validation_failed"
	case errors.Is(err, ErrBlockingCycle):
		return "blocking_cycle"
	case errors.Is(err, ErrConcurrentModification):
		return "concurrent_modification"
	}
	return "internal"
}
