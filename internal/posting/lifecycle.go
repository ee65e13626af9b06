package posting

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound indicates the posting does not exist (or belongs to another user).
	ErrNotFound = errors.New("posting not found")
	// ErrInvalidTransition indicates the posting's status does not allow the requested change.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrPermanent marks a task failure that retrying cannot fix.
	ErrPermanent = errors.New("permanent failure")
	// ErrQueueClosed is returned by a task queue after Close.
	ErrQueueClosed = errors.New("queue closed")
)

var transitions = map[Status][]Status{
	StatusPending:     {StatusProcessing},
	StatusProcessing:  {StatusProcessing, StatusCompleted, StatusNeedsReview, StatusFailed},
	StatusFailed:      {StatusPending, StatusProcessing},
	StatusNeedsReview: {StatusCompleted, StatusNeedsReview},
	StatusCompleted:   {StatusCompleted, StatusNeedsReview},
}

// CanTransition reports whether a posting may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CanReenter reports whether the pipeline may be started for a posting in status s.
func CanReenter(s Status) bool {
	return s == StatusPending || s == StatusFailed
}

// CanEdit reports whether fields may be edited by hand in status s.
func CanEdit(s Status) bool {
	return s == StatusNeedsReview || s == StatusCompleted
}

// TransitionError describes a rejected status change.
type TransitionError struct {
	ID   string
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("posting %s: cannot move from %s to %s", e.ID, e.From, e.To)
}

// Unwrap lets errors.Is match ErrInvalidTransition.
func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// Permanent wraps err so the task orchestrator will not retry it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() []error { return []error{e.err, ErrPermanent} }

// Verdict is the outcome of the completeness gate.
type Verdict struct {
	Status       Status
	ErrorMessage string
	Missing      []string
}

// MinDescriptionLength is the description length a complete posting must exceed.
const MinDescriptionLength = 50

// Evaluate applies the required-field rule to f. It is a pure function and is
// used both at the end of the pipeline and after manual edits.
func Evaluate(f Fields) Verdict {
	var missing []string
	if strings.TrimSpace(f.CompanyName) == "" {
		missing = append(missing, "company name")
	}
	if strings.TrimSpace(f.JobTitle) == "" {
		missing = append(missing, "job title")
	}
	if len([]rune(strings.TrimSpace(f.Description))) <= MinDescriptionLength {
		missing = append(missing, "job description")
	}
	if len(missing) == 0 {
		return Verdict{Status: StatusCompleted}
	}
	return Verdict{
		Status: StatusNeedsReview,
		ErrorMessage: fmt.Sprintf(
			"Missing required fields: %s. Use manual entry to add details.",
			strings.Join(missing, ", "),
		),
		Missing: missing,
	}
}
