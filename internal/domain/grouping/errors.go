package grouping

import (
	"errors"
	"fmt"
)

var (
	// ErrStaleMembership means the patient's group changed between the read
	// and the conditional update.
	ErrStaleMembership = errors.New("patient group changed concurrently")
	ErrPatientNotFound = errors.New("patient not found")
)

// Lookup sources.
const (
	SourceRules   = "rules"
	SourcePatient = "patient"
	SourceScores  = "scores"
)

// Transition stages.
const (
	StageUpdateGroup   = "update_group"
	StageAppendHistory = "append_history"
	StageCommit        = "commit"
)

// LookupError is a failed read of rules, patient state or scores. Nothing
// has been written, so the event can be retried.
type LookupError struct {
	Source string
	Err    error
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("lookup %s: %v", e.Source, e.Err)
}

func (e *LookupError) Unwrap() error { return e.Err }

// TransitionError is a failed group transition. Applied is true when the
// patient's group was changed but the history entry was not written.
type TransitionError struct {
	Applied bool
	Stage   string
	Err     error
}

func (e *TransitionError) Error() string {
	if e.Applied {
		return fmt.Sprintf("group applied, %s failed: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("transition %s: %v", e.Stage, e.Err)
}

func (e *TransitionError) Unwrap() error { return e.Err }

// IsPartial reports whether err left the patient's group changed without an
// audit entry. Such errors must not be retried as a whole.
func IsPartial(err error) bool {
	var te *TransitionError
	return errors.As(err, &te) && te.Applied
}

// IsRetryable reports whether nothing was written and the event can be
// delivered again.
func IsRetryable(err error) bool {
	if err == nil || IsPartial(err) {
		return false
	}
	var le *LookupError
	var te *TransitionError
	return errors.As(err, &le) || errors.As(err, &te)
}
