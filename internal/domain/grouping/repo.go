package grouping

import (
	"context"

	"github.com/google/uuid"
)

// RuleSource lists active assignment rules. Implementations return them
// ordered as SortRules does.
type RuleSource interface {
	ListActive(ctx context.Context) ([]Rule, error)
}

// ScoreSource lists a patient's submissions that carry a total score, most
// recent first.
type ScoreSource interface {
	ListScored(ctx context.Context, patientID uuid.UUID) ([]ScoredSubmission, error)
}

// MembershipStore reads and transitions a patient's current group.
type MembershipStore interface {
	// Get returns ErrPatientNotFound when the patient does not exist.
	Get(ctx context.Context, patientID uuid.UUID) (*Membership, error)
	// ApplyTransition updates the group only while it still equals t.From and
	// appends the history entry. A lost race returns ErrStaleMembership.
	ApplyTransition(ctx context.Context, t *Transition) (*HistoryEntry, error)
}

// HistoryStore reads the append-only assignment history.
type HistoryStore interface {
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*HistoryEntry, int, error)
}

// MembershipRepository is a MembershipStore that also serves the history it
// writes.
type MembershipRepository interface {
	MembershipStore
	HistoryStore
}

// Ledger remembers deliveries that were already handled. It is an
// optimisation only; correctness rests on the conditional transition.
type Ledger interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string) error
}
