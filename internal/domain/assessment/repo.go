package assessment

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrFormNotFound       = errors.New("form not found")
	ErrSubmissionNotFound = errors.New("submission not found")
	ErrPatientNotFound    = errors.New("patient not found")
)

// FormRepository loads a form with its questions ordered by position and
// its threshold bands.
type FormRepository interface {
	Get(ctx context.Context, id uuid.UUID) (*Form, error)
}

type SubmissionRepository interface {
	Create(ctx context.Context, s *Submission) error
	GetByID(ctx context.Context, id uuid.UUID) (*Submission, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Submission, int, error)
}
