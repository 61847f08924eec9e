package assessment

import (
	"time"

	"github.com/google/uuid"

	"github.com/daycare/daycare/internal/domain/evaluation"
)

// Submission statuses.
const (
	StatusCompleted = "completed"
)

// Form maps to the forms table together with its questions and threshold
// bands.
type Form struct {
	ID         uuid.UUID              `db:"id" json:"id"`
	Title      string                 `db:"title" json:"title"`
	Questions  []evaluation.Question  `json:"questions"`
	Thresholds []evaluation.Threshold `json:"thresholds"`
}

// Submission maps to the submissions table. The evaluation columns are nil
// until the submission has been scored.
type Submission struct {
	ID                    uuid.UUID           `db:"id" json:"id"`
	PatientID             uuid.UUID           `db:"patient_id" json:"patient_id"`
	FormID                uuid.UUID           `db:"form_id" json:"form_id"`
	Answers               []evaluation.Answer `db:"answers" json:"answers"`
	TotalEvaluationScore  *float64            `db:"total_evaluation_score" json:"total_evaluation_score,omitempty"`
	EvaluationResult      *string             `db:"evaluation_result" json:"evaluation_result,omitempty"`
	EvaluationDescription *string             `db:"evaluation_description" json:"evaluation_description,omitempty"`
	Status                string              `db:"status" json:"status"`
	SubmittedBy           *string             `db:"submitted_by" json:"submitted_by,omitempty"`
	SubmittedAt           time.Time           `db:"submitted_at" json:"submitted_at"`
}

// Evaluation is the scored view of one submission.
type Evaluation struct {
	SubmissionID uuid.UUID `json:"submission_id"`
	FormID       uuid.UUID `json:"form_id"`
	TotalScore   float64   `json:"total_score"`
	Result       string    `json:"result,omitempty"`
	Description  string    `json:"description,omitempty"`
	MaximumScore float64   `json:"maximum_score"`
	Percentage   float64   `json:"percentage"`
}

// Receipt is what a completed submission returns to its writer.
type Receipt struct {
	Submission *Submission `json:"submission"`
	Evaluation *Evaluation `json:"evaluation"`
}
