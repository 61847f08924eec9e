package assessment

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/daycare/daycare/internal/domain/evaluation"
)

// SubmitInput is one completed questionnaire.
type SubmitInput struct {
	PatientID   uuid.UUID
	FormID      uuid.UUID
	Answers     []evaluation.Answer
	SubmittedBy string
}

type Service struct {
	forms       FormRepository
	submissions SubmissionRepository
	logger      zerolog.Logger
}

func NewService(forms FormRepository, submissions SubmissionRepository, logger zerolog.Logger) *Service {
	return &Service{
		forms:       forms,
		submissions: submissions,
		logger:      logger.With().Str("component", "assessment").Logger(),
	}
}

// Submit scores the answers against the form as it is now, classifies the
// total and stores the completed submission. Group assignment follows from
// the database change notification for the new row.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (*Receipt, error) {
	form, err := s.forms.Get(ctx, in.FormID)
	if err != nil {
		return nil, err
	}

	total := evaluation.ScoreSubmission(form.Questions, in.Answers)
	sub := &Submission{
		PatientID:            in.PatientID,
		FormID:               in.FormID,
		Answers:              in.Answers,
		TotalEvaluationScore: &total,
		Status:               StatusCompleted,
	}
	if sub.Answers == nil {
		sub.Answers = []evaluation.Answer{}
	}
	if in.SubmittedBy != "" {
		by := in.SubmittedBy
		sub.SubmittedBy = &by
	}
	if c := evaluation.Classify(total, form.Thresholds); c != nil {
		sub.EvaluationResult = &c.Result
		sub.EvaluationDescription = &c.Description
	}

	if err := s.submissions.Create(ctx, sub); err != nil {
		return nil, err
	}

	ev := evaluate(sub, form.Questions)
	s.logger.Info().
		Str("submission_id", sub.ID.String()).
		Str("patient_id", sub.PatientID.String()).
		Str("form_id", sub.FormID.String()).
		Float64("total_score", total).
		Str("result", ev.Result).
		Msg("submission scored")
	return &Receipt{Submission: sub, Evaluation: ev}, nil
}

// Evaluation returns the stored score of a submission with the form's
// current maximum. A submission stored before it was scored is scored now.
func (s *Service) Evaluation(ctx context.Context, submissionID uuid.UUID) (*Evaluation, error) {
	sub, err := s.submissions.GetByID(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	form, err := s.forms.Get(ctx, sub.FormID)
	if err != nil {
		return nil, fmt.Errorf("load form of submission %s: %w", submissionID, err)
	}

	if sub.TotalEvaluationScore == nil {
		total := evaluation.ScoreSubmission(form.Questions, sub.Answers)
		sub.TotalEvaluationScore = &total
		if c := evaluation.Classify(total, form.Thresholds); c != nil {
			sub.EvaluationResult = &c.Result
			sub.EvaluationDescription = &c.Description
		}
	}
	return evaluate(sub, form.Questions), nil
}

func (s *Service) MaximumScore(ctx context.Context, formID uuid.UUID) (float64, error) {
	form, err := s.forms.Get(ctx, formID)
	if err != nil {
		return 0, err
	}
	return evaluation.MaximumScore(form.Questions), nil
}

func (s *Service) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Submission, int, error) {
	return s.submissions.ListByPatient(ctx, patientID, limit, offset)
}

func evaluate(sub *Submission, questions []evaluation.Question) *Evaluation {
	ev := &Evaluation{
		SubmissionID: sub.ID,
		FormID:       sub.FormID,
		MaximumScore: evaluation.MaximumScore(questions),
	}
	if sub.TotalEvaluationScore != nil {
		ev.TotalScore = *sub.TotalEvaluationScore
	}
	if sub.EvaluationResult != nil {
		ev.Result = *sub.EvaluationResult
	}
	if sub.EvaluationDescription != nil {
		ev.Description = *sub.EvaluationDescription
	}
	ev.Percentage = evaluation.Percentage(ev.TotalScore, ev.MaximumScore)
	return ev
}
