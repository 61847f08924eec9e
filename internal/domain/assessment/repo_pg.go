package assessment

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/daycare/daycare/internal/domain/evaluation"
	"github.com/daycare/daycare/internal/platform/db"
)

// foreignKeyViolation is the Postgres SQLSTATE for a missing referenced row.
const foreignKeyViolation = "23503"

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func connFor(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return pool
}

// -- Forms --

type formRepoPG struct{ pool *pgxpool.Pool }

func NewFormRepoPG(pool *pgxpool.Pool) FormRepository {
	return &formRepoPG{pool: pool}
}

func (r *formRepoPG) Get(ctx context.Context, id uuid.UUID) (*Form, error) {
	q := connFor(ctx, r.pool)

	f := &Form{}
	err := q.QueryRow(ctx, `SELECT id, title FROM forms WHERE id = $1`, id).Scan(&f.ID, &f.Title)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrFormNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get form: %w", err)
	}

	if f.Questions, err = r.questions(ctx, q, id); err != nil {
		return nil, err
	}
	if f.Thresholds, err = r.thresholds(ctx, q, id); err != nil {
		return nil, err
	}
	return f, nil
}

func (r *formRepoPG) questions(ctx context.Context, q queryable, formID uuid.UUID) ([]evaluation.Question, error) {
	rows, err := q.Query(ctx, `
		SELECT id, form_id, type, position, text, scoring, constraints
		FROM questions WHERE form_id = $1
		ORDER BY position ASC, id ASC`, formID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	defer rows.Close()

	var items []evaluation.Question
	for rows.Next() {
		var qn evaluation.Question
		if err := rows.Scan(&qn.ID, &qn.FormID, &qn.Type, &qn.Position, &qn.Text, &qn.Scoring, &qn.Constraints); err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		items = append(items, qn)
	}
	return items, rows.Err()
}

func (r *formRepoPG) thresholds(ctx context.Context, q queryable, formID uuid.UUID) ([]evaluation.Threshold, error) {
	rows, err := q.Query(ctx, `
		SELECT id, form_id, min_score, max_score, result, COALESCE(description, '')
		FROM evaluation_thresholds WHERE form_id = $1
		ORDER BY min_score ASC`, formID)
	if err != nil {
		return nil, fmt.Errorf("list thresholds: %w", err)
	}
	defer rows.Close()

	var items []evaluation.Threshold
	for rows.Next() {
		var t evaluation.Threshold
		if err := rows.Scan(&t.ID, &t.FormID, &t.MinScore, &t.MaxScore, &t.Result, &t.Description); err != nil {
			return nil, fmt.Errorf("scan threshold: %w", err)
		}
		items = append(items, t)
	}
	return items, rows.Err()
}

// -- Submissions --

type submissionRepoPG struct{ pool *pgxpool.Pool }

func NewSubmissionRepoPG(pool *pgxpool.Pool) SubmissionRepository {
	return &submissionRepoPG{pool: pool}
}

const submissionCols = `id, patient_id, form_id, answers, total_evaluation_score, evaluation_result,
	evaluation_description, status, submitted_by, submitted_at`

func scanSubmission(row pgx.Row) (*Submission, error) {
	var s Submission
	err := row.Scan(&s.ID, &s.PatientID, &s.FormID, &s.Answers, &s.TotalEvaluationScore, &s.EvaluationResult,
		&s.EvaluationDescription, &s.Status, &s.SubmittedBy, &s.SubmittedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *submissionRepoPG) Create(ctx context.Context, s *Submission) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	err := connFor(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO submissions (id, patient_id, form_id, answers, total_evaluation_score,
			evaluation_result, evaluation_description, status, submitted_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING submitted_at`,
		s.ID, s.PatientID, s.FormID, s.Answers, s.TotalEvaluationScore,
		s.EvaluationResult, s.EvaluationDescription, s.Status, s.SubmittedBy,
	).Scan(&s.SubmittedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
			if pgErr.ConstraintName == "submissions_form_id_fkey" {
				return ErrFormNotFound
			}
			return ErrPatientNotFound
		}
		return fmt.Errorf("insert submission: %w", err)
	}
	return nil
}

func (r *submissionRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Submission, error) {
	s, err := scanSubmission(connFor(ctx, r.pool).QueryRow(ctx,
		`SELECT `+submissionCols+` FROM submissions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSubmissionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get submission: %w", err)
	}
	return s, nil
}

func (r *submissionRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Submission, int, error) {
	q := connFor(ctx, r.pool)

	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM submissions WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count submissions: %w", err)
	}

	rows, err := q.Query(ctx, `SELECT `+submissionCols+` FROM submissions
		WHERE patient_id = $1 ORDER BY submitted_at DESC, id DESC LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()

	var items []*Submission
	for rows.Next() {
		s, err := scanSubmission(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, s)
	}
	return items, total, rows.Err()
}
