package grouping

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/daycare/daycare/internal/platform/db"
)

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

// -- Rules --

type ruleRepoPG struct{ pool *pgxpool.Pool }

func NewRuleRepoPG(pool *pgxpool.Pool) RuleSource {
	return &ruleRepoPG{pool: pool}
}

// ruleOrder matches SortRules.
const ruleOrder = `ORDER BY priority DESC, created_at ASC, id ASC`

const ruleCols = `id, name, group_id, priority, is_active, rule_type, rule_config, created_at`

func scanRule(row pgx.Row) (Rule, error) {
	var r Rule
	var raw []byte
	err := row.Scan(&r.ID, &r.Name, &r.GroupID, &r.Priority, &r.IsActive, &r.RuleType, &raw, &r.CreatedAt)
	if err != nil {
		return r, err
	}
	r.Config = DecodeRuleConfig(r.RuleType, raw)
	return r, nil
}

func (r *ruleRepoPG) ListActive(ctx context.Context) ([]Rule, error) {
	rows, err := connFor(ctx, r.pool).Query(ctx,
		`SELECT `+ruleCols+` FROM group_assignment_rules WHERE is_active = TRUE `+ruleOrder)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, rule)
	}
	return items, rows.Err()
}

// -- Scores --

type scoreRepoPG struct{ pool *pgxpool.Pool }

func NewScoreRepoPG(pool *pgxpool.Pool) ScoreSource {
	return &scoreRepoPG{pool: pool}
}

func (r *scoreRepoPG) ListScored(ctx context.Context, patientID uuid.UUID) ([]ScoredSubmission, error) {
	rows, err := connFor(ctx, r.pool).Query(ctx, `
		SELECT id, patient_id, form_id, total_evaluation_score, submitted_at
		FROM submissions
		WHERE patient_id = $1 AND total_evaluation_score IS NOT NULL
		ORDER BY submitted_at DESC, id DESC`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []ScoredSubmission
	for rows.Next() {
		var s ScoredSubmission
		if err := rows.Scan(&s.ID, &s.PatientID, &s.FormID, &s.TotalScore, &s.SubmittedAt); err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, rows.Err()
}

// -- Membership and history --

type membershipRepoPG struct{ pool *pgxpool.Pool }

// NewMembershipRepoPG returns the store that owns patients.group_id and the
// patient_group_assignments history.
func NewMembershipRepoPG(pool *pgxpool.Pool) MembershipRepository {
	return &membershipRepoPG{pool: pool}
}

func (r *membershipRepoPG) Get(ctx context.Context, patientID uuid.UUID) (*Membership, error) {
	m := &Membership{}
	err := connFor(ctx, r.pool).QueryRow(ctx,
		`SELECT id, group_id FROM patients WHERE id = $1`, patientID).Scan(&m.PatientID, &m.GroupID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPatientNotFound
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ApplyTransition runs the conditional update and the history insert in one
// transaction, so neither is visible without the other.
func (r *membershipRepoPG) ApplyTransition(ctx context.Context, t *Transition) (*HistoryEntry, error) {
	var entry *HistoryEntry
	stage := StageUpdateGroup

	err := db.RunInTx(ctx, r.pool, pgx.TxOptions{}, func(ctx context.Context) error {
		q := connFor(ctx, r.pool)
		tag, err := q.Exec(ctx, `
			UPDATE patients SET group_id = $2
			WHERE id = $1 AND group_id IS NOT DISTINCT FROM $3`,
			t.PatientID, t.To, t.From)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrStaleMembership
		}

		stage = StageAppendHistory
		e := t.HistoryEntry()
		e.ID = uuid.New()
		if err := q.QueryRow(ctx, `
			INSERT INTO patient_group_assignments
				(id, patient_id, old_group_id, new_group_id, reason, rule_id, submission_id)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
			RETURNING created_at`,
			e.ID, e.PatientID, e.OldGroupID, e.NewGroupID, e.Reason, e.RuleID, e.SubmissionID,
		).Scan(&e.CreatedAt); err != nil {
			return err
		}
		entry = e
		stage = StageCommit
		return nil
	})
	if err != nil {
		return nil, &TransitionError{Stage: stage, Err: err}
	}
	return entry, nil
}

const historyCols = `id, patient_id, old_group_id, new_group_id, reason, rule_id, submission_id, created_at`

func (r *membershipRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*HistoryEntry, int, error) {
	q := connFor(ctx, r.pool)
	var total int
	if err := q.QueryRow(ctx,
		`SELECT COUNT(*) FROM patient_group_assignments WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count history: %w", err)
	}
	rows, err := q.Query(ctx, `SELECT `+historyCols+` FROM patient_group_assignments
		WHERE patient_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.ID, &e.PatientID, &e.OldGroupID, &e.NewGroupID, &e.Reason,
			&e.RuleID, &e.SubmissionID, &e.CreatedAt); err != nil {
			return nil, 0, err
		}
		items = append(items, &e)
	}
	return items, total, rows.Err()
}
