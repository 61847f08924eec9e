package grouping

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RuleKind tags the rule_config variant stored on a rule.
type RuleKind string

const RuleKindScoreBased RuleKind = "score_based"

// Operator is the aggregate predicate a score-based rule applies to the
// weighted average of the patient's scores.
type Operator string

const (
	OpGTE     Operator = "gte"
	OpLTE     Operator = "lte"
	OpEQ      Operator = "eq"
	OpBetween Operator = "between"
)

// eqEpsilon is the tolerance of the eq operator.
const eqEpsilon = 0.01

// Rule maps to the group_assignment_rules table.
type Rule struct {
	ID        uuid.UUID  `db:"id" json:"id"`
	Name      string     `db:"name" json:"name"`
	GroupID   uuid.UUID  `db:"group_id" json:"group_id"`
	Priority  int        `db:"priority" json:"priority"`
	IsActive  bool       `db:"is_active" json:"is_active"`
	RuleType  string     `db:"rule_type" json:"rule_type"`
	Config    RuleConfig `db:"rule_config" json:"rule_config"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
}

// RuleConfig is a closed set of rule configurations. ScoreBasedConfig is the
// only kind the matcher evaluates; anything else decodes to
// UnknownRuleConfig and is skipped.
type RuleConfig interface {
	Kind() RuleKind
	isRuleConfig()
}

// FormWeight is one required form of a score-based rule.
type FormWeight struct {
	FormID uuid.UUID `json:"form_id"`
	// Weight defaults to 1 when unset.
	Weight *float64 `json:"weight,omitempty"`
	// Threshold is carried for display. It does not take part in matching.
	Threshold *float64 `json:"threshold,omitempty"`
}

func (f FormWeight) weight() float64 {
	if f.Weight == nil {
		return 1
	}
	return *f.Weight
}

// ScoreBasedConfig matches a patient whose weighted average over Forms
// satisfies Operator with MinScore and MaxScore.
type ScoreBasedConfig struct {
	Forms    []FormWeight `json:"forms"`
	Operator Operator     `json:"operator"`
	MinScore *float64     `json:"min_score,omitempty"`
	MaxScore *float64     `json:"max_score,omitempty"`
}

func (ScoreBasedConfig) Kind() RuleKind { return RuleKindScoreBased }
func (ScoreBasedConfig) isRuleConfig()  {}

// Satisfied applies the operator to avg. An unset bound passes. For eq an
// unset min_score matches every average; this mirrors the rule data already
// in production and is kept on purpose.
func (c ScoreBasedConfig) Satisfied(avg float64) bool {
	switch c.Operator {
	case OpGTE:
		return c.MinScore == nil || avg >= *c.MinScore
	case OpLTE:
		return c.MaxScore == nil || avg <= *c.MaxScore
	case OpEQ:
		if c.MinScore == nil {
			return true
		}
		d := avg - *c.MinScore
		return d < eqEpsilon && d > -eqEpsilon
	case OpBetween:
		lower := c.MinScore == nil || avg >= *c.MinScore
		upper := c.MaxScore == nil || avg <= *c.MaxScore
		return lower && upper
	default:
		return false
	}
}

// UnknownRuleConfig holds a configuration the engine cannot evaluate: a rule
// type it does not know, or a score_based payload that failed to decode.
type UnknownRuleConfig struct {
	RuleType string          `json:"rule_type"`
	Raw      json.RawMessage `json:"raw,omitempty"`
	Err      error           `json:"-"`
}

func (u UnknownRuleConfig) Kind() RuleKind { return RuleKind(u.RuleType) }
func (UnknownRuleConfig) isRuleConfig()    {}

// MarshalJSON writes the original payload back out.
func (u UnknownRuleConfig) MarshalJSON() ([]byte, error) {
	if len(u.Raw) == 0 {
		return []byte("null"), nil
	}
	return u.Raw, nil
}

// DecodeRuleConfig never fails. Payloads it cannot evaluate come back as
// UnknownRuleConfig, with Err set when a known kind was malformed.
func DecodeRuleConfig(ruleType string, raw []byte) RuleConfig {
	if RuleKind(ruleType) != RuleKindScoreBased {
		return UnknownRuleConfig{RuleType: ruleType, Raw: raw}
	}
	var cfg ScoreBasedConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return UnknownRuleConfig{RuleType: ruleType, Raw: raw, Err: fmt.Errorf("decode %s rule config: %w", ruleType, err)}
	}
	return cfg
}

// ScoredSubmission is the slice of a submissions row the engine reads.
type ScoredSubmission struct {
	ID          uuid.UUID `db:"id" json:"id"`
	PatientID   uuid.UUID `db:"patient_id" json:"patient_id"`
	FormID      uuid.UUID `db:"form_id" json:"form_id"`
	TotalScore  *float64  `db:"total_evaluation_score" json:"total_evaluation_score,omitempty"`
	SubmittedAt time.Time `db:"submitted_at" json:"submitted_at"`
}

// PatientScore is the patient's latest score on one form. Weight is always
// 1; matching uses the rule's own weights.
type PatientScore struct {
	FormID       uuid.UUID `json:"form_id"`
	Score        float64   `json:"score"`
	Weight       float64   `json:"weight"`
	SubmissionID uuid.UUID `json:"submission_id"`
	SubmittedAt  time.Time `json:"submitted_at"`
}

// MembershipState is the state of a patient's group membership.
type MembershipState int

const (
	Unassigned MembershipState = iota
	AssignedTo
)

func (s MembershipState) String() string {
	if s == AssignedTo {
		return "assigned"
	}
	return "unassigned"
}

// Membership is a patient's current group. A nil GroupID is Unassigned.
type Membership struct {
	PatientID uuid.UUID  `db:"id" json:"patient_id"`
	GroupID   *uuid.UUID `db:"group_id" json:"group_id,omitempty"`
}

func (m Membership) State() MembershipState {
	if m.GroupID == nil {
		return Unassigned
	}
	return AssignedTo
}

// IsAssignedTo reports whether the patient is currently in group.
func (m Membership) IsAssignedTo(group uuid.UUID) bool {
	return m.GroupID != nil && *m.GroupID == group
}

// Plan returns the transition that moves the patient to rule's group, or
// false when the patient is already there.
func (m Membership) Plan(rule *Rule, submissionID *uuid.UUID) (*Transition, bool) {
	if m.IsAssignedTo(rule.GroupID) {
		return nil, false
	}
	ruleID := rule.ID
	return &Transition{
		PatientID:    m.PatientID,
		From:         m.GroupID,
		To:           rule.GroupID,
		RuleID:       &ruleID,
		SubmissionID: submissionID,
		Reason:       AssignmentReason(rule),
	}, true
}

// AssignmentReason is the history text recorded for an automatic assignment.
func AssignmentReason(rule *Rule) string {
	return fmt.Sprintf("automatically assigned by rule %q", rule.Name)
}

// Transition moves a patient from From to To. Applying it must update the
// patient's group only while it still equals From, and must append exactly
// one history entry.
type Transition struct {
	PatientID    uuid.UUID
	From         *uuid.UUID
	To           uuid.UUID
	RuleID       *uuid.UUID
	SubmissionID *uuid.UUID
	Reason       string
}

// HistoryEntry builds the audit row for t.
func (t *Transition) HistoryEntry() *HistoryEntry {
	to := t.To
	return &HistoryEntry{
		PatientID:    t.PatientID,
		OldGroupID:   t.From,
		NewGroupID:   &to,
		Reason:       t.Reason,
		RuleID:       t.RuleID,
		SubmissionID: t.SubmissionID,
	}
}

// HistoryEntry maps to the append-only patient_group_assignments table.
type HistoryEntry struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	PatientID    uuid.UUID  `db:"patient_id" json:"patient_id"`
	OldGroupID   *uuid.UUID `db:"old_group_id" json:"old_group_id,omitempty"`
	NewGroupID   *uuid.UUID `db:"new_group_id" json:"new_group_id,omitempty"`
	Reason       string     `db:"reason" json:"reason"`
	RuleID       *uuid.UUID `db:"rule_id" json:"rule_id,omitempty"`
	SubmissionID *uuid.UUID `db:"submission_id" json:"submission_id,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
}
