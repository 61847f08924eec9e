package evaluation

import (
	"github.com/google/uuid"
)

// QuestionType is the closed set of question kinds a form may contain.
type QuestionType string

const (
	TypeMultipleChoice QuestionType = "multiple_choice"
	TypeTrueFalse      QuestionType = "true_false"
	TypeRating         QuestionType = "rating"
	TypeNumeric        QuestionType = "numeric"
	TypeText           QuestionType = "text"
)

// Numeric scoring modes.
const (
	NumericDirect = "direct"
	NumericFixed  = "fixed"
)

// OtherChoice is the answer value a multiple-choice question records when the
// respondent picked the free-form "other" option instead of a listed choice.
const OtherChoice = "other"

// Question maps to the questions table. Scoring and Constraints are stored as
// JSONB and may be partially populated; missing fields score as zero.
type Question struct {
	ID          uuid.UUID    `db:"id" json:"id"`
	FormID      uuid.UUID    `db:"form_id" json:"form_id"`
	Type        QuestionType `db:"type" json:"type"`
	Position    int          `db:"position" json:"position"`
	Text        string       `db:"text" json:"text"`
	Scoring     Scoring      `db:"scoring" json:"scoring"`
	Constraints Constraints  `db:"constraints" json:"constraints"`
}

// Choice is one selectable option of a multiple-choice question.
type Choice struct {
	Label string   `json:"label,omitempty"`
	Score *float64 `json:"score,omitempty"`
}

// Scoring holds the type-specific scoring configuration of a question.
type Scoring struct {
	Choices       []Choice `json:"choices,omitempty"`
	OtherScore    *float64 `json:"other_score,omitempty"`
	TrueScore     *float64 `json:"true_score,omitempty"`
	FalseScore    *float64 `json:"false_score,omitempty"`
	ScorePerPoint *float64 `json:"score_per_point,omitempty"`
	NumericMode   string   `json:"numeric_mode,omitempty"`
	FixedScore    *float64 `json:"fixed_score,omitempty"`
	BaseScore     *float64 `json:"base_score,omitempty"`
}

// Constraints holds the type-specific input bounds of a question.
type Constraints struct {
	AllowOther bool     `json:"allow_other,omitempty"`
	MinValue   *float64 `json:"min_value,omitempty"`
	MaxValue   *float64 `json:"max_value,omitempty"`
	RatingMin  *float64 `json:"rating_min,omitempty"`
	RatingMax  *float64 `json:"rating_max,omitempty"`
}

// Answer is a raw answer value scoped to one submission. Value carries the
// JSON-decoded shape: a number for multiple-choice indexes, ratings and numeric
// questions, a bool for true/false and a string for text or OtherChoice.
type Answer struct {
	QuestionID uuid.UUID `json:"question_id"`
	Value      any       `json:"value"`
}

// Threshold maps to the evaluation_thresholds table: a closed score band on a
// form with the qualitative result it stands for.
type Threshold struct {
	ID          uuid.UUID `db:"id" json:"id"`
	FormID      uuid.UUID `db:"form_id" json:"form_id"`
	MinScore    float64   `db:"min_score" json:"min_score"`
	MaxScore    float64   `db:"max_score" json:"max_score"`
	Result      string    `db:"result" json:"result"`
	Description string    `db:"description" json:"description"`
}

// Classification is the qualitative outcome of a total score.
type Classification struct {
	Result      string `json:"result"`
	Description string `json:"description"`
}

func valueOr(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}
