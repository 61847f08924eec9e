// Package evaluation turns questionnaire answers into numeric scores and maps
// totals onto a form's threshold bands. Every function here is pure and never
// fails: malformed configuration or answers contribute zero, and a total that
// no band covers classifies to nil.
package evaluation

import (
	"encoding/json"
	"math"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// ScoreQuestion returns the score a single answer earns on its question. A
// pair whose question IDs disagree scores zero.
func ScoreQuestion(q *Question, a *Answer) float64 {
	if q == nil || a == nil || a.QuestionID != q.ID {
		return 0
	}
	s := q.Scoring

	switch q.Type {
	case TypeMultipleChoice:
		if str, ok := a.Value.(string); ok && str == OtherChoice {
			return valueOr(s.OtherScore, 0)
		}
		idx, ok := choiceIndex(a.Value, len(s.Choices))
		if !ok {
			return 0
		}
		return valueOr(s.Choices[idx].Score, 0)

	case TypeTrueFalse:
		b, ok := a.Value.(bool)
		if !ok {
			return 0
		}
		if b {
			return valueOr(s.TrueScore, 0)
		}
		return valueOr(s.FalseScore, 0)

	case TypeRating:
		v, ok := number(a.Value)
		if !ok {
			return 0
		}
		return v * valueOr(s.ScorePerPoint, 1)

	case TypeNumeric:
		switch s.NumericMode {
		case NumericDirect:
			v, ok := number(a.Value)
			if !ok {
				return 0
			}
			return v
		case NumericFixed:
			return valueOr(s.FixedScore, 0)
		}
		return 0

	case TypeText:
		str, ok := a.Value.(string)
		if !ok || strings.TrimSpace(str) == "" {
			return 0
		}
		return valueOr(s.BaseScore, 0)
	}
	return 0
}

// ScoreSubmission sums the answer scores over the form's question set.
// Questions without an answer contribute nothing; answers to questions outside
// the set are ignored.
func ScoreSubmission(questions []Question, answers []Answer) float64 {
	byQuestion := make(map[uuid.UUID]*Answer, len(answers))
	for i := range answers {
		if _, dup := byQuestion[answers[i].QuestionID]; dup {
			continue
		}
		byQuestion[answers[i].QuestionID] = &answers[i]
	}

	var total float64
	for i := range questions {
		a, ok := byQuestion[questions[i].ID]
		if !ok {
			continue
		}
		total += ScoreQuestion(&questions[i], a)
	}
	return total
}

// MaximumScore returns the best total any answer set could reach on the
// question set. It backs percentage displays only.
func MaximumScore(questions []Question) float64 {
	var total float64
	for i := range questions {
		total += maxQuestionScore(&questions[i])
	}
	return total
}

func maxQuestionScore(q *Question) float64 {
	s := q.Scoring

	switch q.Type {
	case TypeMultipleChoice:
		best, seen := 0.0, false
		for _, c := range s.Choices {
			v := valueOr(c.Score, 0)
			if !seen || v > best {
				best, seen = v, true
			}
		}
		if s.OtherScore != nil && (!seen || *s.OtherScore > best) {
			best = *s.OtherScore
		}
		return best

	case TypeTrueFalse:
		return math.Max(valueOr(s.TrueScore, 0), valueOr(s.FalseScore, 0))

	case TypeRating:
		return valueOr(q.Constraints.RatingMax, 0) * valueOr(s.ScorePerPoint, 1)

	case TypeNumeric:
		switch s.NumericMode {
		case NumericDirect:
			return valueOr(q.Constraints.MaxValue, 0)
		case NumericFixed:
			return valueOr(s.FixedScore, 0)
		}
		return 0

	case TypeText:
		return valueOr(s.BaseScore, 0)
	}
	return 0
}

// Classify returns the band containing score, or nil when none does. Bands are
// closed on both ends and checked in ascending MinScore order. When the next
// band starts within one point of a band's MaxScore the two are contiguous and
// a fractional score between them belongs to the lower band (49.99 falls in
// [0,49] when [50,100] follows).
func Classify(score float64, thresholds []Threshold) *Classification {
	if len(thresholds) == 0 || math.IsNaN(score) {
		return nil
	}

	bands := make([]Threshold, len(thresholds))
	copy(bands, thresholds)
	sort.SliceStable(bands, func(i, j int) bool {
		return bands[i].MinScore < bands[j].MinScore
	})

	for i, b := range bands {
		if b.MinScore <= score && score <= b.MaxScore {
			return &Classification{Result: b.Result, Description: b.Description}
		}
		if i+1 < len(bands) {
			next := bands[i+1].MinScore
			if next > b.MaxScore && next-b.MaxScore <= 1 && b.MaxScore < score && score < next && b.MinScore <= score {
				return &Classification{Result: b.Result, Description: b.Description}
			}
		}
	}
	return nil
}

// Percentage expresses total as a share of maximum, or 0 when maximum is not
// positive.
func Percentage(total, maximum float64) float64 {
	if maximum <= 0 {
		return 0
	}
	return total / maximum * 100
}

func number(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func choiceIndex(v any, n int) (int, bool) {
	f, ok := number(v)
	if !ok || f != math.Trunc(f) || f < 0 || f >= float64(n) {
		return 0, false
	}
	return int(f), true
}
