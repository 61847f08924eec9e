package grouping

import (
	"bytes"
	"sort"

	"github.com/google/uuid"
)

// Match is the rule a patient satisfied and the weighted average it was
// judged on.
type Match struct {
	Rule    *Rule
	Average float64
}

// SortRules orders rules for evaluation: priority descending, then oldest
// first, then by id so equal rules always evaluate in the same order.
func SortRules(rules []Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		a, b := rules[i], rules[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return bytes.Compare(a.ID[:], b.ID[:]) < 0
	})
}

// FindBestMatchingGroup returns the first rule, in the given order, whose
// predicate the patient's scores satisfy. Rules are expected to be sorted
// with SortRules. Inactive rules, unknown rule kinds and rules whose forms
// the patient has not all completed are skipped. Returns nil when nothing
// matches.
func FindBestMatchingGroup(rules []Rule, scores []PatientScore) *Match {
	byForm := make(map[uuid.UUID]float64, len(scores))
	for _, s := range scores {
		byForm[s.FormID] = s.Score
	}

	for i := range rules {
		rule := &rules[i]
		if !rule.IsActive {
			continue
		}
		cfg, ok := rule.Config.(ScoreBasedConfig)
		if !ok {
			continue
		}
		avg, ok := WeightedAverage(cfg.Forms, byForm)
		if !ok {
			continue
		}
		if cfg.Satisfied(avg) {
			return &Match{Rule: rule, Average: avg}
		}
	}
	return nil
}

// WeightedAverage computes sum(score*weight)/sum(weight) over forms. It
// reports false when forms is empty, when any form has no score, or when the
// weights do not sum to a positive number.
func WeightedAverage(forms []FormWeight, scores map[uuid.UUID]float64) (float64, bool) {
	if len(forms) == 0 {
		return 0, false
	}
	var sum, totalWeight float64
	for _, f := range forms {
		score, ok := scores[f.FormID]
		if !ok {
			return 0, false
		}
		w := f.weight()
		sum += score * w
		totalWeight += w
	}
	if totalWeight <= 0 {
		return 0, false
	}
	return sum / totalWeight, true
}
