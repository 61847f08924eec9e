package grouping

import (
	"sort"

	"github.com/google/uuid"
)

// LatestScores keeps the most recent scored submission per form. Submissions
// without a total score are ignored. The result is ordered newest first.
func LatestScores(subs []ScoredSubmission) []PatientScore {
	sorted := make([]ScoredSubmission, 0, len(subs))
	for _, s := range subs {
		if s.TotalScore != nil {
			sorted = append(sorted, s)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].SubmittedAt.After(sorted[j].SubmittedAt)
	})

	seen := make(map[uuid.UUID]bool, len(sorted))
	out := make([]PatientScore, 0, len(sorted))
	for _, s := range sorted {
		if seen[s.FormID] {
			continue
		}
		seen[s.FormID] = true
		out = append(out, PatientScore{
			FormID:       s.FormID,
			Score:        *s.TotalScore,
			Weight:       1,
			SubmissionID: s.ID,
			SubmittedAt:  s.SubmittedAt,
		})
	}
	return out
}
