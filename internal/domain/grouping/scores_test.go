package grouping

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestLatestScores_KeepsNewestPerForm(t *testing.T) {
	fA, fB := uuid.New(), uuid.New()
	now := time.Now()
	newestA := uuid.New()

	subs := []ScoredSubmission{
		{ID: uuid.New(), FormID: fA, TotalScore: f64(10), SubmittedAt: now.Add(-48 * time.Hour)},
		{ID: newestA, FormID: fA, TotalScore: f64(30), SubmittedAt: now},
		{ID: uuid.New(), FormID: fB, TotalScore: f64(55), SubmittedAt: now.Add(-time.Hour)},
		{ID: uuid.New(), FormID: fA, TotalScore: f64(20), SubmittedAt: now.Add(-24 * time.Hour)},
	}

	got := LatestScores(subs)
	if len(got) != 2 {
		t.Fatalf("expected 2 scores, got %d", len(got))
	}
	if got[0].FormID != fA || got[0].Score != 30 || got[0].SubmissionID != newestA {
		t.Errorf("expected newest A first, got %+v", got[0])
	}
	if got[1].FormID != fB || got[1].Score != 55 {
		t.Errorf("expected B second, got %+v", got[1])
	}
	for _, s := range got {
		if s.Weight != 1 {
			t.Errorf("expected default weight 1, got %v", s.Weight)
		}
	}
}

func TestLatestScores_IgnoresUnscored(t *testing.T) {
	f := uuid.New()
	now := time.Now()
	subs := []ScoredSubmission{
		{ID: uuid.New(), FormID: f, TotalScore: nil, SubmittedAt: now},
		{ID: uuid.New(), FormID: f, TotalScore: f64(42), SubmittedAt: now.Add(-time.Minute)},
	}

	got := LatestScores(subs)
	if len(got) != 1 || got[0].Score != 42 {
		t.Fatalf("expected the scored submission, got %+v", got)
	}
}

func TestLatestScores_Empty(t *testing.T) {
	if got := LatestScores(nil); len(got) != 0 {
		t.Errorf("expected no scores, got %+v", got)
	}
}
