package grouping

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func scoreRule(name string, priority int, group uuid.UUID, cfg ScoreBasedConfig) Rule {
	return Rule{
		ID:        uuid.New(),
		Name:      name,
		GroupID:   group,
		Priority:  priority,
		IsActive:  true,
		RuleType:  string(RuleKindScoreBased),
		Config:    cfg,
		CreatedAt: time.Now(),
	}
}

func forms(ids ...uuid.UUID) []FormWeight {
	out := make([]FormWeight, len(ids))
	for i, id := range ids {
		out[i] = FormWeight{FormID: id, Weight: f64(1)}
	}
	return out
}

func TestFindBestMatchingGroup_WeightedAverage(t *testing.T) {
	f1, f2 := uuid.New(), uuid.New()
	group := uuid.New()
	rules := []Rule{scoreRule("avg", 1, group, ScoreBasedConfig{
		Forms: forms(f1, f2), Operator: OpGTE, MinScore: f64(70),
	})}
	scores := []PatientScore{{FormID: f1, Score: 80}, {FormID: f2, Score: 60}}

	m := FindBestMatchingGroup(rules, scores)
	if m == nil {
		t.Fatal("expected a match")
	}
	if m.Rule.GroupID != group {
		t.Errorf("expected group %s, got %s", group, m.Rule.GroupID)
	}
	if m.Average != 70 {
		t.Errorf("expected average 70, got %v", m.Average)
	}
}

func TestFindBestMatchingGroup_RequiresEveryForm(t *testing.T) {
	fa, fb := uuid.New(), uuid.New()
	rules := []Rule{scoreRule("needs both", 10, uuid.New(), ScoreBasedConfig{
		Forms: forms(fa, fb), Operator: OpGTE, MinScore: f64(0),
	})}
	scores := []PatientScore{{FormID: fa, Score: 1e9}}

	if m := FindBestMatchingGroup(rules, scores); m != nil {
		t.Errorf("expected no match without form B, got %s", m.Rule.Name)
	}
}

func TestFindBestMatchingGroup_PriorityWins(t *testing.T) {
	f := uuid.New()
	low := scoreRule("low", 1, uuid.New(), ScoreBasedConfig{Forms: forms(f), Operator: OpGTE, MinScore: f64(10)})
	high := scoreRule("high", 5, uuid.New(), ScoreBasedConfig{Forms: forms(f), Operator: OpGTE, MinScore: f64(10)})
	rules := []Rule{low, high}
	SortRules(rules)

	m := FindBestMatchingGroup(rules, []PatientScore{{FormID: f, Score: 50}})
	if m == nil || m.Rule.Name != "high" {
		t.Fatalf("expected high priority rule, got %+v", m)
	}
}

func TestFindBestMatchingGroup_FirstMatchNotBestMatch(t *testing.T) {
	f := uuid.New()
	loose := scoreRule("loose", 5, uuid.New(), ScoreBasedConfig{Forms: forms(f), Operator: OpGTE, MinScore: f64(0)})
	tight := scoreRule("tight", 1, uuid.New(), ScoreBasedConfig{Forms: forms(f), Operator: OpEQ, MinScore: f64(50)})

	m := FindBestMatchingGroup([]Rule{loose, tight}, []PatientScore{{FormID: f, Score: 50}})
	if m == nil || m.Rule.Name != "loose" {
		t.Fatalf("expected first satisfied rule, got %+v", m)
	}
}

func TestFindBestMatchingGroup_SkipsUnusableRules(t *testing.T) {
	f := uuid.New()
	target := uuid.New()

	inactive := scoreRule("inactive", 9, uuid.New(), ScoreBasedConfig{Forms: forms(f), Operator: OpGTE})
	inactive.IsActive = false
	unknown := Rule{ID: uuid.New(), Name: "unknown", Priority: 8, IsActive: true, RuleType: "attendance", Config: UnknownRuleConfig{RuleType: "attendance"}}
	nilConfig := Rule{ID: uuid.New(), Name: "nil", Priority: 7, IsActive: true}
	empty := scoreRule("empty forms", 6, uuid.New(), ScoreBasedConfig{Operator: OpGTE})
	zeroWeight := scoreRule("zero weight", 5, uuid.New(), ScoreBasedConfig{
		Forms: []FormWeight{{FormID: f, Weight: f64(0)}}, Operator: OpGTE,
	})
	ok := scoreRule("ok", 1, target, ScoreBasedConfig{Forms: forms(f), Operator: OpGTE, MinScore: f64(1)})

	rules := []Rule{inactive, unknown, nilConfig, empty, zeroWeight, ok}
	m := FindBestMatchingGroup(rules, []PatientScore{{FormID: f, Score: 5}})
	if m == nil || m.Rule.GroupID != target {
		t.Fatalf("expected the usable rule to match, got %+v", m)
	}
}

func TestFindBestMatchingGroup_NoMatch(t *testing.T) {
	f := uuid.New()
	rules := []Rule{scoreRule("r", 1, uuid.New(), ScoreBasedConfig{Forms: forms(f), Operator: OpLTE, MaxScore: f64(10)})}
	if m := FindBestMatchingGroup(rules, []PatientScore{{FormID: f, Score: 11}}); m != nil {
		t.Errorf("expected no match, got %+v", m)
	}
	if m := FindBestMatchingGroup(nil, nil); m != nil {
		t.Errorf("expected no match for empty input, got %+v", m)
	}
}

func TestWeightedAverage(t *testing.T) {
	f1, f2 := uuid.New(), uuid.New()
	scores := map[uuid.UUID]float64{f1: 90, f2: 30}

	tests := []struct {
		name   string
		forms  []FormWeight
		want   float64
		wantOK bool
	}{
		{"equal weights", forms(f1, f2), 60, true},
		{"weighted", []FormWeight{{FormID: f1, Weight: f64(2)}, {FormID: f2, Weight: f64(1)}}, 70, true},
		{"default weight", []FormWeight{{FormID: f1}, {FormID: f2, Weight: f64(1)}}, 60, true},
		{"missing form", forms(f1, uuid.New()), 0, false},
		{"empty", nil, 0, false},
		{"zero total weight", []FormWeight{{FormID: f1, Weight: f64(1)}, {FormID: f2, Weight: f64(-1)}}, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := WeightedAverage(tt.forms, scores)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("WeightedAverage() = %v, %v; want %v, %v", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestSortRules_Tiebreak(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	idA := uuid.MustParse("00000000-0000-0000-0000-00000000000a")
	idB := uuid.MustParse("00000000-0000-0000-0000-00000000000b")

	rules := []Rule{
		{ID: uuid.New(), Name: "low", Priority: 1, CreatedAt: base},
		{ID: idB, Name: "same-time-b", Priority: 5, CreatedAt: base.Add(time.Hour)},
		{ID: uuid.New(), Name: "newer", Priority: 5, CreatedAt: base.Add(2 * time.Hour)},
		{ID: idA, Name: "same-time-a", Priority: 5, CreatedAt: base.Add(time.Hour)},
		{ID: uuid.New(), Name: "oldest", Priority: 5, CreatedAt: base},
		{ID: uuid.New(), Name: "top", Priority: 9, CreatedAt: base.Add(5 * time.Hour)},
	}
	SortRules(rules)

	want := []string{"top", "oldest", "same-time-a", "same-time-b", "newer", "low"}
	for i, name := range want {
		if rules[i].Name != name {
			t.Fatalf("position %d: expected %s, got %s", i, name, rules[i].Name)
		}
	}
}
