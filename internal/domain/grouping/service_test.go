package grouping

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// -- Fakes --

type fakeRules struct {
	rules []Rule
	err   error
	calls int
}

func (f *fakeRules) ListActive(context.Context) ([]Rule, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]Rule, len(f.rules))
	copy(out, f.rules)
	return out, nil
}

type fakeScores struct {
	subs map[uuid.UUID][]ScoredSubmission
	err  error
}

func (f *fakeScores) ListScored(_ context.Context, patientID uuid.UUID) ([]ScoredSubmission, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.subs[patientID], nil
}

// fakeMembers is an in-memory patients table plus history. It applies the
// same compare-and-swap the Postgres store does.
type fakeMembers struct {
	groups  map[uuid.UUID]*uuid.UUID
	history []*HistoryEntry
	getErr  error

	// stale forces the next n transitions to lose a race against a writer
	// that moves the patient to raceGroup.
	stale     int
	raceGroup *uuid.UUID

	// partialErr simulates a store without transactions whose history
	// insert fails after the group update.
	partialErr error
	applyErr   error
	applyCalls int
}

func newFakeMembers() *fakeMembers {
	return &fakeMembers{groups: make(map[uuid.UUID]*uuid.UUID)}
}

func (f *fakeMembers) Get(_ context.Context, patientID uuid.UUID) (*Membership, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	g, ok := f.groups[patientID]
	if !ok {
		return nil, ErrPatientNotFound
	}
	return &Membership{PatientID: patientID, GroupID: g}, nil
}

func (f *fakeMembers) ApplyTransition(_ context.Context, t *Transition) (*HistoryEntry, error) {
	f.applyCalls++
	if f.applyErr != nil {
		return nil, f.applyErr
	}
	if f.stale > 0 {
		f.stale--
		f.groups[t.PatientID] = f.raceGroup
		return nil, &TransitionError{Stage: StageUpdateGroup, Err: ErrStaleMembership}
	}
	current := f.groups[t.PatientID]
	if !sameGroup(current, t.From) {
		return nil, &TransitionError{Stage: StageUpdateGroup, Err: ErrStaleMembership}
	}
	to := t.To
	f.groups[t.PatientID] = &to
	if f.partialErr != nil {
		return nil, &TransitionError{Applied: true, Stage: StageAppendHistory, Err: f.partialErr}
	}
	e := t.HistoryEntry()
	e.ID = uuid.New()
	e.CreatedAt = time.Now()
	f.history = append(f.history, e)
	return e, nil
}

func (f *fakeMembers) ListByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]*HistoryEntry, int, error) {
	var out []*HistoryEntry
	for i := len(f.history) - 1; i >= 0; i-- {
		if f.history[i].PatientID == patientID {
			out = append(out, f.history[i])
		}
	}
	total := len(out)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return out[offset:end], total, nil
}

func sameGroup(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

type fakeLedger struct {
	marked  map[string]bool
	seenErr error
	marks   int
}

func newFakeLedger() *fakeLedger { return &fakeLedger{marked: make(map[string]bool)} }

func (l *fakeLedger) Seen(_ context.Context, key string) (bool, error) {
	if l.seenErr != nil {
		return false, l.seenErr
	}
	return l.marked[key], nil
}

func (l *fakeLedger) Mark(_ context.Context, key string) error {
	l.marks++
	l.marked[key] = true
	return nil
}

// -- Fixture --

type fixture struct {
	svc     *Service
	rules   *fakeRules
	scores  *fakeScores
	members *fakeMembers
	patient uuid.UUID
	f1, f2  uuid.UUID
	groupHi uuid.UUID
	groupLo uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fx := &fixture{
		rules:   &fakeRules{},
		scores:  &fakeScores{subs: make(map[uuid.UUID][]ScoredSubmission)},
		members: newFakeMembers(),
		patient: uuid.New(),
		f1:      uuid.New(),
		f2:      uuid.New(),
		groupHi: uuid.New(),
		groupLo: uuid.New(),
	}
	fx.members.groups[fx.patient] = nil
	fx.rules.rules = []Rule{
		scoreRule("needs attention", 10, fx.groupHi, ScoreBasedConfig{
			Forms: forms(fx.f1, fx.f2), Operator: OpGTE, MinScore: f64(70),
		}),
		scoreRule("general", 1, fx.groupLo, ScoreBasedConfig{
			Forms: forms(fx.f1), Operator: OpGTE, MinScore: f64(0),
		}),
	}
	fx.svc = NewService(fx.rules, fx.scores, fx.members, fx.members, zerolog.New(io.Discard))
	return fx
}

func (fx *fixture) score(form uuid.UUID, v float64, age time.Duration) uuid.UUID {
	id := uuid.New()
	fx.scores.subs[fx.patient] = append(fx.scores.subs[fx.patient], ScoredSubmission{
		ID: id, PatientID: fx.patient, FormID: form, TotalScore: f64(v), SubmittedAt: time.Now().Add(-age),
	})
	return id
}

func (fx *fixture) event(kind EventKind, submission uuid.UUID, form uuid.UUID, score float64) *Event {
	pid := fx.patient
	return &Event{
		Kind:  kind,
		Table: "submissions",
		Record: SubmissionRecord{
			ID: &submission, PatientID: &pid, FormID: &form, TotalEvaluationScore: f64(score),
		},
	}
}

// -- Tests --

func TestHandleEvent_ReassignsAndWritesHistory(t *testing.T) {
	fx := newFixture(t)
	fx.score(fx.f1, 80, time.Hour)
	sid := fx.score(fx.f2, 60, 0)

	out, err := fx.svc.HandleEvent(context.Background(), fx.event(EventInsert, sid, fx.f2, 60))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Status != OutcomeReassigned {
		t.Fatalf("expected reassigned, got %s", out.Status)
	}
	if *out.ToGroup != fx.groupHi || out.FromGroup != nil {
		t.Errorf("unexpected groups from=%v to=%v", out.FromGroup, out.ToGroup)
	}
	if out.Average == nil || *out.Average != 70 {
		t.Errorf("expected average 70, got %v", out.Average)
	}
	if len(fx.members.history) != 1 {
		t.Fatalf("expected one history row, got %d", len(fx.members.history))
	}
	h := fx.members.history[0]
	if *h.NewGroupID != fx.groupHi || h.OldGroupID != nil || *h.SubmissionID != sid {
		t.Errorf("unexpected history %+v", h)
	}
	if h.Reason != `automatically assigned by rule "needs attention"` {
		t.Errorf("unexpected reason %q", h.Reason)
	}
	if out.History == nil || out.History.ID != h.ID {
		t.Error("expected the history entry on the outcome")
	}
}

func TestHandleEvent_Idempotent(t *testing.T) {
	fx := newFixture(t)
	fx.score(fx.f1, 80, time.Hour)
	sid := fx.score(fx.f2, 60, 0)
	ev := fx.event(EventInsert, sid, fx.f2, 60)

	first, err := fx.svc.HandleEvent(context.Background(), ev)
	if err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	second, err := fx.svc.HandleEvent(context.Background(), ev)
	if err != nil {
		t.Fatalf("second delivery: %v", err)
	}

	if first.Status != OutcomeReassigned || second.Status != OutcomeUnchanged {
		t.Errorf("expected reassigned then unchanged, got %s then %s", first.Status, second.Status)
	}
	if g := fx.members.groups[fx.patient]; g == nil || *g != fx.groupHi {
		t.Errorf("expected patient in %s, got %v", fx.groupHi, g)
	}
	if len(fx.members.history) != 1 {
		t.Errorf("expected exactly one history row, got %d", len(fx.members.history))
	}
	if fx.members.applyCalls != 1 {
		t.Errorf("expected one write, got %d", fx.members.applyCalls)
	}
}

func TestHandleEvent_AlreadyInTargetGroup(t *testing.T) {
	fx := newFixture(t)
	g := fx.groupLo
	fx.members.groups[fx.patient] = &g
	sid := fx.score(fx.f1, 10, 0)

	out, err := fx.svc.HandleEvent(context.Background(), fx.event(EventUpdate, sid, fx.f1, 10))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Status != OutcomeUnchanged {
		t.Errorf("expected unchanged, got %s", out.Status)
	}
	if fx.members.applyCalls != 0 || len(fx.members.history) != 0 {
		t.Error("expected no write and no history")
	}
}

func TestHandleEvent_ShortCircuitMissingForm(t *testing.T) {
	fx := newFixture(t)
	fx.rules.rules = fx.rules.rules[:1]
	sid := fx.score(fx.f1, 1000, 0)

	out, err := fx.svc.HandleEvent(context.Background(), fx.event(EventInsert, sid, fx.f1, 1000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Status != OutcomeNoMatch {
		t.Errorf("expected no_match, got %s", out.Status)
	}
	if fx.members.groups[fx.patient] != nil {
		t.Error("expected patient to stay unassigned")
	}
}

func TestHandleEvent_PriorityOrderIndependentOfSource(t *testing.T) {
	fx := newFixture(t)
	// Source returns the low priority rule first.
	fx.rules.rules = []Rule{fx.rules.rules[1], fx.rules.rules[0]}
	fx.score(fx.f1, 90, time.Hour)
	sid := fx.score(fx.f2, 90, 0)

	out, err := fx.svc.HandleEvent(context.Background(), fx.event(EventInsert, sid, fx.f2, 90))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.RuleName != "needs attention" || *out.ToGroup != fx.groupHi {
		t.Errorf("expected high priority rule, got %s", out.RuleName)
	}
	for _, h := range fx.members.history {
		if *h.NewGroupID == fx.groupLo {
			t.Error("lower priority rule must not write history")
		}
	}
}

func TestHandleEvent_Ignored(t *testing.T) {
	fx := newFixture(t)
	sid := fx.score(fx.f1, 50, 0)

	tests := []struct {
		name string
		ev   *Event
	}{
		{"delete", fx.event(EventDelete, sid, fx.f1, 50)},
		{"missing patient", &Event{Kind: EventInsert, Record: SubmissionRecord{ID: &sid, FormID: &fx.f1}}},
		{"missing form", &Event{Kind: EventInsert, Record: SubmissionRecord{ID: &sid, PatientID: &fx.patient}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := fx.svc.HandleEvent(context.Background(), tt.ev)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if out.Status != OutcomeIgnored {
				t.Errorf("expected ignored, got %s", out.Status)
			}
		})
	}
	if fx.rules.calls != 0 {
		t.Errorf("ignored events must not read rules, got %d calls", fx.rules.calls)
	}
}

func TestHandleEvent_LookupErrors(t *testing.T) {
	boom := errors.New("connection reset")
	tests := []struct {
		name   string
		setup  func(fx *fixture)
		source string
	}{
		{"rules", func(fx *fixture) { fx.rules.err = boom }, SourceRules},
		{"patient", func(fx *fixture) { fx.members.getErr = boom }, SourcePatient},
		{"scores", func(fx *fixture) { fx.scores.err = boom }, SourceScores},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t)
			sid := fx.score(fx.f1, 50, 0)
			tt.setup(fx)

			_, err := fx.svc.HandleEvent(context.Background(), fx.event(EventInsert, sid, fx.f1, 50))
			var le *LookupError
			if !errors.As(err, &le) {
				t.Fatalf("expected LookupError, got %v", err)
			}
			if le.Source != tt.source || !errors.Is(err, boom) {
				t.Errorf("unexpected error %v", err)
			}
			if !IsRetryable(err) || IsPartial(err) {
				t.Error("lookup errors are retryable and not partial")
			}
			if fx.members.applyCalls != 0 {
				t.Error("no write may happen after a lookup failure")
			}
		})
	}
}

func TestHandleEvent_UnknownPatient(t *testing.T) {
	fx := newFixture(t)
	delete(fx.members.groups, fx.patient)
	sid := fx.score(fx.f1, 50, 0)

	_, err := fx.svc.HandleEvent(context.Background(), fx.event(EventInsert, sid, fx.f1, 50))
	if !errors.Is(err, ErrPatientNotFound) {
		t.Fatalf("expected ErrPatientNotFound, got %v", err)
	}
}

func TestHandleEvent_PartialTransitionSurfaced(t *testing.T) {
	fx := newFixture(t)
	fx.members.partialErr = errors.New("history insert failed")
	sid := fx.score(fx.f1, 10, 0)

	var buf bytes.Buffer
	fx.svc = NewService(fx.rules, fx.scores, fx.members, fx.members, zerolog.New(&buf))
	ledger := newFakeLedger()
	fx.svc.SetLedger(ledger)

	_, err := fx.svc.HandleEvent(context.Background(), fx.event(EventInsert, sid, fx.f1, 10))
	if !IsPartial(err) {
		t.Fatalf("expected partial transition error, got %v", err)
	}
	if IsRetryable(err) {
		t.Error("partial transitions are not retryable")
	}
	if g := fx.members.groups[fx.patient]; g == nil || *g != fx.groupLo {
		t.Error("expected the group change to have been applied")
	}
	if ledger.marks != 0 {
		t.Error("failed events must not be marked delivered")
	}
	if !bytes.Contains(buf.Bytes(), []byte(`"audit_trail":"inconsistent"`)) {
		t.Errorf("expected inconsistent audit trail log, got %s", buf.String())
	}
}

func TestHandleEvent_TransitionFailureNotApplied(t *testing.T) {
	fx := newFixture(t)
	fx.members.applyErr = errors.New("deadlock detected")
	sid := fx.score(fx.f1, 10, 0)

	_, err := fx.svc.HandleEvent(context.Background(), fx.event(EventInsert, sid, fx.f1, 10))
	var te *TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransitionError, got %v", err)
	}
	if te.Applied || !IsRetryable(err) {
		t.Errorf("expected retryable non-applied error, got %+v", te)
	}
}

func TestHandleEvent_RetriesStaleMembership(t *testing.T) {
	fx := newFixture(t)
	other := uuid.New()
	fx.members.stale = 1
	fx.members.raceGroup = &other
	sid := fx.score(fx.f1, 10, 0)

	out, err := fx.svc.HandleEvent(context.Background(), fx.event(EventInsert, sid, fx.f1, 10))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Status != OutcomeReassigned {
		t.Fatalf("expected reassigned, got %s", out.Status)
	}
	if out.FromGroup == nil || *out.FromGroup != other {
		t.Errorf("expected retry to start from the concurrent group, got %v", out.FromGroup)
	}
	if fx.members.applyCalls != 2 || fx.rules.calls != 2 {
		t.Errorf("expected two passes, got apply=%d rules=%d", fx.members.applyCalls, fx.rules.calls)
	}
	if len(fx.members.history) != 1 || *fx.members.history[0].OldGroupID != other {
		t.Errorf("unexpected history %+v", fx.members.history)
	}
}

func TestHandleEvent_StaleExhausted(t *testing.T) {
	fx := newFixture(t)
	other := uuid.New()
	fx.members.stale = MaxTransitionAttempts
	fx.members.raceGroup = &other
	sid := fx.score(fx.f1, 10, 0)

	_, err := fx.svc.HandleEvent(context.Background(), fx.event(EventInsert, sid, fx.f1, 10))
	if !errors.Is(err, ErrStaleMembership) {
		t.Fatalf("expected ErrStaleMembership, got %v", err)
	}
	if !IsRetryable(err) {
		t.Error("a lost race is retryable")
	}
	if fx.members.applyCalls != MaxTransitionAttempts {
		t.Errorf("expected %d attempts, got %d", MaxTransitionAttempts, fx.members.applyCalls)
	}
}

func TestHandleEvent_Ledger(t *testing.T) {
	fx := newFixture(t)
	ledger := newFakeLedger()
	fx.svc.SetLedger(ledger)
	sid := fx.score(fx.f1, 10, 0)
	ev := fx.event(EventInsert, sid, fx.f1, 10)

	first, err := fx.svc.HandleEvent(context.Background(), ev)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Status != OutcomeReassigned || ledger.marks != 1 {
		t.Fatalf("expected reassigned and marked, got %s marks=%d", first.Status, ledger.marks)
	}

	second, err := fx.svc.HandleEvent(context.Background(), ev)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Status != OutcomeDuplicate {
		t.Errorf("expected duplicate, got %s", second.Status)
	}
	if fx.rules.calls != 1 {
		t.Errorf("duplicate must short-circuit before reading rules, got %d calls", fx.rules.calls)
	}
}

func TestHandleEvent_LedgerUnavailableFallsThrough(t *testing.T) {
	fx := newFixture(t)
	ledger := newFakeLedger()
	ledger.seenErr = fmt.Errorf("redis: connection refused")
	fx.svc.SetLedger(ledger)
	sid := fx.score(fx.f1, 10, 0)

	out, err := fx.svc.HandleEvent(context.Background(), fx.event(EventInsert, sid, fx.f1, 10))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Status != OutcomeReassigned {
		t.Errorf("expected evaluation to proceed, got %s", out.Status)
	}
}

func TestReassign(t *testing.T) {
	fx := newFixture(t)
	fx.score(fx.f1, 10, 0)

	out, err := fx.svc.Reassign(context.Background(), fx.patient, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Status != OutcomeReassigned || *out.ToGroup != fx.groupLo {
		t.Errorf("unexpected outcome %+v", out)
	}
	if fx.members.history[0].SubmissionID != nil {
		t.Error("manual reassignment has no triggering submission")
	}

	items, total, err := fx.svc.History(context.Background(), fx.patient, 10, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if total != 1 || len(items) != 1 {
		t.Errorf("expected one history entry, got %d/%d", len(items), total)
	}
}

func TestHandleNotification(t *testing.T) {
	fx := newFixture(t)
	sid := fx.score(fx.f1, 10, 0)
	payload := []byte(eventBody("insert", sid, fx.patient, fx.f1, 10))

	if err := fx.svc.HandleNotification(context.Background(), payload); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g := fx.members.groups[fx.patient]; g == nil || *g != fx.groupLo {
		t.Errorf("expected patient in %s, got %v", fx.groupLo, g)
	}

	if err := fx.svc.HandleNotification(context.Background(), []byte(`{`)); err != nil {
		t.Errorf("undecodable payload should be dropped, got %v", err)
	}

	fx.rules.err = errors.New("timeout")
	if err := fx.svc.HandleNotification(context.Background(), payload); err == nil {
		t.Error("expected lookup error to surface")
	}
}
