package grouping

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// MaxTransitionAttempts bounds how often an evaluation is redone after
// losing a concurrent update of the same patient.
const MaxTransitionAttempts = 3

// OutcomeStatus is what handling one event did.
type OutcomeStatus string

const (
	OutcomeIgnored    OutcomeStatus = "ignored"
	OutcomeDuplicate  OutcomeStatus = "duplicate"
	OutcomeNoMatch    OutcomeStatus = "no_match"
	OutcomeUnchanged  OutcomeStatus = "unchanged"
	OutcomeReassigned OutcomeStatus = "reassigned"
)

type Outcome struct {
	Status       OutcomeStatus `json:"outcome"`
	PatientID    *uuid.UUID    `json:"patient_id,omitempty"`
	SubmissionID *uuid.UUID    `json:"submission_id,omitempty"`
	RuleID       *uuid.UUID    `json:"rule_id,omitempty"`
	RuleName     string        `json:"rule_name,omitempty"`
	Average      *float64      `json:"weighted_average,omitempty"`
	FromGroup    *uuid.UUID    `json:"from_group,omitempty"`
	ToGroup      *uuid.UUID    `json:"to_group,omitempty"`
	History      *HistoryEntry `json:"history,omitempty"`
}

type Service struct {
	rules   RuleSource
	scores  ScoreSource
	members MembershipStore
	history HistoryStore
	ledger  Ledger
	logger  zerolog.Logger
}

func NewService(rules RuleSource, scores ScoreSource, members MembershipStore, history HistoryStore, logger zerolog.Logger) *Service {
	return &Service{
		rules:   rules,
		scores:  scores,
		members: members,
		history: history,
		logger:  logger.With().Str("component", "grouping").Logger(),
	}
}

// SetLedger attaches an optional delivery ledger.
func (s *Service) SetLedger(l Ledger) {
	s.ledger = l
}

// HandleEvent applies one submission event. Events that cannot change
// membership are ignored. Re-delivering an event is harmless: the second
// run finds the patient already in the target group.
func (s *Service) HandleEvent(ctx context.Context, ev *Event) (*Outcome, error) {
	if !ev.Actionable() {
		out := &Outcome{Status: OutcomeIgnored, PatientID: ev.Record.PatientID, SubmissionID: ev.Record.ID}
		s.logOutcome(ev.Kind, out, nil)
		return out, nil
	}

	key := ev.DedupeKey()
	if s.ledger != nil && key != "" {
		seen, err := s.ledger.Seen(ctx, key)
		if err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("delivery ledger unavailable")
		} else if seen {
			out := &Outcome{Status: OutcomeDuplicate, PatientID: ev.Record.PatientID, SubmissionID: ev.Record.ID}
			s.logOutcome(ev.Kind, out, nil)
			return out, nil
		}
	}

	out, err := s.evaluate(ctx, *ev.Record.PatientID, ev.Record.ID)
	s.logOutcome(ev.Kind, out, err)
	if err != nil {
		return out, err
	}

	if s.ledger != nil && key != "" {
		if err := s.ledger.Mark(ctx, key); err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("mark delivery failed")
		}
	}
	return out, nil
}

// HandleNotification decodes a raw change-notification payload and handles
// it. Payloads that do not decode are logged and dropped since redelivering
// them cannot succeed.
func (s *Service) HandleNotification(ctx context.Context, payload []byte) error {
	ev, err := DecodeEvent(payload)
	if err != nil {
		s.logger.Error().Err(err).Int("bytes", len(payload)).Msg("drop undecodable notification")
		return nil
	}
	_, err = s.HandleEvent(ctx, ev)
	return err
}

// Reassign re-runs the evaluation for a patient outside of any event, for
// operators re-driving a failed delivery.
func (s *Service) Reassign(ctx context.Context, patientID uuid.UUID, submissionID *uuid.UUID) (*Outcome, error) {
	out, err := s.evaluate(ctx, patientID, submissionID)
	s.logOutcome("manual", out, err)
	return out, err
}

// History lists a patient's assignment history, newest first.
func (s *Service) History(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*HistoryEntry, int, error) {
	return s.history.ListByPatient(ctx, patientID, limit, offset)
}

func (s *Service) evaluate(ctx context.Context, patientID uuid.UUID, submissionID *uuid.UUID) (*Outcome, error) {
	pid := patientID
	out := &Outcome{PatientID: &pid, SubmissionID: submissionID}

	var lastErr error
	for attempt := 1; attempt <= MaxTransitionAttempts; attempt++ {
		entry, err := s.attempt(ctx, out)
		if err == nil {
			out.History = entry
			return out, nil
		}
		if !errors.Is(err, ErrStaleMembership) {
			return out, err
		}
		lastErr = err
		s.logger.Debug().
			Str("patient_id", patientID.String()).
			Int("attempt", attempt).
			Msg("membership changed concurrently, re-evaluating")
	}
	return out, lastErr
}

// attempt runs one read-decide-write pass and fills out. Rules and scores are
// re-read on every pass so a retry sees what the concurrent writer saw.
func (s *Service) attempt(ctx context.Context, out *Outcome) (*HistoryEntry, error) {
	patientID := *out.PatientID

	rules, err := s.rules.ListActive(ctx)
	if err != nil {
		return nil, &LookupError{Source: SourceRules, Err: err}
	}
	membership, err := s.members.Get(ctx, patientID)
	if err != nil {
		return nil, &LookupError{Source: SourcePatient, Err: err}
	}
	subs, err := s.scores.ListScored(ctx, patientID)
	if err != nil {
		return nil, &LookupError{Source: SourceScores, Err: err}
	}

	for i := range rules {
		if u, ok := rules[i].Config.(UnknownRuleConfig); ok && u.Err != nil {
			s.logger.Warn().Err(u.Err).Str("rule_id", rules[i].ID.String()).Msg("skipping rule with invalid config")
		}
	}

	SortRules(rules)
	match := FindBestMatchingGroup(rules, LatestScores(subs))

	out.FromGroup = membership.GroupID
	out.RuleID, out.RuleName, out.Average, out.ToGroup = nil, "", nil, nil
	if match == nil {
		out.Status = OutcomeNoMatch
		return nil, nil
	}

	ruleID := match.Rule.ID
	avg := match.Average
	out.RuleID = &ruleID
	out.RuleName = match.Rule.Name
	out.Average = &avg

	t, changed := membership.Plan(match.Rule, out.SubmissionID)
	if !changed {
		out.Status = OutcomeUnchanged
		out.ToGroup = membership.GroupID
		return nil, nil
	}

	to := t.To
	out.ToGroup = &to
	entry, err := s.members.ApplyTransition(ctx, t)
	if err != nil {
		var te *TransitionError
		if !errors.As(err, &te) {
			err = &TransitionError{Stage: StageUpdateGroup, Err: err}
		}
		return nil, err
	}
	out.Status = OutcomeReassigned
	return entry, nil
}

func (s *Service) logOutcome(kind EventKind, out *Outcome, err error) {
	evt := s.logger.Info()
	if err != nil {
		evt = s.logger.Error().Err(err)
		if IsPartial(err) {
			evt = evt.Str("audit_trail", "inconsistent")
		}
	}
	evt = evt.Str("event_kind", string(kind))
	if out != nil {
		if out.Status != "" {
			evt = evt.Str("outcome", string(out.Status))
		}
		if out.SubmissionID != nil {
			evt = evt.Str("submission_id", out.SubmissionID.String())
		}
		if out.PatientID != nil {
			evt = evt.Str("patient_id", out.PatientID.String())
		}
		if out.RuleID != nil {
			evt = evt.Str("rule_id", out.RuleID.String())
		}
		if out.FromGroup != nil {
			evt = evt.Str("from_group", out.FromGroup.String())
		}
		if out.ToGroup != nil {
			evt = evt.Str("to_group", out.ToGroup.String())
		}
	}
	evt.Msg("submission event handled")
}
