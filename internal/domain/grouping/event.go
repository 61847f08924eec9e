package grouping

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventKind is the write that produced a submission event.
type EventKind string

const (
	EventInsert EventKind = "insert"
	EventUpdate EventKind = "update"
	EventDelete EventKind = "delete"
)

// SubmissionRecord is the submissions row carried by an event.
type SubmissionRecord struct {
	ID                   *uuid.UUID `json:"id,omitempty"`
	PatientID            *uuid.UUID `json:"patient_id,omitempty"`
	FormID               *uuid.UUID `json:"form_id,omitempty"`
	TotalEvaluationScore *float64   `json:"total_evaluation_score,omitempty"`
	SubmittedAt          *time.Time `json:"submitted_at,omitempty"`
	Status               string     `json:"status,omitempty"`
}

// Event is a change notification for one submissions row.
type Event struct {
	Kind      EventKind         `json:"event_kind"`
	Table     string            `json:"table"`
	Record    SubmissionRecord  `json:"record"`
	OldRecord *SubmissionRecord `json:"old_record,omitempty"`
}

type rawEvent struct {
	EventKind string     `json:"event_kind"`
	Type      string     `json:"type"`
	Table     string     `json:"table"`
	Record    *rawRecord `json:"record"`
	OldRecord *rawRecord `json:"old_record"`
}

type rawRecord struct {
	ID                   string   `json:"id"`
	PatientID            string   `json:"patient_id"`
	FormID               string   `json:"form_id"`
	TotalEvaluationScore *float64 `json:"total_evaluation_score"`
	SubmittedAt          string   `json:"submitted_at"`
	Status               string   `json:"status"`
}

// DecodeEvent parses a trigger payload. Both the event_kind form and the
// database webhook form (type: INSERT|UPDATE|DELETE) are accepted. Empty
// identifiers decode as missing; malformed ones are an error.
func DecodeEvent(data []byte) (*Event, error) {
	var raw rawEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}

	kind := raw.EventKind
	if kind == "" {
		kind = raw.Type
	}
	ev := &Event{
		Kind:  EventKind(strings.ToLower(strings.TrimSpace(kind))),
		Table: raw.Table,
	}

	if raw.Record != nil {
		rec, err := raw.Record.decode()
		if err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		ev.Record = *rec
	}
	if raw.OldRecord != nil {
		rec, err := raw.OldRecord.decode()
		if err != nil {
			return nil, fmt.Errorf("decode old_record: %w", err)
		}
		ev.OldRecord = rec
	}
	return ev, nil
}

func (r *rawRecord) decode() (*SubmissionRecord, error) {
	id, err := optionalUUID("id", r.ID)
	if err != nil {
		return nil, err
	}
	patientID, err := optionalUUID("patient_id", r.PatientID)
	if err != nil {
		return nil, err
	}
	formID, err := optionalUUID("form_id", r.FormID)
	if err != nil {
		return nil, err
	}
	return &SubmissionRecord{
		ID:                   id,
		PatientID:            patientID,
		FormID:               formID,
		TotalEvaluationScore: r.TotalEvaluationScore,
		SubmittedAt:          parseTimestamp(r.SubmittedAt),
		Status:               r.Status,
	}, nil
}

func optionalUUID(field, s string) (*uuid.UUID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", field, err)
	}
	return &id, nil
}

// timestampLayouts covers RFC 3339 and the zone-less form row_to_json emits
// for timestamp columns.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999-07",
	"2006-01-02 15:04:05.999999",
}

// parseTimestamp returns nil for values it cannot read; the engine does not
// depend on the event's timestamp.
func parseTimestamp(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

// Actionable reports whether the event can change group membership: an
// insert or update that names both the patient and the form.
func (e *Event) Actionable() bool {
	if e.Kind != EventInsert && e.Kind != EventUpdate {
		return false
	}
	return e.Record.PatientID != nil && e.Record.FormID != nil
}

// DedupeKey identifies a delivery of this event: the submission, the kind of
// write and the score it carried. Empty when the submission id is unknown.
func (e *Event) DedupeKey() string {
	if e.Record.ID == nil {
		return ""
	}
	score := "none"
	if e.Record.TotalEvaluationScore != nil {
		score = strconv.FormatFloat(*e.Record.TotalEvaluationScore, 'f', -1, 64)
	}
	return e.Record.ID.String() + ":" + string(e.Kind) + ":" + score
}
