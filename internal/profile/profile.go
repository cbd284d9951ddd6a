// Package profile holds the session profile model and the order-tolerant
// merge engine that folds asynchronous extraction results into it.
package profile

import (
	"time"
)

// Known entity fields. Extraction may emit keys outside this taxonomy;
// they are merged like any other field so the schema stays forward
// compatible.
const (
	FieldDestinations = "destinations"
	FieldBudget       = "budget"
	FieldTravelDates  = "travel_dates"
	FieldTravelers    = "travelers"
	FieldActivities   = "activities"
	FieldPreferences  = "preferences"
	FieldKeywords     = "keywords"
	FieldTone         = "tone"
)

// RequiredFields is the fixed field set the completeness score is
// computed against.
var RequiredFields = []string{
	FieldDestinations,
	FieldBudget,
	FieldTravelDates,
	FieldPreferences,
}

// Entity is one extracted value for a field within a single segment.
type Entity struct {
	Value           any       `json:"value"`
	Confidence      float64   `json:"confidence"`
	SourceTimestamp time.Time `json:"source_timestamp"`
}

// ExtractionResult is the extraction collaborator's output for one
// transcript segment. At most one result exists per segment on the
// success path; a failed or timed-out segment simply produces none.
type ExtractionResult struct {
	SessionID    string            `json:"session_id"`
	SegmentSeq   int64             `json:"segment_seq"`
	Entities     map[string]Entity `json:"entities"`
	ProcessingMs int64             `json:"processing_duration_ms"`
}

// Field is one merged profile field with its provenance.
type Field struct {
	Value           any       `json:"value"`
	Confidence      float64   `json:"confidence"`
	LastAppliedSeq  int64     `json:"last_applied_seq"`
	SourceTimestamp time.Time `json:"source_timestamp"`
}

// Profile is the accumulated, merged view of a session's extracted
// entities. Version starts at 0 and strictly increases on every
// accepted merge; it never rolls back.
type Profile struct {
	SessionID         string           `json:"session_id"`
	Version           int64            `json:"version"`
	Fields            map[string]Field `json:"fields"`
	CompletenessScore float64          `json:"completeness_score"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// Update is published after an accepted merge: the full profile plus
// the sub-map of fields the merge actually modified.
type Update struct {
	Profile Profile          `json:"profile"`
	Changes map[string]Field `json:"changes"`
}

// Clone returns a deep-enough copy of the profile; Field values are
// treated as immutable once applied.
func (p Profile) Clone() Profile {
	out := p
	out.Fields = make(map[string]Field, len(p.Fields))
	for k, v := range p.Fields {
		out.Fields[k] = v
	}
	return out
}

// Completeness returns the fraction of required fields with a value.
func Completeness(fields map[string]Field) float64 {
	if len(RequiredFields) == 0 {
		return 0
	}
	filled := 0
	for _, name := range RequiredFields {
		if f, ok := fields[name]; ok && f.Value != nil {
			filled++
		}
	}
	return float64(filled) / float64(len(RequiredFields))
}
