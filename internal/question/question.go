// Package question derives clarification questions from profile gaps.
// Each generation fully replaces the session's previous question set.
package question

import (
	"sort"
	"strings"
	"time"

	"github.com/oversea-labs/traveldesk/internal/profile"
)

// Question is a single clarification prompt for the agent to ask.
type Question struct {
	ID           string   `json:"id"`
	Text         string   `json:"text"`
	TargetFields []string `json:"target_fields"`
	Priority     int      `json:"priority"`
}

// Set is the full replacement question list for a session, versioned so
// the dispatcher can drop stale sets.
type Set struct {
	SessionID   string     `json:"session_id"`
	Version     int64      `json:"version"`
	Questions   []Question `json:"questions"`
	GeneratedAt time.Time  `json:"generated_at"`
}

// MaxQuestions bounds the emitted list.
const MaxQuestions = 4

// Question IDs are deterministic per target field so an answer can be
// routed back to its field without server-side question state.
const questionIDPrefix = "q-"

// FieldForID resolves a question ID back to the profile field it asks
// about. Returns false for IDs that do not match a known template.
func FieldForID(id string) (string, bool) {
	field := strings.TrimPrefix(id, questionIDPrefix)
	if field == id {
		return "", false
	}
	for _, tpl := range templates {
		if tpl.field == field {
			return field, true
		}
	}
	return "", false
}

type template struct {
	field    string
	text     string
	priority int
}

// Required-field gaps come first, then fields that sharpen downstream
// personalization. Texts follow the original agent's phrasing.
var templates = []template{
	{profile.FieldDestinations, "Which destination are you thinking about for this trip?", 1},
	{profile.FieldTravelDates, "When would you like to travel, and for how long?", 1},
	{profile.FieldBudget, "Do you have a budget range in mind for the whole trip?", 1},
	{profile.FieldPreferences, "Any preferences for the stay, like hotel style or pace of the trip?", 1},
	{profile.FieldTravelers, "Who is traveling with you? How many adults and children?", 2},
	{profile.FieldActivities, "Are there activities or experiences you definitely want included?", 2},
}

// Generate computes the ranked question list for the profile's current
// gaps: required-field gaps first, then personalization fields, at most
// MaxQuestions entries.
func Generate(prof profile.Profile) []Question {
	var out []Question
	for _, tpl := range templates {
		if f, ok := prof.Fields[tpl.field]; ok && f.Value != nil {
			continue
		}
		out = append(out, Question{
			ID:           questionIDPrefix + tpl.field,
			Text:         tpl.text,
			TargetFields: []string{tpl.field},
			Priority:     tpl.priority,
		})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	if len(out) > MaxQuestions {
		out = out[:MaxQuestions]
	}
	return out
}
