package question

import (
	"testing"

	"github.com/oversea-labs/traveldesk/internal/profile"
)

func profileWith(fields ...string) profile.Profile {
	p := profile.Profile{SessionID: "s", Fields: make(map[string]profile.Field)}
	for _, f := range fields {
		p.Fields[f] = profile.Field{Value: "set", LastAppliedSeq: 1}
	}
	return p
}

func targets(qs []Question) map[string]bool {
	out := make(map[string]bool)
	for _, q := range qs {
		for _, f := range q.TargetFields {
			out[f] = true
		}
	}
	return out
}

func TestEmptyProfileAsksRequiredFieldsFirst(t *testing.T) {
	qs := Generate(profileWith())

	if len(qs) != MaxQuestions {
		t.Fatalf("expected %d questions, got %d", MaxQuestions, len(qs))
	}
	for i, q := range qs {
		if q.Priority != 1 {
			t.Fatalf("question %d: required gaps must outrank optional ones, got priority %d", i, q.Priority)
		}
		if q.ID == "" {
			t.Fatalf("question %d has no id", i)
		}
	}
}

func TestFilledFieldsAreNotAskedAgain(t *testing.T) {
	qs := Generate(profileWith(profile.FieldDestinations, profile.FieldBudget))

	got := targets(qs)
	if got[profile.FieldDestinations] || got[profile.FieldBudget] {
		t.Fatalf("filled fields must not be asked about, got %v", got)
	}
	if !got[profile.FieldTravelDates] || !got[profile.FieldPreferences] {
		t.Fatalf("remaining required gaps should be asked, got %v", got)
	}
	// With only two required gaps left, optional fields fill the list.
	if !got[profile.FieldTravelers] {
		t.Fatalf("optional gaps should backfill the list, got %v", got)
	}
}

func TestCompleteProfileYieldsNoQuestions(t *testing.T) {
	qs := Generate(profileWith(
		profile.FieldDestinations,
		profile.FieldTravelDates,
		profile.FieldBudget,
		profile.FieldPreferences,
		profile.FieldTravelers,
		profile.FieldActivities,
	))
	if len(qs) != 0 {
		t.Fatalf("expected no questions for a complete profile, got %v", qs)
	}
}

func TestGenerationIsBounded(t *testing.T) {
	qs := Generate(profileWith())
	if len(qs) > MaxQuestions {
		t.Fatalf("question list must stay bounded, got %d", len(qs))
	}
}

func TestFieldForID(t *testing.T) {
	qs := Generate(profileWith())
	for _, q := range qs {
		field, ok := FieldForID(q.ID)
		if !ok {
			t.Fatalf("FieldForID(%q) not resolvable", q.ID)
		}
		if len(q.TargetFields) != 1 || q.TargetFields[0] != field {
			t.Fatalf("FieldForID(%q) = %q, want %v", q.ID, field, q.TargetFields)
		}
	}

	if _, ok := FieldForID("q-made-up"); ok {
		t.Fatal("unknown field id should not resolve")
	}
	if _, ok := FieldForID("destinations"); ok {
		t.Fatal("id without prefix should not resolve")
	}
}
