package profile

import (
	"math"
	"sync"
	"time"
)

// Aggregator applies extraction results to per-session profiles under a
// single-writer-per-session discipline. Results for the same session are
// serialized; different sessions merge in parallel.
//
// The merge rule makes the outcome independent of delivery order: a field
// is overwritten only when the incoming result's segment sequence is
// greater than the field's LastAppliedSeq, so a slow, stale extraction
// can never clobber a field a later segment already updated. Replaying
// the same result is a no-op.
type Aggregator struct {
	mu       sync.Mutex
	sessions map[string]*sessionProfile
	now      func() time.Time
}

type sessionProfile struct {
	mu   sync.Mutex
	prof Profile
}

// NewAggregator creates an empty Aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{
		sessions: make(map[string]*sessionProfile),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Apply merges one extraction result. It returns the resulting update
// and true if at least one field changed; a fully stale or empty result
// returns false with no version bump.
func (a *Aggregator) Apply(res ExtractionResult) (Update, bool) {
	sp := a.session(res.SessionID)

	sp.mu.Lock()
	defer sp.mu.Unlock()

	changes := make(map[string]Field)
	for name, ent := range res.Entities {
		if ent.Value == nil {
			continue
		}
		current, exists := sp.prof.Fields[name]
		if exists && res.SegmentSeq <= current.LastAppliedSeq {
			// Stale under out-of-order completion. Expected, not an error.
			continue
		}
		next := Field{
			Value:           ent.Value,
			Confidence:      ent.Confidence,
			LastAppliedSeq:  res.SegmentSeq,
			SourceTimestamp: ent.SourceTimestamp,
		}
		sp.prof.Fields[name] = next
		changes[name] = next
	}

	if len(changes) == 0 {
		return Update{Profile: sp.prof.Clone()}, false
	}

	sp.prof.Version++
	sp.prof.CompletenessScore = Completeness(sp.prof.Fields)
	sp.prof.UpdatedAt = a.now()

	return Update{Profile: sp.prof.Clone(), Changes: changes}, true
}

// ApplyAnswer merges a user-confirmed field. Confirmed answers are
// stamped with the highest possible applied sequence so no extraction
// can override them, and they overwrite unconditionally so a corrected
// answer replaces an earlier one.
func (a *Aggregator) ApplyAnswer(sessionID, field string, value any) (Update, bool) {
	if value == nil || field == "" {
		return Update{Profile: a.Snapshot(sessionID)}, false
	}

	sp := a.session(sessionID)

	sp.mu.Lock()
	defer sp.mu.Unlock()

	next := Field{
		Value:           value,
		Confidence:      1,
		LastAppliedSeq:  math.MaxInt64,
		SourceTimestamp: a.now(),
	}
	sp.prof.Fields[field] = next
	sp.prof.Version++
	sp.prof.CompletenessScore = Completeness(sp.prof.Fields)
	sp.prof.UpdatedAt = a.now()

	return Update{Profile: sp.prof.Clone(), Changes: map[string]Field{field: next}}, true
}

// Snapshot returns a copy of the session's current profile. An unknown
// session yields an empty version-0 profile without creating state.
func (a *Aggregator) Snapshot(sessionID string) Profile {
	a.mu.Lock()
	sp, ok := a.sessions[sessionID]
	a.mu.Unlock()
	if !ok {
		return Profile{SessionID: sessionID, Fields: map[string]Field{}}
	}

	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.prof.Clone()
}

// Remove discards the session's profile state after close.
func (a *Aggregator) Remove(sessionID string) {
	a.mu.Lock()
	delete(a.sessions, sessionID)
	a.mu.Unlock()
}

func (a *Aggregator) session(id string) *sessionProfile {
	a.mu.Lock()
	defer a.mu.Unlock()
	sp, ok := a.sessions[id]
	if !ok {
		sp = &sessionProfile{prof: Profile{SessionID: id, Fields: make(map[string]Field)}}
		a.sessions[id] = sp
	}
	return sp
}
