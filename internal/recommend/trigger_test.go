package recommend

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/oversea-labs/traveldesk/internal/profile"
)

type recorderMock struct {
	mu       sync.Mutex
	calls    []profile.Profile
	err      error
	block    chan struct{} // if set, Recommend waits until closed
	itemsFor func(prof profile.Profile) []Item
}

func (r *recorderMock) Recommend(ctx context.Context, prof profile.Profile) ([]Item, error) {
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, prof)
	if r.err != nil {
		return nil, r.err
	}
	if r.itemsFor != nil {
		return r.itemsFor(prof), nil
	}
	return []Item{{ID: "i1", Destination: "Paris", Title: "Stay", Score: 0.9}}, nil
}

func (r *recorderMock) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *recorderMock) lastCall() profile.Profile {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[len(r.calls)-1]
}

func update(session string, version int64, score float64, changed ...string) profile.Update {
	fields := make(map[string]profile.Field, len(changed))
	changes := make(map[string]profile.Field, len(changed))
	for _, name := range changed {
		f := profile.Field{Value: "x", LastAppliedSeq: version}
		fields[name] = f
		changes[name] = f
	}
	return profile.Update{
		Profile: profile.Profile{
			SessionID:         session,
			Version:           version,
			Fields:            fields,
			CompletenessScore: score,
		},
		Changes: changes,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestFirstQualifyingUpdateTriggersImmediately(t *testing.T) {
	rec := &recorderMock{}
	var sets []Set
	var mu sync.Mutex
	trigger := NewTrigger(rec, TriggerConfig{Window: time.Hour, MinCompletenessDelta: 0.2}, func(s Set) {
		mu.Lock()
		sets = append(sets, s)
		mu.Unlock()
	})

	trigger.OnUpdate(context.Background(), update("s", 1, 0.25, profile.FieldBudget))

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(sets) == 1
	})

	mu.Lock()
	set := sets[0]
	mu.Unlock()
	if set.BasisProfileVersion != 1 {
		t.Fatalf("expected basis profile version 1, got %d", set.BasisProfileVersion)
	}
	if set.Version != 1 {
		t.Fatalf("expected set version 1, got %d", set.Version)
	}
	if len(set.Items) != 1 {
		t.Fatalf("expected collaborator items, got %v", set.Items)
	}
}

func TestDebounceCoalescesUpdatesWithinWindow(t *testing.T) {
	rec := &recorderMock{}
	published := make(chan Set, 16)
	trigger := NewTrigger(rec, TriggerConfig{Window: 80 * time.Millisecond, MinCompletenessDelta: 0.1}, func(s Set) {
		published <- s
	})

	ctx := context.Background()

	// First qualifying update fires immediately.
	trigger.OnUpdate(ctx, update("s", 1, 0.25))
	first := <-published

	// A burst within the window coalesces into exactly one regeneration
	// carrying the last observed state.
	for v := int64(2); v <= 6; v++ {
		trigger.OnUpdate(ctx, update("s", v, 0.25+float64(v)*0.05))
	}

	second := <-published
	if second.BasisProfileVersion != 6 {
		t.Fatalf("coalesced run must use the latest snapshot, got basis %d", second.BasisProfileVersion)
	}

	select {
	case extra := <-published:
		t.Fatalf("expected no further regenerations, got %+v", extra)
	case <-time.After(250 * time.Millisecond):
	}

	if first.Version >= second.Version {
		t.Fatalf("set versions must increase: %d then %d", first.Version, second.Version)
	}
	if got := rec.callCount(); got != 2 {
		t.Fatalf("expected exactly 2 collaborator calls, got %d", got)
	}
}

func TestNonQualifyingUpdateDoesNotTrigger(t *testing.T) {
	rec := &recorderMock{}
	trigger := NewTrigger(rec, TriggerConfig{Window: 20 * time.Millisecond, MinCompletenessDelta: 0.5}, func(Set) {})

	trigger.OnUpdate(context.Background(), update("s", 1, 0.1))

	time.Sleep(100 * time.Millisecond)
	if got := rec.callCount(); got != 0 {
		t.Fatalf("expected no calls for a non-qualifying update, got %d", got)
	}
}

func TestHighValueFieldQualifiesRegardlessOfDelta(t *testing.T) {
	rec := &recorderMock{}
	published := make(chan Set, 1)
	trigger := NewTrigger(rec, TriggerConfig{
		Window:               time.Hour,
		MinCompletenessDelta: 0.9,
		HighValueFields:      []string{profile.FieldDestinations},
	}, func(s Set) { published <- s })

	trigger.OnUpdate(context.Background(), update("s", 1, 0.01, profile.FieldDestinations))

	select {
	case <-published:
	case <-time.After(2 * time.Second):
		t.Fatalf("high-value field change should trigger regeneration")
	}
}

func TestNewerVersionDuringFlightSchedulesFollowUp(t *testing.T) {
	rec := &recorderMock{block: make(chan struct{})}
	published := make(chan Set, 4)
	trigger := NewTrigger(rec, TriggerConfig{Window: 10 * time.Millisecond, MinCompletenessDelta: 0.1}, func(s Set) {
		published <- s
	})

	ctx := context.Background()
	trigger.OnUpdate(ctx, update("s", 1, 0.25))

	// While the first call is blocked in flight, a newer profile lands.
	trigger.OnUpdate(ctx, update("s", 2, 0.5))
	close(rec.block)

	first := <-published
	second := <-published
	if first.BasisProfileVersion != 1 || second.BasisProfileVersion != 2 {
		t.Fatalf("expected basis versions 1 then 2, got %d then %d",
			first.BasisProfileVersion, second.BasisProfileVersion)
	}
}

func TestRemoveDiscardsInFlightResult(t *testing.T) {
	rec := &recorderMock{block: make(chan struct{})}
	published := make(chan Set, 1)
	trigger := NewTrigger(rec, TriggerConfig{Window: 10 * time.Millisecond, MinCompletenessDelta: 0.1}, func(s Set) {
		published <- s
	})

	ctx, cancel := context.WithCancel(context.Background())
	trigger.OnUpdate(ctx, update("s", 1, 0.25))

	// Session closes while the collaborator is still working.
	cancel()
	trigger.Remove("s")
	close(rec.block)

	select {
	case s := <-published:
		t.Fatalf("late result must be discarded after close, got %+v", s)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestCollaboratorFailureIsSwallowed(t *testing.T) {
	rec := &recorderMock{err: errors.New("model down")}
	trigger := NewTrigger(rec, TriggerConfig{Window: 10 * time.Millisecond, MinCompletenessDelta: 0.1}, func(Set) {
		t.Errorf("failed regeneration must not publish")
	})

	trigger.OnUpdate(context.Background(), update("s", 1, 0.25))
	waitFor(t, 2*time.Second, func() bool { return rec.callCount() == 1 })
	time.Sleep(50 * time.Millisecond)
}

type concurrencyGauge struct {
	mu       sync.Mutex
	inFlight int
	maxSeen  int
	release  chan struct{}
}

func (g *concurrencyGauge) Recommend(ctx context.Context, prof profile.Profile) ([]Item, error) {
	g.mu.Lock()
	g.inFlight++
	if g.inFlight > g.maxSeen {
		g.maxSeen = g.inFlight
	}
	g.mu.Unlock()

	select {
	case <-g.release:
	case <-ctx.Done():
	}

	g.mu.Lock()
	g.inFlight--
	g.mu.Unlock()
	return []Item{{ID: "i1", Destination: "Paris", Title: "Stay", Score: 0.9}}, nil
}

func (g *concurrencyGauge) max() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.maxSeen
}

func TestConcurrentRegenerationsBounded(t *testing.T) {
	rec := &concurrencyGauge{release: make(chan struct{})}
	published := make(chan Set, 8)
	trigger := NewTrigger(rec, TriggerConfig{
		Window:               time.Hour,
		MinCompletenessDelta: 0.1,
		MaxConcurrent:        1,
	}, func(s Set) { published <- s })

	ctx := context.Background()
	trigger.OnUpdate(ctx, update("s1", 1, 0.25))
	trigger.OnUpdate(ctx, update("s2", 1, 0.25))
	trigger.OnUpdate(ctx, update("s3", 1, 0.25))

	// Let the runs pile up against the limit before releasing them.
	waitFor(t, 2*time.Second, func() bool { return rec.max() >= 1 })
	time.Sleep(50 * time.Millisecond)
	close(rec.release)

	for i := 0; i < 3; i++ {
		select {
		case <-published:
		case <-time.After(2 * time.Second):
			t.Fatalf("regeneration %d never published", i+1)
		}
	}
	if got := rec.max(); got != 1 {
		t.Fatalf("expected at most 1 collaborator call in flight, got %d", got)
	}
}

func TestTimerAfterRemoveLeavesNoState(t *testing.T) {
	rec := &recorderMock{}
	trigger := NewTrigger(rec, TriggerConfig{Window: time.Hour, MinCompletenessDelta: 0.1}, func(Set) {})

	ctx := context.Background()
	trigger.OnUpdate(ctx, update("s", 1, 0.25))

	// Second qualifying update within the window arms the debounce timer.
	trigger.OnUpdate(ctx, update("s", 2, 0.5))
	trigger.Remove("s")

	// A timer racing Remove must not resurrect the session's state.
	trigger.fireTimer("s")

	trigger.mu.Lock()
	n := len(trigger.sessions)
	trigger.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected no session state after remove, got %d entries", n)
	}
}
