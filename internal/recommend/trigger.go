package recommend

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/oversea-labs/traveldesk/internal/profile"
)

// TriggerConfig tunes the regeneration policy.
type TriggerConfig struct {
	// Window is the minimum interval between consecutive regenerations
	// for one session.
	Window time.Duration

	// MinCompletenessDelta is the completeness increase (since the last
	// regeneration) that qualifies an update on its own.
	MinCompletenessDelta float64

	// HighValueFields qualify an update immediately when any of them
	// changed, regardless of completeness.
	HighValueFields []string

	// Timeout bounds each collaborator call.
	Timeout time.Duration

	// MaxConcurrent bounds simultaneous collaborator calls across all
	// sessions.
	MaxConcurrent int64
}

// Trigger debounces profile updates into recommendation regenerations.
//
// A qualifying update triggers immediately when nothing is in flight and
// the debounce window has elapsed; otherwise it marks a pending
// regeneration that fires once when the window elapses, coalescing every
// update seen meanwhile into a single call on the latest snapshot. If a
// newer profile version arrives while a call is in flight, the finished
// set is still published and a fresh regeneration is scheduled right
// after, so the client is never left on a stale basis for long.
type Trigger struct {
	rec       Recommender
	cfg       TriggerConfig
	publish   func(Set)
	highValue map[string]struct{}
	sem       *semaphore.Weighted
	now       func() time.Time

	mu       sync.Mutex
	sessions map[string]*sessionTrigger
}

type sessionTrigger struct {
	mu         sync.Mutex
	ctx        context.Context
	latest     profile.Profile
	lastRun    time.Time
	basisScore float64
	version    int64
	inFlight   bool
	pending    bool
	timer      *time.Timer
	removed    bool
}

// NewTrigger creates a Trigger that publishes finished sets through
// publish. Zero config values get conservative defaults.
func NewTrigger(rec Recommender, cfg TriggerConfig, publish func(Set)) *Trigger {
	if cfg.Window <= 0 {
		cfg.Window = 5 * time.Second
	}
	if cfg.MinCompletenessDelta <= 0 {
		cfg.MinCompletenessDelta = 0.25
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 2
	}
	hv := make(map[string]struct{}, len(cfg.HighValueFields))
	for _, f := range cfg.HighValueFields {
		hv[f] = struct{}{}
	}
	return &Trigger{
		rec:       rec,
		cfg:       cfg,
		publish:   publish,
		highValue: hv,
		sem:       semaphore.NewWeighted(cfg.MaxConcurrent),
		now:       func() time.Time { return time.Now().UTC() },
		sessions:  make(map[string]*sessionTrigger),
	}
}

// OnUpdate feeds one profile update into the policy. ctx should be the
// session's lifetime context so in-flight calls die with the session.
func (t *Trigger) OnUpdate(ctx context.Context, up profile.Update) {
	st := t.session(up.Profile.SessionID)

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.removed {
		return
	}
	st.ctx = ctx
	st.latest = up.Profile

	if !t.qualifies(st, up) {
		return
	}

	now := t.now()
	if !st.inFlight && now.Sub(st.lastRun) >= t.cfg.Window {
		t.startLocked(st, up.Profile.SessionID)
		return
	}

	st.pending = true
	if !st.inFlight && st.timer == nil {
		wait := t.cfg.Window - now.Sub(st.lastRun)
		sessionID := up.Profile.SessionID
		st.timer = time.AfterFunc(wait, func() { t.fireTimer(sessionID) })
	}
}

// Remove discards the session's trigger state. Any in-flight result is
// dropped on completion.
func (t *Trigger) Remove(sessionID string) {
	t.mu.Lock()
	st, ok := t.sessions[sessionID]
	if ok {
		delete(t.sessions, sessionID)
	}
	t.mu.Unlock()
	if !ok {
		return
	}

	st.mu.Lock()
	st.removed = true
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	st.mu.Unlock()
}

func (t *Trigger) qualifies(st *sessionTrigger, up profile.Update) bool {
	for name := range up.Changes {
		if _, ok := t.highValue[name]; ok {
			return true
		}
	}
	return up.Profile.CompletenessScore-st.basisScore >= t.cfg.MinCompletenessDelta
}

func (t *Trigger) fireTimer(sessionID string) {
	st, ok := t.lookup(sessionID)
	if !ok {
		return // removed after the timer was armed
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.timer = nil
	if st.removed || st.inFlight || !st.pending {
		return
	}
	t.startLocked(st, sessionID)
}

// startLocked launches a regeneration. st.mu must be held.
func (t *Trigger) startLocked(st *sessionTrigger, sessionID string) {
	st.inFlight = true
	st.pending = false
	st.lastRun = t.now()
	snapshot := st.latest
	st.basisScore = snapshot.CompletenessScore
	ctx := st.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	go t.run(ctx, st, sessionID, snapshot)
}

func (t *Trigger) run(ctx context.Context, st *sessionTrigger, sessionID string, snapshot profile.Profile) {
	var items []Item
	err := t.sem.Acquire(ctx, 1)
	if err == nil {
		callCtx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
		items, err = t.rec.Recommend(callCtx, snapshot)
		cancel()
		t.sem.Release(1)
	}

	st.mu.Lock()
	st.inFlight = false

	if st.removed || ctx.Err() != nil {
		// Session closed while the collaborator was working; discard.
		st.mu.Unlock()
		return
	}

	var set Set
	publishable := err == nil
	if publishable {
		st.version++
		set = Set{
			SessionID:           sessionID,
			Version:             st.version,
			Items:               items,
			GeneratedAt:         t.now(),
			BasisProfileVersion: snapshot.Version,
		}
	}

	// Decide the follow-up before releasing the lock so only updates that
	// genuinely arrived mid-flight count. A newer profile version goes
	// again immediately; coalesced qualifying updates wait out the rest
	// of the window.
	switch {
	case st.latest.Version > snapshot.Version:
		t.startLocked(st, sessionID)
	case st.pending && st.timer == nil:
		wait := t.cfg.Window - t.now().Sub(st.lastRun)
		if wait < 0 {
			wait = 0
		}
		st.timer = time.AfterFunc(wait, func() { t.fireTimer(sessionID) })
	}
	st.mu.Unlock()

	if !publishable {
		slog.Warn("recommendation regeneration failed",
			"session_id", sessionID,
			"basis_profile_version", snapshot.Version,
			"error", err)
		return
	}
	if t.publish != nil {
		t.publish(set)
	}
}

func (t *Trigger) session(id string) *sessionTrigger {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.sessions[id]
	if !ok {
		st = &sessionTrigger{}
		t.sessions[id] = st
	}
	return st
}

func (t *Trigger) lookup(id string) (*sessionTrigger, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.sessions[id]
	return st, ok
}
