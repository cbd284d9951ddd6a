// Package registry is the authoritative record of session identity,
// lifecycle state, and per-session monotonic sequence counters.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is a session lifecycle state.
type Status string

const (
	StatusActive Status = "active"
	StatusIdle   Status = "idle"
	StatusClosed Status = "closed"
)

// Session is a point-in-time view of one session's registry entry.
type Session struct {
	ID             string            `json:"session_id"`
	CreatedAt      time.Time         `json:"created_at"`
	LastActivityAt time.Time         `json:"last_activity_at"`
	Status         Status            `json:"status"`
	NextSegmentSeq int64             `json:"next_segment_seq"`
	UserID         string            `json:"user_id,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Store persists session lifecycle transitions. The registry itself is
// authoritative; the store is write-through for durability and the query
// interface.
type Store interface {
	CreateSession(sess Session) error
	CloseSession(id string, at time.Time) error
}

// Registry tracks live sessions. All exported methods are safe for
// concurrent use; per-session operations are serialized by a per-entry
// mutex so NextSeq never hands out duplicates.
type Registry struct {
	store       Store
	idleTimeout time.Duration
	closeAfter  time.Duration
	now         func() time.Time

	// OnClose, when set, is invoked after a session is closed (explicit
	// stop or idle sweep) so dependent per-session state can be released.
	// Set before the registry is shared across goroutines.
	OnClose func(id string)

	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	mu     sync.Mutex
	sess   Session
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Registry. Sessions with no activity for idleTimeout
// transition to idle; idle sessions are closed by the sweeper after a
// further closeAfter. The store may be nil for fully ephemeral operation.
func New(store Store, idleTimeout, closeAfter time.Duration) *Registry {
	if idleTimeout <= 0 {
		idleTimeout = 5 * time.Minute
	}
	if closeAfter <= 0 {
		closeAfter = idleTimeout
	}
	return &Registry{
		store:       store,
		idleTimeout: idleTimeout,
		closeAfter:  closeAfter,
		now:         func() time.Time { return time.Now().UTC() },
		entries:     make(map[string]*entry),
	}
}

// Create registers a new session with NextSegmentSeq starting at zero.
func (r *Registry) Create(userID string, metadata map[string]string) (Session, error) {
	now := r.now()
	sess := Session{
		ID:             uuid.NewString(),
		CreatedAt:      now,
		LastActivityAt: now,
		Status:         StatusActive,
		UserID:         userID,
		Metadata:       metadata,
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{sess: sess, ctx: ctx, cancel: cancel}

	r.mu.Lock()
	r.entries[sess.ID] = e
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.CreateSession(sess); err != nil {
			r.mu.Lock()
			delete(r.entries, sess.ID)
			r.mu.Unlock()
			cancel()
			return Session{}, fmt.Errorf("persist session: %w", err)
		}
	}

	return sess, nil
}

// Get returns a snapshot of the session.
func (r *Registry) Get(id string) (Session, error) {
	e, err := r.entry(id)
	if err != nil {
		return Session{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess, nil
}

// Touch records activity, reviving an idle session to active.
func (r *Registry) Touch(id string) error {
	e, err := r.entry(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.sess.LastActivityAt = r.now()
	if e.sess.Status == StatusIdle {
		e.sess.Status = StatusActive
	}
	e.mu.Unlock()
	return nil
}

// NextSeq atomically increments and returns the session's segment
// sequence number. The first call returns 1.
func (r *Registry) NextSeq(id string) (int64, error) {
	e, err := r.entry(id)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.sess.NextSegmentSeq++
	e.sess.LastActivityAt = r.now()
	return e.sess.NextSegmentSeq, nil
}

// Context returns a context that is canceled when the session closes.
// In-flight collaborator work for the session should be tied to it so
// late results are discarded, not applied.
func (r *Registry) Context(id string) (context.Context, error) {
	e, err := r.entry(id)
	if err != nil {
		return nil, err
	}
	return e.ctx, nil
}

// Close transitions the session to closed, cancels its context, and
// removes the entry. Closing an unknown or already closed session
// returns ErrSessionNotFound.
func (r *Registry) Close(id string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	e.mu.Lock()
	e.sess.Status = StatusClosed
	e.mu.Unlock()
	e.cancel()

	if r.OnClose != nil {
		r.OnClose(id)
	}

	if r.store != nil {
		if err := r.store.CloseSession(id, r.now()); err != nil {
			return fmt.Errorf("persist session close: %w", err)
		}
	}
	return nil
}

// Len returns the number of live (active or idle) sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Sweep runs the idle/close background loop until ctx is canceled.
func (r *Registry) Sweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepOnce()
		}
	}
}

func (r *Registry) sweepOnce() {
	now := r.now()

	r.mu.RLock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		e, err := r.entry(id)
		if err != nil {
			continue
		}

		e.mu.Lock()
		idleFor := now.Sub(e.sess.LastActivityAt)
		status := e.sess.Status
		if status == StatusActive && idleFor >= r.idleTimeout {
			e.sess.Status = StatusIdle
			status = StatusIdle
			slog.Info("session idle", "session_id", id, "idle_for", idleFor)
		}
		expired := status == StatusIdle && idleFor >= r.idleTimeout+r.closeAfter
		e.mu.Unlock()

		if expired {
			slog.Info("closing idle session", "session_id", id)
			if err := r.Close(id); err != nil {
				slog.Warn("idle close failed", "session_id", id, "error", err)
			}
		}
	}
}

func (r *Registry) entry(id string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return e, nil
}
