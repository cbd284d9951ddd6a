package storage

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/oversea-labs/traveldesk/internal/profile"
	"github.com/oversea-labs/traveldesk/internal/recommend"
	"github.com/oversea-labs/traveldesk/internal/registry"
	"github.com/oversea-labs/traveldesk/internal/transcript"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func mustCreateSession(t *testing.T, store *SQLiteStore, id string) {
	t.Helper()
	err := store.CreateSession(registry.Session{
		ID:        id,
		CreatedAt: time.Now(),
		Status:    registry.StatusActive,
	})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	store := newTestStore(t)

	created := time.Date(2026, 8, 1, 10, 30, 0, 0, time.UTC)
	err := store.CreateSession(registry.Session{
		ID:        "sess-1",
		CreatedAt: created,
		Status:    registry.StatusActive,
		UserID:    "agent-7",
		Metadata:  map[string]string{"channel": "phone"},
	})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	sess, err := store.GetSession("sess-1")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if sess.Status != registry.StatusActive {
		t.Errorf("status = %q, want %q", sess.Status, registry.StatusActive)
	}
	if !sess.CreatedAt.Equal(created) {
		t.Errorf("created_at = %v, want %v", sess.CreatedAt, created)
	}
	if sess.UserID != "agent-7" {
		t.Errorf("user_id = %q, want agent-7", sess.UserID)
	}
	if sess.Metadata["channel"] != "phone" {
		t.Errorf("metadata = %v, want channel=phone", sess.Metadata)
	}

	if err := store.CloseSession("sess-1", created.Add(5*time.Minute)); err != nil {
		t.Fatalf("CloseSession() error = %v", err)
	}

	sess, err = store.GetSession("sess-1")
	if err != nil {
		t.Fatalf("GetSession() after close error = %v", err)
	}
	if sess.Status != registry.StatusClosed {
		t.Errorf("status after close = %q, want %q", sess.Status, registry.StatusClosed)
	}
}

func TestCreateSessionDuplicateID(t *testing.T) {
	store := newTestStore(t)
	mustCreateSession(t, store, "sess-1")

	err := store.CreateSession(registry.Session{ID: "sess-1", CreatedAt: time.Now()})
	if err == nil {
		t.Fatal("CreateSession() with duplicate id succeeded, want error")
	}
}

func TestCloseSessionUnknown(t *testing.T) {
	store := newTestStore(t)

	err := store.CloseSession("nope", time.Now())
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("CloseSession() error = %v, want sql.ErrNoRows", err)
	}
}

func TestGetSessionUnknown(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetSession("nope")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("GetSession() error = %v, want sql.ErrNoRows", err)
	}
}

func TestSegmentsOrderedAndIdempotent(t *testing.T) {
	store := newTestStore(t)
	mustCreateSession(t, store, "sess-1")

	base := time.Date(2026, 8, 1, 10, 30, 0, 0, time.UTC)
	for _, seq := range []int64{3, 1, 2} {
		seg := transcript.Segment{
			SessionID:  "sess-1",
			SegmentSeq: seq,
			Speaker:    transcript.SpeakerCustomer,
			Text:       "segment text",
			Confidence: 0.9,
			CapturedAt: base.Add(time.Duration(seq) * time.Second),
		}
		if err := store.AppendSegment(seg); err != nil {
			t.Fatalf("AppendSegment(%d) error = %v", seq, err)
		}
	}

	// Redelivery of an already-stored segment must not duplicate it.
	err := store.AppendSegment(transcript.Segment{
		SessionID:  "sess-1",
		SegmentSeq: 2,
		Speaker:    transcript.SpeakerCustomer,
		Text:       "redelivered",
		CapturedAt: base,
	})
	if err != nil {
		t.Fatalf("AppendSegment() redelivery error = %v", err)
	}

	segments, err := store.GetSegments("sess-1")
	if err != nil {
		t.Fatalf("GetSegments() error = %v", err)
	}
	if len(segments) != 3 {
		t.Fatalf("got %d segments, want 3", len(segments))
	}
	for i, seg := range segments {
		if seg.SegmentSeq != int64(i+1) {
			t.Errorf("segment[%d].SegmentSeq = %d, want %d", i, seg.SegmentSeq, i+1)
		}
	}
	if segments[1].Text != "segment text" {
		t.Errorf("redelivered segment overwrote original: %q", segments[1].Text)
	}

	count, err := store.CountSegments("sess-1")
	if err != nil {
		t.Fatalf("CountSegments() error = %v", err)
	}
	if count != 3 {
		t.Errorf("CountSegments() = %d, want 3", count)
	}
}

func TestSaveProfileKeepsNewestVersion(t *testing.T) {
	store := newTestStore(t)
	mustCreateSession(t, store, "sess-1")

	newer := profile.Profile{
		SessionID: "sess-1",
		Version:   3,
		Fields: map[string]profile.Field{
			profile.FieldDestinations: {Value: []any{"Lisbon"}, LastAppliedSeq: 4},
		},
		CompletenessScore: 0.25,
		UpdatedAt:         time.Now(),
	}
	if err := store.SaveProfile(newer); err != nil {
		t.Fatalf("SaveProfile() error = %v", err)
	}

	stale := newer
	stale.Version = 2
	stale.Fields = nil
	if err := store.SaveProfile(stale); err != nil {
		t.Fatalf("SaveProfile() stale error = %v", err)
	}

	got, err := store.GetProfile("sess-1")
	if err != nil {
		t.Fatalf("GetProfile() error = %v", err)
	}
	if got.Version != 3 {
		t.Errorf("version = %d, want 3 (stale write must not overwrite)", got.Version)
	}
	if _, ok := got.Fields[profile.FieldDestinations]; !ok {
		t.Error("destinations field lost after stale write")
	}
}

func TestLatestRecommendationSet(t *testing.T) {
	store := newTestStore(t)
	mustCreateSession(t, store, "sess-1")

	for v := int64(1); v <= 3; v++ {
		set := recommend.Set{
			SessionID:           "sess-1",
			Version:             v,
			BasisProfileVersion: v,
			Items:               []recommend.Item{{Title: "item"}},
			GeneratedAt:         time.Now(),
		}
		if err := store.SaveRecommendationSet(set); err != nil {
			t.Fatalf("SaveRecommendationSet(v%d) error = %v", v, err)
		}
	}

	got, err := store.LatestRecommendationSet("sess-1")
	if err != nil {
		t.Fatalf("LatestRecommendationSet() error = %v", err)
	}
	if got.Version != 3 {
		t.Errorf("version = %d, want 3", got.Version)
	}

	_, err = store.LatestRecommendationSet("other")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("LatestRecommendationSet() unknown session error = %v, want sql.ErrNoRows", err)
	}
}
