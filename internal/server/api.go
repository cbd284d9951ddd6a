package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/oversea-labs/traveldesk/internal/bus"
	"github.com/oversea-labs/traveldesk/internal/profile"
	"github.com/oversea-labs/traveldesk/internal/question"
	"github.com/oversea-labs/traveldesk/internal/recommend"
	"github.com/oversea-labs/traveldesk/internal/registry"
	"github.com/oversea-labs/traveldesk/internal/transcript"
)

const defaultPageSize = 10

// Store is the read side of the query interface. Closed sessions are no
// longer in the registry, so reads go through persistence.
type Store interface {
	GetSession(id string) (registry.Session, error)
	GetSegments(sessionID string) ([]transcript.Segment, error)
	CountSegments(sessionID string) (int, error)
	GetProfile(sessionID string) (profile.Profile, error)
	LatestRecommendationSet(sessionID string) (recommend.Set, error)
}

// API serves the REST query interface under /api/v1.
type API struct {
	registry   *registry.Registry
	store      Store
	aggregator *profile.Aggregator
	bus        *bus.Bus
	health     func() map[string]any
	wsURL      func(sessionID string) string
}

func NewAPI(reg *registry.Registry, store Store, agg *profile.Aggregator, b *bus.Bus, health func() map[string]any) *API {
	return &API{
		registry:   reg,
		store:      store,
		aggregator: agg,
		bus:        b,
		health:     health,
		wsURL: func(sessionID string) string {
			return "/api/v1/sessions/" + sessionID + "/stream"
		},
	}
}

func (a *API) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/sessions", a.handleCreateSession)
	mux.HandleFunc("GET /api/v1/sessions/{id}/profile", a.handleGetProfile)
	mux.HandleFunc("GET /api/v1/sessions/{id}/recommendations", a.handleGetRecommendations)
	mux.HandleFunc("GET /api/v1/sessions/{id}/transcript", a.handleGetTranscript)
	mux.HandleFunc("GET /api/v1/sessions/{id}/status", a.handleGetStatus)
	mux.HandleFunc("POST /api/v1/sessions/{id}/answers", a.handleAnswer)
	mux.HandleFunc("GET /api/v1/health", a.handleHealth)
}

func (a *API) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID   string            `json:"user_id"`
		Metadata map[string]string `json:"metadata"`
	}
	if r.Body != nil {
		// An empty body is a valid create request.
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	sess, err := a.registry.Create(body.UserID, body.Metadata)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, CodeProcessingError, fmt.Sprintf("create session: %v", err))
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"session_id":    sess.ID,
		"created_at":    sess.CreatedAt,
		"websocket_url": a.wsURL(sess.ID),
	})
}

func (a *API) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	prof, ok := a.profileFor(w, sessionID)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":         sessionID,
		"profile":            prof,
		"completeness_score": prof.CompletenessScore,
		"last_updated":       prof.UpdatedAt,
	})
}

func (a *API) handleGetRecommendations(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if !a.sessionExists(w, sessionID) {
		return
	}

	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "page_size", defaultPageSize)
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = defaultPageSize
	}

	set, err := a.store.LatestRecommendationSet(sessionID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		writeJSONError(w, http.StatusInternalServerError, CodeProcessingError, fmt.Sprintf("get recommendations: %v", err))
		return
	}

	total := len(set.Items)
	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}

	items := set.Items[start:end]
	if items == nil {
		items = []recommend.Item{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":            sessionID,
		"recommendations":       items,
		"total_count":           total,
		"page":                  page,
		"page_size":             pageSize,
		"version":               set.Version,
		"basis_profile_version": set.BasisProfileVersion,
		"generated_at":          set.GeneratedAt,
	})
}

func (a *API) handleGetTranscript(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if !a.sessionExists(w, sessionID) {
		return
	}

	segments, err := a.store.GetSegments(sessionID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, CodeProcessingError, fmt.Sprintf("get transcript: %v", err))
		return
	}
	if segments == nil {
		segments = []transcript.Segment{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":     sessionID,
		"segments":       segments,
		"total_segments": len(segments),
	})
}

func (a *API) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	sess, err := a.registry.Get(sessionID)
	if err != nil {
		sess, err = a.store.GetSession(sessionID)
		if err != nil {
			writeJSONError(w, http.StatusNotFound, CodeSessionNotFound, "session not found")
			return
		}
	}

	count, err := a.store.CountSegments(sessionID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, CodeProcessingError, fmt.Sprintf("count segments: %v", err))
		return
	}

	prof := a.aggregator.Snapshot(sessionID)

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":           sessionID,
		"status":               sess.Status,
		"created_at":           sess.CreatedAt,
		"last_activity":        sess.LastActivityAt,
		"segment_count":        count,
		"profile_completeness": prof.CompletenessScore,
	})
}

func (a *API) handleAnswer(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if _, err := a.registry.Get(sessionID); err != nil {
		writeJSONError(w, http.StatusNotFound, CodeSessionNotFound, "session not found")
		return
	}

	var body struct {
		QuestionID string `json:"question_id"`
		Answer     any    `json:"answer"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, CodeProcessingError, "malformed answer body")
		return
	}

	field, ok := question.FieldForID(body.QuestionID)
	if !ok {
		writeJSONError(w, http.StatusBadRequest, CodeProcessingError, fmt.Sprintf("unknown question id %q", body.QuestionID))
		return
	}
	if body.Answer == nil {
		writeJSONError(w, http.StatusBadRequest, CodeProcessingError, "answer value is required")
		return
	}

	up, changed := a.aggregator.ApplyAnswer(sessionID, field, body.Answer)
	if changed {
		a.publishProfileUpdate(up)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"question_id":     body.QuestionID,
		"accepted":        changed,
		"updated_profile": up.Profile,
		"timestamp":       time.Now().UTC(),
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	services := map[string]any{}
	if a.health != nil {
		services = a.health()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": a.registry.Len(),
		"services":        services,
	})
}

// profileFor resolves the freshest profile: the in-memory aggregate for
// live sessions, the persisted snapshot otherwise.
func (a *API) profileFor(w http.ResponseWriter, sessionID string) (profile.Profile, bool) {
	if _, err := a.registry.Get(sessionID); err == nil {
		return a.aggregator.Snapshot(sessionID), true
	}

	if _, err := a.store.GetSession(sessionID); err != nil {
		writeJSONError(w, http.StatusNotFound, CodeSessionNotFound, "session not found")
		return profile.Profile{}, false
	}

	prof, err := a.store.GetProfile(sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return profile.Profile{SessionID: sessionID, Fields: map[string]profile.Field{}}, true
		}
		writeJSONError(w, http.StatusInternalServerError, CodeProcessingError, fmt.Sprintf("get profile: %v", err))
		return profile.Profile{}, false
	}
	return prof, true
}

func (a *API) sessionExists(w http.ResponseWriter, sessionID string) bool {
	if _, err := a.registry.Get(sessionID); err == nil {
		return true
	}
	if _, err := a.store.GetSession(sessionID); err != nil {
		writeJSONError(w, http.StatusNotFound, CodeSessionNotFound, "session not found")
		return false
	}
	return true
}

func (a *API) publishProfileUpdate(up profile.Update) {
	payload, err := json.Marshal(up)
	if err != nil {
		slog.Error("marshal profile update", "session_id", up.Profile.SessionID, "error", err)
		return
	}
	err = a.bus.Publish(bus.TopicProfileUpdate, bus.Message{
		SessionID: up.Profile.SessionID,
		Kind:      "profile.update",
		Payload:   payload,
	})
	if err != nil {
		slog.Error("publish profile update", "session_id", up.Profile.SessionID, "error", err)
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": msg,
		},
	})
}
