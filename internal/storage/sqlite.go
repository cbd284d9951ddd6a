// Package storage persists sessions, transcript segments, profile
// snapshots and recommendation sets in SQLite. It backs the query
// interface and the registry's write-through.
package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/oversea-labs/traveldesk/internal/profile"
	"github.com/oversea-labs/traveldesk/internal/recommend"
	"github.com/oversea-labs/traveldesk/internal/registry"
	"github.com/oversea-labs/traveldesk/internal/transcript"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if strings.TrimSpace(dbPath) == "" {
		dbPath = filepath.Join("data", "traveldesk.db")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) init() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			created_at TEXT NOT NULL,
			closed_at TEXT,
			status TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '{}'
		);
	`); err != nil {
		return fmt.Errorf("create sessions table: %w", err)
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS segments (
			session_id TEXT NOT NULL,
			segment_seq INTEGER NOT NULL,
			speaker TEXT NOT NULL,
			text TEXT NOT NULL,
			confidence REAL NOT NULL DEFAULT 0,
			captured_at TEXT NOT NULL,
			PRIMARY KEY(session_id, segment_seq),
			FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
		);
	`); err != nil {
		return fmt.Errorf("create segments table: %w", err)
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS profiles (
			session_id TEXT PRIMARY KEY,
			version INTEGER NOT NULL,
			completeness REAL NOT NULL,
			data TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
		);
	`); err != nil {
		return fmt.Errorf("create profiles table: %w", err)
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS recommendation_sets (
			session_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			basis_profile_version INTEGER NOT NULL,
			data TEXT NOT NULL,
			generated_at TEXT NOT NULL,
			PRIMARY KEY(session_id, version),
			FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
		);
	`); err != nil {
		return fmt.Errorf("create recommendation_sets table: %w", err)
	}

	if _, err := s.db.Exec("CREATE INDEX IF NOT EXISTS idx_segments_session ON segments(session_id, segment_seq)"); err != nil {
		return fmt.Errorf("create segments index: %w", err)
	}

	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) CreateSession(sess registry.Session) error {
	if strings.TrimSpace(sess.ID) == "" {
		return errors.New("session id is required")
	}

	metadata, err := json.Marshal(sess.Metadata)
	if err != nil {
		return fmt.Errorf("marshal session metadata: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO sessions(id, created_at, status, user_id, metadata) VALUES(?, ?, ?, ?, ?)`,
		sess.ID,
		sess.CreatedAt.UTC().Format(time.RFC3339Nano),
		string(registry.StatusActive),
		sess.UserID,
		string(metadata),
	)
	if err != nil {
		return fmt.Errorf("create session %s: %w", sess.ID, err)
	}
	return nil
}

func (s *SQLiteStore) CloseSession(id string, at time.Time) error {
	res, err := s.db.Exec(
		`UPDATE sessions SET closed_at = ?, status = ? WHERE id = ?`,
		at.UTC().Format(time.RFC3339Nano),
		string(registry.StatusClosed),
		id,
	)
	if err != nil {
		return fmt.Errorf("close session %s: %w", id, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("close session rows affected: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// GetSession reads the persisted row. Closed sessions are evicted from
// the in-memory registry, so status queries after close land here.
func (s *SQLiteStore) GetSession(id string) (registry.Session, error) {
	var (
		sess      registry.Session
		createdAt string
		closedAt  sql.NullString
		status    string
		metadata  string
	)
	err := s.db.QueryRow(
		`SELECT id, created_at, closed_at, status, user_id, metadata FROM sessions WHERE id = ?`,
		id,
	).Scan(&sess.ID, &createdAt, &closedAt, &status, &sess.UserID, &metadata)
	if err != nil {
		return registry.Session{}, fmt.Errorf("query session %s: %w", id, err)
	}

	sess.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return registry.Session{}, fmt.Errorf("parse session created_at: %w", err)
	}
	if closedAt.Valid {
		sess.LastActivityAt, err = time.Parse(time.RFC3339Nano, closedAt.String)
		if err != nil {
			return registry.Session{}, fmt.Errorf("parse session closed_at: %w", err)
		}
	}
	sess.Status = registry.Status(status)

	if metadata != "" && metadata != "{}" {
		if err := json.Unmarshal([]byte(metadata), &sess.Metadata); err != nil {
			return registry.Session{}, fmt.Errorf("decode session metadata: %w", err)
		}
	}

	return sess, nil
}

func (s *SQLiteStore) AppendSegment(seg transcript.Segment) error {
	// Idempotent under bus redelivery: (session_id, segment_seq) is the
	// primary key and segments are immutable.
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO segments(session_id, segment_seq, speaker, text, confidence, captured_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		seg.SessionID,
		seg.SegmentSeq,
		seg.Speaker,
		strings.TrimSpace(seg.Text),
		seg.Confidence,
		seg.CapturedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("append segment %d for session %s: %w", seg.SegmentSeq, seg.SessionID, err)
	}
	return nil
}

func (s *SQLiteStore) GetSegments(sessionID string) ([]transcript.Segment, error) {
	rows, err := s.db.Query(
		`SELECT segment_seq, speaker, text, confidence, captured_at
		 FROM segments
		 WHERE session_id = ?
		 ORDER BY segment_seq ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query segments for session %s: %w", sessionID, err)
	}
	defer func() { _ = rows.Close() }()

	segments := make([]transcript.Segment, 0, 32)
	for rows.Next() {
		seg := transcript.Segment{SessionID: sessionID}
		var capturedAt string
		if err := rows.Scan(&seg.SegmentSeq, &seg.Speaker, &seg.Text, &seg.Confidence, &capturedAt); err != nil {
			return nil, fmt.Errorf("scan segment for session %s: %w", sessionID, err)
		}

		parsed, err := time.Parse(time.RFC3339Nano, capturedAt)
		if err != nil {
			return nil, fmt.Errorf("parse segment captured_at for session %s: %w", sessionID, err)
		}
		seg.CapturedAt = parsed

		segments = append(segments, seg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate segment rows for session %s: %w", sessionID, err)
	}

	return segments, nil
}

func (s *SQLiteStore) CountSegments(sessionID string) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM segments WHERE session_id = ?`, sessionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count segments for session %s: %w", sessionID, err)
	}
	return count, nil
}

func (s *SQLiteStore) SaveProfile(prof profile.Profile) error {
	data, err := json.Marshal(prof)
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO profiles(session_id, version, completeness, data, updated_at)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
			version = excluded.version,
			completeness = excluded.completeness,
			data = excluded.data,
			updated_at = excluded.updated_at
		 WHERE excluded.version > profiles.version`,
		prof.SessionID,
		prof.Version,
		prof.CompletenessScore,
		string(data),
		prof.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save profile for session %s: %w", prof.SessionID, err)
	}
	return nil
}

func (s *SQLiteStore) GetProfile(sessionID string) (profile.Profile, error) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM profiles WHERE session_id = ?`, sessionID).Scan(&data)
	if err != nil {
		return profile.Profile{}, fmt.Errorf("query profile for session %s: %w", sessionID, err)
	}

	var prof profile.Profile
	if err := json.Unmarshal([]byte(data), &prof); err != nil {
		return profile.Profile{}, fmt.Errorf("decode profile for session %s: %w", sessionID, err)
	}
	return prof, nil
}

func (s *SQLiteStore) SaveRecommendationSet(set recommend.Set) error {
	data, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("marshal recommendation set: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT OR IGNORE INTO recommendation_sets(session_id, version, basis_profile_version, data, generated_at)
		 VALUES(?, ?, ?, ?, ?)`,
		set.SessionID,
		set.Version,
		set.BasisProfileVersion,
		string(data),
		set.GeneratedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save recommendation set for session %s: %w", set.SessionID, err)
	}
	return nil
}

func (s *SQLiteStore) LatestRecommendationSet(sessionID string) (recommend.Set, error) {
	var data string
	err := s.db.QueryRow(
		`SELECT data FROM recommendation_sets WHERE session_id = ? ORDER BY version DESC LIMIT 1`,
		sessionID,
	).Scan(&data)
	if err != nil {
		return recommend.Set{}, fmt.Errorf("query recommendation set for session %s: %w", sessionID, err)
	}

	var set recommend.Set
	if err := json.Unmarshal([]byte(data), &set); err != nil {
		return recommend.Set{}, fmt.Errorf("decode recommendation set for session %s: %w", sessionID, err)
	}
	return set, nil
}
