package server

import (
	"time"

	"github.com/oversea-labs/traveldesk/internal/profile"
	"github.com/oversea-labs/traveldesk/internal/question"
	"github.com/oversea-labs/traveldesk/internal/recommend"
)

// Error codes surfaced on the REST and stream boundaries.
const (
	CodeSessionNotFound      = "SESSION_NOT_FOUND"
	CodeProcessingError      = "PROCESSING_ERROR"
	CodeInvalidAudioFormat   = "INVALID_AUDIO_FORMAT"
	CodeRateLimitExceeded    = "RATE_LIMIT_EXCEEDED"
	CodeAuthenticationFailed = "AUTHENTICATION_FAILED" // reserved for a future auth layer
)

// Event is the common envelope on every outbound stream message. Seq is
// the per-connection delivery sequence assigned by the dispatcher; a
// client acks it on reconnect to resume without duplicates.
type Event struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Seq       int64  `json:"seq"`
}

// SetSeq is called by the dispatcher at send time.
func (e *Event) SetSeq(seq int64) { e.Seq = seq }

type StatusEvent struct {
	Event
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
}

type TranscriptionEvent struct {
	Event
	SegmentSeq int64   `json:"segment_seq"`
	Speaker    string  `json:"speaker"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence,omitempty"`
}

type ExtractionEvent struct {
	Event
	SegmentSeq int64                     `json:"segment_seq"`
	Entities   map[string]profile.Entity `json:"entities"`
}

type ProfileUpdateEvent struct {
	Event
	Version int64                    `json:"version"`
	Profile profile.Profile          `json:"profile"`
	Changes map[string]profile.Field `json:"changes,omitempty"`
}

type ProfileQuestionEvent struct {
	Event
	Version   int64               `json:"version"`
	Questions []question.Question `json:"questions"`
}

type RecommendationsEvent struct {
	Event
	Version             int64            `json:"version"`
	BasisProfileVersion int64            `json:"basis_profile_version"`
	Recommendations     []recommend.Item `json:"recommendations"`
	TotalCount          int              `json:"total_count"`
}

type ErrorEvent struct {
	Event
	Code    string `json:"error_code"`
	Message string `json:"message"`
}

// inboundMessage is the single decode target for all client-to-server
// stream messages; Type selects which fields are meaningful.
type inboundMessage struct {
	Type string `json:"type"`

	// start_call
	LastAckedSeq int64 `json:"last_acked_seq,omitempty"`

	// audio_segment: Data/Format for audio, or Text for text-mode
	// segments that skip transcription.
	Data    string `json:"data,omitempty"`
	Format  string `json:"format,omitempty"`
	Speaker string `json:"speaker,omitempty"`
	Text    string `json:"text,omitempty"`
}

const (
	msgStartCall    = "start_call"
	msgAudioSegment = "audio_segment"
	msgStop         = "stop"
)

func newEvent(eventType string, now time.Time) Event {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return Event{
		Type:      eventType,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
	}
}
