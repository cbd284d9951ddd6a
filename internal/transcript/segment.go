// Package transcript defines the immutable transcript segment model
// shared by the ingest gateway, the collaborators, and storage.
package transcript

import (
	"fmt"
	"strings"
	"time"
)

// Speaker roles on a call.
const (
	SpeakerCustomer = "customer"
	SpeakerAgent    = "agent"
	SpeakerSystem   = "system"
)

// Segment is one transcribed slice of the conversation. SegmentSeq is
// assigned at ingest, strictly increasing per session; a Segment never
// changes once created.
type Segment struct {
	SessionID  string    `json:"session_id"`
	SegmentSeq int64     `json:"segment_seq"`
	Speaker    string    `json:"speaker"`
	Text       string    `json:"text"`
	Confidence float64   `json:"confidence,omitempty"`
	CapturedAt time.Time `json:"captured_at"`
}

// Request is an untranscribed ingest unit published on the
// transcript-request topic. Either Audio (with Format) or Text is set;
// text-mode segments skip the ASR collaborator.
type Request struct {
	SessionID  string    `json:"session_id"`
	SegmentSeq int64     `json:"segment_seq"`
	Speaker    string    `json:"speaker"`
	Audio      []byte    `json:"audio,omitempty"`
	Format     string    `json:"format,omitempty"`
	Text       string    `json:"text,omitempty"`
	CapturedAt time.Time `json:"captured_at"`
}

// NormalizeSpeaker maps arbitrary client speaker labels onto the known
// roles, defaulting to customer.
func NormalizeSpeaker(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case SpeakerAgent:
		return SpeakerAgent
	case SpeakerSystem:
		return SpeakerSystem
	default:
		return SpeakerCustomer
	}
}

// Format renders the segment for prompt assembly.
func (s Segment) Format() string {
	return fmt.Sprintf("[%d] %s: %s", s.SegmentSeq, s.Speaker, strings.TrimSpace(s.Text))
}
