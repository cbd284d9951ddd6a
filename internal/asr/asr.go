// Package asr is the transcription collaborator boundary. Audio-mode
// segments pass through a Transcriber; text-mode segments skip it.
package asr

import (
	"context"
	"errors"
	"strings"
)

// ErrUnsupportedFormat is returned for audio formats the collaborator
// cannot decode; the gateway surfaces it as INVALID_AUDIO_FORMAT.
var ErrUnsupportedFormat = errors.New("unsupported audio format")

// Transcriber converts one audio segment to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, format string) (text string, confidence float64, err error)
}

var supportedFormats = map[string]struct{}{
	"wav":      {},
	"mp3":      {},
	"ogg":      {},
	"linear16": {},
	"flac":     {},
}

// SupportedFormat reports whether the gateway accepts the audio format.
func SupportedFormat(format string) bool {
	_, ok := supportedFormats[strings.ToLower(strings.TrimSpace(format))]
	return ok
}
