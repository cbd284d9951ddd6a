package asr

import (
	"bytes"
	"context"
	"fmt"

	api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/rest"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

// Deepgram transcribes prerecorded audio segments over Deepgram's REST
// API. Each ingest segment is short, so the prerecorded endpoint is used
// rather than a live stream per session.
type Deepgram struct {
	dg       *api.Client
	model    string
	language string
}

// NewDeepgram creates a Deepgram transcriber. An empty model defaults
// to nova-2.
func NewDeepgram(apiKey, model, language string) *Deepgram {
	if model == "" {
		model = "nova-2"
	}
	if language == "" {
		language = "en-US"
	}

	c := client.NewREST(apiKey, &interfaces.ClientOptions{})
	return &Deepgram{dg: api.New(c), model: model, language: language}
}

// Transcribe sends the audio bytes and returns the top alternative.
func (d *Deepgram) Transcribe(ctx context.Context, audio []byte, format string) (string, float64, error) {
	if !SupportedFormat(format) {
		return "", 0, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}

	options := &interfaces.PreRecordedTranscriptionOptions{
		Model:       d.model,
		Language:    d.language,
		Punctuate:   true,
		SmartFormat: true,
	}

	res, err := d.dg.FromStream(ctx, bytes.NewReader(audio), options)
	if err != nil {
		return "", 0, fmt.Errorf("deepgram transcription: %w", err)
	}

	if res == nil || len(res.Results.Channels) == 0 || len(res.Results.Channels[0].Alternatives) == 0 {
		return "", 0, fmt.Errorf("deepgram: empty transcription result")
	}

	alt := res.Results.Channels[0].Alternatives[0]
	return alt.Transcript, alt.Confidence, nil
}
