// Package extract is the entity-extraction collaborator: it turns one
// transcribed segment into an ExtractionResult via a chat-completion
// model instructed to emit strict JSON.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/oversea-labs/traveldesk/internal/llm"
	"github.com/oversea-labs/traveldesk/internal/profile"
	"github.com/oversea-labs/traveldesk/internal/transcript"
)

const systemPromptTemplate = `You are a travel information extraction agent.
Extract travel details from customer speech and return ONLY valid JSON.
Today's date is %s.

Extract these fields ONLY if explicitly mentioned:

- destinations: list of strings (cities or sites)
- budget: {"min": number, "max": number} (single figures: min == max)
- travel_dates: {"check_in": "YYYY-MM-DD", "check_out": "YYYY-MM-DD"}
- travelers: {"adults": number, "children": number, "rooms": number}
- activities: list of full English sentences
- preferences: list of strings (ENGLISH ONLY)
- keywords: list of strings (ENGLISH ONLY)
- tone: one word describing the customer's mood

Date reasoning: resolve relative dates ("next week", "tomorrow") and
stay durations ("a week", "15 days") against today's date; a duration
without a start date begins today.

Output constraints: valid JSON only, double quotes, no markdown, no
comments, no trailing commas. Omit fields that are not mentioned. If no
travel-related information exists, return {}.

Precision is more important than completeness. Never hallucinate.`

var jsonObjectPattern = regexp.MustCompile(`(?s)\{.*\}`)

// Agent extracts entities from transcript segments.
type Agent struct {
	client llm.Client
	now    func() time.Time
	sleep  func(time.Duration)
}

// New creates an Agent on the given model client. The client should run
// at temperature 0.
func New(client llm.Client) *Agent {
	return &Agent{
		client: client,
		now:    func() time.Time { return time.Now().UTC() },
		sleep:  time.Sleep,
	}
}

// Extract runs the model on one segment. Segments with no travel
// content yield a result with an empty entity map, not an error.
func (a *Agent) Extract(ctx context.Context, seg transcript.Segment) (profile.ExtractionResult, error) {
	started := a.now()

	messages := []llm.Message{
		{Role: "system", Content: fmt.Sprintf(systemPromptTemplate, started.Format("2006-01-02"))},
		{Role: "user", Content: fmt.Sprintf("Extract travel information from this text: %q", seg.Text)},
	}

	backoff := []time.Duration{time.Second, 4 * time.Second}
	var content string
	var lastErr error
	for attempt := 0; attempt <= len(backoff); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return profile.ExtractionResult{}, ctx.Err()
			default:
			}
			a.sleep(backoff[attempt-1])
		}

		var err error
		content, err = a.client.Complete(ctx, messages)
		if err == nil {
			lastErr = nil
			break
		}
		lastErr = err
	}
	if lastErr != nil {
		return profile.ExtractionResult{}, fmt.Errorf("extraction for segment %d: %w", seg.SegmentSeq, lastErr)
	}

	raw, err := parseEntities(content)
	if err != nil {
		return profile.ExtractionResult{}, fmt.Errorf("extraction for segment %d: %w", seg.SegmentSeq, err)
	}

	confidence := seg.Confidence
	if confidence == 0 {
		confidence = 0.8
	}

	entities := make(map[string]profile.Entity, len(raw))
	for key, value := range raw {
		if value == nil {
			continue
		}
		entities[key] = profile.Entity{
			Value:           value,
			Confidence:      confidence,
			SourceTimestamp: seg.CapturedAt,
		}
	}

	return profile.ExtractionResult{
		SessionID:    seg.SessionID,
		SegmentSeq:   seg.SegmentSeq,
		Entities:     entities,
		ProcessingMs: a.now().Sub(started).Milliseconds(),
	}, nil
}

// parseEntities accepts strict JSON and falls back to the outermost
// braced run when the model wraps its answer in prose or fences.
func parseEntities(content string) (map[string]any, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return map[string]any{}, nil
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(content), &out); err == nil {
		return out, nil
	}

	match := jsonObjectPattern.FindString(content)
	if match == "" {
		return nil, fmt.Errorf("no JSON object in model output")
	}
	if err := json.Unmarshal([]byte(match), &out); err != nil {
		return nil, fmt.Errorf("parse model output: %w", err)
	}
	return out, nil
}
