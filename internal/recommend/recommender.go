package recommend

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/oversea-labs/traveldesk/internal/llm"
	"github.com/oversea-labs/traveldesk/internal/profile"
)

const systemPrompt = `You are a travel recommendation engine. Given a customer
profile as JSON, produce up to 5 concrete travel recommendations
(hotels, activities, itineraries) matched to the customer's
destinations, budget, dates, travelers and preferences.

Return ONLY a valid JSON array. Each element:
{"destination": string, "title": string, "description": string,
 "score": number between 0 and 1,
 "price_estimate": {"min": number, "max": number}}

No markdown, no comments, no trailing commas. Rank best first.`

var jsonArrayPattern = regexp.MustCompile(`(?s)\[.*\]`)

// LLMRecommender generates recommendations with a chat-completion model.
type LLMRecommender struct {
	client llm.Client
	sleep  func(time.Duration)
}

// NewLLMRecommender wraps an LLM client as a Recommender.
func NewLLMRecommender(client llm.Client) *LLMRecommender {
	return &LLMRecommender{client: client, sleep: time.Sleep}
}

// Recommend invokes the model on the profile snapshot. Transient model
// errors are retried with backoff before giving up.
func (r *LLMRecommender) Recommend(ctx context.Context, prof profile.Profile) ([]Item, error) {
	payload, err := json.Marshal(prof.Fields)
	if err != nil {
		return nil, fmt.Errorf("marshal profile: %w", err)
	}

	messages := []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: fmt.Sprintf("Customer profile:\n%s", payload)},
	}

	backoff := []time.Duration{time.Second, 4 * time.Second}
	var lastErr error
	for attempt := 0; attempt <= len(backoff); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
			r.sleep(backoff[attempt-1])
		}

		content, err := r.client.Complete(ctx, messages)
		if err != nil {
			lastErr = err
			continue
		}

		items, err := parseItems(content)
		if err != nil {
			lastErr = err
			continue
		}
		return items, nil
	}
	return nil, fmt.Errorf("recommend failed after retries: %w", lastErr)
}

func parseItems(content string) ([]Item, error) {
	content = strings.TrimSpace(content)

	var raw []Item
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		// Models occasionally wrap the array in prose or fences; take the
		// outermost bracketed run.
		match := jsonArrayPattern.FindString(content)
		if match == "" {
			return nil, fmt.Errorf("no JSON array in model output")
		}
		if err := json.Unmarshal([]byte(match), &raw); err != nil {
			return nil, fmt.Errorf("parse model output: %w", err)
		}
	}

	items := make([]Item, 0, len(raw))
	for _, item := range raw {
		if item.Destination == "" && item.Title == "" {
			continue
		}
		if item.ID == "" {
			item.ID = uuid.NewString()
		}
		if item.Score < 0 {
			item.Score = 0
		}
		if item.Score > 1 {
			item.Score = 1
		}
		items = append(items, item)
	}
	return items, nil
}
