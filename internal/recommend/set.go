// Package recommend decides when profile changes warrant regenerating
// recommendations, and invokes the recommendation collaborator.
package recommend

import (
	"context"
	"time"

	"github.com/oversea-labs/traveldesk/internal/profile"
)

// Item is a single recommendation entry.
type Item struct {
	ID            string             `json:"id"`
	Destination   string             `json:"destination"`
	Title         string             `json:"title"`
	Description   string             `json:"description"`
	Score         float64            `json:"score"`
	PriceEstimate map[string]float64 `json:"price_estimate,omitempty"`
	Details       map[string]any     `json:"details,omitempty"`
}

// Set is one full recommendation generation. Sets are replaced
// wholesale; a superseded set is discarded, never merged.
// BasisProfileVersion records the profile version the collaborator saw,
// so clients can detect staleness.
type Set struct {
	SessionID           string    `json:"session_id"`
	Version             int64     `json:"version"`
	Items               []Item    `json:"items"`
	GeneratedAt         time.Time `json:"generated_at"`
	BasisProfileVersion int64     `json:"basis_profile_version"`
}

// Recommender is the external recommendation collaborator.
type Recommender interface {
	Recommend(ctx context.Context, prof profile.Profile) ([]Item, error)
}
