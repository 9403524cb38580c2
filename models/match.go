package models

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Match statuses. Matches are created open by the matcher and moved to a
// terminal state by a human decision.
const (
	MatchStatusOpen      = "open"
	MatchStatusConfirmed = "confirmed"
	MatchStatusRejected  = "rejected"
)

// MatchReason holds the computed features behind a proposed match, plus
// human-readable fragments such as "same start time".
type MatchReason struct {
	TitleSimilarity     float64  `json:"title_similarity"`
	TimeDeltaMinutes    float64  `json:"time_delta_minutes"`
	VenueDistanceKm     *float64 `json:"venue_distance_km,omitempty"`
	OrganizerSimilarity float64  `json:"organizer_similarity"`
	CitySimilarity      float64  `json:"city_similarity,omitempty"`
	CategoryMatch       bool     `json:"category_match,omitempty"`
	CrossSource         bool     `json:"cross_source"`
	Label               string   `json:"label,omitempty"`
	Fragments           []string `json:"fragments,omitempty"`
}

// Match is a proposed duplicate pair of raw events. The pair is unordered
// and stored sorted: RawIDA < RawIDB always holds.
type Match struct {
	ID        uuid.UUID   `json:"id"`
	RawIDA    uuid.UUID   `json:"raw_id_a"`
	RawIDB    uuid.UUID   `json:"raw_id_b"`
	Score     float64     `json:"score"`
	Reason    MatchReason `json:"reason"`
	Status    string      `json:"status"`
	CreatedBy string      `json:"created_by"`
	CreatedAt time.Time   `json:"created_at"`
}

// SortPair returns a, b ordered so the smaller uuid (lexicographically by
// its string form) comes first.
func SortPair(a, b uuid.UUID) (uuid.UUID, uuid.UUID) {
	if a.String() < b.String() {
		return a, b
	}

	return b, a
}

// MatchRepository defines the interface for match storage.
type MatchRepository interface {
	// ReplaceOpen deletes every open match and inserts the given set in a
	// single transaction, so a concurrent reader never observes a
	// momentarily-empty window. Confirmed and rejected matches survive.
	ReplaceOpen(ctx context.Context, matches []Match) error
	Select(ctx context.Context, status string, limit int) ([]Match, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status, actor string) error
}
