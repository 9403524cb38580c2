package matcher

import "math"

// Scoring weights shared by both scorers.
const (
	weightTitle     = 0.40
	weightTime      = 0.30
	weightVenue     = 0.20
	weightOrganizer = 0.10
)

// Same-time scorer bonuses.
const (
	bonusCity        = 0.05
	bonusCategory    = 0.03
	bonusCrossSource = 0.02
)

// Review thresholds.
const (
	DefaultReviewThreshold = 0.60
	likelyThreshold        = 0.78
	highlyLikelyThreshold  = 0.85
)

// baseScore is the weighted scorer applied to blocking-phase candidates.
func baseScore(f features) float64 {
	timeScore := math.Max(0, 1-f.TimeDeltaMinutes/180)

	var venueScore float64

	if f.VenueDistanceKm != nil {
		switch d := *f.VenueDistanceKm; {
		case d <= 1:
			venueScore = 1.0
		case d <= 5:
			venueScore = 1 - (d-1)/4
		}
	}

	score := weightTitle*f.TitleSimilarity +
		weightTime*timeScore +
		weightVenue*venueScore +
		weightOrganizer*f.OrganizerSimilarity

	// The weights sum to 1 but not bit-exactly in float64; a perfect pair
	// must score exactly 1.0.
	return math.Min(score, 1.0)
}

// sameTimeScore is the scorer for same-time-cluster candidates. It is more
// generous on time and venue and rewards agreement on city, category and a
// cross-source origin; two different sources reporting the same slot is
// stronger evidence than a repeat within one source.
func sameTimeScore(f features) float64 {
	timeScore := 1.0
	if f.TimeDeltaMinutes > 15 {
		timeScore = math.Max(0, 1-f.TimeDeltaMinutes/60)
	}

	var venueScore float64

	if f.VenueDistanceKm != nil {
		switch d := *f.VenueDistanceKm; {
		case d <= 0.5:
			venueScore = 1.0
		case d <= 2:
			venueScore = 0.8
		case d <= 5:
			venueScore = 0.5
		}
	}

	score := weightTitle*f.TitleSimilarity +
		weightTime*timeScore +
		weightVenue*venueScore +
		weightOrganizer*f.OrganizerSimilarity

	if f.CitySimilarity > 0.8 {
		score += bonusCity
	}

	if f.CategoryMatch {
		score += bonusCategory
	}

	if f.CrossSource {
		score += bonusCrossSource
	}

	return math.Min(score, 1.0)
}

// label classifies a score for the operator.
func label(score float64, sameTime bool) string {
	switch {
	case sameTime && score >= highlyLikelyThreshold:
		return "highly likely same event"
	case score >= likelyThreshold:
		return "likely"
	default:
		return "possible"
	}
}

// fragments produces the human-readable reason strings surfaced in the
// review UI.
func fragments(f features) []string {
	var out []string

	if f.TimeDeltaMinutes <= 15 {
		out = append(out, "same start time")
	} else if f.TimeDeltaMinutes <= 60 {
		out = append(out, "close start time")
	}

	if f.VenueDistanceKm != nil && *f.VenueDistanceKm <= 2 {
		out = append(out, "same venue")
	}

	if f.TitleSimilarity > 0.8 {
		out = append(out, "similar title")
	}

	if f.OrganizerSimilarity > 0.85 {
		out = append(out, "same organizer")
	}

	if f.CitySimilarity > 0.8 {
		out = append(out, "same city")
	}

	if f.CrossSource {
		out = append(out, "different sources")
	}

	return out
}
