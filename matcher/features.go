package matcher

import (
	"math"
	"time"

	"github.com/eventscope/eventscope/models"
)

// features holds everything the scorers need about a candidate pair.
type features struct {
	TitleSimilarity     float64
	TimeDeltaMinutes    float64
	VenueDistanceKm     *float64 // nil when neither coordinates nor names allow an estimate
	OrganizerSimilarity float64
	CitySimilarity      float64
	CategoryMatch       bool
	CrossSource         bool
}

func computeFeatures(a, b models.EventRaw) features {
	f := features{
		TitleSimilarity:     titleSimilarity(a.Title, b.Title),
		TimeDeltaMinutes:    math.Abs(a.StartDatetime.Sub(b.StartDatetime).Minutes()),
		OrganizerSimilarity: organizerSimilarity(a.Organizer, b.Organizer),
		CitySimilarity:      citySimilarity(a.City, b.City),
		CrossSource:         a.SourceID != b.SourceID,
	}

	if a.Category != "" && b.Category != "" {
		f.CategoryMatch = normalizeText(a.Category) == normalizeText(b.Category)
	}

	f.VenueDistanceKm = venueDistanceKm(a, b)

	return f
}

// venueDistanceKm prefers geodesic distance when both sides carry
// coordinates and falls back to a pseudo-distance derived from venue-name
// similarity. Returns nil when neither is available.
func venueDistanceKm(a, b models.EventRaw) *float64 {
	if a.Lat != nil && a.Lon != nil && b.Lat != nil && b.Lon != nil {
		d := haversineKm(*a.Lat, *a.Lon, *b.Lat, *b.Lon)
		return &d
	}

	if a.VenueName != "" && b.VenueName != "" {
		d := (1 - venueNameSimilarity(a.VenueName, b.VenueName)) * 10
		return &d
	}

	return nil
}

func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusKm = 6371.0

	rlat1 := lat1 * math.Pi / 180
	rlat2 := lat2 * math.Pi / 180
	dlat := (lat2 - lat1) * math.Pi / 180
	dlon := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dlat/2)*math.Sin(dlat/2) +
		math.Cos(rlat1)*math.Cos(rlat2)*
			math.Sin(dlon/2)*math.Sin(dlon/2)

	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusKm * c
}

// sameCalendarDay compares the UTC calendar dates of both starts.
func sameCalendarDay(a, b models.EventRaw) bool {
	ya, ma, da := a.StartDatetime.UTC().Date()
	yb, mb, db := b.StartDatetime.UTC().Date()

	return ya == yb && ma == mb && da == db
}

// withinWindow reports whether the two starts are at most windowDays apart.
// The comparison is inclusive: a pair exactly windowDays apart still
// qualifies as a duplicate candidate.
func withinWindow(a, b models.EventRaw, windowDays int) bool {
	d := a.StartDatetime.Sub(b.StartDatetime)
	if d < 0 {
		d = -d
	}

	return d <= time.Duration(windowDays)*24*time.Hour
}
