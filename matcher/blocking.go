package matcher

import (
	"math"

	"github.com/eventscope/eventscope/models"
)

const (
	venueBlockSimilarity = 0.8
	titleBlockLoose      = 0.7
	titleBlockTight      = 0.8
)

// sameSourceEvent reports whether two rows are trivially the same event: the
// same source handed over the same stable event id.
func sameSourceEvent(a, b models.EventRaw) bool {
	return a.SourceID == b.SourceID &&
		a.SourceEventID != "" &&
		a.SourceEventID == b.SourceEventID
}

// blockPass decides whether a pair is worth scoring at all. These checks are
// ordered cheapest-first; title similarity is only computed once the time
// based rules have failed.
func blockPass(a, b models.EventRaw, windowDays int) bool {
	if sameSourceEvent(a, b) {
		return false
	}

	if !withinWindow(a, b, windowDays) {
		return false
	}

	deltaMin := math.Abs(a.StartDatetime.Sub(b.StartDatetime).Minutes())
	sameDay := sameCalendarDay(a, b)
	crossSource := a.SourceID != b.SourceID

	if crossSource && deltaMin <= 15 {
		return true
	}

	if sameDay && deltaMin <= 30 &&
		a.City != "" && b.City != "" &&
		normalizeText(a.City) == normalizeText(b.City) {
		return true
	}

	if sameDay && a.VenueName != "" && b.VenueName != "" &&
		venueNameSimilarity(a.VenueName, b.VenueName) >= venueBlockSimilarity {
		return true
	}

	title := titleSimilarity(a.Title, b.Title)

	if title > titleBlockLoose && deltaMin <= 60 {
		return true
	}

	if crossSource && sameDay && title > titleBlockTight {
		return true
	}

	return false
}
