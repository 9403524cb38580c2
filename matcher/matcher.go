// Package matcher finds near-duplicate events across sources. It runs a
// cheap blocking phase and a same-time clustering phase to build a candidate
// pair set, scores each candidate with weighted title/time/venue/organizer
// similarity, and keeps the best score per unordered pair.
package matcher

import (
	"sort"
	"time"

	"github.com/eventscope/eventscope/models"
)

// Config tunes a matching pass.
type Config struct {
	// WindowDays is the maximum distance between two starts for the pair to
	// be considered at all.
	WindowDays int
	// ReviewThreshold is the minimum score that surfaces a pair for review.
	ReviewThreshold float64
}

// DefaultConfig returns the stock matching configuration.
func DefaultConfig() Config {
	return Config{WindowDays: 7, ReviewThreshold: DefaultReviewThreshold}
}

const clusterSlot = 15 * time.Minute

type candidate struct {
	a, b     models.EventRaw
	sameTime bool
}

type scored struct {
	candidate
	f     features
	score float64
}

// FindMatches computes the open-match set for the given events. The result
// is deterministic for a given input set: pairs are deduplicated keeping the
// highest score and ordered by score descending, then by pair id.
func FindMatches(events []models.EventRaw, cfg Config) []models.Match {
	if cfg.WindowDays <= 0 {
		cfg.WindowDays = 7
	}

	if cfg.ReviewThreshold <= 0 {
		cfg.ReviewThreshold = DefaultReviewThreshold
	}

	// Sorting by start time lets the blocking sweep stop early once a
	// partner is beyond the window.
	sorted := make([]models.EventRaw, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].StartDatetime.Equal(sorted[j].StartDatetime) {
			return sorted[i].StartDatetime.Before(sorted[j].StartDatetime)
		}

		return sorted[i].ID.String() < sorted[j].ID.String()
	})

	candidates := clusterCandidates(sorted)
	candidates = append(candidates, blockingCandidates(sorted, cfg.WindowDays)...)

	best := make(map[[2]string]scored, len(candidates))

	for _, c := range candidates {
		f := computeFeatures(c.a, c.b)

		var score float64
		if c.sameTime {
			score = sameTimeScore(f)
		} else {
			score = baseScore(f)
		}

		if score < cfg.ReviewThreshold {
			continue
		}

		idA, idB := models.SortPair(c.a.ID, c.b.ID)
		key := [2]string{idA.String(), idB.String()}

		// Both phases can produce the same pair; keep the strongest signal.
		if prev, ok := best[key]; ok && prev.score >= score {
			continue
		}

		best[key] = scored{candidate: c, f: f, score: score}
	}

	out := make([]models.Match, 0, len(best))

	for _, s := range best {
		idA, idB := models.SortPair(s.a.ID, s.b.ID)

		out = append(out, models.Match{
			RawIDA: idA,
			RawIDB: idB,
			Score:  s.score,
			Reason: models.MatchReason{
				TitleSimilarity:     s.f.TitleSimilarity,
				TimeDeltaMinutes:    s.f.TimeDeltaMinutes,
				VenueDistanceKm:     s.f.VenueDistanceKm,
				OrganizerSimilarity: s.f.OrganizerSimilarity,
				CitySimilarity:      s.f.CitySimilarity,
				CategoryMatch:       s.f.CategoryMatch,
				CrossSource:         s.f.CrossSource,
				Label:               label(s.score, s.sameTime),
				Fragments:           fragments(s.f),
			},
			Status:    models.MatchStatusOpen,
			CreatedBy: "system",
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}

		if out[i].RawIDA != out[j].RawIDA {
			return out[i].RawIDA.String() < out[j].RawIDA.String()
		}

		return out[i].RawIDB.String() < out[j].RawIDB.String()
	})

	return out
}

// clusterCandidates buckets events into 15-minute UTC slots and enumerates
// the cross-source pairs of every slot holding at least two events from at
// least two sources.
func clusterCandidates(events []models.EventRaw) []candidate {
	buckets := make(map[int64][]int)

	for i, ev := range events {
		slot := ev.StartDatetime.UTC().Unix() / int64(clusterSlot.Seconds())
		buckets[slot] = append(buckets[slot], i)
	}

	var out []candidate

	for _, idxs := range buckets {
		if len(idxs) < 2 {
			continue
		}

		sources := make(map[string]struct{}, len(idxs))
		for _, i := range idxs {
			sources[events[i].SourceID.String()] = struct{}{}
		}

		if len(sources) < 2 {
			continue
		}

		for i := 0; i < len(idxs); i++ {
			for j := i + 1; j < len(idxs); j++ {
				a, b := events[idxs[i]], events[idxs[j]]
				if a.SourceID == b.SourceID {
					continue
				}

				out = append(out, candidate{a: a, b: b, sameTime: true})
			}
		}
	}

	return out
}

// blockingCandidates sweeps the time-sorted event list and keeps pairs that
// pass any blocking rule. events must be sorted by start time.
func blockingCandidates(events []models.EventRaw, windowDays int) []candidate {
	window := time.Duration(windowDays) * 24 * time.Hour

	var out []candidate

	for i := 0; i < len(events); i++ {
		for j := i + 1; j < len(events); j++ {
			if events[j].StartDatetime.Sub(events[i].StartDatetime) > window {
				break
			}

			if blockPass(events[i], events[j], windowDays) {
				out = append(out, candidate{a: events[i], b: events[j]})
			}
		}
	}

	return out
}
