package matcher

import (
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eventscope/eventscope/models"
)

var (
	sourceA = uuid.MustParse("11111111-1111-1111-1111-111111111111")
	sourceB = uuid.MustParse("22222222-2222-2222-2222-222222222222")
)

func event(source uuid.UUID, title string, start time.Time, mutate ...func(*models.EventRaw)) models.EventRaw {
	ev := models.EventRaw{
		ID:            uuid.New(),
		SourceID:      source,
		Title:         title,
		StartDatetime: start,
		Timezone:      "UTC",
		URL:           "https://example.test/" + uuid.NewString(),
	}

	for _, m := range mutate {
		m(&ev)
	}

	return ev
}

func TestCrossSourceDuplicate(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, 8, 10, 20, 0, 0, 0, time.UTC)

	a := event(sourceA, "Jazz Night at Blue Owl", start, func(ev *models.EventRaw) {
		ev.VenueName = "Blue Owl"
		ev.City = "Prince George"
	})
	b := event(sourceB, "Jazz Night - Blue Owl", start.Add(5*time.Minute), func(ev *models.EventRaw) {
		ev.VenueName = "The Blue Owl"
		ev.City = "Prince George"
	})

	matches := FindMatches([]models.EventRaw{a, b}, DefaultConfig())
	require.Len(t, matches, 1)

	m := matches[0]
	assert.GreaterOrEqual(t, m.Score, 0.78)
	assert.Less(t, m.RawIDA.String(), m.RawIDB.String())
	assert.Contains(t, m.Reason.Fragments, "same start time")
	assert.Contains(t, m.Reason.Fragments, "same venue")
	assert.True(t, m.Reason.CrossSource)
}

func TestIdenticalEventsScoreExactlyOne(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, 8, 10, 20, 0, 0, 0, time.UTC)
	lat, lon := 53.9171, -122.7497

	decorate := func(ev *models.EventRaw) {
		ev.VenueName = "Blue Owl"
		ev.City = "Prince George"
		ev.Organizer = "Blue Owl Events"
		ev.Lat, ev.Lon = &lat, &lon
	}

	a := event(sourceA, "Jazz Night", start, decorate)
	b := event(sourceB, "Jazz Night", start, decorate)

	matches := FindMatches([]models.EventRaw{a, b}, DefaultConfig())
	require.Len(t, matches, 1)

	assert.Equal(t, 1.0, matches[0].Score)

	for _, frag := range []string{"same start time", "same venue", "similar title", "same organizer", "same city"} {
		assert.Contains(t, matches[0].Reason.Fragments, frag)
	}
}

func TestCrossSourceScoresHigherThanSameSource(t *testing.T) {
	t.Parallel()

	f := features{
		TitleSimilarity:     0.9,
		TimeDeltaMinutes:    5,
		OrganizerSimilarity: 0.9,
		CitySimilarity:      0.9,
	}

	same := f
	cross := f
	cross.CrossSource = true

	assert.Greater(t, sameTimeScore(cross), sameTimeScore(same))
}

func TestNoMatchWithinSingleSource(t *testing.T) {
	t.Parallel()

	// Two distinct events from one source on different days.
	a := event(sourceA, "Summer Fair", time.Date(2025, 7, 1, 18, 0, 0, 0, time.UTC))
	b := event(sourceA, "Night Market", time.Date(2025, 7, 2, 19, 0, 0, 0, time.UTC))

	matches := FindMatches([]models.EventRaw{a, b}, DefaultConfig())
	assert.Empty(t, matches)
}

func TestWindowEdgeInclusive(t *testing.T) {
	t.Parallel()

	base := time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)
	a := event(sourceA, "Edge", base)

	onEdge := event(sourceB, "Edge", base.Add(7*24*time.Hour))
	assert.True(t, withinWindow(a, onEdge, 7))

	past := event(sourceB, "Edge", base.Add(7*24*time.Hour+time.Millisecond))
	assert.False(t, withinWindow(a, past, 7))
}

func TestClusterBucketEdge(t *testing.T) {
	t.Parallel()

	a := event(sourceA, "Edge", time.Date(2025, 7, 1, 12, 14, 59, 0, time.UTC))
	b := event(sourceB, "Edge", time.Date(2025, 7, 1, 12, 15, 0, 0, time.UTC))

	assert.Empty(t, clusterCandidates([]models.EventRaw{a, b}))

	// One second earlier they share the 12:00..12:15 slot.
	b.StartDatetime = time.Date(2025, 7, 1, 12, 14, 59, 0, time.UTC)
	assert.Len(t, clusterCandidates([]models.EventRaw{a, b}), 1)
}

func TestEmptyFieldsYieldZeroNotNaN(t *testing.T) {
	t.Parallel()

	a := event(sourceA, "", time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC))
	b := event(sourceB, "", time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC))

	f := computeFeatures(a, b)
	assert.Zero(t, f.TitleSimilarity)
	assert.Zero(t, f.OrganizerSimilarity)

	score := sameTimeScore(f)
	assert.False(t, math.IsNaN(score))
	assert.GreaterOrEqual(t, score, 0.0)
}

func TestVenueDistanceFallsBackToNames(t *testing.T) {
	t.Parallel()

	lat, lon := 53.9, -122.7

	a := event(sourceA, "X", time.Now().UTC(), func(ev *models.EventRaw) {
		ev.Lat, ev.Lon = &lat, &lon
		ev.VenueName = "Blue Owl"
	})
	b := event(sourceB, "X", time.Now().UTC(), func(ev *models.EventRaw) {
		ev.VenueName = "Blue Owl"
	})

	// Coordinates on one side only: the name comparison carries.
	d := venueDistanceKm(a, b)
	require.NotNil(t, d)
	assert.InDelta(t, 0, *d, 1e-9)

	a.VenueName, b.VenueName = "", ""
	assert.Nil(t, venueDistanceKm(a, b))
}

func TestPairDeduplicationKeepsBestScore(t *testing.T) {
	t.Parallel()

	// Identical cross-source events in the same slot are produced by both
	// the clustering and the blocking phase; exactly one match survives.
	start := time.Date(2025, 8, 10, 20, 0, 0, 0, time.UTC)

	decorate := func(ev *models.EventRaw) {
		ev.VenueName = "Civic Centre"
		ev.City = "Prince George"
	}

	a := event(sourceA, "Winter Gala", start, decorate)
	b := event(sourceB, "Winter Gala", start, decorate)

	matches := FindMatches([]models.EventRaw{a, b}, DefaultConfig())
	require.Len(t, matches, 1)

	// The same-time scorer's bonuses make it the winning pass here.
	assert.Equal(t, "highly likely same event", matches[0].Reason.Label)
}

func TestFindMatchesDeterministic(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, 8, 10, 20, 0, 0, 0, time.UTC)

	var events []models.EventRaw

	for i := 0; i < 6; i++ {
		src := sourceA
		if i%2 == 1 {
			src = sourceB
		}

		events = append(events, event(src, "Jazz Night", start.Add(time.Duration(i)*time.Minute), func(ev *models.EventRaw) {
			ev.City = "Prince George"
		}))
	}

	first := FindMatches(events, DefaultConfig())
	second := FindMatches(events, DefaultConfig())

	require.Equal(t, len(first), len(second))

	for i := range first {
		assert.Equal(t, first[i].RawIDA, second[i].RawIDA)
		assert.Equal(t, first[i].RawIDB, second[i].RawIDB)
		assert.Equal(t, first[i].Score, second[i].Score)
	}
}

func TestSameSourceEventIDRejected(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, 8, 10, 20, 0, 0, 0, time.UTC)

	a := event(sourceA, "Jazz Night", start, func(ev *models.EventRaw) { ev.SourceEventID = "e-1" })
	b := event(sourceA, "Jazz Night", start, func(ev *models.EventRaw) { ev.SourceEventID = "e-1" })

	assert.False(t, blockPass(a, b, 7))
}

func TestOrganizerSuffixStripping(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 1.0, organizerSimilarity("Blue Owl Events LLC", "Blue Owl Events"))
	assert.Equal(t, 1.0, organizerSimilarity("Downtown Org.", "Downtown"))
}
