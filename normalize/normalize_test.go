package normalize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eventscope/eventscope/models"
)

func TestEventResolvesTimezone(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name       string
		moduleZone string
		defaultTZ  string
		wantZone   string
		wantUTC    string
	}{
		{
			name:       "module zone wins",
			moduleZone: "America/Vancouver",
			defaultTZ:  "America/Toronto",
			wantZone:   "America/Vancouver",
			wantUTC:    "2025-07-02T01:00:00Z",
		},
		{
			name:      "falls back to source default",
			defaultTZ: "America/Toronto",
			wantZone:  "America/Toronto",
			wantUTC:   "2025-07-01T22:00:00Z",
		},
		{
			name:       "invalid module zone ignored",
			moduleZone: "PST",
			defaultTZ:  "America/Toronto",
			wantZone:   "America/Toronto",
			wantUTC:    "2025-07-01T22:00:00Z",
		},
		{
			name:     "utc when nothing valid",
			wantZone: "UTC",
			wantUTC:  "2025-07-01T18:00:00Z",
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			ev, err := Event(models.RawEvent{
				Title:    "Summer Fair",
				Start:    "2025-07-01T18:00",
				URL:      "https://a.example/1",
				Timezone: tc.moduleZone,
			}, tc.defaultTZ)
			require.NoError(t, err)

			assert.Equal(t, tc.wantZone, ev.Timezone)
			assert.Equal(t, tc.wantUTC, ev.StartDatetime.Format(time.RFC3339))
		})
	}
}

func TestEventKeepsExplicitOffset(t *testing.T) {
	t.Parallel()

	ev, err := Event(models.RawEvent{
		Title: "Night Market",
		Start: "2025-08-10T20:00:00Z",
		URL:   "https://a.example/2",
	}, "America/Vancouver")
	require.NoError(t, err)

	// An already-UTC instant passes through unchanged even though the
	// resolved zone differs.
	assert.Equal(t, "2025-08-10T20:00:00Z", ev.StartDatetime.Format(time.RFC3339))
	assert.Equal(t, "America/Vancouver", ev.Timezone)
}

func TestEventLooseDatetime(t *testing.T) {
	t.Parallel()

	ev, err := Event(models.RawEvent{
		Title: "Farmers Market",
		Start: "2025-07-05 09:30",
		URL:   "https://a.example/3",
	}, "UTC")
	require.NoError(t, err)
	assert.Equal(t, "2025-07-05T09:30:00Z", ev.StartDatetime.Format(time.RFC3339))
}

func TestEventRejectsUnparseableStart(t *testing.T) {
	t.Parallel()

	_, err := Event(models.RawEvent{
		Title: "Broken",
		Start: "next tuesday-ish",
		URL:   "https://a.example/4",
	}, "UTC")
	assert.ErrorIs(t, err, ErrBadStart)
}

func TestEventEndWallClockWrap(t *testing.T) {
	t.Parallel()

	ev, err := Event(models.RawEvent{
		Title: "Late Show",
		Start: "2025-07-01T23:30",
		End:   "2025-07-01T00:30",
		URL:   "https://a.example/5",
	}, "UTC")
	require.NoError(t, err)
	require.NotNil(t, ev.EndDatetime)

	assert.Equal(t, "2025-07-02T00:30:00Z", ev.EndDatetime.Format(time.RFC3339))
}

func TestEventEndDroppedWhenWrapTooLong(t *testing.T) {
	t.Parallel()

	// Wrapping would produce a 22-hour event; bad data, drop the end.
	ev, err := Event(models.RawEvent{
		Title: "Odd Hours",
		Start: "2025-07-01T18:00",
		End:   "2025-07-01T16:00",
		URL:   "https://a.example/6",
	}, "UTC")
	require.NoError(t, err)
	assert.Nil(t, ev.EndDatetime)
}

func TestEventDeterminism(t *testing.T) {
	t.Parallel()

	lat, lon := 53.9171, -122.7497
	raw := models.RawEvent{
		SourceEventID: "ev-1",
		Title:         "  Jazz Night  ",
		Start:         "2025-08-10T20:00",
		End:           "2025-08-10T22:00",
		VenueName:     "Blue Owl",
		City:          "Prince George",
		Lat:           &lat,
		Lon:           &lon,
		Tags:          []string{"music", "jazz", "music"},
		URL:           "https://s1.example/e?utm=x",
	}

	a, err := Event(raw, "America/Vancouver")
	require.NoError(t, err)
	b, err := Event(raw, "America/Vancouver")
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Equal(t, "Jazz Night", a.Title)
	assert.Equal(t, []string{"jazz", "music"}, a.Tags)
}

func TestClampCoords(t *testing.T) {
	t.Parallel()

	f := func(v float64) *float64 { return &v }

	lat, lon := clampCoords(f(91), f(10))
	assert.Nil(t, lat)
	assert.Nil(t, lon)

	lat, lon = clampCoords(f(53.9), nil)
	assert.Nil(t, lat)
	assert.Nil(t, lon)

	lat, lon = clampCoords(f(53.9), f(-122.7))
	require.NotNil(t, lat)
	require.NotNil(t, lon)
	assert.InDelta(t, 53.9, *lat, 1e-9)
}

func TestContentHashIgnoresQueryString(t *testing.T) {
	t.Parallel()

	base := models.EventRaw{
		Title:         "Summer Fair",
		StartDatetime: time.Date(2025, 7, 1, 18, 0, 0, 0, time.UTC),
		VenueName:     "Town Square",
		City:          "Prince George",
		URL:           "https://a.example/events/1?ref=home",
	}

	other := base
	other.URL = "https://A.EXAMPLE/events/1"

	assert.Equal(t, ContentHash(base), ContentHash(other))

	other.Title = "summer fair"
	assert.Equal(t, ContentHash(base), ContentHash(other), "title casing is normalized")

	other.City = "Quesnel"
	assert.NotEqual(t, ContentHash(base), ContentHash(other))
}
