// Package normalize converts module-emitted raw events into canonical,
// persistable events. Everything here is deterministic: the same input
// produces the same output bit-for-bit, which is what makes the content hash
// usable as an idempotency key.
package normalize

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/eventscope/eventscope/models"
)

var (
	// ErrMissingTitle is returned when a raw event has no usable title.
	ErrMissingTitle = errors.New("raw event has no title")
	// ErrMissingURL is returned when a raw event has no URL.
	ErrMissingURL = errors.New("raw event has no url")
	// ErrBadStart is returned when the start datetime cannot be parsed.
	ErrBadStart = errors.New("unparseable start datetime")
)

// Accepted datetime layouts. Layouts with a zone offset are used verbatim;
// the rest are interpreted in the resolved event timezone.
var (
	offsetLayouts = []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04Z07:00",
	}
	localLayouts = []string{
		"2006-01-02T15:04:05",
		"2006-01-02T15:04",
		"2006-01-02 15:04:05",
		"2006-01-02 15:04",
	}
)

// maxWrappedDuration bounds the wall-clock wrap heuristic: an end time that
// lands before the start is pushed to the next day only when the resulting
// event lasts at most this long.
const maxWrappedDuration = 6 * time.Hour

// Event normalizes a raw module event. defaultTimezone is the source's
// configured zone, used when the module did not supply a valid IANA zone of
// its own. Identity fields (source, run, scraped-at) are attached by the
// caller.
func Event(raw models.RawEvent, defaultTimezone string) (models.EventRaw, error) {
	title := strings.TrimSpace(raw.Title)
	if title == "" {
		return models.EventRaw{}, ErrMissingTitle
	}

	rawURL := strings.TrimSpace(raw.URL)
	if rawURL == "" {
		return models.EventRaw{}, ErrMissingURL
	}

	zone, loc := resolveZone(raw.Timezone, defaultTimezone)

	start, err := parseDatetime(raw.Start, loc)
	if err != nil {
		return models.EventRaw{}, fmt.Errorf("%w: %q", ErrBadStart, raw.Start)
	}

	ev := models.EventRaw{
		SourceEventID:   strings.TrimSpace(raw.SourceEventID),
		Title:           title,
		DescriptionHTML: strings.TrimSpace(raw.DescriptionHTML),
		StartDatetime:   start.UTC(),
		Timezone:        zone,
		VenueName:       strings.TrimSpace(raw.VenueName),
		VenueAddress:    strings.TrimSpace(raw.VenueAddress),
		City:            strings.TrimSpace(raw.City),
		Region:          strings.TrimSpace(raw.Region),
		Country:         strings.TrimSpace(raw.Country),
		Organizer:       strings.TrimSpace(raw.Organizer),
		Category:        strings.TrimSpace(raw.Category),
		Price:           strings.TrimSpace(raw.Price),
		Tags:            clampTags(raw.Tags),
		URL:             rawURL,
		ImageURL:        strings.TrimSpace(raw.ImageURL),
		Raw:             raw.Raw,
	}

	if end, ok := resolveEnd(raw.End, start, loc); ok {
		u := end.UTC()
		ev.EndDatetime = &u
	}

	ev.Lat, ev.Lon = clampCoords(raw.Lat, raw.Lon)
	ev.ContentHash = ContentHash(ev)

	return ev, nil
}

// resolveZone picks the event timezone: the module-supplied zone when it is
// valid IANA, otherwise the source default, otherwise UTC.
func resolveZone(moduleZone, defaultZone string) (string, *time.Location) {
	for _, name := range []string{strings.TrimSpace(moduleZone), strings.TrimSpace(defaultZone)} {
		if name == "" {
			continue
		}

		if loc, err := time.LoadLocation(name); err == nil {
			return name, loc
		}
	}

	return "UTC", time.UTC
}

func parseDatetime(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty datetime")
	}

	for _, layout := range offsetLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}

	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("unrecognized datetime %q", value)
}

// resolveEnd parses the end datetime and applies the wall-clock wrap rule:
// an end landing before the start is pushed to the next day when the wrapped
// event would last at most maxWrappedDuration. Otherwise the end is dropped.
func resolveEnd(value string, start time.Time, loc *time.Location) (time.Time, bool) {
	end, err := parseDatetime(value, loc)
	if err != nil {
		return time.Time{}, false
	}

	if !end.Before(start) {
		return end, true
	}

	wrapped := end.AddDate(0, 0, 1)
	if d := wrapped.Sub(start); d >= 0 && d <= maxWrappedDuration {
		return wrapped, true
	}

	return time.Time{}, false
}

func clampTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))

	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}

		if _, ok := seen[tag]; ok {
			continue
		}

		seen[tag] = struct{}{}
		out = append(out, tag)
	}

	if len(out) == 0 {
		return nil
	}

	sort.Strings(out)

	return out
}

// clampCoords keeps a coordinate pair only when both members are present,
// finite and within valid ranges.
func clampCoords(lat, lon *float64) (*float64, *float64) {
	if lat == nil || lon == nil {
		return nil, nil
	}

	la, lo := *lat, *lon
	if math.IsNaN(la) || math.IsNaN(lo) || math.IsInf(la, 0) || math.IsInf(lo, 0) {
		return nil, nil
	}

	if la < -90 || la > 90 || lo < -180 || lo > 180 {
		return nil, nil
	}

	return &la, &lo
}

// hostPath reduces a URL to its lowercased host plus path, the part of the
// URL that identifies an event page across query-string noise.
func hostPath(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return strings.ToLower(rawURL)
	}

	return strings.ToLower(u.Host) + u.Path
}
